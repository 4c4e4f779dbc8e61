package model

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// OntologyRecord is one canonical entry in a reference dataset: a stable
// external identifier, a display label, alternate names, and cross-references
// into other coding systems.
type OntologyRecord struct {
	ExternalID     string              `json:"external_id"`
	Label          string              `json:"label"`
	Synonyms       []string            `json:"synonyms,omitempty"`
	CrossRefs      map[string][]string `json:"cross_refs,omitempty"`
	Definition     string              `json:"definition,omitempty"`
	Source         string              `json:"source,omitempty"`
	IsObsolete     bool                `json:"is_obsolete,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	LastVerifiedAt time.Time           `json:"last_verified_at"`
}

// Fold lowercases a term for case-insensitive comparison using full Unicode
// case folding. Casers are stateful, so one is built per call rather than
// shared across goroutines.
func Fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Normalize trims whitespace and deduplicates synonyms case-insensitively,
// preserving first-seen order and casing. Synonyms equal to the label are
// dropped. Cross-reference code lists are deduplicated and sorted.
func (r *OntologyRecord) Normalize() {
	r.ExternalID = strings.TrimSpace(r.ExternalID)
	r.Label = strings.TrimSpace(r.Label)

	labelKey := Fold(r.Label)
	seen := make(map[string]bool, len(r.Synonyms))
	out := r.Synonyms[:0]
	for _, s := range r.Synonyms {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := Fold(s)
		if key == labelKey || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	r.Synonyms = out

	for system, codes := range r.CrossRefs {
		r.CrossRefs[system] = dedupCodes(codes)
	}
}

// Merge folds an incoming record for the same external_id into r. Synonyms
// and cross-references are unioned, never removed: a later fetch that omits
// a previously learned synonym must not discard it. Label and definition are
// replaced only by non-empty incoming values. UpdatedAt and LastVerifiedAt
// are set to now.
func (r *OntologyRecord) Merge(in OntologyRecord, now time.Time) {
	if in.Label != "" && in.Label != r.Label {
		// The old label survives as a synonym so lookups against it keep working.
		r.Synonyms = unionSynonyms(r.Synonyms, []string{r.Label}, in.Label)
		r.Label = in.Label
	}
	if in.Definition != "" {
		r.Definition = in.Definition
	}
	if in.Source != "" {
		r.Source = in.Source
	}
	r.IsObsolete = in.IsObsolete

	r.Synonyms = unionSynonyms(r.Synonyms, in.Synonyms, r.Label)

	if len(in.CrossRefs) > 0 && r.CrossRefs == nil {
		r.CrossRefs = make(map[string][]string, len(in.CrossRefs))
	}
	for system, codes := range in.CrossRefs {
		r.CrossRefs[system] = dedupCodes(append(r.CrossRefs[system], codes...))
	}

	r.UpdatedAt = now
	r.LastVerifiedAt = now
}

// MatchesQuery reports whether the folded query is a substring of the label
// or any synonym.
func (r *OntologyRecord) MatchesQuery(foldedQuery string) bool {
	if strings.Contains(Fold(r.Label), foldedQuery) {
		return true
	}
	for _, s := range r.Synonyms {
		if strings.Contains(Fold(s), foldedQuery) {
			return true
		}
	}
	return false
}

// HasCrossRef reports whether the record carries the given code under the
// given reference system (both compared case-insensitively).
func (r *OntologyRecord) HasCrossRef(system, code string) bool {
	foldedSystem := Fold(system)
	foldedCode := Fold(code)
	for sys, codes := range r.CrossRefs {
		if Fold(sys) != foldedSystem {
			continue
		}
		for _, c := range codes {
			if Fold(c) == foldedCode {
				return true
			}
		}
	}
	return false
}

// SortRecords orders records for deterministic search results: shortest
// label first, then external_id ascending. Label length is counted in
// characters, matching the SQL length() used by the store backends.
func SortRecords(records []OntologyRecord) {
	sort.Slice(records, func(i, j int) bool {
		li := utf8.RuneCountInString(records[i].Label)
		lj := utf8.RuneCountInString(records[j].Label)
		if li != lj {
			return li < lj
		}
		return records[i].ExternalID < records[j].ExternalID
	})
}

func unionSynonyms(existing, incoming []string, label string) []string {
	labelKey := Fold(label)
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, list := range [][]string{existing, incoming} {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			key := Fold(s)
			if key == labelKey || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}

func dedupCodes(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
