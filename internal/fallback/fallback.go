// Package fallback holds the embedded last-resort datasets: small curated
// lists of the most commonly queried entries, bundled with the binary so
// lookups keep answering on a fresh install with no network and no store.
package fallback

import (
	"embed"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/refsync/internal/model"
)

//go:embed data/diseases.yaml data/medications.yaml
var dataFS embed.FS

var datasetFiles = map[model.DatasetType]string{
	model.DatasetDisease:    "data/diseases.yaml",
	model.DatasetMedication: "data/medications.yaml",
}

// Set is an immutable in-memory fallback dataset collection.
type Set struct {
	records map[model.DatasetType][]model.OntologyRecord
	byID    map[model.DatasetType]map[string]*model.OntologyRecord
	version string
}

type fallbackFile struct {
	Version string `yaml:"version"`
	Source  string `yaml:"source"`
	Records []struct {
		ID         string              `yaml:"id"`
		Label      string              `yaml:"label"`
		Synonyms   []string            `yaml:"synonyms"`
		Xrefs      map[string][]string `yaml:"xrefs"`
		Definition string              `yaml:"definition"`
	} `yaml:"records"`
}

var (
	loadOnce sync.Once
	loaded   *Set
	loadErr  error
)

// Default returns the embedded fallback set, parsed once per process.
func Default() (*Set, error) {
	loadOnce.Do(func() {
		loaded, loadErr = load()
	})
	return loaded, loadErr
}

func load() (*Set, error) {
	set := &Set{
		records: make(map[model.DatasetType][]model.OntologyRecord, len(datasetFiles)),
		byID:    make(map[model.DatasetType]map[string]*model.OntologyRecord, len(datasetFiles)),
	}

	for dataset, path := range datasetFiles {
		raw, err := dataFS.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "fallback: read %s", path)
		}

		var file fallbackFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, eris.Wrapf(err, "fallback: parse %s", path)
		}

		records := make([]model.OntologyRecord, 0, len(file.Records))
		index := make(map[string]*model.OntologyRecord, len(file.Records))
		for _, fr := range file.Records {
			rec := model.OntologyRecord{
				ExternalID: fr.ID,
				Label:      fr.Label,
				Synonyms:   fr.Synonyms,
				CrossRefs:  fr.Xrefs,
				Definition: fr.Definition,
				Source:     file.Source,
			}
			rec.Normalize()
			if rec.ExternalID == "" || rec.Label == "" {
				return nil, eris.Errorf("fallback: %s contains a record without id or label", path)
			}
			records = append(records, rec)
		}
		for i := range records {
			index[records[i].ExternalID] = &records[i]
		}

		set.records[dataset] = records
		set.byID[dataset] = index
		set.version = file.Version
	}

	return set, nil
}

// Version reports the embedded dataset revision, for the status surface.
func (s *Set) Version() string {
	return s.version
}

// Count returns the number of embedded entries for a dataset.
func (s *Set) Count(dataset model.DatasetType) int {
	return len(s.records[dataset])
}

// List returns a copy of all embedded entries for a dataset.
func (s *Set) List(dataset model.DatasetType) []model.OntologyRecord {
	src := s.records[dataset]
	out := make([]model.OntologyRecord, len(src))
	copy(out, src)
	return out
}

// GetByID returns the embedded entry with the given external id, or nil.
func (s *Set) GetByID(dataset model.DatasetType, externalID string) *model.OntologyRecord {
	rec, ok := s.byID[dataset][externalID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// Search matches the query case-insensitively against labels and synonyms,
// with the same deterministic ordering as the store tier.
func (s *Set) Search(dataset model.DatasetType, query string, limit int) []model.OntologyRecord {
	if limit <= 0 {
		limit = 20
	}
	folded := model.Fold(query)

	var out []model.OntologyRecord
	for _, rec := range s.records[dataset] {
		if rec.MatchesQuery(folded) {
			out = append(out, rec)
		}
	}
	model.SortRecords(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetByCrossReference returns the embedded entry carrying the given code, or
// nil. Ties resolve to the lowest external id.
func (s *Set) GetByCrossReference(dataset model.DatasetType, system, code string) *model.OntologyRecord {
	var best *model.OntologyRecord
	for i := range s.records[dataset] {
		rec := &s.records[dataset][i]
		if !rec.HasCrossRef(system, code) {
			continue
		}
		if best == nil || rec.ExternalID < best.ExternalID {
			best = rec
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}
