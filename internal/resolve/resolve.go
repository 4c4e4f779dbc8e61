// Package resolve answers lookups through three tiers: the live external
// source (opt-in), the record store, then the embedded fallback set. Every
// answer carries the tier it came from, and the fallback tier keeps common
// lookups working with an empty store and an unreachable source.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/refsync/internal/fallback"
	"github.com/sells-group/refsync/internal/fetcher"
	"github.com/sells-group/refsync/internal/model"
	"github.com/sells-group/refsync/internal/store"
)

// Tier names, as reported in resolution results and the HTTP API.
const (
	TierLive     = "live"
	TierStore    = "store"
	TierFallback = "fallback"
)

// DefaultSearchLimit bounds search results when the caller does not.
const DefaultSearchLimit = 20

// ValidationError rejects malformed input before any tier is consulted.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Result is one resolved record plus the tier that produced it.
type Result struct {
	Record *model.OntologyRecord `json:"record"`
	Source string                `json:"source"`
}

// ListResult is a resolved record list plus the tier that produced it.
type ListResult struct {
	Records []model.OntologyRecord `json:"records"`
	Source  string                 `json:"source"`
}

// Opts tunes a single resolution call.
type Opts struct {
	// Live consults the external source before the store. Only id lookups
	// support it; search and cross-reference lookups always start at the
	// store.
	Live bool
}

// Service resolves lookups across the three tiers.
type Service struct {
	store    store.Store
	sources  map[model.DatasetType]fetcher.Source
	fallback *fallback.Set
}

// New builds a resolution service. sources may be nil or sparse; datasets
// without a source simply never answer from the live tier.
func New(st store.Store, sources map[model.DatasetType]fetcher.Source, fb *fallback.Set) *Service {
	if sources == nil {
		sources = map[model.DatasetType]fetcher.Source{}
	}
	return &Service{store: st, sources: sources, fallback: fb}
}

// ResolveByID looks up one record by external identifier. A miss in every
// tier returns (nil, nil).
func (s *Service) ResolveByID(ctx context.Context, dataset model.DatasetType, externalID string, opts Opts) (*Result, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, validationErrorf("resolve: external id must not be empty")
	}

	log := zap.L().With(
		zap.String("component", "resolve"),
		zap.String("dataset", string(dataset)),
		zap.String("external_id", externalID),
	)

	if opts.Live {
		if rec := s.resolveLive(ctx, log, dataset, externalID); rec != nil {
			return &Result{Record: rec, Source: TierLive}, nil
		}
	}

	rec, err := s.store.GetByExternalID(ctx, dataset, externalID)
	if err != nil {
		// A broken store must not take lookups down with it; degrade to the
		// embedded set.
		log.Warn("store lookup failed, degrading to fallback", zap.Error(err))
	} else if rec != nil {
		return &Result{Record: rec, Source: TierStore}, nil
	}

	if rec := s.fallback.GetByID(dataset, externalID); rec != nil {
		return &Result{Record: rec, Source: TierFallback}, nil
	}
	return nil, nil
}

// ResolveBySearch matches the query against labels and synonyms. Results
// come from the store when it has any, otherwise from the embedded set.
func (s *Service) ResolveBySearch(ctx context.Context, dataset model.DatasetType, query string, limit int, _ Opts) (*ListResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, validationErrorf("resolve: search query must not be empty")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	log := zap.L().With(
		zap.String("component", "resolve"),
		zap.String("dataset", string(dataset)),
		zap.String("query", query),
	)

	records, err := s.store.SearchByLabelOrSynonym(ctx, dataset, query, limit)
	if err != nil {
		log.Warn("store search failed, degrading to fallback", zap.Error(err))
	} else if len(records) > 0 {
		return &ListResult{Records: records, Source: TierStore}, nil
	}

	if fb := s.fallback.Search(dataset, query, limit); len(fb) > 0 {
		return &ListResult{Records: fb, Source: TierFallback}, nil
	}
	return &ListResult{Records: []model.OntologyRecord{}, Source: TierStore}, nil
}

// ResolveByCrossReference finds the record carrying a code from another
// coding system, e.g. an ICD-10 or ATC code.
func (s *Service) ResolveByCrossReference(ctx context.Context, dataset model.DatasetType, system, code string, _ Opts) (*Result, error) {
	system = strings.TrimSpace(system)
	code = strings.TrimSpace(code)
	if system == "" || code == "" {
		return nil, validationErrorf("resolve: cross-reference system and code must not be empty")
	}

	log := zap.L().With(
		zap.String("component", "resolve"),
		zap.String("dataset", string(dataset)),
		zap.String("system", system),
		zap.String("code", code),
	)

	rec, err := s.store.GetByCrossReference(ctx, dataset, system, code)
	if err != nil {
		log.Warn("store xref lookup failed, degrading to fallback", zap.Error(err))
	} else if rec != nil {
		return &Result{Record: rec, Source: TierStore}, nil
	}

	if rec := s.fallback.GetByCrossReference(dataset, system, code); rec != nil {
		return &Result{Record: rec, Source: TierFallback}, nil
	}
	return nil, nil
}

// ResolveList returns every non-obsolete record for a dataset, from the
// store when it has any rows and from the embedded set otherwise.
func (s *Service) ResolveList(ctx context.Context, dataset model.DatasetType) (*ListResult, error) {
	var records []model.OntologyRecord
	err := s.store.ListAll(ctx, dataset, func(rec model.OntologyRecord) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		zap.L().Warn("store list failed, degrading to fallback",
			zap.String("component", "resolve"),
			zap.String("dataset", string(dataset)),
			zap.Error(err),
		)
	} else if len(records) > 0 {
		return &ListResult{Records: records, Source: TierStore}, nil
	}

	return &ListResult{Records: s.fallback.List(dataset), Source: TierFallback}, nil
}

// resolveLive fetches one record from the external source and, on success,
// lands it in the store so the next lookup hits the store tier.
func (s *Service) resolveLive(ctx context.Context, log *zap.Logger, dataset model.DatasetType, externalID string) *model.OntologyRecord {
	src, ok := s.sources[dataset]
	if !ok {
		return nil
	}

	rec, err := src.FetchByID(ctx, externalID)
	if err != nil {
		log.Debug("live lookup failed", zap.Error(err))
		return nil
	}
	if rec == nil {
		return nil
	}

	if _, err := s.store.UpsertBatch(ctx, dataset, []model.OntologyRecord{*rec}); err != nil {
		log.Warn("failed to cache live record", zap.Error(err))
	}
	return rec
}
