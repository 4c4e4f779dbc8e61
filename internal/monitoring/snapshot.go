// Package monitoring assembles the operator-facing view of collection
// health: per-dataset progress, record counts, recent fetch activity, and a
// simple problem evaluation used by the status command and the health
// endpoint.
package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refsync/internal/fallback"
	"github.com/sells-group/refsync/internal/model"
	"github.com/sells-group/refsync/internal/store"
)

// DatasetStatus is the health view of one dataset.
type DatasetStatus struct {
	Dataset       model.DatasetType         `json:"dataset"`
	Progress      *model.CollectionProgress `json:"progress"`
	RecordCount   int                       `json:"record_count"`
	RecentFetches []model.FetchLogEntry     `json:"recent_fetches,omitempty"`
}

// Snapshot is the full status surface at one point in time.
type Snapshot struct {
	Datasets        []DatasetStatus `json:"datasets"`
	FallbackVersion string          `json:"fallback_version"`
	TakenAt         time.Time       `json:"taken_at"`
}

// Collector reads the status surface out of the store.
type Collector struct {
	store    store.Store
	fallback *fallback.Set

	// RecentFetchLimit bounds the fetch-log tail per dataset.
	RecentFetchLimit int
}

// NewCollector builds a status collector.
func NewCollector(st store.Store, fb *fallback.Set) *Collector {
	return &Collector{store: st, fallback: fb, RecentFetchLimit: 5}
}

// Collect assembles a snapshot across all datasets.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{TakenAt: time.Now().UTC()}
	if c.fallback != nil {
		snap.FallbackVersion = c.fallback.Version()
	}

	for _, dataset := range model.AllDatasets {
		status, err := c.collectDataset(ctx, dataset)
		if err != nil {
			return nil, err
		}
		snap.Datasets = append(snap.Datasets, *status)
	}
	return snap, nil
}

func (c *Collector) collectDataset(ctx context.Context, dataset model.DatasetType) (*DatasetStatus, error) {
	progress, err := c.store.LoadProgress(ctx, dataset, 0)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: load progress for %s", dataset)
	}

	count, err := c.store.Count(ctx, dataset)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: count records for %s", dataset)
	}

	fetches, err := c.store.ListFetchLog(ctx, dataset, c.RecentFetchLimit)
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: list fetch log for %s", dataset)
	}

	return &DatasetStatus{
		Dataset:       dataset,
		Progress:      progress,
		RecordCount:   count,
		RecentFetches: fetches,
	}, nil
}

// Problem describes one health finding.
type Problem struct {
	Dataset  model.DatasetType `json:"dataset"`
	Severity string            `json:"severity"`
	Message  string            `json:"message"`
}

// CheckConfig tunes problem evaluation.
type CheckConfig struct {
	// ErrorThreshold flags a dataset whose consecutive-error count reached it.
	ErrorThreshold int
	// StaleAfter flags a dataset whose last fetch is older than this. Zero
	// disables the staleness check.
	StaleAfter time.Duration
}

// Check evaluates a snapshot and returns any findings. An empty slice means
// healthy.
func Check(snap *Snapshot, cfg CheckConfig) []Problem {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	now := snap.TakenAt

	var problems []Problem
	for _, ds := range snap.Datasets {
		p := ds.Progress
		if p == nil {
			continue
		}

		if p.ConsecutiveErrors >= cfg.ErrorThreshold {
			problems = append(problems, Problem{
				Dataset:  ds.Dataset,
				Severity: "high",
				Message: fmt.Sprintf("%d consecutive fetch failures (threshold %d)",
					p.ConsecutiveErrors, cfg.ErrorThreshold),
			})
		}

		if cfg.StaleAfter > 0 && p.LastFetchAt != nil && now.Sub(*p.LastFetchAt) > cfg.StaleAfter {
			problems = append(problems, Problem{
				Dataset:  ds.Dataset,
				Severity: "medium",
				Message: fmt.Sprintf("no fetch in %s (limit %s)",
					now.Sub(*p.LastFetchAt).Round(time.Minute), cfg.StaleAfter),
			})
		}
	}
	return problems
}
