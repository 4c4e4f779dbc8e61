// Package collector runs the background loop that pages through an external
// ontology source and lands each page in the store. Progress is committed
// only after the page is durably upserted, so a crash at any point resumes
// from the last committed offset and the idempotent upsert absorbs the
// replayed page.
package collector

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/refsync/internal/fetcher"
	"github.com/sells-group/refsync/internal/model"
	"github.com/sells-group/refsync/internal/resilience"
	"github.com/sells-group/refsync/internal/store"
)

// Config tunes one dataset's collection loop.
type Config struct {
	// Interval between cycles while the dataset is still being collected.
	Interval time.Duration
	// VerifyInterval between re-checks of a completed dataset. Zero disables
	// verification.
	VerifyInterval time.Duration
	// BatchSize is the page size requested from the source.
	BatchSize int
	// ErrorThreshold is the consecutive-error count that switches the loop
	// from Interval to backoff pacing.
	ErrorThreshold int
	// MaxBackoff caps the error cool-down.
	MaxBackoff time.Duration
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       time.Hour,
		VerifyInterval: 24 * time.Hour,
		BatchSize:      500,
		ErrorThreshold: 5,
		MaxBackoff:     6 * time.Hour,
	}
}

// Collector drives collection for a single dataset. It is the only writer of
// that dataset's progress row.
type Collector struct {
	store   store.Store
	source  fetcher.Source
	dataset model.DatasetType
	cfg     Config

	nowFunc func() time.Time
}

// TickResult summarizes one collection cycle.
type TickResult struct {
	Dataset   model.DatasetType
	Skipped   bool
	Verifying bool
	Fetched   int
	Inserted  int
	Updated   int
	Completed bool
}

// New returns a collector for one dataset. Zero config fields fall back to
// the defaults.
func New(st store.Store, src fetcher.Source, dataset model.DatasetType, cfg Config) *Collector {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}

	return &Collector{
		store:   st,
		source:  src,
		dataset: dataset,
		cfg:     cfg,
		nowFunc: time.Now,
	}
}

// Tick runs a single collection cycle: load progress, fetch one page, upsert
// it, then commit the advanced offset. Fetch failures are recorded on the
// progress row without advancing the offset.
func (c *Collector) Tick(ctx context.Context) (*TickResult, error) {
	log := zap.L().With(
		zap.String("component", "collector"),
		zap.String("dataset", string(c.dataset)),
	)
	now := c.nowFunc().UTC()

	progress, err := c.store.LoadProgress(ctx, c.dataset, c.cfg.BatchSize)
	if err != nil {
		return nil, eris.Wrapf(err, "collector: load progress for %s", c.dataset)
	}

	result := &TickResult{Dataset: c.dataset}

	offset := progress.CurrentOffset
	if progress.IsComplete {
		if !c.verifyDue(progress, now) {
			log.Debug("skipping (complete, verify not due)")
			result.Skipped = true
			result.Completed = true
			return result, nil
		}
		// Re-fetch the tail page of a completed dataset. If the source has
		// grown past it, completion is cleared and normal paging resumes.
		result.Verifying = true
		offset = progress.CurrentOffset - progress.BatchSize
		if offset < 0 {
			offset = 0
		}
		log.Info("verifying completed dataset", zap.Int("offset", offset))
	}

	batch, err := c.source.FetchPage(ctx, offset, progress.BatchSize)
	if err != nil {
		// Shutdown mid-fetch is not a source failure; leave the progress row
		// untouched for the next start.
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, c.recordFailure(ctx, log, progress, offset, now, err)
	}

	upserted, err := c.store.UpsertBatch(ctx, c.dataset, batch.Records)
	if err != nil {
		// A store failure is not a source failure: leave the progress row
		// alone and retry the same page next cycle.
		return result, eris.Wrapf(err, "collector: upsert page at offset %d for %s", offset, c.dataset)
	}

	progress.CurrentOffset = offset + len(batch.Records)
	if result.Verifying {
		// A verification pass replays records already counted; only records
		// the source added since completion are new to the tally.
		progress.TotalFetched += upserted.Inserted
	} else {
		progress.TotalFetched += len(batch.Records)
	}
	progress.LastFetchStatus = model.FetchSuccess
	progress.ConsecutiveErrors = 0
	progress.LastFetchAt = &now
	if batch.TotalAvailable > 0 {
		total := batch.TotalAvailable
		progress.TotalAvailable = &total
	}

	complete := batch.Partial
	if progress.TotalAvailable != nil && progress.CurrentOffset >= *progress.TotalAvailable {
		complete = true
	}
	if complete && !progress.IsComplete {
		progress.IsComplete = true
		progress.CompletedAt = &now
	}
	if !complete && progress.IsComplete {
		// The source grew since completion; resume collecting.
		log.Info("dataset grew since completion, resuming collection",
			zap.Int("offset", progress.CurrentOffset))
		progress.IsComplete = false
		progress.CompletedAt = nil
	}

	if err := c.store.CommitProgress(ctx, progress); err != nil {
		return result, eris.Wrapf(err, "collector: commit progress for %s", c.dataset)
	}

	c.appendLog(ctx, log, model.FetchLogEntry{
		Dataset: c.dataset,
		Offset:  offset,
		Count:   len(batch.Records),
		Status:  model.FetchSuccess,
	})

	result.Fetched = len(batch.Records)
	result.Inserted = upserted.Inserted
	result.Updated = upserted.Updated
	result.Completed = progress.IsComplete

	log.Info("page collected",
		zap.Int("offset", offset),
		zap.Int("fetched", result.Fetched),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Bool("complete", result.Completed),
	)
	return result, nil
}

// Run loops Tick until the context is canceled. Consecutive failures past
// the threshold switch the pacing from the regular interval to an
// exponential cool-down.
func (c *Collector) Run(ctx context.Context) error {
	log := zap.L().With(
		zap.String("component", "collector"),
		zap.String("dataset", string(c.dataset)),
	)
	log.Info("collector started",
		zap.Duration("interval", c.cfg.Interval),
		zap.Int("batch_size", c.cfg.BatchSize),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("collector stopped")
			return ctx.Err()
		case <-timer.C:
		}

		result, err := c.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("collector stopped")
				return ctx.Err()
			}
			log.Warn("cycle failed", zap.Error(err))
		}

		timer.Reset(c.nextDelay(ctx, result, err))
	}
}

// nextDelay picks the pause before the next cycle.
func (c *Collector) nextDelay(ctx context.Context, result *TickResult, tickErr error) time.Duration {
	if tickErr != nil {
		progress, err := c.store.LoadProgress(ctx, c.dataset, c.cfg.BatchSize)
		if err == nil && progress.ConsecutiveErrors >= c.cfg.ErrorThreshold {
			backoff := resilience.Backoff(progress.ConsecutiveErrors-c.cfg.ErrorThreshold, resilience.BackoffConfig{
				Base:           c.cfg.Interval,
				Max:            c.cfg.MaxBackoff,
				Multiplier:     2.0,
				JitterFraction: 0.25,
			})
			return backoff
		}
		return c.cfg.Interval
	}

	// Keep paging immediately while there is more to collect; an incomplete
	// dataset should not wait a full interval between pages.
	if result != nil && !result.Completed && !result.Skipped {
		return time.Second
	}
	return c.cfg.Interval
}

// recordFailure marks the progress row with the failed cycle without moving
// the offset, then returns the classified error.
func (c *Collector) recordFailure(ctx context.Context, log *zap.Logger, progress *model.CollectionProgress, offset int, now time.Time, fetchErr error) error {
	kind := "permanent"
	if resilience.IsTransient(fetchErr) {
		kind = "transient"
	}
	log.Warn("fetch failed",
		zap.Int("offset", offset),
		zap.String("kind", kind),
		zap.Error(fetchErr),
	)

	progress.LastFetchStatus = model.FetchError
	progress.ConsecutiveErrors++
	progress.LastFetchAt = &now
	if err := c.store.CommitProgress(ctx, progress); err != nil {
		log.Error("failed to record fetch failure", zap.Error(err))
	}

	c.appendLog(ctx, log, model.FetchLogEntry{
		Dataset: c.dataset,
		Offset:  offset,
		Status:  model.FetchError,
		Error:   fetchErr.Error(),
	})

	return eris.Wrapf(fetchErr, "collector: fetch page at offset %d for %s", offset, c.dataset)
}

func (c *Collector) appendLog(ctx context.Context, log *zap.Logger, entry model.FetchLogEntry) {
	entry.ID = uuid.NewString()
	entry.CreatedAt = c.nowFunc().UTC()
	if err := c.store.AppendFetchLog(ctx, entry); err != nil {
		log.Error("failed to append fetch log", zap.Error(err))
	}
}

func (c *Collector) verifyDue(progress *model.CollectionProgress, now time.Time) bool {
	if c.cfg.VerifyInterval <= 0 {
		return false
	}
	if progress.LastFetchAt == nil {
		return true
	}
	return now.Sub(*progress.LastFetchAt) >= c.cfg.VerifyInterval
}
