package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refsync/internal/collector"
	"github.com/sells-group/refsync/internal/fallback"
	"github.com/sells-group/refsync/internal/fetcher"
	"github.com/sells-group/refsync/internal/model"
	"github.com/sells-group/refsync/internal/resolve"
	"github.com/sells-group/refsync/internal/store"
)

// openStore opens the configured backend and applies migrations.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// buildSource builds the HTTP source for one dataset. Datasets without a
// configured base_url return nil.
func buildSource(dataset model.DatasetType) fetcher.Source {
	ds := cfg.Dataset(dataset)
	if ds.BaseURL == "" {
		return nil
	}
	return fetcher.NewHTTPSource(fetcher.HTTPOptions{
		BaseURL:    ds.BaseURL,
		LookupURL:  ds.LookupURL,
		SourceName: string(dataset),
		UserAgent:  ds.UserAgent,
		Timeout:    ds.Timeout(),
		RatePerSec: ds.RatePerSec,
	})
}

// buildSources builds sources for every configured dataset.
func buildSources() map[model.DatasetType]fetcher.Source {
	sources := make(map[model.DatasetType]fetcher.Source)
	for _, dataset := range model.AllDatasets {
		if src := buildSource(dataset); src != nil {
			sources[dataset] = src
		}
	}
	return sources
}

// buildResolver wires the three resolution tiers together.
func buildResolver(st store.Store) (*resolve.Service, error) {
	fb, err := fallback.Default()
	if err != nil {
		return nil, err
	}
	return resolve.New(st, buildSources(), fb), nil
}

// buildCollector builds the collector for one dataset, or nil when the
// dataset has no configured source.
func buildCollector(st store.Store, dataset model.DatasetType) *collector.Collector {
	src := buildSource(dataset)
	if src == nil {
		return nil
	}
	return collector.New(st, src, dataset, collector.Config{
		Interval:       cfg.Collector.Interval(),
		VerifyInterval: cfg.Collector.VerifyInterval(),
		BatchSize:      cfg.Dataset(dataset).BatchSize,
		ErrorThreshold: cfg.Collector.ErrorThreshold,
		MaxBackoff:     cfg.Collector.MaxBackoff(),
	})
}

// buildCollectors builds one collector per dataset that has a source.
func buildCollectors(st store.Store) []*collector.Collector {
	var collectors []*collector.Collector
	for _, dataset := range model.AllDatasets {
		if c := buildCollector(st, dataset); c != nil {
			collectors = append(collectors, c)
		}
	}
	return collectors
}
