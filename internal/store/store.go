package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refsync/internal/model"
)

// Store is the durable backend shared by the collector loop and the
// resolution service: upsertable ontology records, one collection-progress
// row per dataset, and a fetch log for the operator status surface.
//
// The collector loop is the only writer of progress rows; the resolution
// service only reads records. Lookups that find nothing return (nil, nil).
type Store interface {
	// Records
	UpsertBatch(ctx context.Context, dataset model.DatasetType, records []model.OntologyRecord) (*model.UpsertResult, error)
	GetByExternalID(ctx context.Context, dataset model.DatasetType, externalID string) (*model.OntologyRecord, error)
	SearchByLabelOrSynonym(ctx context.Context, dataset model.DatasetType, query string, limit int) ([]model.OntologyRecord, error)
	GetByCrossReference(ctx context.Context, dataset model.DatasetType, system, code string) (*model.OntologyRecord, error)
	Count(ctx context.Context, dataset model.DatasetType) (int, error)
	// ListAll streams non-obsolete records one row at a time so full-list
	// queries never load tens of thousands of rows into memory at once.
	ListAll(ctx context.Context, dataset model.DatasetType, fn func(model.OntologyRecord) error) error

	// Collection progress
	LoadProgress(ctx context.Context, dataset model.DatasetType, batchSize int) (*model.CollectionProgress, error)
	CommitProgress(ctx context.Context, progress *model.CollectionProgress) error

	// Fetch log
	AppendFetchLog(ctx context.Context, entry model.FetchLogEntry) error
	ListFetchLog(ctx context.Context, dataset model.DatasetType, limit int) ([]model.FetchLogEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Config selects and configures the storage backend.
type Config struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// New opens the store selected by cfg.Driver (sqlite by default).
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			path = "refsync.db"
		}
		return NewSQLite(path)
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, eris.New("store: postgres driver requires database_url")
		}
		return NewPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q (valid: sqlite, postgres)", cfg.Driver)
	}
}
