package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// DatasetType identifies one reference dataset. Each dataset has its own
// collection progress and its own collector loop.
type DatasetType string

const (
	DatasetDisease    DatasetType = "disease"
	DatasetMedication DatasetType = "medication"
)

// AllDatasets lists the datasets the service collects, in a fixed order.
var AllDatasets = []DatasetType{DatasetDisease, DatasetMedication}

// ParseDataset converts a string into a DatasetType.
func ParseDataset(s string) (DatasetType, error) {
	switch DatasetType(s) {
	case DatasetDisease:
		return DatasetDisease, nil
	case DatasetMedication:
		return DatasetMedication, nil
	default:
		return "", eris.Errorf("unknown dataset: %q (valid: disease, medication)", s)
	}
}

// FetchStatus is the outcome of the most recent collector cycle.
type FetchStatus string

const (
	FetchPending FetchStatus = "pending"
	FetchSuccess FetchStatus = "success"
	FetchError   FetchStatus = "error"
)

// CollectionProgress tracks pagination state for one dataset. It is the
// single durable source of truth for how much of the external source has
// been collected; the collector loop is its only writer.
type CollectionProgress struct {
	CollectionID      string      `json:"collection_id"`
	Dataset           DatasetType `json:"dataset"`
	CurrentOffset     int         `json:"current_offset"`
	BatchSize         int         `json:"batch_size"`
	TotalFetched      int         `json:"total_fetched"`
	TotalAvailable    *int        `json:"total_available,omitempty"`
	IsComplete        bool        `json:"is_complete"`
	LastFetchStatus   FetchStatus `json:"last_fetch_status"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastFetchAt       *time.Time  `json:"last_fetch_at,omitempty"`
	CompletedAt       *time.Time  `json:"completed_at,omitempty"`
}

// NewProgress returns the initial progress row for a dataset: offset zero,
// nothing fetched, status pending.
func NewProgress(dataset DatasetType, batchSize int) *CollectionProgress {
	return &CollectionProgress{
		CollectionID:    string(dataset) + "_main",
		Dataset:         dataset,
		BatchSize:       batchSize,
		LastFetchStatus: FetchPending,
	}
}

// BatchResult is one page of records from the external source.
type BatchResult struct {
	Records        []OntologyRecord `json:"records"`
	TotalAvailable int              `json:"total_available"`
	// Partial means the source returned fewer records than requested, which
	// signals the end of the dataset even when TotalAvailable is stale.
	Partial bool `json:"partial"`
}

// UpsertResult reports how an upsert batch split between inserts and merges.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// FetchLogEntry is the audit record of one collector cycle, kept for the
// operator status surface.
type FetchLogEntry struct {
	ID        string      `json:"id"`
	Dataset   DatasetType `json:"dataset"`
	Offset    int         `json:"offset"`
	Count     int         `json:"count"`
	Status    FetchStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
