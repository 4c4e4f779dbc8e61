// Package fetcher adapts external paginated ontology sources into the fixed
// BatchResult/OntologyRecord shapes the rest of the service consumes. All
// source-specific envelope and field-name quirks stay inside this package.
package fetcher

import (
	"context"

	"github.com/sells-group/refsync/internal/model"
)

// Source fetches pages of ontology records from an external dataset.
type Source interface {
	// FetchPage returns one page of records starting at offset. It performs
	// exactly one request: retry and backoff policy belongs to the collector
	// loop so offset-advancement logic stays in one place. Failures are
	// classified as resilience.FetchError (transient or permanent).
	FetchPage(ctx context.Context, offset, limit int) (*model.BatchResult, error)

	// FetchByID looks up a single record by its external identifier for
	// live-tier resolution. Sources without a lookup endpoint return
	// resilience.ErrNotSupported.
	FetchByID(ctx context.Context, externalID string) (*model.OntologyRecord, error)
}
