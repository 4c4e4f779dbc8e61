package api

import (
	"context"
	"net/http"

	"github.com/sells-group/refsync/internal/model"
)

func contextWithDataset(ctx context.Context, dataset model.DatasetType) context.Context {
	return context.WithValue(ctx, datasetKey, dataset)
}

// datasetFrom reads the dataset placed on the request context by datasetCtx.
func datasetFrom(r *http.Request) model.DatasetType {
	dataset, _ := r.Context().Value(datasetKey).(model.DatasetType)
	return dataset
}
