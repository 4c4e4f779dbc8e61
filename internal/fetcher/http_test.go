package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refsync/internal/resilience"
)

func newTestSource(t *testing.T, handler http.HandlerFunc) *HTTPSource {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPSource(HTTPOptions{
		BaseURL:    srv.URL + "/terms",
		LookupURL:  srv.URL + "/terms",
		SourceName: "test-source",
		RatePerSec: 1000,
	})
}

func TestFetchPage_DecodesStandardEnvelope(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("offset"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		fmt.Fprint(w, `{
			"total": 2500,
			"records": [
				{"id": "MONDO:1", "label": "diabetes", "synonyms": ["DM"], "xrefs": {"ICD10": ["E11"]}},
				{"id": "MONDO:2", "label": "hypertension", "definition": "High blood pressure."}
			]
		}`)
	})

	batch, err := src.FetchPage(context.Background(), 100, 2)
	require.NoError(t, err)
	assert.Equal(t, 2500, batch.TotalAvailable)
	assert.False(t, batch.Partial)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, "MONDO:1", batch.Records[0].ExternalID)
	assert.Equal(t, []string{"DM"}, batch.Records[0].Synonyms)
	assert.Equal(t, []string{"E11"}, batch.Records[0].CrossRefs["ICD10"])
	assert.Equal(t, "test-source", batch.Records[0].Source)
	assert.Equal(t, "High blood pressure.", batch.Records[1].Definition)
}

func TestFetchPage_DecodesAliasedEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"results and total_records", `{"total_records": 10, "results": [{"code": "R:1", "name": "thing", "aliases": ["t"]}]}`},
		{"items and total_count", `{"total_count": 10, "items": [{"external_id": "R:1", "title": "thing", "cross_references": {"ATC": ["A01"]}}]}`},
		{"terms and totalAvailable", `{"totalAvailable": 10, "terms": [{"obo_id": "R:1", "label": "thing", "mappings": {"ATC": ["A01"]}, "description": "a thing"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})

			batch, err := src.FetchPage(context.Background(), 0, 5)
			require.NoError(t, err)
			assert.Equal(t, 10, batch.TotalAvailable)
			require.Len(t, batch.Records, 1)
			assert.Equal(t, "R:1", batch.Records[0].ExternalID)
			assert.Equal(t, "thing", batch.Records[0].Label)
		})
	}
}

func TestFetchPage_PartialWhenShortPage(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total": 3, "records": [{"id": "X:3", "label": "last one"}]}`)
	})

	batch, err := src.FetchPage(context.Background(), 2, 100)
	require.NoError(t, err)
	assert.True(t, batch.Partial)
	assert.Len(t, batch.Records, 1)
}

func TestFetchPage_ServerErrorIsTransient(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	})

	_, err := src.FetchPage(context.Background(), 0, 10)
	require.Error(t, err)
	var fe *resilience.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, resilience.Transient, fe.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, fe.StatusCode)
	assert.True(t, resilience.IsTransient(err))
}

func TestFetchPage_ClientErrorIsPermanent(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})

	_, err := src.FetchPage(context.Background(), 0, 10)
	require.Error(t, err)
	var fe *resilience.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, resilience.Permanent, fe.Kind)
	assert.False(t, resilience.IsTransient(err))
}

func TestFetchPage_MalformedJSONIsPermanent(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records": [`)
	})

	_, err := src.FetchPage(context.Background(), 0, 10)
	require.Error(t, err)
	var fe *resilience.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, resilience.Permanent, fe.Kind)
}

func TestFetchPage_RecordMissingIDIsPermanent(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records": [{"label": "anonymous"}]}`)
	})

	_, err := src.FetchPage(context.Background(), 0, 10)
	require.Error(t, err)
	var fe *resilience.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, resilience.Permanent, fe.Kind)
	assert.Contains(t, err.Error(), "missing record identifier")
}

func TestFetchPage_TimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	src := NewHTTPSource(HTTPOptions{
		BaseURL:    srv.URL,
		Timeout:    20 * time.Millisecond,
		RatePerSec: 1000,
	})

	_, err := src.FetchPage(context.Background(), 0, 10)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestFetchByID(t *testing.T) {
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/terms/MONDO:1", r.URL.Path)
		fmt.Fprint(w, `{"id": "MONDO:1", "label": "diabetes"}`)
	})

	rec, err := src.FetchByID(context.Background(), "MONDO:1")
	require.NoError(t, err)
	assert.Equal(t, "MONDO:1", rec.ExternalID)
	assert.Equal(t, "diabetes", rec.Label)
}

func TestFetchByID_NotSupportedWithoutLookupURL(t *testing.T) {
	src := NewHTTPSource(HTTPOptions{BaseURL: "http://localhost:1/terms"})

	_, err := src.FetchByID(context.Background(), "MONDO:1")
	assert.ErrorIs(t, err, resilience.ErrNotSupported)
}
