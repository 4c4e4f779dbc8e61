package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refsync/internal/fallback"
	"github.com/sells-group/refsync/internal/model"
	"github.com/sells-group/refsync/internal/monitoring"
	"github.com/sells-group/refsync/internal/resolve"
	"github.com/sells-group/refsync/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store) {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	fb, err := fallback.Default()
	require.NoError(t, err)

	srv := NewServer(
		resolve.New(st, nil, fb),
		monitoring.NewCollector(st, fb),
		monitoring.CheckConfig{ErrorThreshold: 5},
	)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, st
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	var body struct {
		Status string `json:"status"`
	}
	code := getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
}

func TestHealthDegradedOnConsecutiveErrors(t *testing.T) {
	ts, st := newTestServer(t)

	progress := model.NewProgress(model.DatasetDisease, 500)
	progress.ConsecutiveErrors = 7
	progress.LastFetchStatus = model.FetchError
	require.NoError(t, st.CommitProgress(context.Background(), progress))

	var body struct {
		Status   string               `json:"status"`
		Problems []monitoring.Problem `json:"problems"`
	}
	code := getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body.Status)
	require.Len(t, body.Problems, 1)
}

func TestStatusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	var snap monitoring.Snapshot
	code := getJSON(t, ts.URL+"/v1/status", &snap)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, snap.Datasets, len(model.AllDatasets))
}

func TestGetRecordFromStore(t *testing.T) {
	ts, st := newTestServer(t)

	_, err := st.UpsertBatch(context.Background(), model.DatasetDisease, []model.OntologyRecord{
		{ExternalID: "MONDO:0005148", Label: "stored t2dm"},
	})
	require.NoError(t, err)

	var res resolve.Result
	code := getJSON(t, ts.URL+"/v1/disease/records/MONDO:0005148", &res)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, resolve.TierStore, res.Source)
	assert.Equal(t, "stored t2dm", res.Record.Label)
}

func TestGetRecordFallsBack(t *testing.T) {
	ts, _ := newTestServer(t)

	var res resolve.Result
	code := getJSON(t, ts.URL+"/v1/medication/records/RXCUI:6809", &res)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, resolve.TierFallback, res.Source)
	assert.Equal(t, "metformin", res.Record.Label)
}

func TestGetRecordNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]string
	code := getJSON(t, ts.URL+"/v1/disease/records/MONDO:9999999", &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "not found")
}

func TestSearch(t *testing.T) {
	ts, _ := newTestServer(t)

	var res resolve.ListResult
	code := getJSON(t, ts.URL+"/v1/disease/search?q=diabetes&limit=3", &res)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, resolve.TierFallback, res.Source)
	assert.NotEmpty(t, res.Records)
	assert.LessOrEqual(t, len(res.Records), 3)
}

func TestSearchMissingQuery(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]string
	code := getJSON(t, ts.URL+"/v1/disease/search", &body)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestXref(t *testing.T) {
	ts, _ := newTestServer(t)

	var res resolve.Result
	code := getJSON(t, ts.URL+"/v1/disease/xref/ICD10/E11.9", &res)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "type 2 diabetes mellitus", res.Record.Label)
}

func TestXrefNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]string
	code := getJSON(t, ts.URL+"/v1/disease/xref/ICD10/Z99.99", &body)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListRecords(t *testing.T) {
	ts, _ := newTestServer(t)

	var res resolve.ListResult
	code := getJSON(t, ts.URL+"/v1/medication/records", &res)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, resolve.TierFallback, res.Source)
	assert.NotEmpty(t, res.Records)
}

func TestUnknownDataset(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]string
	code := getJSON(t, ts.URL+"/v1/animals/records", &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "unknown dataset")
}
