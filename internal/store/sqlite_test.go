package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refsync/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	diabetes := model.OntologyRecord{
		ExternalID: "MONDO:0005148",
		Label:      "type 2 diabetes mellitus",
		Synonyms:   []string{"T2DM", "NIDDM"},
		CrossRefs:  map[string][]string{"ICD10": {"E11", "E11.9"}, "SNOMED": {"44054006"}},
		Definition: "A type of diabetes mellitus.",
		Source:     "mondo-2024-01",
	}

	t.Run("UpsertInsertsThenGets", func(t *testing.T) {
		s := newStore(t)

		res, err := s.UpsertBatch(ctx, model.DatasetDisease, []model.OntologyRecord{diabetes})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Inserted)
		assert.Equal(t, 0, res.Updated)

		got, err := s.GetByExternalID(ctx, model.DatasetDisease, "MONDO:0005148")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "type 2 diabetes mellitus", got.Label)
		assert.Equal(t, []string{"T2DM", "NIDDM"}, got.Synonyms)
		assert.Equal(t, []string{"E11", "E11.9"}, got.CrossRefs["ICD10"])
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UpsertBatch(ctx, model.DatasetDisease, []model.OntologyRecord{diabetes})
		require.NoError(t, err)
		res, err := s.UpsertBatch(ctx, model.DatasetDisease, []model.OntologyRecord{diabetes})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Inserted)
		assert.Equal(t, 1, res.Updated)

		n, err := s.Count(ctx, model.DatasetDisease)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.GetByExternalID(ctx, model.DatasetDisease, "MONDO:0005148")
		require.NoError(t, err)
		assert.Equal(t, []string{"T2DM", "NIDDM"}, got.Synonyms)
	})

	t.Run("UpsertUnionsSynonymsAndXrefs", func(t *testing.T) {
		s := newStore(t)

		first := model.OntologyRecord{ExternalID: "X:1", Label: "alpha", Synonyms: []string{"A", "B"}}
		second := model.OntologyRecord{
			ExternalID: "X:1",
			Label:      "alpha",
			Synonyms:   []string{"B", "C"},
			CrossRefs:  map[string][]string{"ICD10": {"Z99"}},
		}

		_, err := s.UpsertBatch(ctx, model.DatasetDisease, []model.OntologyRecord{first})
		require.NoError(t, err)
		_, err = s.UpsertBatch(ctx, model.DatasetDisease, []model.OntologyRecord{second})
		require.NoError(t, err)

		got, err := s.GetByExternalID(ctx, model.DatasetDisease, "X:1")
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C"}, got.Synonyms)
		assert.Equal(t, []string{"Z99"}, got.CrossRefs["ICD10"])
	})

	t.Run("UpsertRejectsEmptyExternalID", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UpsertBatch(ctx, model.DatasetDisease, []model.OntologyRecord{{Label: "nameless"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty external_id")
	})

	t.Run("GetMissingReturnsNil", func(t *testing.T) {
		s := newStore(t)

		got, err := s.GetByExternalID(ctx, model.DatasetDisease, "MONDO:none")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("SearchOrdersShortestLabelFirst", func(t *testing.T) {
		s := newStore(t)

		records := []model.OntologyRecord{
			{ExternalID: "D:2", Label: "type 2 diabetes", Synonyms: []string{"T2DM", "NIDDM"}},
			{ExternalID: "D:1", Label: "diabetes"},
			{ExternalID: "D:3", Label: "gestational diabetes"},
		}
		_, err := s.UpsertBatch(ctx, model.DatasetDisease, records)
		require.NoError(t, err)

		got, err := s.SearchByLabelOrSynonym(ctx, model.DatasetDisease, "diabet", 10)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "D:1", got[0].ExternalID)
		assert.Equal(t, "D:2", got[1].ExternalID)
		assert.Equal(t, "D:3", got[2].ExternalID)
	})

	t.Run("SearchMatchesSynonymCaseInsensitively", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UpsertBatch(ctx, model.DatasetDisease, []model.OntologyRecord{
			{ExternalID: "D:2", Label: "type 2 diabetes mellitus", Synonyms: []string{"NIDDM"}},
		})
		require.NoError(t, err)

		got, err := s.SearchByLabelOrSynonym(ctx, model.DatasetDisease, "niddm", 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "D:2", got[0].ExternalID)
	})

	t.Run("SearchEscapesLikeWildcards", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UpsertBatch(ctx, model.DatasetDisease, []model.OntologyRecord{
			{ExternalID: "D:9", Label: "100% match"},
			{ExternalID: "D:8", Label: "no match at all"},
		})
		require.NoError(t, err)

		got, err := s.SearchByLabelOrSynonym(ctx, model.DatasetDisease, "100%", 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "D:9", got[0].ExternalID)
	})

	t.Run("SearchExcludesObsolete", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UpsertBatch(ctx, model.DatasetDisease, []model.OntologyRecord{
			{ExternalID: "D:1", Label: "diabetes", IsObsolete: true},
		})
		require.NoError(t, err)

		got, err := s.SearchByLabelOrSynonym(ctx, model.DatasetDisease, "diabetes", 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("GetByCrossReference", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UpsertBatch(ctx, model.DatasetDisease, []model.OntologyRecord{diabetes})
		require.NoError(t, err)

		got, err := s.GetByCrossReference(ctx, model.DatasetDisease, "icd10", "e11.9")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "MONDO:0005148", got.ExternalID)

		missing, err := s.GetByCrossReference(ctx, model.DatasetDisease, "ICD10", "A00")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("DatasetsAreIsolated", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UpsertBatch(ctx, model.DatasetDisease, []model.OntologyRecord{diabetes})
		require.NoError(t, err)

		got, err := s.GetByExternalID(ctx, model.DatasetMedication, "MONDO:0005148")
		require.NoError(t, err)
		assert.Nil(t, got)

		n, err := s.Count(ctx, model.DatasetMedication)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("ListAllStreamsNonObsolete", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UpsertBatch(ctx, model.DatasetDisease, []model.OntologyRecord{
			{ExternalID: "D:1", Label: "one"},
			{ExternalID: "D:2", Label: "two"},
			{ExternalID: "D:3", Label: "retired", IsObsolete: true},
		})
		require.NoError(t, err)

		var ids []string
		err = s.ListAll(ctx, model.DatasetDisease, func(r model.OntologyRecord) error {
			ids = append(ids, r.ExternalID)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"D:1", "D:2"}, ids)
	})

	t.Run("ListAllPropagatesCallbackError", func(t *testing.T) {
		s := newStore(t)

		_, err := s.UpsertBatch(ctx, model.DatasetDisease, []model.OntologyRecord{{ExternalID: "D:1", Label: "one"}})
		require.NoError(t, err)

		wantErr := assert.AnError
		err = s.ListAll(ctx, model.DatasetDisease, func(model.OntologyRecord) error { return wantErr })
		assert.ErrorIs(t, err, wantErr)
	})

	t.Run("LoadProgressInitializesFreshRow", func(t *testing.T) {
		s := newStore(t)

		p, err := s.LoadProgress(ctx, model.DatasetDisease, 500)
		require.NoError(t, err)
		assert.Equal(t, "disease_main", p.CollectionID)
		assert.Equal(t, 0, p.CurrentOffset)
		assert.Equal(t, 500, p.BatchSize)
		assert.False(t, p.IsComplete)
		assert.Equal(t, model.FetchPending, p.LastFetchStatus)
	})

	t.Run("CommitProgressRoundTrips", func(t *testing.T) {
		s := newStore(t)

		p, err := s.LoadProgress(ctx, model.DatasetDisease, 500)
		require.NoError(t, err)

		now := time.Now().UTC().Truncate(time.Second)
		total := 2500
		p.CurrentOffset = 1000
		p.TotalFetched = 1000
		p.TotalAvailable = &total
		p.LastFetchStatus = model.FetchSuccess
		p.LastFetchAt = &now
		require.NoError(t, s.CommitProgress(ctx, p))

		got, err := s.LoadProgress(ctx, model.DatasetDisease, 500)
		require.NoError(t, err)
		assert.Equal(t, 1000, got.CurrentOffset)
		assert.Equal(t, 1000, got.TotalFetched)
		require.NotNil(t, got.TotalAvailable)
		assert.Equal(t, 2500, *got.TotalAvailable)
		assert.Equal(t, model.FetchSuccess, got.LastFetchStatus)
		require.NotNil(t, got.LastFetchAt)
		assert.Nil(t, got.CompletedAt)
		assert.False(t, got.IsComplete)
	})

	t.Run("CommitProgressUpdatesExistingRow", func(t *testing.T) {
		s := newStore(t)

		p, err := s.LoadProgress(ctx, model.DatasetDisease, 500)
		require.NoError(t, err)
		p.CurrentOffset = 500
		require.NoError(t, s.CommitProgress(ctx, p))

		now := time.Now().UTC().Truncate(time.Second)
		p.CurrentOffset = 1000
		p.IsComplete = true
		p.CompletedAt = &now
		require.NoError(t, s.CommitProgress(ctx, p))

		got, err := s.LoadProgress(ctx, model.DatasetDisease, 500)
		require.NoError(t, err)
		assert.Equal(t, 1000, got.CurrentOffset)
		assert.True(t, got.IsComplete)
		require.NotNil(t, got.CompletedAt)
	})

	t.Run("FetchLogAppendAndList", func(t *testing.T) {
		s := newStore(t)

		for i := range 3 {
			entry := model.FetchLogEntry{
				ID:        uuid.New().String(),
				Dataset:   model.DatasetDisease,
				Offset:    i * 100,
				Count:     100,
				Status:    model.FetchSuccess,
				CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
			}
			require.NoError(t, s.AppendFetchLog(ctx, entry))
		}
		require.NoError(t, s.AppendFetchLog(ctx, model.FetchLogEntry{
			ID:        uuid.New().String(),
			Dataset:   model.DatasetMedication,
			Status:    model.FetchError,
			Error:     "http 503",
			CreatedAt: time.Now().UTC(),
		}))

		entries, err := s.ListFetchLog(ctx, model.DatasetDisease, 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		// Most recent first.
		assert.Equal(t, 200, entries[0].Offset)
		assert.Equal(t, 100, entries[1].Offset)

		medEntries, err := s.ListFetchLog(ctx, model.DatasetMedication, 10)
		require.NoError(t, err)
		require.Len(t, medEntries, 1)
		assert.Equal(t, model.FetchError, medEntries[0].Status)
		assert.Equal(t, "http 503", medEntries[0].Error)
	})
}
