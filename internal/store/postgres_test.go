package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refsync/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, nowFunc: time.Now}
	return s, mock
}

func recordRows(mock pgxmock.PgxPoolIface) *pgxmock.Rows {
	return mock.NewRows([]string{
		"external_id", "label", "synonyms", "cross_refs", "definition",
		"source", "is_obsolete", "created_at", "updated_at", "last_verified_at",
	})
}

func TestPostgresStore_GetByExternalID_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM ontology_records WHERE dataset = \$1 AND external_id = \$2`).
		WithArgs("disease", "MONDO:none").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetByExternalID(context.Background(), model.DatasetDisease, "MONDO:none")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetByExternalID_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM ontology_records WHERE dataset = \$1 AND external_id = \$2`).
		WithArgs("disease", "MONDO:0005148").
		WillReturnRows(recordRows(mock).AddRow(
			"MONDO:0005148", "type 2 diabetes mellitus",
			[]byte(`["T2DM","NIDDM"]`), []byte(`{"ICD10":["E11"]}`),
			"", "mondo", false, now, now, now,
		))

	got, err := s.GetByExternalID(context.Background(), model.DatasetDisease, "MONDO:0005148")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "type 2 diabetes mellitus", got.Label)
	assert.Equal(t, []string{"T2DM", "NIDDM"}, got.Synonyms)
	assert.Equal(t, []string{"E11"}, got.CrossRefs["ICD10"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertBatch_InsertsNewRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM ontology_records WHERE dataset = \$1 AND external_id = \$2`).
		WithArgs("disease", "X:1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO ontology_records .+ ON CONFLICT \(dataset, external_id\) DO UPDATE`).
		WithArgs("disease", "X:1", "alpha", "alpha",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "", "", false,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO ontology_xrefs`).
		WithArgs("disease", "icd10", "e11", "X:1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := s.UpsertBatch(context.Background(), model.DatasetDisease, []model.OntologyRecord{
		{ExternalID: "X:1", Label: "alpha", CrossRefs: map[string][]string{"ICD10": {"E11"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 0, res.Updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertBatch_MergesExistingRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM ontology_records WHERE dataset = \$1 AND external_id = \$2`).
		WithArgs("disease", "X:1").
		WillReturnRows(recordRows(mock).AddRow(
			"X:1", "alpha", []byte(`["A"]`), []byte(`{}`),
			"", "", false, now, now, now,
		))
	mock.ExpectExec(`INSERT INTO ontology_records .+ ON CONFLICT \(dataset, external_id\) DO UPDATE`).
		WithArgs("disease", "X:1", "alpha", "alpha",
			`["A","B"]`, "|a|b|", pgxmock.AnyArg(), "", "", false,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := s.UpsertBatch(context.Background(), model.DatasetDisease, []model.OntologyRecord{
		{ExternalID: "X:1", Label: "alpha", Synonyms: []string{"B"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 1, res.Updated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadProgress_FreshRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM collection_progress WHERE collection_id = \$1`).
		WithArgs("medication_main").
		WillReturnError(pgx.ErrNoRows)

	p, err := s.LoadProgress(context.Background(), model.DatasetMedication, 250)
	require.NoError(t, err)
	assert.Equal(t, "medication_main", p.CollectionID)
	assert.Equal(t, 0, p.CurrentOffset)
	assert.Equal(t, 250, p.BatchSize)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitProgress_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO collection_progress .+ ON CONFLICT \(collection_id\) DO UPDATE`).
		WithArgs("disease_main", "disease", 1000, 500, 1000,
			pgxmock.AnyArg(), false, "success", 0, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	p := model.NewProgress(model.DatasetDisease, 500)
	p.CurrentOffset = 1000
	p.TotalFetched = 1000
	p.LastFetchStatus = model.FetchSuccess

	require.NoError(t, s.CommitProgress(context.Background(), p))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Count(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM ontology_records`).
		WithArgs("disease").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(42))

	n, err := s.Count(context.Background(), model.DatasetDisease)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
