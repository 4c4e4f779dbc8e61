package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/refsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, nowFunc: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ontology_records (
	dataset          TEXT NOT NULL,
	external_id      TEXT NOT NULL,
	label            TEXT NOT NULL,
	label_folded     TEXT NOT NULL,
	synonyms         TEXT NOT NULL DEFAULT '[]',
	synonyms_folded  TEXT NOT NULL DEFAULT '',
	cross_refs       TEXT NOT NULL DEFAULT '{}',
	definition       TEXT NOT NULL DEFAULT '',
	source           TEXT NOT NULL DEFAULT '',
	is_obsolete      INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	last_verified_at DATETIME NOT NULL,
	PRIMARY KEY (dataset, external_id)
);

CREATE TABLE IF NOT EXISTS ontology_xrefs (
	dataset     TEXT NOT NULL,
	system      TEXT NOT NULL,
	code        TEXT NOT NULL,
	external_id TEXT NOT NULL,
	PRIMARY KEY (dataset, system, code, external_id)
);

CREATE TABLE IF NOT EXISTS collection_progress (
	collection_id      TEXT PRIMARY KEY,
	dataset            TEXT NOT NULL,
	current_offset     INTEGER NOT NULL DEFAULT 0,
	batch_size         INTEGER NOT NULL,
	total_fetched      INTEGER NOT NULL DEFAULT 0,
	total_available    INTEGER,
	is_complete        INTEGER NOT NULL DEFAULT 0,
	last_fetch_status  TEXT NOT NULL DEFAULT 'pending',
	consecutive_errors INTEGER NOT NULL DEFAULT 0,
	last_fetch_at      DATETIME,
	completed_at       DATETIME
);

CREATE TABLE IF NOT EXISTS fetch_log (
	id           TEXT PRIMARY KEY,
	dataset      TEXT NOT NULL,
	page_offset  INTEGER NOT NULL,
	record_count INTEGER NOT NULL,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_label_folded ON ontology_records(dataset, label_folded);
CREATE INDEX IF NOT EXISTS idx_xrefs_lookup ON ontology_xrefs(dataset, system, code);
CREATE INDEX IF NOT EXISTS idx_fetch_log_dataset ON fetch_log(dataset, created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertBatch inserts or merges records by external_id inside a single
// transaction, so a reader never observes a batch half-applied and a crash
// mid-batch leaves no partial writes behind.
func (s *SQLiteStore) UpsertBatch(ctx context.Context, dataset model.DatasetType, records []model.OntologyRecord) (*model.UpsertResult, error) {
	result := &model.UpsertResult{}
	if len(records) == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin upsert batch")
	}
	defer tx.Rollback() //nolint:errcheck

	now := s.nowFunc().UTC()

	for i := range records {
		rec := records[i]
		rec.Normalize()
		if rec.ExternalID == "" {
			return nil, eris.Errorf("sqlite: upsert batch: record %d has empty external_id", i)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+`
			 FROM ontology_records WHERE dataset = ? AND external_id = ?`,
			string(dataset), rec.ExternalID,
		)
		existing, err := scanRecord(row)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: load existing %s", rec.ExternalID)
		}

		var final model.OntologyRecord
		if existing == nil {
			rec.CreatedAt = now
			rec.UpdatedAt = now
			rec.LastVerifiedAt = now
			final = rec
			if err := insertRecord(ctx, tx, dataset, final); err != nil {
				return nil, err
			}
			result.Inserted++
		} else {
			existing.Merge(rec, now)
			final = *existing
			if err := updateRecord(ctx, tx, dataset, final); err != nil {
				return nil, err
			}
			result.Updated++
		}

		if err := insertXrefs(ctx, tx, dataset, final); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit upsert batch")
	}
	return result, nil
}

func (s *SQLiteStore) GetByExternalID(ctx context.Context, dataset model.DatasetType, externalID string) (*model.OntologyRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+`
		 FROM ontology_records WHERE dataset = ? AND external_id = ?`,
		string(dataset), externalID,
	)
	rec, err := scanRecord(row)
	return rec, eris.Wrapf(err, "sqlite: get %s", externalID)
}

func (s *SQLiteStore) SearchByLabelOrSynonym(ctx context.Context, dataset model.DatasetType, query string, limit int) ([]model.OntologyRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(model.Fold(query)) + "%"

	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+`
		 FROM ontology_records
		 WHERE dataset = ? AND is_obsolete = 0
		   AND (label_folded LIKE ? ESCAPE '\' OR synonyms_folded LIKE ? ESCAPE '\')
		 ORDER BY length(label) ASC, external_id ASC
		 LIMIT ?`,
		string(dataset), pattern, pattern, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search records")
	}
	defer rows.Close()

	var out []model.OntologyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan search row")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: search iterate")
}

func (s *SQLiteStore) GetByCrossReference(ctx context.Context, dataset model.DatasetType, system, code string) (*model.OntologyRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumnsQualified+`
		 FROM ontology_records r
		 JOIN ontology_xrefs x
		   ON x.dataset = r.dataset AND x.external_id = r.external_id
		 WHERE x.dataset = ? AND x.system = ? AND x.code = ?
		 ORDER BY r.external_id ASC LIMIT 1`,
		string(dataset), model.Fold(system), model.Fold(code),
	)
	rec, err := scanRecord(row)
	return rec, eris.Wrapf(err, "sqlite: get by xref %s/%s", system, code)
}

func (s *SQLiteStore) Count(ctx context.Context, dataset model.DatasetType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ontology_records WHERE dataset = ? AND is_obsolete = 0`,
		string(dataset),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count records")
}

func (s *SQLiteStore) ListAll(ctx context.Context, dataset model.DatasetType, fn func(model.OntologyRecord) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+`
		 FROM ontology_records
		 WHERE dataset = ? AND is_obsolete = 0
		 ORDER BY external_id ASC`,
		string(dataset),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return eris.Wrap(err, "sqlite: scan list row")
		}
		if err := fn(*rec); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "sqlite: list iterate")
}

func (s *SQLiteStore) LoadProgress(ctx context.Context, dataset model.DatasetType, batchSize int) (*model.CollectionProgress, error) {
	p := model.NewProgress(dataset, batchSize)

	row := s.db.QueryRowContext(ctx,
		`SELECT collection_id, dataset, current_offset, batch_size, total_fetched,
		        total_available, is_complete, last_fetch_status, consecutive_errors,
		        last_fetch_at, completed_at
		 FROM collection_progress WHERE collection_id = ?`,
		p.CollectionID,
	)

	var ds, status string
	var totalAvailable sql.NullInt64
	var lastFetchAt, completedAt sql.NullTime
	err := row.Scan(&p.CollectionID, &ds, &p.CurrentOffset, &p.BatchSize, &p.TotalFetched,
		&totalAvailable, &p.IsComplete, &status, &p.ConsecutiveErrors,
		&lastFetchAt, &completedAt)
	if err == sql.ErrNoRows {
		// First run for this dataset: start from offset zero.
		return p, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load progress %s", p.CollectionID)
	}

	p.Dataset = model.DatasetType(ds)
	p.LastFetchStatus = model.FetchStatus(status)
	if totalAvailable.Valid {
		v := int(totalAvailable.Int64)
		p.TotalAvailable = &v
	}
	if lastFetchAt.Valid {
		t := lastFetchAt.Time
		p.LastFetchAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	if batchSize > 0 {
		p.BatchSize = batchSize
	}
	return p, nil
}

func (s *SQLiteStore) CommitProgress(ctx context.Context, progress *model.CollectionProgress) error {
	var totalAvailable any
	if progress.TotalAvailable != nil {
		totalAvailable = *progress.TotalAvailable
	}
	var lastFetchAt, completedAt any
	if progress.LastFetchAt != nil {
		lastFetchAt = progress.LastFetchAt.UTC()
	}
	if progress.CompletedAt != nil {
		completedAt = progress.CompletedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_progress (
			collection_id, dataset, current_offset, batch_size, total_fetched,
			total_available, is_complete, last_fetch_status, consecutive_errors,
			last_fetch_at, completed_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (collection_id) DO UPDATE SET
			current_offset = excluded.current_offset,
			batch_size = excluded.batch_size,
			total_fetched = excluded.total_fetched,
			total_available = excluded.total_available,
			is_complete = excluded.is_complete,
			last_fetch_status = excluded.last_fetch_status,
			consecutive_errors = excluded.consecutive_errors,
			last_fetch_at = excluded.last_fetch_at,
			completed_at = excluded.completed_at`,
		progress.CollectionID, string(progress.Dataset), progress.CurrentOffset,
		progress.BatchSize, progress.TotalFetched, totalAvailable, progress.IsComplete,
		string(progress.LastFetchStatus), progress.ConsecutiveErrors, lastFetchAt, completedAt,
	)
	return eris.Wrapf(err, "sqlite: commit progress %s", progress.CollectionID)
}

func (s *SQLiteStore) AppendFetchLog(ctx context.Context, entry model.FetchLogEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.nowFunc().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fetch_log (id, dataset, page_offset, record_count, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Dataset), entry.Offset, entry.Count,
		string(entry.Status), entry.Error, createdAt,
	)
	return eris.Wrap(err, "sqlite: append fetch log")
}

func (s *SQLiteStore) ListFetchLog(ctx context.Context, dataset model.DatasetType, limit int) ([]model.FetchLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dataset, page_offset, record_count, status, error, created_at
		 FROM fetch_log WHERE dataset = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		string(dataset), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list fetch log")
	}
	defer rows.Close()

	var entries []model.FetchLogEntry
	for rows.Next() {
		var e model.FetchLogEntry
		var ds, status string
		if err := rows.Scan(&e.ID, &ds, &e.Offset, &e.Count, &status, &e.Error, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan fetch log")
		}
		e.Dataset = model.DatasetType(ds)
		e.Status = model.FetchStatus(status)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: fetch log iterate")
}

// helpers

const recordColumns = `external_id, label, synonyms, cross_refs, definition, source, is_obsolete, created_at, updated_at, last_verified_at`

const recordColumnsQualified = `r.external_id, r.label, r.synonyms, r.cross_refs, r.definition, r.source, r.is_obsolete, r.created_at, r.updated_at, r.last_verified_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*model.OntologyRecord, error) {
	var r model.OntologyRecord
	var synonymsJSON, crossRefsJSON string

	err := row.Scan(&r.ExternalID, &r.Label, &synonymsJSON, &crossRefsJSON,
		&r.Definition, &r.Source, &r.IsObsolete,
		&r.CreatedAt, &r.UpdatedAt, &r.LastVerifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan record")
	}

	if err := json.Unmarshal([]byte(synonymsJSON), &r.Synonyms); err != nil {
		return nil, eris.Wrap(err, "unmarshal synonyms")
	}
	if err := json.Unmarshal([]byte(crossRefsJSON), &r.CrossRefs); err != nil {
		return nil, eris.Wrap(err, "unmarshal cross refs")
	}
	return &r, nil
}

func marshalRecord(r model.OntologyRecord) (synonymsJSON, crossRefsJSON string, err error) {
	synonyms := r.Synonyms
	if synonyms == nil {
		synonyms = []string{}
	}
	sb, err := json.Marshal(synonyms)
	if err != nil {
		return "", "", eris.Wrap(err, "marshal synonyms")
	}
	crossRefs := r.CrossRefs
	if crossRefs == nil {
		crossRefs = map[string][]string{}
	}
	cb, err := json.Marshal(crossRefs)
	if err != nil {
		return "", "", eris.Wrap(err, "marshal cross refs")
	}
	return string(sb), string(cb), nil
}

// foldedSynonyms builds the pipe-delimited folded synonym column used for
// case-insensitive LIKE matching.
func foldedSynonyms(synonyms []string) string {
	if len(synonyms) == 0 {
		return ""
	}
	folded := make([]string, len(synonyms))
	for i, s := range synonyms {
		folded[i] = model.Fold(s)
	}
	return "|" + strings.Join(folded, "|") + "|"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func insertRecord(ctx context.Context, tx *sql.Tx, dataset model.DatasetType, r model.OntologyRecord) error {
	synonymsJSON, crossRefsJSON, err := marshalRecord(r)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO ontology_records (
			dataset, external_id, label, label_folded, synonyms, synonyms_folded,
			cross_refs, definition, source, is_obsolete,
			created_at, updated_at, last_verified_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(dataset), r.ExternalID, r.Label, model.Fold(r.Label),
		synonymsJSON, foldedSynonyms(r.Synonyms), crossRefsJSON,
		r.Definition, r.Source, r.IsObsolete,
		r.CreatedAt, r.UpdatedAt, r.LastVerifiedAt,
	)
	return eris.Wrapf(err, "sqlite: insert record %s", r.ExternalID)
}

func updateRecord(ctx context.Context, tx *sql.Tx, dataset model.DatasetType, r model.OntologyRecord) error {
	synonymsJSON, crossRefsJSON, err := marshalRecord(r)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE ontology_records SET
			label = ?, label_folded = ?, synonyms = ?, synonyms_folded = ?,
			cross_refs = ?, definition = ?, source = ?, is_obsolete = ?,
			updated_at = ?, last_verified_at = ?
		 WHERE dataset = ? AND external_id = ?`,
		r.Label, model.Fold(r.Label), synonymsJSON, foldedSynonyms(r.Synonyms),
		crossRefsJSON, r.Definition, r.Source, r.IsObsolete,
		r.UpdatedAt, r.LastVerifiedAt,
		string(dataset), r.ExternalID,
	)
	return eris.Wrapf(err, "sqlite: update record %s", r.ExternalID)
}

func insertXrefs(ctx context.Context, tx *sql.Tx, dataset model.DatasetType, r model.OntologyRecord) error {
	for system, codes := range r.CrossRefs {
		for _, code := range codes {
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO ontology_xrefs (dataset, system, code, external_id)
				 VALUES (?, ?, ?, ?)`,
				string(dataset), model.Fold(system), model.Fold(code), r.ExternalID,
			)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert xref %s/%s", system, code)
			}
		}
	}
	return nil
}
