package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/refsync/internal/db"
	"github.com/sells-group/refsync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	nowFunc func() time.Time
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, nowFunc: time.Now}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ontology_records (
	dataset          TEXT NOT NULL,
	external_id      TEXT NOT NULL,
	label            TEXT NOT NULL,
	label_folded     TEXT NOT NULL,
	synonyms         JSONB NOT NULL DEFAULT '[]',
	synonyms_folded  TEXT NOT NULL DEFAULT '',
	cross_refs       JSONB NOT NULL DEFAULT '{}',
	definition       TEXT NOT NULL DEFAULT '',
	source           TEXT NOT NULL DEFAULT '',
	is_obsolete      BOOLEAN NOT NULL DEFAULT false,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	last_verified_at TIMESTAMPTZ NOT NULL,
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
	current_offset     BIGINT NOT NULL DEFAULT 0,
	batch_size         INTEGER NOT NULL,
	total_fetched      BIGINT NOT NULL DEFAULT 0,
	total_available    BIGINT,
	is_complete        BOOLEAN NOT NULL DEFAULT false,
	last_fetch_status  TEXT NOT NULL DEFAULT 'pending',
	consecutive_errors INTEGER NOT NULL DEFAULT 0,
	last_fetch_at      TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS fetch_log (
	id           UUID PRIMARY KEY,
	dataset      TEXT NOT NULL,
	page_offset  BIGINT NOT NULL,
	record_count INTEGER NOT NULL,
	status       TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_label_folded ON ontology_records(dataset, label_folded);
CREATE INDEX IF NOT EXISTS idx_xrefs_lookup ON ontology_xrefs(dataset, system, code);
CREATE INDEX IF NOT EXISTS idx_fetch_log_dataset ON fetch_log(dataset, created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertBatch(ctx context.Context, dataset model.DatasetType, records []model.OntologyRecord) (*model.UpsertResult, error) {
	result := &model.UpsertResult{}
	if len(records) == 0 {
		return result, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin upsert batch")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := s.nowFunc().UTC()

	for i := range records {
		rec := records[i]
		rec.Normalize()
		if rec.ExternalID == "" {
			return nil, eris.Errorf("postgres: upsert batch: record %d has empty external_id", i)
		}

		row := tx.QueryRow(ctx, `SELECT `+recordColumns+`
			 FROM ontology_records WHERE dataset = $1 AND external_id = $2`,
			string(dataset), rec.ExternalID,
		)
		existing, err := scanPgRecord(row)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: load existing %s", rec.ExternalID)
		}

		var final model.OntologyRecord
		if existing == nil {
			rec.CreatedAt = now
			rec.UpdatedAt = now
			rec.LastVerifiedAt = now
			final = rec
			result.Inserted++
		} else {
			existing.Merge(rec, now)
			final = *existing
			result.Updated++
		}

		synonymsJSON, crossRefsJSON, err := marshalRecord(final)
		if err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO ontology_records (
				dataset, external_id, label, label_folded, synonyms, synonyms_folded,
				cross_refs, definition, source, is_obsolete,
				created_at, updated_at, last_verified_at
			 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			 ON CONFLICT (dataset, external_id) DO UPDATE SET
				label = EXCLUDED.label,
				label_folded = EXCLUDED.label_folded,
				synonyms = EXCLUDED.synonyms,
				synonyms_folded = EXCLUDED.synonyms_folded,
				cross_refs = EXCLUDED.cross_refs,
				definition = EXCLUDED.definition,
				source = EXCLUDED.source,
				is_obsolete = EXCLUDED.is_obsolete,
				updated_at = EXCLUDED.updated_at,
				last_verified_at = EXCLUDED.last_verified_at`,
			string(dataset), final.ExternalID, final.Label, model.Fold(final.Label),
			synonymsJSON, foldedSynonyms(final.Synonyms), crossRefsJSON,
			final.Definition, final.Source, final.IsObsolete,
			final.CreatedAt, final.UpdatedAt, final.LastVerifiedAt,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: upsert record %s", final.ExternalID)
		}

		for system, codes := range final.CrossRefs {
			for _, code := range codes {
				_, err := tx.Exec(ctx,
					`INSERT INTO ontology_xrefs (dataset, system, code, external_id)
					 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
					string(dataset), model.Fold(system), model.Fold(code), final.ExternalID,
				)
				if err != nil {
					return nil, eris.Wrapf(err, "postgres: insert xref %s/%s", system, code)
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit upsert batch")
	}
	return result, nil
}

func (s *PostgresStore) GetByExternalID(ctx context.Context, dataset model.DatasetType, externalID string) (*model.OntologyRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+`
		 FROM ontology_records WHERE dataset = $1 AND external_id = $2`,
		string(dataset), externalID,
	)
	rec, err := scanPgRecord(row)
	return rec, eris.Wrapf(err, "postgres: get %s", externalID)
}

func (s *PostgresStore) SearchByLabelOrSynonym(ctx context.Context, dataset model.DatasetType, query string, limit int) ([]model.OntologyRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(model.Fold(query)) + "%"

	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+`
		 FROM ontology_records
		 WHERE dataset = $1 AND NOT is_obsolete
		   AND (label_folded LIKE $2 ESCAPE '\' OR synonyms_folded LIKE $2 ESCAPE '\')
		 ORDER BY length(label) ASC, external_id ASC
		 LIMIT $3`,
		string(dataset), pattern, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search records")
	}
	defer rows.Close()

	var out []model.OntologyRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan search row")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: search iterate")
}

func (s *PostgresStore) GetByCrossReference(ctx context.Context, dataset model.DatasetType, system, code string) (*model.OntologyRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumnsQualified+`
		 FROM ontology_records r
		 JOIN ontology_xrefs x
		   ON x.dataset = r.dataset AND x.external_id = r.external_id
		 WHERE x.dataset = $1 AND x.system = $2 AND x.code = $3
		 ORDER BY r.external_id ASC LIMIT 1`,
		string(dataset), model.Fold(system), model.Fold(code),
	)
	rec, err := scanPgRecord(row)
	return rec, eris.Wrapf(err, "postgres: get by xref %s/%s", system, code)
}

func (s *PostgresStore) Count(ctx context.Context, dataset model.DatasetType) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM ontology_records WHERE dataset = $1 AND NOT is_obsolete`,
		string(dataset),
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count records")
}

func (s *PostgresStore) ListAll(ctx context.Context, dataset model.DatasetType, fn func(model.OntologyRecord) error) error {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+`
		 FROM ontology_records
		 WHERE dataset = $1 AND NOT is_obsolete
		 ORDER BY external_id ASC`,
		string(dataset),
	)
	if err != nil {
		return eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return eris.Wrap(err, "postgres: scan list row")
		}
		if err := fn(*rec); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "postgres: list iterate")
}

func (s *PostgresStore) LoadProgress(ctx context.Context, dataset model.DatasetType, batchSize int) (*model.CollectionProgress, error) {
	p := model.NewProgress(dataset, batchSize)

	row := s.pool.QueryRow(ctx,
		`SELECT collection_id, dataset, current_offset, batch_size, total_fetched,
		        total_available, is_complete, last_fetch_status, consecutive_errors,
		        last_fetch_at, completed_at
		 FROM collection_progress WHERE collection_id = $1`,
		p.CollectionID,
	)

	var ds, status string
	var totalAvailable *int64
	var lastFetchAt, completedAt *time.Time
	err := row.Scan(&p.CollectionID, &ds, &p.CurrentOffset, &p.BatchSize, &p.TotalFetched,
		&totalAvailable, &p.IsComplete, &status, &p.ConsecutiveErrors,
		&lastFetchAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load progress %s", p.CollectionID)
	}

	p.Dataset = model.DatasetType(ds)
	p.LastFetchStatus = model.FetchStatus(status)
	if totalAvailable != nil {
		v := int(*totalAvailable)
		p.TotalAvailable = &v
	}
	p.LastFetchAt = lastFetchAt
	p.CompletedAt = completedAt
	if batchSize > 0 {
		p.BatchSize = batchSize
	}
	return p, nil
}

func (s *PostgresStore) CommitProgress(ctx context.Context, progress *model.CollectionProgress) error {
	var totalAvailable *int64
	if progress.TotalAvailable != nil {
		v := int64(*progress.TotalAvailable)
		totalAvailable = &v
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO collection_progress (
			collection_id, dataset, current_offset, batch_size, total_fetched,
			total_available, is_complete, last_fetch_status, consecutive_errors,
			last_fetch_at, completed_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (collection_id) DO UPDATE SET
			current_offset = EXCLUDED.current_offset,
			batch_size = EXCLUDED.batch_size,
			total_fetched = EXCLUDED.total_fetched,
			total_available = EXCLUDED.total_available,
			is_complete = EXCLUDED.is_complete,
			last_fetch_status = EXCLUDED.last_fetch_status,
			consecutive_errors = EXCLUDED.consecutive_errors,
			last_fetch_at = EXCLUDED.last_fetch_at,
			completed_at = EXCLUDED.completed_at`,
		progress.CollectionID, string(progress.Dataset), progress.CurrentOffset,
		progress.BatchSize, progress.TotalFetched, totalAvailable, progress.IsComplete,
		string(progress.LastFetchStatus), progress.ConsecutiveErrors,
		progress.LastFetchAt, progress.CompletedAt,
	)
	return eris.Wrapf(err, "postgres: commit progress %s", progress.CollectionID)
}

func (s *PostgresStore) AppendFetchLog(ctx context.Context, entry model.FetchLogEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.nowFunc().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fetch_log (id, dataset, page_offset, record_count, status, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, string(entry.Dataset), entry.Offset, entry.Count,
		string(entry.Status), entry.Error, createdAt,
	)
	return eris.Wrap(err, "postgres: append fetch log")
}

func (s *PostgresStore) ListFetchLog(ctx context.Context, dataset model.DatasetType, limit int) ([]model.FetchLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, dataset, page_offset, record_count, status, error, created_at
		 FROM fetch_log WHERE dataset = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		string(dataset), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list fetch log")
	}
	defer rows.Close()

	var entries []model.FetchLogEntry
	for rows.Next() {
		var e model.FetchLogEntry
		var ds, status string
		if err := rows.Scan(&e.ID, &ds, &e.Offset, &e.Count, &status, &e.Error, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan fetch log")
		}
		e.Dataset = model.DatasetType(ds)
		e.Status = model.FetchStatus(status)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: fetch log iterate")
}

func scanPgRecord(row pgx.Row) (*model.OntologyRecord, error) {
	var r model.OntologyRecord
	var synonymsJSON, crossRefsJSON []byte

	err := row.Scan(&r.ExternalID, &r.Label, &synonymsJSON, &crossRefsJSON,
		&r.Definition, &r.Source, &r.IsObsolete,
		&r.CreatedAt, &r.UpdatedAt, &r.LastVerifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan record")
	}

	if err := json.Unmarshal(synonymsJSON, &r.Synonyms); err != nil {
		return nil, eris.Wrap(err, "unmarshal synonyms")
	}
	if err := json.Unmarshal(crossRefsJSON, &r.CrossRefs); err != nil {
		return nil, eris.Wrap(err, "unmarshal cross refs")
	}
	return &r, nil
}
