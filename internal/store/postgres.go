package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/herbaria-lab/specimen-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store depends on. pgxmock
// satisfies it, which is how the postgres paths are tested without a
// server.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot ingestion paths.
var preparedStatements = map[string]string{
	"insert_specimen": `INSERT INTO specimens (specimen_id, source_locator, metadata, first_seen_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT (specimen_id) DO NOTHING`,
	"get_specimen": `SELECT specimen_id, source_locator, metadata, first_seen_at FROM specimens WHERE specimen_id = $1`,
	"insert_extraction": `INSERT INTO extraction_runs (extraction_id, specimen_id, params, fields, confidences, code_version, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (extraction_id) DO NOTHING`,
	"list_extractions": `SELECT extraction_id, specimen_id, params, fields, confidences, code_version, recorded_at, seq
		FROM extraction_runs WHERE specimen_id = $1 ORDER BY recorded_at ASC, seq ASC`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: func() {}}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS specimens (
	specimen_id    TEXT PRIMARY KEY,
	source_locator TEXT NOT NULL DEFAULT '',
	metadata       JSONB NOT NULL DEFAULT '{}',
	first_seen_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_runs (
	extraction_id TEXT PRIMARY KEY,
	specimen_id   TEXT NOT NULL REFERENCES specimens(specimen_id),
	seq           BIGINT GENERATED ALWAYS AS IDENTITY,
	params        JSONB NOT NULL,
	fields        JSONB NOT NULL,
	confidences   JSONB NOT NULL,
	code_version  TEXT NOT NULL DEFAULT '',
	recorded_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS aggregations (
	specimen_id      TEXT PRIMARY KEY REFERENCES specimens(specimen_id),
	extraction_count INTEGER NOT NULL,
	candidates       JSONB NOT NULL,
	best             JSONB NOT NULL,
	mean_confidence  DOUBLE PRECISION NOT NULL,
	error_flags      INTEGER NOT NULL DEFAULT 0,
	open_flags       INTEGER NOT NULL DEFAULT 0,
	computed_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS quality_flags (
	flag_id          TEXT PRIMARY KEY,
	specimen_id      TEXT NOT NULL REFERENCES specimens(specimen_id),
	flag_type        TEXT NOT NULL,
	severity         TEXT NOT NULL,
	field            TEXT NOT NULL DEFAULT '',
	message          TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	resolved_at      TIMESTAMPTZ,
	resolution_notes TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS review_decisions (
	seq          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	decision_id  TEXT NOT NULL,
	specimen_id  TEXT NOT NULL REFERENCES specimens(specimen_id),
	status       TEXT NOT NULL,
	reviewed_by  TEXT NOT NULL,
	final_fields JSONB NOT NULL DEFAULT '{}',
	notes        TEXT NOT NULL DEFAULT '',
	reviewed_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extraction_runs_specimen ON extraction_runs(specimen_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_quality_flags_specimen ON quality_flags(specimen_id, resolved_at);
CREATE INDEX IF NOT EXISTS idx_review_decisions_specimen ON review_decisions(specimen_id, reviewed_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

func (s *PostgresStore) RegisterSpecimen(ctx context.Context, sp model.Specimen) (*model.Specimen, bool, error) {
	metaJSON, err := marshalMeta(sp.Metadata)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal metadata")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO specimens (specimen_id, source_locator, metadata, first_seen_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (specimen_id) DO NOTHING`,
		sp.SpecimenID, sp.SourceLocator, metaJSON, sp.FirstSeenAt.UTC(),
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: insert specimen %s", sp.SpecimenID)
	}

	stored, err := s.GetSpecimen(ctx, sp.SpecimenID)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetSpecimen(ctx context.Context, specimenID string) (*model.Specimen, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT specimen_id, source_locator, metadata, first_seen_at FROM specimens WHERE specimen_id = $1`,
		specimenID,
	)

	var sp model.Specimen
	var metaJSON []byte
	err := row.Scan(&sp.SpecimenID, &sp.SourceLocator, &metaJSON, &sp.FirstSeenAt)
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: specimen %s", specimenID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan specimen")
	}
	if err := json.Unmarshal(metaJSON, &sp.Metadata); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal metadata")
	}
	return &sp, nil
}

func (s *PostgresStore) ListSpecimenIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT specimen_id FROM specimens ORDER BY first_seen_at ASC, specimen_id ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list specimen ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan specimen id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list specimen ids iterate")
}

func (s *PostgresStore) AnnotateSpecimen(ctx context.Context, specimenID string, metadata map[string]string) error {
	if len(metadata) == 0 {
		return nil
	}
	metaJSON, err := marshalMeta(metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal metadata")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE specimens SET metadata = metadata || $1::jsonb WHERE specimen_id = $2`,
		metaJSON, specimenID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: annotate specimen %s", specimenID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: specimen %s", specimenID)
	}
	return nil
}

func (s *PostgresStore) InsertExtraction(ctx context.Context, run model.ExtractionRun) (*model.ExtractionRun, bool, error) {
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal params")
	}
	fieldsJSON, err := json.Marshal(run.Fields)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal fields")
	}
	confJSON, err := json.Marshal(run.Confidences)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal confidences")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO extraction_runs (extraction_id, specimen_id, params, fields, confidences, code_version, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (extraction_id) DO NOTHING`,
		run.ExtractionID, run.SpecimenID, paramsJSON, fieldsJSON, confJSON,
		run.CodeVersion, run.RecordedAt.UTC(),
	)
	if err != nil {
		if isPgFKViolation(err) {
			return nil, false, eris.Wrapf(ErrUnknownSpecimen, "postgres: extraction for %s", run.SpecimenID)
		}
		return nil, false, eris.Wrapf(err, "postgres: insert extraction %s", run.ExtractionID)
	}

	row := s.pool.QueryRow(ctx,
		`SELECT extraction_id, specimen_id, params, fields, confidences, code_version, recorded_at, seq
		 FROM extraction_runs WHERE extraction_id = $1`,
		run.ExtractionID,
	)
	stored, err := scanPgExtraction(row)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: get extraction %s", run.ExtractionID)
	}
	return stored, tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListExtractions(ctx context.Context, specimenID string) ([]model.ExtractionRun, error) {
	if _, err := s.GetSpecimen(ctx, specimenID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT extraction_id, specimen_id, params, fields, confidences, code_version, recorded_at, seq
		 FROM extraction_runs WHERE specimen_id = $1
		 ORDER BY recorded_at ASC, seq ASC`,
		specimenID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list extractions")
	}
	defer rows.Close()

	var runs []model.ExtractionRun
	for rows.Next() {
		run, err := scanPgExtraction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan extraction")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list extractions iterate")
}

func (s *PostgresStore) SaveAggregation(ctx context.Context, agg model.Aggregation, flags []model.QualityFlag) error {
	candJSON, err := json.Marshal(agg.Candidates)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal candidates")
	}
	bestJSON, err := json.Marshal(agg.Best)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal best candidates")
	}
	errorFlags := countSeverity(flags, model.SeverityError)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO aggregations (specimen_id, extraction_count, candidates, best, mean_confidence, error_flags, open_flags, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (specimen_id) DO UPDATE SET
			extraction_count = EXCLUDED.extraction_count,
			candidates       = EXCLUDED.candidates,
			best             = EXCLUDED.best,
			mean_confidence  = EXCLUDED.mean_confidence,
			error_flags      = EXCLUDED.error_flags,
			open_flags       = EXCLUDED.open_flags,
			computed_at      = EXCLUDED.computed_at`,
		agg.SpecimenID, agg.ExtractionCount, candJSON, bestJSON,
		agg.MeanConfidence(), errorFlags, len(flags), agg.ComputedAt.UTC(),
	)
	if err != nil {
		if isPgFKViolation(err) {
			return eris.Wrapf(ErrUnknownSpecimen, "postgres: aggregation for %s", agg.SpecimenID)
		}
		return eris.Wrapf(err, "postgres: upsert aggregation %s", agg.SpecimenID)
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM quality_flags WHERE specimen_id = $1 AND resolved_at IS NULL`,
		agg.SpecimenID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: clear open flags")
	}
	for _, f := range flags {
		_, err = tx.Exec(ctx,
			`INSERT INTO quality_flags (flag_id, specimen_id, flag_type, severity, field, message, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			f.FlagID, f.SpecimenID, string(f.Type), string(f.Severity), f.Field, f.Message, f.CreatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert flag %s", f.FlagID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit aggregation")
}

func (s *PostgresStore) GetAggregation(ctx context.Context, specimenID string) (*model.Aggregation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT specimen_id, extraction_count, candidates, best, computed_at
		 FROM aggregations WHERE specimen_id = $1`,
		specimenID,
	)

	var agg model.Aggregation
	var candJSON, bestJSON []byte
	err := row.Scan(&agg.SpecimenID, &agg.ExtractionCount, &candJSON, &bestJSON, &agg.ComputedAt)
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: aggregation %s", specimenID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan aggregation")
	}
	if err := json.Unmarshal(candJSON, &agg.Candidates); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal candidates")
	}
	if err := json.Unmarshal(bestJSON, &agg.Best); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal best candidates")
	}
	return &agg, nil
}

func (s *PostgresStore) ListFlags(ctx context.Context, specimenID string) ([]model.QualityFlag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT flag_id, specimen_id, flag_type, severity, field, message, created_at, resolved_at, resolution_notes
		 FROM quality_flags
		 WHERE specimen_id = $1 AND resolved_at IS NULL
		 ORDER BY CASE severity WHEN 'error' THEN 0 WHEN 'warning' THEN 1 ELSE 2 END ASC,
		          flag_type ASC, field ASC`,
		specimenID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list flags")
	}
	defer rows.Close()

	var flags []model.QualityFlag
	for rows.Next() {
		var f model.QualityFlag
		var resolvedAt *time.Time
		err := rows.Scan(&f.FlagID, &f.SpecimenID, &f.Type, &f.Severity, &f.Field, &f.Message,
			&f.CreatedAt, &resolvedAt, &f.ResolutionNotes)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan flag")
		}
		f.ResolvedAt = resolvedAt
		flags = append(flags, f)
	}
	return flags, eris.Wrap(rows.Err(), "postgres: list flags iterate")
}

func (s *PostgresStore) ResolveFlags(ctx context.Context, specimenID string, resolvedAt time.Time, notes string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE quality_flags SET resolved_at = $1, resolution_notes = $2
		 WHERE specimen_id = $3 AND resolved_at IS NULL`,
		resolvedAt.UTC(), notes, specimenID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: resolve flags for %s", specimenID)
	}

	// Queue filtering and ordering read these counters.
	_, err = tx.Exec(ctx,
		`UPDATE aggregations SET error_flags = 0, open_flags = 0 WHERE specimen_id = $1`,
		specimenID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: reset flag counters for %s", specimenID)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit resolve flags")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) AppendDecision(ctx context.Context, d model.ReviewDecision) error {
	fieldsJSON, err := marshalMeta(d.FinalFields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal final fields")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO review_decisions (decision_id, specimen_id, status, reviewed_by, final_fields, notes, reviewed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.DecisionID, d.SpecimenID, string(d.Status), d.ReviewedBy, fieldsJSON, d.Notes, d.ReviewedAt.UTC(),
	)
	if err != nil {
		if isPgFKViolation(err) {
			return eris.Wrapf(ErrUnknownSpecimen, "postgres: decision for %s", d.SpecimenID)
		}
		return eris.Wrapf(err, "postgres: append decision %s", d.DecisionID)
	}
	return nil
}

func (s *PostgresStore) LatestDecision(ctx context.Context, specimenID string) (*model.ReviewDecision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT seq, decision_id, specimen_id, status, reviewed_by, final_fields, notes, reviewed_at
		 FROM review_decisions
		 WHERE specimen_id = $1
		 ORDER BY reviewed_at DESC, seq DESC
		 LIMIT 1`,
		specimenID,
	)

	var d model.ReviewDecision
	var status string
	var fieldsJSON []byte
	err := row.Scan(&d.Seq, &d.DecisionID, &d.SpecimenID, &status, &d.ReviewedBy, &fieldsJSON, &d.Notes, &d.ReviewedAt)
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: decision for %s", specimenID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan decision")
	}
	d.Status = model.DecisionStatus(status)
	if err := json.Unmarshal(fieldsJSON, &d.FinalFields); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal final fields")
	}
	return &d, nil
}

const pgQueueBase = `
SELECT s.specimen_id, s.source_locator, s.metadata, s.first_seen_at,
       a.extraction_count, a.candidates, a.best, a.computed_at
FROM specimens s
JOIN aggregations a ON a.specimen_id = s.specimen_id
LEFT JOIN (
	SELECT DISTINCT ON (specimen_id) specimen_id, status
	FROM review_decisions
	ORDER BY specimen_id, reviewed_at DESC, seq DESC
) d ON d.specimen_id = s.specimen_id
WHERE (d.status IS NULL OR d.status = 'pending')`

func (s *PostgresStore) ListQueue(ctx context.Context, filter QueueFilter) ([]model.QueueEntry, error) {
	query := pgQueueBase
	var args []any

	if filter.RequireFlags {
		query += ` AND a.open_flags > 0`
	}
	if filter.MinConfidence > 0 {
		args = append(args, filter.MinConfidence)
		query += ` AND a.mean_confidence < $1`
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	args = append(args, limit)
	query += `
ORDER BY CASE WHEN a.error_flags > 0 THEN 0 ELSE 1 END ASC,
         a.mean_confidence ASC, s.first_seen_at ASC
LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list queue")
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var metaJSON, candJSON, bestJSON []byte
		err := rows.Scan(&e.Specimen.SpecimenID, &e.Specimen.SourceLocator, &metaJSON, &e.Specimen.FirstSeenAt,
			&e.Aggregation.ExtractionCount, &candJSON, &bestJSON, &e.Aggregation.ComputedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan queue entry")
		}
		e.Aggregation.SpecimenID = e.Specimen.SpecimenID
		if err := json.Unmarshal(metaJSON, &e.Specimen.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal metadata")
		}
		if err := json.Unmarshal(candJSON, &e.Aggregation.Candidates); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal candidates")
		}
		if err := json.Unmarshal(bestJSON, &e.Aggregation.Best); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal best candidates")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list queue iterate")
	}

	for i := range entries {
		flags, err := s.ListFlags(ctx, entries[i].Specimen.SpecimenID)
		if err != nil {
			return nil, err
		}
		entries[i].Flags = flags
	}
	return entries, nil
}

func (s *PostgresStore) Counts(ctx context.Context) (*Counts, error) {
	var c Counts
	for _, q := range []struct {
		sql  string
		dest *int
	}{
		{`SELECT COUNT(*) FROM specimens`, &c.Specimens},
		{`SELECT COUNT(*) FROM extraction_runs`, &c.Extractions},
		{`SELECT COUNT(*) FROM aggregations`, &c.Aggregations},
		{`SELECT COUNT(*) FROM quality_flags WHERE resolved_at IS NULL`, &c.OpenFlags},
		{`SELECT COUNT(*) FROM review_decisions`, &c.Decisions},
		{`SELECT COUNT(*) FROM (` + pgQueueBase + `) q`, &c.QueueDepth},
	} {
		if err := s.pool.QueryRow(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, eris.Wrap(err, "postgres: counts")
		}
	}
	return &c, nil
}

// helpers

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

func isPgFKViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func scanPgExtraction(row pgx.Row) (*model.ExtractionRun, error) {
	var run model.ExtractionRun
	var paramsJSON, fieldsJSON, confJSON []byte

	err := row.Scan(&run.ExtractionID, &run.SpecimenID, &paramsJSON, &fieldsJSON, &confJSON,
		&run.CodeVersion, &run.RecordedAt, &run.Seq)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(paramsJSON, &run.Params); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fieldsJSON, &run.Fields); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(confJSON, &run.Confidences); err != nil {
		return nil, err
	}
	return &run, nil
}
