package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/herbaria-lab/specimen-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode and foreign-key enforcement.
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
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS specimens (
	specimen_id    TEXT PRIMARY KEY,
	source_locator TEXT NOT NULL DEFAULT '',
	metadata       TEXT NOT NULL DEFAULT '{}',
	first_seen_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_runs (
	extraction_id TEXT PRIMARY KEY,
	specimen_id   TEXT NOT NULL REFERENCES specimens(specimen_id),
	params        TEXT NOT NULL,
	fields        TEXT NOT NULL,
	confidences   TEXT NOT NULL,
	code_version  TEXT NOT NULL DEFAULT '',
	recorded_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS aggregations (
	specimen_id      TEXT PRIMARY KEY REFERENCES specimens(specimen_id),
	extraction_count INTEGER NOT NULL,
	candidates       TEXT NOT NULL,
	best             TEXT NOT NULL,
	mean_confidence  REAL NOT NULL,
	error_flags      INTEGER NOT NULL DEFAULT 0,
	open_flags       INTEGER NOT NULL DEFAULT 0,
	computed_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS quality_flags (
	flag_id          TEXT PRIMARY KEY,
	specimen_id      TEXT NOT NULL REFERENCES specimens(specimen_id),
	flag_type        TEXT NOT NULL,
	severity         TEXT NOT NULL,
	field            TEXT NOT NULL DEFAULT '',
	message          TEXT NOT NULL,
	created_at       DATETIME NOT NULL,
	resolved_at      DATETIME,
	resolution_notes TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS review_decisions (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	decision_id  TEXT NOT NULL,
	specimen_id  TEXT NOT NULL REFERENCES specimens(specimen_id),
	status       TEXT NOT NULL,
	reviewed_by  TEXT NOT NULL,
	final_fields TEXT NOT NULL DEFAULT '{}',
	notes        TEXT NOT NULL DEFAULT '',
	reviewed_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extraction_runs_specimen ON extraction_runs(specimen_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_quality_flags_specimen ON quality_flags(specimen_id, resolved_at);
CREATE INDEX IF NOT EXISTS idx_review_decisions_specimen ON review_decisions(specimen_id, reviewed_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RegisterSpecimen(ctx context.Context, sp model.Specimen) (*model.Specimen, bool, error) {
	metaJSON, err := marshalMeta(sp.Metadata)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal metadata")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO specimens (specimen_id, source_locator, metadata, first_seen_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(specimen_id) DO NOTHING`,
		sp.SpecimenID, sp.SourceLocator, metaJSON, sp.FirstSeenAt.UTC(),
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert specimen %s", sp.SpecimenID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}

	stored, err := s.GetSpecimen(ctx, sp.SpecimenID)
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0, nil
}

func (s *SQLiteStore) GetSpecimen(ctx context.Context, specimenID string) (*model.Specimen, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT specimen_id, source_locator, metadata, first_seen_at FROM specimens WHERE specimen_id = ?`,
		specimenID,
	)

	var sp model.Specimen
	var metaJSON string
	err := row.Scan(&sp.SpecimenID, &sp.SourceLocator, &metaJSON, &sp.FirstSeenAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: specimen %s", specimenID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan specimen")
	}
	if err := json.Unmarshal([]byte(metaJSON), &sp.Metadata); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal metadata")
	}
	return &sp, nil
}

func (s *SQLiteStore) ListSpecimenIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT specimen_id FROM specimens ORDER BY first_seen_at ASC, specimen_id ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list specimen ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan specimen id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list specimen ids iterate")
}

func (s *SQLiteStore) AnnotateSpecimen(ctx context.Context, specimenID string, metadata map[string]string) error {
	if len(metadata) == 0 {
		return nil
	}
	sp, err := s.GetSpecimen(ctx, specimenID)
	if err != nil {
		return err
	}
	merged := sp.Metadata
	if merged == nil {
		merged = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		merged[k] = v
	}
	metaJSON, err := marshalMeta(merged)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal metadata")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE specimens SET metadata = ? WHERE specimen_id = ?`,
		metaJSON, specimenID,
	)
	return eris.Wrapf(err, "sqlite: annotate specimen %s", specimenID)
}

func (s *SQLiteStore) InsertExtraction(ctx context.Context, run model.ExtractionRun) (*model.ExtractionRun, bool, error) {
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal params")
	}
	fieldsJSON, err := json.Marshal(run.Fields)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal fields")
	}
	confJSON, err := json.Marshal(run.Confidences)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal confidences")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_runs (extraction_id, specimen_id, params, fields, confidences, code_version, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(extraction_id) DO NOTHING`,
		run.ExtractionID, run.SpecimenID, string(paramsJSON), string(fieldsJSON), string(confJSON),
		run.CodeVersion, run.RecordedAt.UTC(),
	)
	if err != nil {
		if isSQLiteFKViolation(err) {
			return nil, false, eris.Wrapf(ErrUnknownSpecimen, "sqlite: extraction for %s", run.SpecimenID)
		}
		return nil, false, eris.Wrapf(err, "sqlite: insert extraction %s", run.ExtractionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}

	stored, err := s.getExtraction(ctx, run.ExtractionID)
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0, nil
}

const sqliteExtractionCols = `extraction_id, specimen_id, params, fields, confidences, code_version, recorded_at, rowid`

func (s *SQLiteStore) getExtraction(ctx context.Context, extractionID string) (*model.ExtractionRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteExtractionCols+` FROM extraction_runs WHERE extraction_id = ?`,
		extractionID,
	)
	run, err := scanExtraction(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get extraction %s", extractionID)
	}
	return run, nil
}

func (s *SQLiteStore) ListExtractions(ctx context.Context, specimenID string) ([]model.ExtractionRun, error) {
	if _, err := s.GetSpecimen(ctx, specimenID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteExtractionCols+` FROM extraction_runs
		 WHERE specimen_id = ?
		 ORDER BY recorded_at ASC, rowid ASC`,
		specimenID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list extractions")
	}
	defer rows.Close()

	var runs []model.ExtractionRun
	for rows.Next() {
		run, err := scanExtraction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan extraction")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list extractions iterate")
}

func (s *SQLiteStore) SaveAggregation(ctx context.Context, agg model.Aggregation, flags []model.QualityFlag) error {
	candJSON, err := json.Marshal(agg.Candidates)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal candidates")
	}
	bestJSON, err := json.Marshal(agg.Best)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal best candidates")
	}
	errorFlags := countSeverity(flags, model.SeverityError)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO aggregations (specimen_id, extraction_count, candidates, best, mean_confidence, error_flags, open_flags, computed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(specimen_id) DO UPDATE SET
			extraction_count = excluded.extraction_count,
			candidates       = excluded.candidates,
			best             = excluded.best,
			mean_confidence  = excluded.mean_confidence,
			error_flags      = excluded.error_flags,
			open_flags       = excluded.open_flags,
			computed_at      = excluded.computed_at`,
		agg.SpecimenID, agg.ExtractionCount, string(candJSON), string(bestJSON),
		agg.MeanConfidence(), errorFlags, len(flags), agg.ComputedAt.UTC(),
	)
	if err != nil {
		if isSQLiteFKViolation(err) {
			return eris.Wrapf(ErrUnknownSpecimen, "sqlite: aggregation for %s", agg.SpecimenID)
		}
		return eris.Wrapf(err, "sqlite: upsert aggregation %s", agg.SpecimenID)
	}

	// Replace the open flag set; resolved flags stay as history.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM quality_flags WHERE specimen_id = ? AND resolved_at IS NULL`,
		agg.SpecimenID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: clear open flags")
	}
	for _, f := range flags {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO quality_flags (flag_id, specimen_id, flag_type, severity, field, message, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			f.FlagID, f.SpecimenID, string(f.Type), string(f.Severity), f.Field, f.Message, f.CreatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert flag %s", f.FlagID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit aggregation")
}

func (s *SQLiteStore) GetAggregation(ctx context.Context, specimenID string) (*model.Aggregation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT specimen_id, extraction_count, candidates, best, computed_at
		 FROM aggregations WHERE specimen_id = ?`,
		specimenID,
	)

	var agg model.Aggregation
	var candJSON, bestJSON string
	err := row.Scan(&agg.SpecimenID, &agg.ExtractionCount, &candJSON, &bestJSON, &agg.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: aggregation %s", specimenID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan aggregation")
	}
	if err := json.Unmarshal([]byte(candJSON), &agg.Candidates); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal candidates")
	}
	if err := json.Unmarshal([]byte(bestJSON), &agg.Best); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal best candidates")
	}
	return &agg, nil
}

func (s *SQLiteStore) ListFlags(ctx context.Context, specimenID string) ([]model.QualityFlag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT flag_id, specimen_id, flag_type, severity, field, message, created_at, resolved_at, resolution_notes
		 FROM quality_flags
		 WHERE specimen_id = ? AND resolved_at IS NULL
		 ORDER BY CASE severity WHEN 'error' THEN 0 WHEN 'warning' THEN 1 ELSE 2 END ASC,
		          flag_type ASC, field ASC`,
		specimenID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list flags")
	}
	defer rows.Close()
	return collectFlags(rows)
}

func (s *SQLiteStore) ResolveFlags(ctx context.Context, specimenID string, resolvedAt time.Time, notes string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE quality_flags SET resolved_at = ?, resolution_notes = ?
		 WHERE specimen_id = ? AND resolved_at IS NULL`,
		resolvedAt.UTC(), notes, specimenID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: resolve flags for %s", specimenID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}

	// Queue filtering and ordering read these counters.
	_, err = tx.ExecContext(ctx,
		`UPDATE aggregations SET error_flags = 0, open_flags = 0 WHERE specimen_id = ?`,
		specimenID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: reset flag counters for %s", specimenID)
	}
	return int(n), eris.Wrap(tx.Commit(), "sqlite: commit resolve flags")
}

func (s *SQLiteStore) AppendDecision(ctx context.Context, d model.ReviewDecision) error {
	fieldsJSON, err := marshalMeta(d.FinalFields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal final fields")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO review_decisions (decision_id, specimen_id, status, reviewed_by, final_fields, notes, reviewed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.DecisionID, d.SpecimenID, string(d.Status), d.ReviewedBy, fieldsJSON, d.Notes, d.ReviewedAt.UTC(),
	)
	if err != nil {
		if isSQLiteFKViolation(err) {
			return eris.Wrapf(ErrUnknownSpecimen, "sqlite: decision for %s", d.SpecimenID)
		}
		return eris.Wrapf(err, "sqlite: append decision %s", d.DecisionID)
	}
	return nil
}

func (s *SQLiteStore) LatestDecision(ctx context.Context, specimenID string) (*model.ReviewDecision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, decision_id, specimen_id, status, reviewed_by, final_fields, notes, reviewed_at
		 FROM review_decisions
		 WHERE specimen_id = ?
		 ORDER BY reviewed_at DESC, seq DESC
		 LIMIT 1`,
		specimenID,
	)

	var d model.ReviewDecision
	var fieldsJSON string
	err := row.Scan(&d.Seq, &d.DecisionID, &d.SpecimenID, &d.Status, &d.ReviewedBy, &fieldsJSON, &d.Notes, &d.ReviewedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: decision for %s", specimenID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan decision")
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &d.FinalFields); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal final fields")
	}
	return &d, nil
}

// sqliteQueueBase joins specimens with their aggregations and filters out
// specimens whose latest decision is terminal.
const sqliteQueueBase = `
SELECT s.specimen_id, s.source_locator, s.metadata, s.first_seen_at,
       a.extraction_count, a.candidates, a.best, a.computed_at
FROM specimens s
JOIN aggregations a ON a.specimen_id = s.specimen_id
LEFT JOIN (
	SELECT rd.specimen_id, rd.status
	FROM review_decisions rd
	WHERE rd.seq = (SELECT MAX(x.seq) FROM review_decisions x WHERE x.specimen_id = rd.specimen_id)
) d ON d.specimen_id = s.specimen_id
WHERE (d.status IS NULL OR d.status = 'pending')`

func (s *SQLiteStore) ListQueue(ctx context.Context, filter QueueFilter) ([]model.QueueEntry, error) {
	query := sqliteQueueBase
	var args []any

	if filter.RequireFlags {
		query += ` AND a.open_flags > 0`
	}
	if filter.MinConfidence > 0 {
		query += ` AND a.mean_confidence < ?`
		args = append(args, filter.MinConfidence)
	}

	query += `
ORDER BY CASE WHEN a.error_flags > 0 THEN 0 ELSE 1 END ASC,
         a.mean_confidence ASC, s.first_seen_at ASC
LIMIT ?`
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list queue")
	}
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan queue entry")
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list queue iterate")
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

func (s *SQLiteStore) Counts(ctx context.Context) (*Counts, error) {
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
		{`SELECT COUNT(*) FROM (` + sqliteQueueBase + `)`, &c.QueueDepth},
	} {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, eris.Wrap(err, "sqlite: counts")
		}
	}
	return &c, nil
}

// helpers

func marshalMeta(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func countSeverity(flags []model.QualityFlag, sev model.Severity) int {
	var n int
	for _, f := range flags {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

func isSQLiteFKViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanExtraction(row scannable) (*model.ExtractionRun, error) {
	var run model.ExtractionRun
	var paramsJSON, fieldsJSON, confJSON string

	err := row.Scan(&run.ExtractionID, &run.SpecimenID, &paramsJSON, &fieldsJSON, &confJSON,
		&run.CodeVersion, &run.RecordedAt, &run.Seq)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &run.Fields); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(confJSON), &run.Confidences); err != nil {
		return nil, err
	}
	return &run, nil
}

func scanQueueEntry(row scannable) (*model.QueueEntry, error) {
	var e model.QueueEntry
	var metaJSON, candJSON, bestJSON string

	err := row.Scan(&e.Specimen.SpecimenID, &e.Specimen.SourceLocator, &metaJSON, &e.Specimen.FirstSeenAt,
		&e.Aggregation.ExtractionCount, &candJSON, &bestJSON, &e.Aggregation.ComputedAt)
	if err != nil {
		return nil, err
	}
	e.Aggregation.SpecimenID = e.Specimen.SpecimenID

	if err := json.Unmarshal([]byte(metaJSON), &e.Specimen.Metadata); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(candJSON), &e.Aggregation.Candidates); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(bestJSON), &e.Aggregation.Best); err != nil {
		return nil, err
	}
	return &e, nil
}

func collectFlags(rows *sql.Rows) ([]model.QualityFlag, error) {
	var flags []model.QualityFlag
	for rows.Next() {
		var f model.QualityFlag
		var resolvedAt sql.NullTime
		err := rows.Scan(&f.FlagID, &f.SpecimenID, &f.Type, &f.Severity, &f.Field, &f.Message,
			&f.CreatedAt, &resolvedAt, &f.ResolutionNotes)
		if err != nil {
			return nil, eris.Wrap(err, "scan flag")
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			f.ResolvedAt = &t
		}
		flags = append(flags, f)
	}
	return flags, eris.Wrap(rows.Err(), "iterate flags")
}
