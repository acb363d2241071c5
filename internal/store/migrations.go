package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// SchemaVersion is bumped whenever schemaDDL changes shape.
const SchemaVersion = "1"

// schemaDDL is written once for both dialects; {{id}} and {{real}} are
// replaced with the dialect's column types.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS facilities (
		id              {{id}},
		name            TEXT NOT NULL,
		country         TEXT NOT NULL DEFAULT '',
		region          TEXT NOT NULL DEFAULT '',
		district        TEXT NOT NULL DEFAULT '',
		lat             {{real}},
		lon             {{real}},
		source_row_id   TEXT NOT NULL DEFAULT '',
		facility_type   TEXT NOT NULL DEFAULT '',
		bed_count       INTEGER,
		operating_rooms INTEGER,
		structured_json TEXT NOT NULL DEFAULT '{}',
		text_json       TEXT NOT NULL DEFAULT '{}',
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_facilities_source_row ON facilities(source_row_id)`,
	`CREATE INDEX IF NOT EXISTS idx_facilities_region ON facilities(region, district)`,

	// Append-only: the latest event for a facility is the one with the highest id.
	`CREATE TABLE IF NOT EXISTS extractions (
		id              {{id}},
		facility_id     BIGINT NOT NULL REFERENCES facilities(id),
		profile_json    TEXT NOT NULL,
		confidence_json TEXT NOT NULL DEFAULT '{}',
		warnings_json   TEXT NOT NULL DEFAULT '[]',
		model_version   TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_extractions_facility ON extractions(facility_id, id)`,

	`CREATE TABLE IF NOT EXISTS evidence_spans (
		id            {{id}},
		facility_id   BIGINT NOT NULL REFERENCES facilities(id),
		extraction_id BIGINT NOT NULL REFERENCES extractions(id),
		source_row_id TEXT NOT NULL DEFAULT '',
		source_field  TEXT NOT NULL DEFAULT '',
		quote         TEXT NOT NULL DEFAULT '',
		supports_path TEXT NOT NULL DEFAULT '',
		start_char    INTEGER,
		end_char      INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_extraction ON evidence_spans(extraction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_path ON evidence_spans(supports_path)`,

	`CREATE TABLE IF NOT EXISTS anomalies (
		id                     {{id}},
		facility_id            BIGINT NOT NULL REFERENCES facilities(id),
		type                   TEXT NOT NULL,
		severity               TEXT NOT NULL,
		description            TEXT NOT NULL DEFAULT '',
		evidence_span_ids_json TEXT NOT NULL DEFAULT '[]',
		created_at             TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anomalies_type ON anomalies(type)`,

	`CREATE TABLE IF NOT EXISTS tool_traces (
		id             TEXT PRIMARY KEY,
		kind           TEXT NOT NULL,
		question       TEXT NOT NULL DEFAULT '',
		tool           TEXT NOT NULL DEFAULT '',
		router         TEXT NOT NULL DEFAULT '',
		args_json      TEXT NOT NULL DEFAULT '{}',
		result_json    TEXT NOT NULL DEFAULT 'null',
		answer         TEXT NOT NULL DEFAULT '',
		citations_json TEXT NOT NULL DEFAULT '[]',
		error          TEXT NOT NULL DEFAULT '',
		duration_ms    BIGINT NOT NULL DEFAULT 0,
		created_at     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_traces_created ON tool_traces(created_at)`,
}

// migrate creates all tables if they don't exist and seeds metadata.
func (s *SQLStore) migrate(ctx context.Context) error {
	done, err := s.metaValue(ctx, "schema_version")
	if err != nil {
		return eris.Wrap(err, "checking schema version")
	}
	if done == SchemaVersion {
		return nil
	}

	types := strings.NewReplacer("{{id}}", s.dialect.idColumn, "{{real}}", s.dialect.realType)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range schemaDDL {
			if _, err := tx.ExecContext(ctx, types.Replace(stmt)); err != nil {
				return eris.Wrapf(err, "executing DDL: %.60s", strings.TrimSpace(stmt))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.seedMeta(ctx); err != nil {
		return eris.Wrap(err, "seeding metadata")
	}
	return s.setMeta(ctx, "schema_version", SchemaVersion)
}

// metaValue reads a meta key. A missing key or a missing meta table reads
// as "".
func (s *SQLStore) metaValue(ctx context.Context, key string) (string, error) {
	exists, err := s.tableExists(ctx, "meta")
	if err != nil || !exists {
		return "", err
	}
	var value string
	err = s.queryRow(ctx, s.db, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *SQLStore) setMeta(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, s.db,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value",
		key, value)
	return eris.Wrapf(err, "setting meta %q", key)
}

func (s *SQLStore) seedMeta(ctx context.Context) error {
	defaults := map[string]string{
		"created_at": time.Now().UTC().Format(time.RFC3339),
		"driver":     s.dialect.name,
	}
	for k, v := range defaults {
		if _, err := s.exec(ctx, s.db,
			"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING", k, v); err != nil {
			return eris.Wrapf(err, "seeding meta key %q", k)
		}
	}
	return nil
}

func (s *SQLStore) tableExists(ctx context.Context, name string) (bool, error) {
	query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = ?`
	if s.dialect.name == DriverPostgres {
		query = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?`
	}
	var n int
	if err := s.queryRow(ctx, s.db, query, name).Scan(&n); err != nil {
		return false, eris.Wrapf(err, "checking table %s", name)
	}
	return n > 0, nil
}
