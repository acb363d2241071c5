// Package store provides the relational persistence layer for capmap.
//
// One database holds:
//   - facilities with their raw structured and free-text columns
//   - append-only extraction events (profile, confidence, warnings)
//   - evidence spans keyed by the extraction that produced them
//   - the current anomaly set, replaced wholesale on every rebuild
//   - planner and tool traces
//
// SQLite (modernc, pure Go) is the default engine; Postgres is reached
// through pgx's database/sql driver with the same schema.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default SQLite database location.
const DefaultDBPath = "~/.capmap/capmap.db"

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timeFormat is fixed-width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = eris.New("not found")

// Config selects the engine and location of the database.
type Config struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string // file path or ":memory:" for sqlite, connection URL for postgres
}

// dialect captures the few places where SQLite and Postgres differ.
type dialect struct {
	name       string
	driverName string
	idColumn   string
	realType   string
	positional bool // $1, $2 ... instead of ?
}

var (
	sqliteDialect = dialect{
		name:       DriverSQLite,
		driverName: "sqlite",
		idColumn:   "INTEGER PRIMARY KEY AUTOINCREMENT",
		realType:   "REAL",
	}
	postgresDialect = dialect{
		name:       DriverPostgres,
		driverName: "pgx",
		idColumn:   "BIGSERIAL PRIMARY KEY",
		realType:   "DOUBLE PRECISION",
		positional: true,
	}
)

// rebind rewrites ? placeholders for dialects that number them. Question
// marks inside single-quoted literals are left alone.
func (d dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n, quoted := 0, false
	for _, r := range query {
		switch {
		case r == '\'':
			quoted = !quoted
		case r == '?' && !quoted:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore implements capmap persistence over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	dsn     string
}

// NewStore opens the database and brings the schema up to date.
// Pass DSN ":memory:" with the sqlite driver for tests.
func NewStore(cfg Config) (*SQLStore, error) {
	d := sqliteDialect
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
	case DriverPostgres, "pgx", "postgresql":
		d = postgresDialect
	default:
		return nil, eris.Errorf("unsupported db driver %q (supported: sqlite, postgres)", cfg.Driver)
	}

	dsn := cfg.DSN
	if d.name == DriverSQLite {
		if dsn == "" {
			dsn = DefaultDBPath
		}
		dsn = expandPath(dsn)
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, eris.Wrap(err, "creating db directory")
			}
		}
	} else if dsn == "" {
		return nil, eris.New("postgres driver requires a DSN")
	}

	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, eris.Wrap(err, "opening database")
	}
	if d.name == DriverSQLite && dsn == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "pinging database")
	}

	if d.name == DriverSQLite {
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		}
		for _, p := range pragmas {
			if _, err := db.Exec(p); err != nil {
				db.Close()
				return nil, eris.Wrapf(err, "setting pragma %q", p)
			}
		}
	}

	s := &SQLStore{db: db, dialect: d, dsn: dsn}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "running migrations")
	}
	return s, nil
}

// Driver reports the active dialect name.
func (s *SQLStore) Driver() string { return s.dialect.name }

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats counts rows per table.
type Stats struct {
	Facilities    int64 `json:"facilities"`
	Extractions   int64 `json:"extractions"`
	EvidenceSpans int64 `json:"evidence_spans"`
	Anomalies     int64 `json:"anomalies"`
	ToolTraces    int64 `json:"tool_traces"`
}

// Stats returns row counts.
func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	counts := []struct {
		table string
		dst   *int64
	}{
		{"facilities", &st.Facilities},
		{"extractions", &st.Extractions},
		{"evidence_spans", &st.EvidenceSpans},
		{"anomalies", &st.Anomalies},
		{"tool_traces", &st.ToolTraces},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return nil, eris.Wrapf(err, "counting %s", c.table)
		}
	}
	return &st, nil
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in one transaction, rolling back on error.
func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "commit")
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
