// Package crmtools provides the CRM tools the assistant calls: read-only SQL
// over the customer database, campaign creation, and a queued campaign email
// outbox. The tools run on database/sql against sqlite or postgres.
package crmtools

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
)

// Dialect selects the SQL flavor and database/sql driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts the configured driver name.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pg":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported crm database driver %q", s)
	}
}

// Toolset owns the CRM database handle shared by all tools.
type Toolset struct {
	db      *sql.DB
	dialect Dialect
	ownsDB  bool

	maxRows      int
	queryTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// Option configures a Toolset.
type Option func(*Toolset)

// WithMaxRows caps the records one query returns.
func WithMaxRows(n int) Option {
	return func(t *Toolset) {
		if n > 0 {
			t.maxRows = n
		}
	}
}

// WithQueryTimeout bounds how long one query may run.
func WithQueryTimeout(d time.Duration) Option {
	return func(t *Toolset) {
		if d > 0 {
			t.queryTimeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(t *Toolset) {
		if log != nil {
			t.log = log
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Toolset) {
		if now != nil {
			t.now = now
		}
	}
}

// Open connects to the CRM database and creates the campaign tables.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...Option) (*Toolset, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing crm database dsn")
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open crm database: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxIdleTime(15 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping crm database: %w", err)
	}

	t, err := New(db, dialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	t.ownsDB = true
	if err := t.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

// New wraps an existing handle. Call Migrate before using the campaign
// tools.
func New(db *sql.DB, dialect Dialect, opts ...Option) (*Toolset, error) {
	if db == nil {
		return nil, fmt.Errorf("crm toolset needs a database")
	}
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	t := &Toolset{
		db:           db,
		dialect:      dialect,
		maxRows:      500,
		queryTimeout: 30 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// DB returns the underlying handle.
func (t *Toolset) DB() *sql.DB { return t.db }

// Close closes the database if Open created it.
func (t *Toolset) Close() error {
	if t == nil || !t.ownsDB {
		return nil
	}
	return t.db.Close()
}

// Migrate creates the campaign and outbox tables when missing. The customer
// tables are owned by the CRM and never created here.
func (t *Toolset) Migrate(ctx context.Context) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if t.dialect == DialectPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
  id ` + id + `,
  name TEXT NOT NULL,
  type TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'draft',
  created_at TEXT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS campaign_emails (
  id ` + id + `,
  campaign_id BIGINT NOT NULL REFERENCES campaigns(id),
  customer_id BIGINT,
  recipient TEXT NOT NULL,
  subject TEXT NOT NULL,
  body_html TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'queued',
  created_at TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_campaign_emails_campaign ON campaign_emails(campaign_id)`,
	}
	for _, stmt := range stmts {
		if _, err := t.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate crm tables: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (t *Toolset) rebind(query string) string {
	if t.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case r == '?' && !inQuote:
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (t *Toolset) timestamp() string {
	return t.now().UTC().Format(time.RFC3339)
}
