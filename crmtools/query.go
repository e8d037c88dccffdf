package crmtools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// QueryArgs are the arguments of the query tool. sql is accepted as an alias
// of query.
type QueryArgs struct {
	Query string `json:"query"`
	SQL   string `json:"sql,omitempty"`
}

// Query runs one read-only statement and returns its rows as JSON records,
// or a TruncatedRecords envelope when there are more than the row cap. The
// statement runs inside a transaction that is always rolled back.
func (t *Toolset) Query(ctx context.Context, raw json.RawMessage) (any, error) {
	var args QueryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid query arguments: %w", err)
	}
	stmt := args.Query
	if strings.TrimSpace(stmt) == "" {
		stmt = args.SQL
	}
	stmt, err := readOnlyStatement(stmt)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.queryTimeout)
	defer cancel()

	start := time.Now()
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin query transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if t.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, "SET TRANSACTION READ ONLY"); err != nil {
			return nil, fmt.Errorf("set read only: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	records, truncated, err := scanRecords(rows, t.maxRows)
	if err != nil {
		return nil, err
	}
	t.log.Debug("crm_query", "rows", len(records), "truncated", truncated, "duration", time.Since(start))
	if truncated {
		t.log.Warn("crm_query_truncated", "max_rows", t.maxRows)
		return TruncatedRecords{
			Records:   records,
			Truncated: true,
			MaxRows:   t.maxRows,
			Note:      fmt.Sprintf("Only the first %d rows are shown. Add a LIMIT or aggregate to see the rest.", t.maxRows),
		}, nil
	}
	return records, nil
}

// TruncatedRecords replaces the plain record list when a result hits the row
// cap, so the model can tell rows are missing.
type TruncatedRecords struct {
	Records   []map[string]any `json:"records"`
	Truncated bool             `json:"truncated"`
	MaxRows   int              `json:"max_rows"`
	Note      string           `json:"note"`
}

// readOnlyStatement normalizes stmt and rejects anything but a single
// SELECT or WITH statement.
func readOnlyStatement(stmt string) (string, error) {
	stmt = strings.TrimSpace(stripLeadingComments(stmt))
	stmt = strings.TrimSpace(strings.TrimRight(stmt, "; \t\r\n"))
	if stmt == "" {
		return "", fmt.Errorf("query is empty")
	}
	if strings.Contains(stmt, ";") {
		return "", fmt.Errorf("only one statement may be run at a time")
	}
	first := strings.ToLower(strings.Fields(stmt)[0])
	if first != "select" && first != "with" {
		return "", fmt.Errorf("only read-only SELECT queries are allowed, got %s", strings.ToUpper(first))
	}
	return stmt, nil
}

func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return ""
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "/*"):
			i := strings.Index(s, "*/")
			if i < 0 {
				return ""
			}
			s = s[i+2:]
		default:
			return s
		}
	}
}

// scanRecords reads at most maxRows rows as column-name keyed maps.
func scanRecords(rows *sql.Rows, maxRows int) ([]map[string]any, bool, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, false, err
	}
	records := []map[string]any{}
	for rows.Next() {
		if len(records) >= maxRows {
			return records, true, nil
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, false, fmt.Errorf("scan row: %w", err)
		}
		rec := make(map[string]any, len(cols))
		for i, col := range cols {
			rec[col] = jsonValue(values[i])
		}
		records = append(records, rec)
	}
	return records, false, rows.Err()
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return x
	}
}
