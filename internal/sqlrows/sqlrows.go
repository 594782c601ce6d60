// Package sqlrows turns database/sql result sets into agentdb query results.
package sqlrows

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nuln/agentdb"
)

// Queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Args converts positional parameters into driver arguments.
func Args(params []agentdb.Value) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p.Native()
	}
	return args
}

// Run executes stmt on q and collects every row. When counter is non-empty
// it must return the connection's running change total (SQLite's
// "SELECT total_changes()"); it is read before and after stmt and the
// difference becomes RowsAffected, so statements that change nothing report
// zero and RETURNING statements still report their count. q must be pinned
// to one connection for that count to be meaningful.
func Run(ctx context.Context, q Queryer, stmt string, params []agentdb.Value, counter string) (*agentdb.QueryResult, error) {
	var before int64
	if counter != "" {
		if err := q.QueryRowContext(ctx, counter).Scan(&before); err != nil {
			return nil, err
		}
	}
	rows, err := q.QueryContext(ctx, stmt, Args(params)...)
	if err != nil {
		return nil, err
	}
	res, err := Collect(rows)
	if err != nil {
		return nil, err
	}
	if counter != "" {
		var after int64
		if err := q.QueryRowContext(ctx, counter).Scan(&after); err != nil {
			return nil, err
		}
		res.RowsAffected = after - before
	}
	return res, nil
}

// Collect drains rows into a QueryResult and closes them.
func Collect(rows *sql.Rows) (*agentdb.QueryResult, error) {
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &agentdb.QueryResult{
		Columns: cols,
		Rows:    make([]agentdb.Row, 0),
		Total:   agentdb.UnknownTotal,
	}
	raw := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make([]agentdb.Column, len(cols))
		for i, name := range cols {
			v, err := agentdb.FromNative(raw[i])
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", name, err)
			}
			row[i] = agentdb.Column{Name: name, Value: v}
		}
		res.Rows = append(res.Rows, agentdb.NewRow(row...))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}
