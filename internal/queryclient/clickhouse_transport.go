// Copyright 2025 James Ross
package queryclient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseTransport executes the §6 monitor query template directly
// against a ClickHouse `project_logs(...)` table function, adapted from
// the connect()/db.QueryContext wiring in
// internal/long-term-archives/clickhouse_exporter.go.
type ClickHouseTransport struct {
	db *sql.DB
}

// ClickHouseOptions configures the underlying connection.
type ClickHouseOptions struct {
	Addr            string
	Database        string
	Username        string
	Password        string
	DialTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewClickHouseTransport opens and pings a ClickHouse connection.
func NewClickHouseTransport(ctx context.Context, opts ClickHouseOptions) (*ClickHouseTransport, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout: opts.DialTimeout,
	})
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &ClickHouseTransport{db: db}, nil
}

// Close releases the underlying connection pool.
func (t *ClickHouseTransport) Close() error { return t.db.Close() }

// Query implements Transport by running sql verbatim and scanning the
// project_logs(...) row shape named in §6.
func (t *ClickHouseTransport) Query(ctx context.Context, query string) (int, []Row, error) {
	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return classifyStatus(err), nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			id          string
			scoresJSON  string
			metaJSON    sql.NullString
			created     time.Time
			errColumn   sql.NullString
		)
		if err := rows.Scan(&id, &scoresJSON, &metaJSON, &created, &errColumn); err != nil {
			return 500, nil, fmt.Errorf("scan project_logs row: %w", err)
		}

		row := Row{ID: id, Created: created}
		if scoresJSON != "" {
			if err := json.Unmarshal([]byte(scoresJSON), &row.Scores); err != nil {
				return 500, nil, fmt.Errorf("decode scores for row %s: %w", id, err)
			}
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &row.Metadata); err != nil {
				return 500, nil, fmt.Errorf("decode metadata for row %s: %w", id, err)
			}
		}
		if errColumn.Valid {
			e := errColumn.String
			row.Error = &e
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return classifyStatus(err), nil, err
	}
	return 0, out, nil
}

// classifyStatus maps a ClickHouse driver error onto the HTTP-shaped
// status space Client.Query retries on: timeouts and server-side
// overload map to 5xx/429 (retryable); authentication and query-shape
// errors map to 4xx (surfaced immediately).
func classifyStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return 504
	}

	var exc *clickhouse.Exception
	if errors.As(err, &exc) {
		switch exc.Code {
		case 159, 209: // TIMEOUT_EXCEEDED, SOCKET_TIMEOUT
			return 504
		case 202: // TOO_MANY_SIMULTANEOUS_QUERIES
			return 429
		case 516, 192: // AUTHENTICATION_FAILED, UNKNOWN_USER
			return 401
		case 62, 47: // SYNTAX_ERROR, UNKNOWN_IDENTIFIER
			return 400
		default:
			return 500
		}
	}
	return 0
}
