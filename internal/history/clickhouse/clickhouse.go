package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/mcpvisor/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options select the ClickHouse database and credentials; zero values mean "default" with no password.
type Options struct {
	Database string
	Username string
	Password string
}

func New(addr, table string, opts ...Options) (*Sink, error) {
	o := Options{Database: "default", Username: "default"}
	if len(opts) > 0 {
		if opts[0].Database != "" {
			o.Database = opts[0].Database
		}
		if opts[0].Username != "" {
			o.Username = opts[0].Username
		}
		o.Password = opts[0].Password
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID,
			type LowCardinality(String),
			occurred_at DateTime64(6),
			server_id String,
			pid UInt32,
			state LowCardinality(String),
			restart_count UInt32,
			exit_code Int32,
			signal Nullable(String),
			error Nullable(String)
		) ENGINE = MergeTree()
		ORDER BY (server_id, occurred_at)`, s.table))
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, type, occurred_at, server_id, pid, state, restart_count, exit_code, signal, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	rec := e.Record
	err := s.conn.Exec(ctx, query,
		e.ID,
		string(e.Type),
		e.OccurredAt,
		rec.ServerID,
		uint32(rec.PID),
		rec.State,
		uint32(rec.RestartCount),
		int32(rec.ExitCode),
		history.Nullable(rec.Signal),
		history.Nullable(rec.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
