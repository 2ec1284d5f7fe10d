package logger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink inserts flushed request-log batches into a ClickHouse
// table, the LOG_SINK=clickhouse analytics backend.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouseSink dials dsn and prepares the sink for Insert. table must
// already exist with the (id, request_id, deployment, kind, api_version,
// stream, status, error_code, latency_ms, created_at) schema.
func NewClickHouseSink(dsn, table string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: open clickhouse connection: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("logger: ping clickhouse: %w", err)
	}
	return &ClickHouseSink{conn: conn, table: table}, nil
}

func (s *ClickHouseSink) Insert(ctx context.Context, entries []RequestLog) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("logger: prepare clickhouse batch: %w", err)
	}
	for _, e := range entries {
		if err := batch.Append(
			e.ID,
			e.RequestID,
			e.Deployment,
			e.Kind,
			e.APIVersion,
			e.Stream,
			e.Status,
			e.ErrorCode,
			e.LatencyMs,
			e.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("logger: append clickhouse row: %w", err)
		}
	}
	return batch.Send()
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
