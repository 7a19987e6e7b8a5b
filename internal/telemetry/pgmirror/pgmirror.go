// Package pgmirror is the Postgres alternative to kafkamirror: it inserts
// every hub-ingested event into the day-partitioned telemetry_events
// table maintained by internal/maintenance, for operators who would
// rather query telemetry history with SQL than stand up a Kafka topic.
package pgmirror

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"

	"github.com/route-beacon/ilp-connector/internal/telemetry/event"
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("pgmirror: zstd encoder init: %v", err))
	}
}

// Mirror is a hub.Mirror backed by Postgres. Every event is stored as
// queryable JSONB; when compressRaw is set, a zstd-compressed copy of the
// same payload is additionally kept in raw_compressed for cheap bulk
// export/archival without re-paying JSONB's per-row overhead.
type Mirror struct {
	pool        *pgxpool.Pool
	compressRaw bool
}

func New(pool *pgxpool.Pool, compressRaw bool) *Mirror {
	return &Mirror{pool: pool, compressRaw: compressRaw}
}

func (m *Mirror) Mirror(ctx context.Context, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("pgmirror: marshal event: %w", err)
	}

	var rawCompressed []byte
	if m.compressRaw {
		rawCompressed = zstdEncoder.EncodeAll(payload, nil)
	}

	_, err = m.pool.Exec(ctx,
		`INSERT INTO telemetry_events (node_id, type, ingest_time, payload, raw_compressed) VALUES ($1, $2, $3, $4, $5)`,
		e.NodeID, string(e.Type), e.Timestamp, payload, rawCompressed,
	)
	if err != nil {
		return fmt.Errorf("pgmirror: insert event: %w", err)
	}
	return nil
}
