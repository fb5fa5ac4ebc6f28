// Package mirror maintains a Postgres copy of the Loc-RIB: every winner
// the decision process installs or withdraws is batched and upserted into
// chosen_routes, giving operators a queryable view of what the speaker is
// actually advertising.
package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/bgp-speaker/internal/metrics"
	"go.uber.org/zap"
)

// ChosenRoute is one row of the Loc-RIB mirror.
type ChosenRoute struct {
	Prefix    string
	Action    string // "A" or "D"
	Nexthop   string
	ASPath    string
	Origin    string
	LocalPref *uint32
	MED       *uint32
	PeerName  string
}

type Writer struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger) *Writer {
	return &Writer{pool: pool, logger: logger}
}

// FlushBatch applies a batch of chosen-route changes in one transaction.
func (w *Writer) FlushBatch(ctx context.Context, routes []*ChosenRoute) error {
	if len(routes) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range routes {
		switch r.Action {
		case "A":
			if err := w.upsertRoute(ctx, tx, r); err != nil {
				return fmt.Errorf("upsert route: %w", err)
			}
		case "D":
			if err := w.deleteRoute(ctx, tx, r); err != nil {
				return fmt.Errorf("delete route: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	metrics.MirrorWriteDuration.WithLabelValues("batch").Observe(time.Since(start).Seconds())
	metrics.MirrorBatchSize.WithLabelValues("batch").Observe(float64(len(routes)))
	return nil
}

func (w *Writer) upsertRoute(ctx context.Context, tx pgx.Tx, r *ChosenRoute) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO chosen_routes (prefix, nexthop, as_path, origin, localpref, med, peer_name, first_seen, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (prefix)
		DO UPDATE SET
			nexthop = EXCLUDED.nexthop,
			as_path = EXCLUDED.as_path,
			origin = EXCLUDED.origin,
			localpref = EXCLUDED.localpref,
			med = EXCLUDED.med,
			peer_name = EXCLUDED.peer_name,
			updated_at = now()`,
		r.Prefix, r.Nexthop, r.ASPath, r.Origin, r.LocalPref, r.MED, r.PeerName,
	)
	return err
}

func (w *Writer) deleteRoute(ctx context.Context, tx pgx.Tx, r *ChosenRoute) error {
	_, err := tx.Exec(ctx, `DELETE FROM chosen_routes WHERE prefix = $1`, r.Prefix)
	return err
}

// Pipeline batches chosen-route changes and flushes them on size or
// interval, mirroring the ingestion pipelines' shape.
type Pipeline struct {
	writer        *Writer
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
}

func NewPipeline(writer *Writer, batchSize int, flushIntervalMs int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		writer:        writer,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
	}
}

// Run consumes route changes until the context is cancelled, with a final
// drain on shutdown.
func (p *Pipeline) Run(ctx context.Context, changes <-chan *ChosenRoute) {
	var batch []*ChosenRoute
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := p.writer.FlushBatch(flushCtx, batch); err != nil {
			p.logger.Error("mirror flush failed", zap.Error(err))
		}
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(shutdownCtx)
			cancel()
			return

		case r, ok := <-changes:
			if !ok {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				flush(shutdownCtx)
				cancel()
				return
			}
			batch = append(batch, r)
			if len(batch) >= p.batchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}
