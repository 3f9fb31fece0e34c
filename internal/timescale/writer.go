package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hl-paper-arb/internal/config"
	"hl-paper-arb/internal/state"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type validationBatch struct {
	snaps    []state.DecisionSnapshot
	outcomes []state.DecisionOutcome
}

// Writer mirrors decision output into TimescaleDB for dashboarding. Writes
// are queued and applied by a single background loop; a full queue drops
// rows rather than blocking the ingestion path.
type Writer struct {
	db            *sql.DB
	log           *zap.Logger
	schema        string
	opportunities chan state.Opportunity
	batches       chan validationBatch
	probes        chan state.MakerProbe
	started       atomic.Bool
	dropOpp       atomic.Uint64
	dropBatch     atomic.Uint64
	dropProbe     atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:            db,
		log:           log,
		schema:        schema,
		opportunities: make(chan state.Opportunity, queueSize),
		batches:       make(chan validationBatch, queueSize),
		probes:        make(chan state.MakerProbe, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) InsertOpportunity(_ context.Context, opp state.Opportunity) error {
	if w == nil {
		return nil
	}
	select {
	case w.opportunities <- opp:
	default:
		if w.dropOpp.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale opportunity queue full")
		}
	}
	return nil
}

func (w *Writer) InsertValidationBatch(_ context.Context, snaps []state.DecisionSnapshot, outcomes []state.DecisionOutcome) error {
	if w == nil {
		return nil
	}
	batch := validationBatch{
		snaps:    append([]state.DecisionSnapshot(nil), snaps...),
		outcomes: append([]state.DecisionOutcome(nil), outcomes...),
	}
	select {
	case w.batches <- batch:
	default:
		if w.dropBatch.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale validation queue full")
		}
	}
	return nil
}

func (w *Writer) UpsertMakerProbe(_ context.Context, probe *state.MakerProbe) error {
	if w == nil {
		return nil
	}
	row := *probe
	if row.ID == 0 {
		row.ID = row.CreatedAt.UnixNano()
	}
	select {
	case w.probes <- row:
	default:
		if w.dropProbe.Add(1) == 1 && w.log != nil {
			w.log.Warn("timescale probe queue full")
		}
	}
	return nil
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case opp := <-w.opportunities:
			w.writeOpportunity(ctx, opp)
		case batch := <-w.batches:
			w.writeBatch(ctx, batch)
		case probe := <-w.probes:
			w.writeProbe(ctx, probe)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		direction TEXT NOT NULL,
		spot_price DOUBLE PRECISION NOT NULL,
		perp_price DOUBLE PRECISION NOT NULL,
		notional DOUBLE PRECISION NOT NULL,
		spread_rate DOUBLE PRECISION NOT NULL,
		edge_bps DOUBLE PRECISION NOT NULL,
		fee_spot DOUBLE PRECISION NOT NULL,
		fee_perp DOUBLE PRECISION NOT NULL,
		slippage DOUBLE PRECISION NOT NULL,
		funding DOUBLE PRECISION NOT NULL,
		net_pnl DOUBLE PRECISION NOT NULL,
		threshold DOUBLE PRECISION NOT NULL
	)`, w.table("opportunities"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		spot_bid DOUBLE PRECISION NOT NULL,
		spot_ask DOUBLE PRECISION NOT NULL,
		perp_bid DOUBLE PRECISION NOT NULL,
		perp_ask DOUBLE PRECISION NOT NULL,
		mark_price DOUBLE PRECISION NOT NULL,
		spot_age_ms DOUBLE PRECISION NOT NULL,
		perp_age_ms DOUBLE PRECISION NOT NULL,
		spot_stale BOOLEAN NOT NULL,
		perp_stale BOOLEAN NOT NULL,
		out_of_sync BOOLEAN NOT NULL,
		used_proxy BOOLEAN NOT NULL
	)`, w.table("validation_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		would_trade BOOLEAN NOT NULL,
		reason TEXT NOT NULL,
		direction TEXT NOT NULL,
		edge_bps DOUBLE PRECISION NOT NULL,
		net_pnl DOUBLE PRECISION NOT NULL
	)`, w.table("validation_outcomes"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGINT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		side TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		bid_at_insert DOUBLE PRECISION NOT NULL,
		ask_at_insert DOUBLE PRECISION NOT NULL,
		next_bid DOUBLE PRECISION,
		next_ask DOUBLE PRECISION,
		delay_ms DOUBLE PRECISION NOT NULL,
		paired_at TIMESTAMPTZ,
		PRIMARY KEY (id, ts)
	)`, w.table("maker_probes"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, name := range []string{"opportunities", "validation_snapshots", "validation_outcomes", "maker_probes"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil && w.log != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeOpportunity(ctx context.Context, opp state.Opportunity) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, asset, direction, spot_price, perp_price, notional, spread_rate, edge_bps,
		fee_spot, fee_perp, slippage, funding, net_pnl, threshold
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`, w.table("opportunities"))
	if _, err := w.db.ExecContext(ctx, query,
		opp.CreatedAt, opp.Asset, opp.Direction, opp.SpotPrice, opp.PerpPrice, opp.Notional,
		opp.SpreadRate, opp.EdgeBps, opp.FeeSpot, opp.FeePerp, opp.Slippage, opp.Funding,
		opp.NetPNL, opp.Threshold,
	); err != nil && w.log != nil {
		w.log.Warn("timescale opportunity insert failed", zap.Error(err))
	}
}

func (w *Writer) writeBatch(ctx context.Context, batch validationBatch) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	snapQuery := fmt.Sprintf(`INSERT INTO %s (
		ts, asset, spot_bid, spot_ask, perp_bid, perp_ask, mark_price,
		spot_age_ms, perp_age_ms, spot_stale, perp_stale, out_of_sync, used_proxy
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, w.table("validation_snapshots"))
	for _, snap := range batch.snaps {
		if _, err := w.db.ExecContext(ctx, snapQuery,
			snap.SampledAt, snap.Asset, snap.SpotBid, snap.SpotAsk, snap.PerpBid, snap.PerpAsk,
			snap.MarkPrice, clampAge(snap.SpotAgeMS), clampAge(snap.PerpAgeMS),
			snap.SpotStale, snap.PerpStale, snap.OutOfSync, snap.UsedProxy,
		); err != nil && w.log != nil {
			w.log.Warn("timescale snapshot insert failed", zap.Error(err))
		}
	}
	outcomeQuery := fmt.Sprintf(`INSERT INTO %s (
		ts, asset, would_trade, reason, direction, edge_bps, net_pnl
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`, w.table("validation_outcomes"))
	for _, outcome := range batch.outcomes {
		if _, err := w.db.ExecContext(ctx, outcomeQuery,
			outcome.SampledAt, outcome.Asset, outcome.WouldTrade, outcome.Reason,
			outcome.Direction, outcome.EdgeBps, outcome.NetPNL,
		); err != nil && w.log != nil {
			w.log.Warn("timescale outcome insert failed", zap.Error(err))
		}
	}
}

func (w *Writer) writeProbe(ctx context.Context, probe state.MakerProbe) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		id, ts, asset, side, price, bid_at_insert, ask_at_insert, next_bid, next_ask, delay_ms, paired_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (id, ts) DO UPDATE SET
		next_bid = EXCLUDED.next_bid,
		next_ask = EXCLUDED.next_ask,
		delay_ms = EXCLUDED.delay_ms,
		paired_at = EXCLUDED.paired_at`, w.table("maker_probes"))
	var pairedAt any
	if probe.PairedAt != nil {
		pairedAt = *probe.PairedAt
	}
	if _, err := w.db.ExecContext(ctx, query,
		probe.ID, probe.CreatedAt, probe.Asset, probe.Side, probe.Price,
		probe.BidAtInsert, probe.AskAtInsert, floatOrNil(probe.NextBid), floatOrNil(probe.NextAsk),
		probe.DelayMS, pairedAt,
	); err != nil && w.log != nil {
		w.log.Warn("timescale probe upsert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}

// clampAge keeps the +Inf never-observed sentinel out of postgres.
func clampAge(v float64) float64 {
	const maxAge = 1e12
	if v > maxAge {
		return maxAge
	}
	return v
}

func floatOrNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
