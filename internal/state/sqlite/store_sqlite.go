package sqlite

import (
	"context"
	"database/sql"
	"time"

	"hl-paper-arb/internal/state"

	_ "modernc.org/sqlite"
)

// Store is the local durable sink. One file per deployment; schema is
// created on open.
type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			assets TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS opportunities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TIMESTAMP NOT NULL,
			asset TEXT NOT NULL,
			direction TEXT NOT NULL,
			spot_price REAL NOT NULL,
			perp_price REAL NOT NULL,
			notional REAL NOT NULL,
			spread_rate REAL NOT NULL,
			edge_bps REAL NOT NULL,
			fee_spot REAL NOT NULL,
			fee_perp REAL NOT NULL,
			slippage REAL NOT NULL,
			funding REAL NOT NULL,
			net_pnl REAL NOT NULL,
			threshold REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS validation_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sampled_at TIMESTAMP NOT NULL,
			asset TEXT NOT NULL,
			spot_bid REAL NOT NULL,
			spot_ask REAL NOT NULL,
			perp_bid REAL NOT NULL,
			perp_ask REAL NOT NULL,
			mark_price REAL NOT NULL,
			spot_age_ms REAL NOT NULL,
			perp_age_ms REAL NOT NULL,
			spot_stale INTEGER NOT NULL,
			perp_stale INTEGER NOT NULL,
			out_of_sync INTEGER NOT NULL,
			used_proxy INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS validation_outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sampled_at TIMESTAMP NOT NULL,
			asset TEXT NOT NULL,
			would_trade INTEGER NOT NULL,
			reason TEXT NOT NULL,
			direction TEXT NOT NULL,
			edge_bps REAL NOT NULL,
			net_pnl REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS maker_probes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TIMESTAMP NOT NULL,
			asset TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			bid_at_insert REAL NOT NULL,
			ask_at_insert REAL NOT NULL,
			next_bid REAL,
			next_ask REAL,
			delay_ms REAL NOT NULL,
			paired_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_opportunities_asset ON opportunities(asset, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_asset ON validation_outcomes(asset, sampled_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) InsertOpportunity(ctx context.Context, opp state.Opportunity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO opportunities (created_at, asset, direction, spot_price, perp_price, notional,
			spread_rate, edge_bps, fee_spot, fee_perp, slippage, funding, net_pnl, threshold)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		opp.CreatedAt.UTC(), opp.Asset, opp.Direction, opp.SpotPrice, opp.PerpPrice, opp.Notional,
		opp.SpreadRate, opp.EdgeBps, opp.FeeSpot, opp.FeePerp, opp.Slippage, opp.Funding, opp.NetPNL, opp.Threshold)
	return err
}

func (s *Store) InsertValidationBatch(ctx context.Context, snaps []state.DecisionSnapshot, outcomes []state.DecisionOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, snap := range snaps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO validation_snapshots (sampled_at, asset, spot_bid, spot_ask, perp_bid, perp_ask,
				mark_price, spot_age_ms, perp_age_ms, spot_stale, perp_stale, out_of_sync, used_proxy)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.SampledAt.UTC(), snap.Asset, snap.SpotBid, snap.SpotAsk, snap.PerpBid, snap.PerpAsk,
			snap.MarkPrice, finite(snap.SpotAgeMS), finite(snap.PerpAgeMS),
			boolInt(snap.SpotStale), boolInt(snap.PerpStale), boolInt(snap.OutOfSync), boolInt(snap.UsedProxy)); err != nil {
			return err
		}
	}
	for _, outcome := range outcomes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO validation_outcomes (sampled_at, asset, would_trade, reason, direction, edge_bps, net_pnl)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			outcome.SampledAt.UTC(), outcome.Asset, boolInt(outcome.WouldTrade), outcome.Reason,
			outcome.Direction, outcome.EdgeBps, outcome.NetPNL); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) UpsertMakerProbe(ctx context.Context, probe *state.MakerProbe) error {
	if probe.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO maker_probes (created_at, asset, side, price, bid_at_insert, ask_at_insert, delay_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			probe.CreatedAt.UTC(), probe.Asset, probe.Side, probe.Price, probe.BidAtInsert, probe.AskAtInsert, probe.DelayMS)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		probe.ID = id
		return nil
	}
	var pairedAt any
	if probe.PairedAt != nil {
		pairedAt = probe.PairedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE maker_probes SET next_bid = ?, next_ask = ?, delay_ms = ?, paired_at = ? WHERE id = ?`,
		nullable(probe.NextBid), nullable(probe.NextAsk), probe.DelayMS, pairedAt, probe.ID)
	return err
}

func (s *Store) StartRun(ctx context.Context, run state.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, assets, note) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET started_at = excluded.started_at, assets = excluded.assets, note = excluded.note`,
		run.ID, run.StartedAt.UTC(), run.Assets, run.Note)
	return err
}

func (s *Store) EndRun(ctx context.Context, id string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET ended_at = ? WHERE id = ?`, endedAt.UTC(), id)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// finite clamps the +Inf never-observed age to a sentinel sqlite can store.
func finite(v float64) float64 {
	const maxAge = 1e12
	if v > maxAge {
		return maxAge
	}
	return v
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
