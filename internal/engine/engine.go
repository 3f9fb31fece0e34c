package engine

import (
	"context"
	"sync"
	"time"

	"hl-paper-arb/internal/config"
	"hl-paper-arb/internal/health"
	"hl-paper-arb/internal/market"
	"hl-paper-arb/internal/metrics"
	"hl-paper-arb/internal/state"

	"go.uber.org/zap"
)

// Gate reasons, in precedence order. The first failing gate is the reason
// reported for the evaluation.
const (
	ReasonSpotSanity   = "spot_sanity_failed"
	ReasonIncomplete   = "SKIP_INCOMPLETE"
	ReasonNoMark       = "SKIP_NO_MARK"
	ReasonNoBook       = "SKIP_NO_BOOK"
	ReasonStale        = "SKIP_STALE"
	ReasonOutOfSync    = "SKIP_OUT_OF_SYNC"
	ReasonInvalidBBO   = "SKIP_INVALID_BBO"
	ReasonBelowMinEdge = "BELOW_MIN_EDGE"
	ReasonPNLNonPos    = "PNL_NONPOS"
	OutcomeWouldTrade  = "WOULD_TRADE"
)

const (
	DirectionSpotLong  = "spot_long"
	DirectionSpotShort = "spot_short"
)

// Decision is the outcome of one edge evaluation. It is transient; only
// passing decisions become persisted Opportunity rows.
type Decision struct {
	Asset       string
	EvaluatedAt time.Time
	Ready       bool
	WouldTrade  bool
	Reason      string
	Direction   string
	SpotPrice   float64
	PerpPrice   float64
	Notional    float64
	SpotFee     float64
	PerpFee     float64
	Slippage    float64
	Funding     float64
	GrossSpread float64
	EdgeBps     float64
	NetPNL      float64
	Threshold   float64
	BelowEdge   bool
	UsedProxy   bool
}

type traceState struct {
	ready      bool
	reason     string
	lastLogged time.Time
}

// Engine evaluates tracked assets against the readiness gates and edge math
// whenever fresh book data arrives. Evaluation is pure computation over
// cached state; persistence happens only for passing decisions.
type Engine struct {
	trading config.TradingConfig
	cfg     config.EngineConfig
	store   *market.Store
	tracker *health.Tracker
	sink    state.Sink
	meter   *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	traces map[string]*traceState
}

func New(trading config.TradingConfig, cfg config.EngineConfig, store *market.Store, tracker *health.Tracker, sink state.Sink, meter *metrics.Metrics, log *zap.Logger) *Engine {
	if meter == nil {
		meter = metrics.NewNoop()
	}
	return &Engine{
		trading: trading,
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		sink:    sink,
		meter:   meter,
		log:     log,
		now:     time.Now,
		traces:  make(map[string]*traceState),
	}
}

// OnTick evaluates one asset, emits the rate-limited decision trace and
// persists an Opportunity row when the decision passes.
func (e *Engine) OnTick(ctx context.Context, asset string) Decision {
	decision := e.Evaluate(asset)
	e.trace(decision)
	if decision.WouldTrade {
		e.meter.DecisionsPassed.Inc()
		e.persist(ctx, decision)
	} else {
		e.meter.DecisionsRejected.Inc()
	}
	return decision
}

// Evaluate runs the readiness gates in precedence order and, once all pass,
// the directional edge computation.
func (e *Engine) Evaluate(asset string) Decision {
	decision := Decision{Asset: asset, EvaluatedAt: e.now().UTC()}
	snap, ok := e.store.Snapshot(asset)
	if !ok {
		decision.Reason = ReasonNoBook
		return decision
	}
	status := e.tracker.Check(asset)

	// realSpot additionally requires an uncrossed book; a crossed spot with a
	// proxy available evaluates on the proxy instead.
	realSpot := snap.Spot.Liquid()
	spotPresent := snap.Spot.HasBids && snap.Spot.HasAsks && snap.Spot.Bid > 0 && snap.Spot.Ask > 0
	proxyUsable := snap.SpotProxy > 0
	perpComplete := snap.Perp.HasBids && snap.Perp.HasAsks && snap.Perp.Bid > 0 && snap.Perp.Ask > 0

	// Gate 1: spot spread sanity on a real book.
	if spotPresent && e.trading.MaxSpotSpreadBps > 0 {
		spreadBps := (snap.Spot.Ask - snap.Spot.Bid) / snap.Spot.Bid * 10000
		if spreadBps > e.trading.MaxSpotSpreadBps {
			decision.Reason = ReasonSpotSanity
			return decision
		}
	}

	// Gate 2: completeness per side.
	spotObserved := snap.Spot.HasBids || snap.Spot.HasAsks
	if spotObserved && !spotPresent && !proxyUsable {
		decision.Reason = ReasonSpotSanity
		return decision
	}
	perpObserved := snap.Perp.HasBids || snap.Perp.HasAsks
	if perpObserved && !perpComplete {
		decision.Reason = ReasonIncomplete
		return decision
	}

	// Gate 3: mark price.
	if !snap.HasMark || snap.MarkPrice <= 0 {
		decision.Reason = ReasonNoMark
		return decision
	}

	// Gate 4: some spot price source plus a two-sided perp book. Crossedness
	// is not judged here; that belongs to gate 7.
	if (!spotPresent && !proxyUsable) || !perpComplete {
		decision.Reason = ReasonNoBook
		return decision
	}

	// Gate 5: freshness. Proxy-driven spot carries no book age of its own.
	if status.PerpStale || (realSpot && status.SpotStale) {
		decision.Reason = ReasonStale
		return decision
	}

	// Gate 6: clock drift between the two books.
	if realSpot && status.OutOfSync {
		decision.Reason = ReasonOutOfSync
		return decision
	}

	// Gate 7: crossed books. A crossed spot is only fatal when no proxy can
	// stand in for it.
	if snap.Perp.Bid >= snap.Perp.Ask || (spotPresent && !realSpot && !proxyUsable) {
		decision.Reason = ReasonInvalidBBO
		return decision
	}

	decision.Ready = true
	decision.UsedProxy = !realSpot

	spotBid, spotAsk := snap.Spot.Bid, snap.Spot.Ask
	if !realSpot {
		spotBid, spotAsk = snap.SpotProxy, snap.SpotProxy
	}
	e.computeEdge(&decision, spotBid, spotAsk, snap.Perp.Bid, snap.Perp.Ask, snap.FundingRate)
	return decision
}

// computeEdge evaluates both trade directions and keeps the larger spread.
// The two spreads use different denominators on purpose; threshold tuning
// depends on this exact normalization.
func (e *Engine) computeEdge(decision *Decision, spotBid, spotAsk, perpBid, perpAsk, fundingRate float64) {
	spreadLong := (perpBid - spotAsk) / spotAsk
	spreadShort := (spotBid - perpAsk) / spotBid

	if spreadLong >= spreadShort {
		decision.Direction = DirectionSpotLong
		decision.GrossSpread = spreadLong
		decision.SpotPrice = spotAsk
		decision.PerpPrice = perpBid
	} else {
		decision.Direction = DirectionSpotShort
		decision.GrossSpread = spreadShort
		decision.SpotPrice = spotBid
		decision.PerpPrice = perpAsk
	}
	decision.EdgeBps = decision.GrossSpread * 10000

	notional := e.trading.MinPositionSize
	if notional < 1 {
		notional = 1
	}
	decision.Notional = notional

	decision.SpotFee = e.feeRate(e.trading.SpotFeeMode, e.trading.MakerFeeSpot, e.trading.TakerFeeSpot) * notional
	decision.PerpFee = e.feeRate(e.trading.PerpFeeMode, e.trading.MakerFeePerp, e.trading.TakerFeePerp) * notional
	slippageRate := normalizeRate(e.trading.SlippageRate) + normalizeRate(e.trading.SlippageBuffer)
	decision.Slippage = slippageRate * notional
	decision.Funding = fundingRate * notional

	fees := decision.SpotFee + decision.PerpFee
	decision.NetPNL = decision.GrossSpread*notional - fees - decision.Slippage - decision.Funding

	decision.Threshold = e.trading.MinEdgeRate
	if costRate := (fees + decision.Slippage) / notional; costRate > decision.Threshold {
		decision.Threshold = costRate
	}
	decision.BelowEdge = decision.GrossSpread < decision.Threshold

	switch {
	case decision.NetPNL <= 0 || decision.GrossSpread <= 0:
		decision.Reason = ReasonPNLNonPos
	case decision.BelowEdge:
		decision.Reason = ReasonBelowMinEdge
	default:
		decision.WouldTrade = true
		decision.Reason = OutcomeWouldTrade
	}
}

func (e *Engine) feeRate(mode string, maker, taker float64) float64 {
	if mode == "maker" {
		return maker
	}
	return taker
}

// normalizeRate accepts either a raw rate or a basis-point figure. Values at
// or above 1 are basis points.
func normalizeRate(v float64) float64 {
	if v >= 1 {
		return v / 10000
	}
	if v > 0 {
		return v
	}
	return 0
}

func (e *Engine) persist(ctx context.Context, decision Decision) {
	if e.sink == nil {
		return
	}
	opp := state.Opportunity{
		CreatedAt:  decision.EvaluatedAt,
		Asset:      decision.Asset,
		Direction:  decision.Direction,
		SpotPrice:  decision.SpotPrice,
		PerpPrice:  decision.PerpPrice,
		Notional:   decision.Notional,
		SpreadRate: decision.GrossSpread,
		EdgeBps:    decision.EdgeBps,
		FeeSpot:    decision.SpotFee,
		FeePerp:    decision.PerpFee,
		Slippage:   decision.Slippage,
		Funding:    decision.Funding,
		NetPNL:     decision.NetPNL,
		Threshold:  decision.Threshold,
	}
	if err := e.sink.InsertOpportunity(ctx, opp); err != nil {
		e.log.Warn("opportunity persist failed", zap.String("asset", decision.Asset), zap.Error(err))
		return
	}
	e.meter.OpportunitiesPersisted.Inc()
}

// trace logs a decision only on readiness transition, reason change, or
// after the configured minimum interval. An evaluation storm never produces
// a log storm.
func (e *Engine) trace(decision Decision) {
	e.mu.Lock()
	prev := e.traces[decision.Asset]
	if prev == nil {
		prev = &traceState{}
		e.traces[decision.Asset] = prev
	}
	changed := prev.ready != decision.Ready || prev.reason != decision.Reason
	due := e.now().Sub(prev.lastLogged) >= e.cfg.TraceEvery
	if !changed && !due {
		e.mu.Unlock()
		return
	}
	prev.ready = decision.Ready
	prev.reason = decision.Reason
	prev.lastLogged = e.now()
	e.mu.Unlock()

	// Decision traces sit at info only when the operator opted in; the
	// default run keeps them at debug.
	logf := e.log.Debug
	if e.cfg.WouldTrade {
		logf = e.log.Info
	}
	logf("decision",
		zap.String("asset", decision.Asset),
		zap.Bool("ready", decision.Ready),
		zap.String("reason", decision.Reason),
		zap.String("direction", decision.Direction),
		zap.Float64("edge_bps", decision.EdgeBps),
		zap.Float64("net_pnl", decision.NetPNL),
		zap.Float64("threshold", decision.Threshold),
		zap.Bool("used_proxy", decision.UsedProxy),
	)
}

// DropTrace clears per-asset trace state when an asset is untracked.
func (e *Engine) DropTrace(asset string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.traces, asset)
}

// RunHeartbeat logs tracked assets and their update counts at a fixed
// interval until the context is cancelled.
func (e *Engine) RunHeartbeat(ctx context.Context) error {
	interval := e.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			counts := e.store.Counts()
			fields := make([]zap.Field, 0, len(counts)+1)
			fields = append(fields, zap.Int("assets", len(counts)))
			for _, asset := range e.store.Assets() {
				fields = append(fields, zap.Uint64(asset, counts[asset]))
			}
			e.log.Info("heartbeat", fields...)
		}
	}
}

// RunFeedHealthLog periodically logs the monitor's monotonic counters.
func (e *Engine) RunFeedHealthLog(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			counters := e.tracker.Counters()
			e.log.Info("feed health",
				zap.Uint64("messages", counters.Messages),
				zap.Uint64("duplicates", counters.Duplicates),
				zap.Uint64("heartbeats", counters.Heartbeats),
				zap.Uint64("crossed", counters.Crossed),
				zap.Uint64("incomplete", counters.Incomplete),
				zap.Uint64("stale_books", counters.StaleBooks),
				zap.Uint64("out_of_sync", counters.OutOfSync),
			)
		}
	}
}
