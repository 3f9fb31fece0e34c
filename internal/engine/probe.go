package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"hl-paper-arb/internal/config"
	"hl-paper-arb/internal/state"

	"go.uber.org/zap"
)

// openDelaySentinel marks a probe row whose pairing observation has not
// arrived yet.
const openDelaySentinel = -1

// Prober estimates whether a resting order would have filled by pairing a
// quote observation with the quotes seen after a measured delay. Each probe
// is written twice: inserted open, then updated once when a qualifying later
// observation lands inside the delay window.
type Prober struct {
	cfg  config.ProbeConfig
	sink state.Sink
	log  *zap.Logger
	now  func() time.Time

	mu   sync.Mutex
	open map[string]*state.MakerProbe
}

func NewProber(cfg config.ProbeConfig, sink state.Sink, log *zap.Logger) *Prober {
	return &Prober{
		cfg:  cfg,
		sink: sink,
		log:  log,
		now:  time.Now,
		open: make(map[string]*state.MakerProbe),
	}
}

// Observe feeds one spot quote into the probe state machine. Observations
// earlier than the minimum delay are ignored; observations past the maximum
// age abandon the open probe and start a fresh one.
func (p *Prober) Observe(ctx context.Context, asset string, bid, ask float64, at time.Time) {
	if !p.cfg.Enabled || p.sink == nil {
		return
	}
	if bid <= 0 || ask <= 0 || bid >= ask {
		return
	}
	asset = strings.ToUpper(asset)
	if at.IsZero() {
		at = p.now().UTC()
	}

	p.mu.Lock()
	open := p.open[asset]
	if open != nil {
		delay := at.Sub(open.CreatedAt)
		if delay < p.cfg.MinDelay {
			p.mu.Unlock()
			return
		}
		delete(p.open, asset)
		if delay <= p.cfg.MaxAge {
			p.mu.Unlock()
			p.close(ctx, open, bid, ask, delay, at)
			p.insertOpen(ctx, asset, bid, ask, at)
			return
		}
		p.log.Debug("maker probe abandoned", zap.String("asset", asset), zap.Duration("delay", delay))
	}
	p.mu.Unlock()
	p.insertOpen(ctx, asset, bid, ask, at)
}

func (p *Prober) insertOpen(ctx context.Context, asset string, bid, ask float64, at time.Time) {
	probe := &state.MakerProbe{
		CreatedAt:   at,
		Asset:       asset,
		Side:        "bid",
		Price:       bid,
		BidAtInsert: bid,
		AskAtInsert: ask,
		DelayMS:     openDelaySentinel,
	}
	if err := p.sink.UpsertMakerProbe(ctx, probe); err != nil {
		p.log.Warn("maker probe insert failed", zap.String("asset", asset), zap.Error(err))
		return
	}
	p.mu.Lock()
	p.open[asset] = probe
	p.mu.Unlock()
}

func (p *Prober) close(ctx context.Context, probe *state.MakerProbe, bid, ask float64, delay time.Duration, at time.Time) {
	nextBid, nextAsk := bid, ask
	pairedAt := at
	probe.NextBid = &nextBid
	probe.NextAsk = &nextAsk
	probe.DelayMS = float64(delay) / float64(time.Millisecond)
	probe.PairedAt = &pairedAt
	if err := p.sink.UpsertMakerProbe(ctx, probe); err != nil {
		p.log.Warn("maker probe update failed", zap.String("asset", probe.Asset), zap.Error(err))
	}
}

// Forget drops the open probe for an asset, used when it is untracked.
func (p *Prober) Forget(asset string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.open, strings.ToUpper(asset))
}
