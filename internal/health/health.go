package health

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hl-paper-arb/internal/config"
	"hl-paper-arb/internal/feed"
)

// Status is the freshness view for one asset. Ages are milliseconds and are
// +Inf until the first book message for that side arrives. The incomplete and
// crossed flags reflect the most recent update per side.
type Status struct {
	Asset          string
	SpotAgeMS      float64
	PerpAgeMS      float64
	SpotStale      bool
	PerpStale      bool
	SpotIncomplete bool
	PerpIncomplete bool
	Crossed        bool
	OutOfSync      bool
}

// Counters are monotonic totals since process start.
type Counters struct {
	Messages   uint64
	Duplicates uint64
	Heartbeats uint64
	Crossed    uint64
	Incomplete uint64
	StaleBooks uint64
	OutOfSync  uint64
}

// bookState is the last observation for one side of an asset.
type bookState struct {
	at         time.Time
	incomplete bool
	crossed    bool
}

// Tracker observes every classified message and book update and answers
// freshness questions. It never gates dispatch; decisions about skipping
// belong to the caller.
type Tracker struct {
	cfg config.FeedHealthConfig
	now func() time.Time

	mu        sync.Mutex
	dedup     map[string]time.Time
	lastSweep time.Time
	lastBook  map[string]map[feed.MarketKind]bookState

	messages   atomic.Uint64
	duplicates atomic.Uint64
	heartbeats atomic.Uint64
	crossed    atomic.Uint64
	incomplete atomic.Uint64
	staleBooks atomic.Uint64
	outOfSync  atomic.Uint64
}

func NewTracker(cfg config.FeedHealthConfig) *Tracker {
	return &Tracker{
		cfg:      cfg,
		now:      time.Now,
		dedup:    make(map[string]time.Time),
		lastBook: make(map[string]map[feed.MarketKind]bookState),
	}
}

// RegisterMessage records one classified message and reports whether it is a
// duplicate of one seen within the dedup TTL. Messages without a dedup token
// are never duplicates.
func (t *Tracker) RegisterMessage(channel, coin, token string) bool {
	t.messages.Add(1)
	if token == "" {
		return false
	}
	key := channel + ":" + coin + ":" + token
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(now)
	if seen, ok := t.dedup[key]; ok && now.Sub(seen) < t.cfg.DedupTTL {
		t.duplicates.Add(1)
		return true
	}
	t.dedup[key] = now
	return false
}

// RegisterHeartbeat counts a pong or otherwise unclassified frame.
func (t *Tracker) RegisterHeartbeat() {
	t.heartbeats.Add(1)
}

// OnBookUpdate records arrival time and book shape per asset and market side
// and counts crossed, incomplete, already-stale and out-of-sync events.
func (t *Tracker) OnBookUpdate(update feed.BookUpdate) {
	asset := strings.ToUpper(update.Asset)
	now := t.now()
	observed := update.ObservedAt
	if observed.IsZero() {
		observed = now
	}

	state := bookState{at: observed}
	state.incomplete = !update.HasBids || !update.HasAsks || update.BestBid <= 0 || update.BestAsk <= 0
	state.crossed = !state.incomplete && update.BestBid >= update.BestAsk

	t.mu.Lock()
	sides, ok := t.lastBook[asset]
	if !ok {
		sides = make(map[feed.MarketKind]bookState, 2)
		t.lastBook[asset] = sides
	}
	sides[update.Kind] = state
	spot, spotOK := sides[feed.KindSpot]
	perp, perpOK := sides[feed.KindPerp]
	t.mu.Unlock()

	if float64(now.Sub(observed))/float64(time.Millisecond) > float64(t.cfg.StaleMS) {
		t.staleBooks.Add(1)
	}
	if spotOK && perpOK {
		drift := math.Abs(float64(spot.at.Sub(perp.at))) / float64(time.Millisecond)
		if drift > float64(t.cfg.OutOfSyncMS) {
			t.outOfSync.Add(1)
		}
	}
	if state.incomplete {
		t.incomplete.Add(1)
		return
	}
	if state.crossed {
		t.crossed.Add(1)
	}
}

// Forget drops freshness state for an asset, used when it is untracked.
func (t *Tracker) Forget(asset string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastBook, strings.ToUpper(asset))
}

// Check reports the freshness status for an asset at the current time.
// Sync drift is only judged once both sides have been observed.
func (t *Tracker) Check(asset string) Status {
	asset = strings.ToUpper(asset)
	now := t.now()

	t.mu.Lock()
	sides := t.lastBook[asset]
	spot, spotOK := sides[feed.KindSpot]
	perp, perpOK := sides[feed.KindPerp]
	t.mu.Unlock()

	status := Status{Asset: asset, SpotAgeMS: math.Inf(1), PerpAgeMS: math.Inf(1)}
	if spotOK {
		status.SpotAgeMS = float64(now.Sub(spot.at)) / float64(time.Millisecond)
		status.SpotIncomplete = spot.incomplete
	}
	if perpOK {
		status.PerpAgeMS = float64(now.Sub(perp.at)) / float64(time.Millisecond)
		status.PerpIncomplete = perp.incomplete
	}
	staleMS := float64(t.cfg.StaleMS)
	status.SpotStale = status.SpotAgeMS > staleMS
	status.PerpStale = status.PerpAgeMS > staleMS
	status.Crossed = spot.crossed || perp.crossed
	if spotOK && perpOK {
		drift := math.Abs(float64(spot.at.Sub(perp.at))) / float64(time.Millisecond)
		status.OutOfSync = drift > float64(t.cfg.OutOfSyncMS)
	}
	return status
}

// Counters returns the monotonic totals.
func (t *Tracker) Counters() Counters {
	return Counters{
		Messages:   t.messages.Load(),
		Duplicates: t.duplicates.Load(),
		Heartbeats: t.heartbeats.Load(),
		Crossed:    t.crossed.Load(),
		Incomplete: t.incomplete.Load(),
		StaleBooks: t.staleBooks.Load(),
		OutOfSync:  t.outOfSync.Load(),
	}
}

func (t *Tracker) sweepLocked(now time.Time) {
	if now.Sub(t.lastSweep) < t.cfg.DedupTTL {
		return
	}
	t.lastSweep = now
	for key, seen := range t.dedup {
		if now.Sub(seen) >= t.cfg.DedupTTL {
			delete(t.dedup, key)
		}
	}
}
