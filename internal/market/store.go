package market

import (
	"sort"
	"strings"
	"sync"
	"time"

	"hl-paper-arb/internal/feed"
)

// BookQuote is the best bid/ask observed for one side of a market.
type BookQuote struct {
	Bid        float64
	Ask        float64
	HasBids    bool
	HasAsks    bool
	ObservedAt time.Time
}

// Liquid reports whether the quote has positive, uncrossed prices on both
// sides. A crossed book is not usable as a real quote source.
func (q BookQuote) Liquid() bool {
	return q.HasBids && q.HasAsks && q.Bid > 0 && q.Ask > 0 && q.Bid < q.Ask
}

// AssetState is the latest view of one asset across both markets.
type AssetState struct {
	Asset       string
	Spot        BookQuote
	Perp        BookQuote
	MarkPrice   float64
	HasMark     bool
	FundingRate float64
	HasFunding  bool
	SpotProxy   float64
	MarkAt      time.Time
	SpotUpdates uint64
	PerpUpdates uint64
	CtxUpdates  uint64
}

type assetEntry struct {
	mu    sync.RWMutex
	state AssetState
}

// Store keeps the last observed state per asset. Each asset has its own
// lock so a busy book never blocks reads of other assets.
type Store struct {
	mu     sync.RWMutex
	assets map[string]*assetEntry
}

func NewStore() *Store {
	return &Store{assets: make(map[string]*assetEntry)}
}

// Ensure creates an empty entry for the asset so snapshots report it even
// before the first update arrives.
func (s *Store) Ensure(assets ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, asset := range assets {
		asset = strings.ToUpper(strings.TrimSpace(asset))
		if asset == "" {
			continue
		}
		if _, ok := s.assets[asset]; !ok {
			s.assets[asset] = &assetEntry{state: AssetState{Asset: asset}}
		}
	}
}

// Drop removes an asset and its state entirely.
func (s *Store) Drop(asset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assets, strings.ToUpper(strings.TrimSpace(asset)))
}

// Assets returns the known asset names, sorted.
func (s *Store) Assets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.assets))
	for asset := range s.assets {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// ApplyBook overwrites the book side named by the update. Update counters
// are monotonic for the life of the entry.
func (s *Store) ApplyBook(update feed.BookUpdate) {
	entry := s.entry(update.Asset)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	quote := BookQuote{
		Bid:        update.BestBid,
		Ask:        update.BestAsk,
		HasBids:    update.HasBids,
		HasAsks:    update.HasAsks,
		ObservedAt: update.ObservedAt,
	}
	if quote.ObservedAt.IsZero() {
		quote.ObservedAt = time.Now().UTC()
	}
	switch update.Kind {
	case feed.KindSpot:
		entry.state.Spot = quote
		entry.state.SpotUpdates++
	case feed.KindPerp:
		entry.state.Perp = quote
		entry.state.PerpUpdates++
	}
}

// ApplyContext merges mark, funding and spot proxy. Fields not carried by
// the update keep their previous values.
func (s *Store) ApplyContext(update feed.ContextUpdate) {
	entry := s.entry(update.Asset)
	if entry == nil {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if update.HasMark {
		entry.state.MarkPrice = update.MarkPrice
		entry.state.HasMark = true
		if update.ObservedAt.IsZero() {
			entry.state.MarkAt = time.Now().UTC()
		} else {
			entry.state.MarkAt = update.ObservedAt
		}
	}
	if update.HasFunding {
		entry.state.FundingRate = update.FundingRate
		entry.state.HasFunding = true
	}
	if update.SpotProxy > 0 {
		entry.state.SpotProxy = update.SpotProxy
	}
	entry.state.CtxUpdates++
}

// Snapshot returns a copy of the asset state.
func (s *Store) Snapshot(asset string) (AssetState, bool) {
	s.mu.RLock()
	entry, ok := s.assets[strings.ToUpper(strings.TrimSpace(asset))]
	s.mu.RUnlock()
	if !ok {
		return AssetState{}, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.state, true
}

// Counts returns per-asset total update counts, used by the heartbeat log.
func (s *Store) Counts() map[string]uint64 {
	s.mu.RLock()
	entries := make(map[string]*assetEntry, len(s.assets))
	for asset, entry := range s.assets {
		entries[asset] = entry
	}
	s.mu.RUnlock()
	out := make(map[string]uint64, len(entries))
	for asset, entry := range entries {
		entry.mu.RLock()
		out[asset] = entry.state.SpotUpdates + entry.state.PerpUpdates + entry.state.CtxUpdates
		entry.mu.RUnlock()
	}
	return out
}

func (s *Store) entry(asset string) *assetEntry {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.assets[asset]
	if !ok {
		entry = &assetEntry{state: AssetState{Asset: asset}}
		s.assets[asset] = entry
	}
	return entry
}
