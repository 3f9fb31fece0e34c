package assets

import (
	"context"
	"testing"
	"time"

	"hl-paper-arb/internal/config"
	"hl-paper-arb/internal/feed"
	"hl-paper-arb/internal/market"

	"go.uber.org/zap"
)

func metaFixture() (any, any) {
	perpMeta := []any{
		map[string]any{"universe": []any{
			map[string]any{"name": "BTC"},
			map[string]any{"name": "ETH"},
			map[string]any{"name": "SOL"},
			map[string]any{"name": "XYZ"},
		}},
	}
	spotMeta := []any{
		map[string]any{
			"tokens": []any{
				map[string]any{"name": "UBTC"},
				map[string]any{"name": "ETH"},
				map[string]any{"name": "SOL"},
				map[string]any{"name": "USDC"},
			},
			"universe": []any{
				map[string]any{"name": "UBTC/USDC"},
				map[string]any{"name": "ETH/USDC"},
				map[string]any{"name": "SOL/USDC"},
			},
		},
		[]any{
			map[string]any{"coin": "UBTC", "bidPx": "50000", "askPx": "50050", "midPx": "50025", "dayNtlVlm": "9000"},
			map[string]any{"coin": "ETH", "bidPx": "3000", "askPx": "3012", "dayNtlVlm": "5000"},
			map[string]any{"coin": "SOL", "bidPx": "100", "askPx": "100.2", "dayNtlVlm": "1000"},
		},
	}
	return perpMeta, spotMeta
}

func newTestSelector(cfg config.SelectorConfig) (*Selector, *market.Store) {
	store := market.NewStore()
	return NewSelector(cfg, store, zap.NewNop()), store
}

func TestIntersectionAcceptsWrappedTokens(t *testing.T) {
	perpMeta, spotMeta := metaFixture()
	candidates := intersectCandidates(perpMeta, spotMeta)
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates (XYZ has no spot listing), got %d", len(candidates))
	}
	bases := map[string]bool{}
	for _, c := range candidates {
		bases[c.Base] = true
	}
	if !bases["BTC"] || !bases["ETH"] || !bases["SOL"] {
		t.Fatalf("unexpected intersection: %v", bases)
	}
}

func TestRankSpreadDescendingVolumeTiebreak(t *testing.T) {
	candidates := []Candidate{
		{Base: "A", Volume: 100, HasVolume: true, Spread: 0.001, HasSpread: true},
		{Base: "B", Volume: 50, HasVolume: true, Spread: 0.002, HasSpread: true},
		{Base: "C", Volume: 10, HasVolume: true, Spread: 0.001, HasSpread: true},
	}
	ranked := Rank(candidates)
	if ranked[0].Base != "B" || ranked[1].Base != "C" || ranked[2].Base != "A" {
		t.Fatalf("unexpected order: %v %v %v", ranked[0].Base, ranked[1].Base, ranked[2].Base)
	}
}

func TestRankMissingSpreadSortsLast(t *testing.T) {
	candidates := []Candidate{
		{Base: "A", Volume: 300, HasVolume: true, Spread: 0.01, HasSpread: true},
		{Base: "B", Volume: 100, HasVolume: true},
		{Base: "C", Volume: 200, HasVolume: true},
	}
	ranked := Rank(candidates)
	if ranked[0].Base != "A" || ranked[1].Base != "B" || ranked[2].Base != "C" {
		t.Fatalf("expected spread-bearing first then volume ascending, got %v %v %v", ranked[0].Base, ranked[1].Base, ranked[2].Base)
	}
}

func TestRankMissingVolumeSortsLastInGroup(t *testing.T) {
	candidates := []Candidate{
		{Base: "A"},
		{Base: "B", Volume: 100, HasVolume: true},
	}
	ranked := Rank(candidates)
	if ranked[0].Base != "B" || ranked[1].Base != "A" {
		t.Fatalf("expected known volume first, got %v %v", ranked[0].Base, ranked[1].Base)
	}
}

func TestSpreadProxyFromSpotContext(t *testing.T) {
	_, spotMeta := metaFixture()
	perpMeta := []any{map[string]any{"universe": []any{
		map[string]any{"name": "BTC"},
		map[string]any{"name": "ETH"},
		map[string]any{"name": "SOL"},
	}}}
	candidates := intersectCandidates(perpMeta, spotMeta)
	ranked := Rank(candidates)
	if len(ranked) != 3 {
		t.Fatalf("expected 3 ranked candidates, got %d", len(ranked))
	}
	// ETH 12/3006, SOL 0.2/100.1, BTC 50/50025.
	if ranked[0].Base != "ETH" || ranked[1].Base != "SOL" || ranked[2].Base != "BTC" {
		t.Fatalf("expected spot-spread ordering ETH SOL BTC, got %v %v %v", ranked[0].Base, ranked[1].Base, ranked[2].Base)
	}
	for _, c := range ranked {
		if !c.HasSpread || !c.HasVolume {
			t.Fatalf("candidate %s missing spot context proxies: %+v", c.Base, c)
		}
	}
}

func TestSelectIncludesMajorWithEviction(t *testing.T) {
	perpMeta, spotMeta := metaFixture()
	selector, _ := newTestSelector(config.SelectorConfig{
		Limit:      2,
		MajorAsset: "ETH",
	})
	selected := selector.SelectFromMeta(perpMeta, spotMeta)
	if len(selected) != 2 {
		t.Fatalf("expected capacity 2, got %v", selected)
	}
	found := false
	for _, asset := range selected {
		if asset == "ETH" {
			found = true
		}
	}
	if !found {
		t.Fatalf("major asset must be included, got %v", selected)
	}
}

func TestPreflightDropsNeverLiquidSpot(t *testing.T) {
	selector, store := newTestSelector(config.SelectorConfig{
		PreflightTimeout: 300 * time.Millisecond,
		PreflightPoll:    20 * time.Millisecond,
	})
	now := time.Now()
	store.ApplyBook(feed.BookUpdate{Asset: "ETH", Kind: feed.KindSpot, BestBid: 3000, BestAsk: 3001, HasBids: true, HasAsks: true, ObservedAt: now})
	store.Ensure("BTC")

	ok, dropped := selector.Preflight(context.Background(), []string{"BTC", "ETH"})
	if len(ok) != 1 || ok[0] != "ETH" {
		t.Fatalf("expected ETH to survive, got %v", ok)
	}
	if len(dropped) != 1 || dropped[0] != "BTC" {
		t.Fatalf("expected BTC dropped, got %v", dropped)
	}
}

func TestPreflightPicksUpLateBook(t *testing.T) {
	selector, store := newTestSelector(config.SelectorConfig{
		PreflightTimeout: time.Second,
		PreflightPoll:    10 * time.Millisecond,
	})
	store.Ensure("SOL")
	go func() {
		time.Sleep(100 * time.Millisecond)
		store.ApplyBook(feed.BookUpdate{Asset: "SOL", Kind: feed.KindSpot, BestBid: 100, BestAsk: 100.1, HasBids: true, HasAsks: true, ObservedAt: time.Now()})
	}()

	ok, dropped := selector.Preflight(context.Background(), []string{"SOL"})
	if len(ok) != 1 || len(dropped) != 0 {
		t.Fatalf("expected SOL to validate once the book arrives, got ok=%v dropped=%v", ok, dropped)
	}
}

func TestWarmupDropsRepeatOffenders(t *testing.T) {
	selector, store := newTestSelector(config.SelectorConfig{
		WarmupTimeout: 200 * time.Millisecond,
		PreflightPoll: 20 * time.Millisecond,
		MaxFailures:   3,
	})
	now := time.Now()
	// BTC has a persistently wide spot spread, ETH stays tight.
	store.ApplyBook(feed.BookUpdate{Asset: "BTC", Kind: feed.KindSpot, BestBid: 50000, BestAsk: 51000, HasBids: true, HasAsks: true, ObservedAt: now})
	store.ApplyBook(feed.BookUpdate{Asset: "ETH", Kind: feed.KindSpot, BestBid: 3000, BestAsk: 3000.3, HasBids: true, HasAsks: true, ObservedAt: now})

	ok, dropped := selector.Warmup(context.Background(), []string{"BTC", "ETH"}, 100)
	if len(dropped) != 1 || dropped[0] != "BTC" {
		t.Fatalf("expected BTC dropped in warmup, got %v", dropped)
	}
	if len(ok) != 1 || ok[0] != "ETH" {
		t.Fatalf("expected ETH to survive warmup, got %v", ok)
	}
}
