package health

import (
	"math"
	"testing"
	"time"

	"hl-paper-arb/internal/config"
	"hl-paper-arb/internal/feed"
)

func testConfig() config.FeedHealthConfig {
	return config.FeedHealthConfig{
		StaleMS:     1500,
		OutOfSyncMS: 1000,
		DedupTTL:    2 * time.Second,
	}
}

func TestDedupWithinTTL(t *testing.T) {
	tracker := NewTracker(testConfig())
	base := time.Now()
	tracker.now = func() time.Time { return base }

	if tracker.RegisterMessage("l2Book", "BTC", "100") {
		t.Fatalf("first message must not be a duplicate")
	}
	if !tracker.RegisterMessage("l2Book", "BTC", "100") {
		t.Fatalf("repeat within TTL must be a duplicate")
	}
	if tracker.RegisterMessage("l2Book", "ETH", "100") {
		t.Fatalf("same token for a different coin must not be a duplicate")
	}

	tracker.now = func() time.Time { return base.Add(3 * time.Second) }
	if tracker.RegisterMessage("l2Book", "BTC", "100") {
		t.Fatalf("repeat after TTL expiry must not be a duplicate")
	}

	counters := tracker.Counters()
	if counters.Messages != 4 {
		t.Fatalf("expected 4 messages, got %d", counters.Messages)
	}
	if counters.Duplicates != 1 {
		t.Fatalf("expected 1 duplicate, got %d", counters.Duplicates)
	}
}

func TestDedupIgnoresEmptyToken(t *testing.T) {
	tracker := NewTracker(testConfig())
	if tracker.RegisterMessage("allMids", "", "") {
		t.Fatalf("tokenless message must not be a duplicate")
	}
	if tracker.RegisterMessage("allMids", "", "") {
		t.Fatalf("tokenless message must never be a duplicate")
	}
}

func TestAgesInfUntilObserved(t *testing.T) {
	tracker := NewTracker(testConfig())
	status := tracker.Check("BTC")
	if !math.IsInf(status.SpotAgeMS, 1) || !math.IsInf(status.PerpAgeMS, 1) {
		t.Fatalf("unobserved ages must be +Inf, got %+v", status)
	}
	if !status.SpotStale || !status.PerpStale {
		t.Fatalf("unobserved asset must be stale")
	}
	if status.OutOfSync {
		t.Fatalf("sync drift must not be judged before both sides are seen")
	}
}

func TestOutOfSyncNeedsBothSides(t *testing.T) {
	tracker := NewTracker(testConfig())
	base := time.Now()
	tracker.now = func() time.Time { return base }

	tracker.OnBookUpdate(feed.BookUpdate{Asset: "BTC", Kind: feed.KindSpot, BestBid: 100, BestAsk: 101, HasBids: true, HasAsks: true, ObservedAt: base.Add(-5 * time.Second)})
	if tracker.Check("BTC").OutOfSync {
		t.Fatalf("one-sided asset must not be out of sync")
	}

	tracker.OnBookUpdate(feed.BookUpdate{Asset: "BTC", Kind: feed.KindPerp, BestBid: 100, BestAsk: 101, HasBids: true, HasAsks: true, ObservedAt: base})
	if !tracker.Check("BTC").OutOfSync {
		t.Fatalf("5s drift with both sides seen must be out of sync")
	}
}

func TestStaleAndOutOfSync(t *testing.T) {
	tracker := NewTracker(testConfig())
	base := time.Now()

	tracker.OnBookUpdate(feed.BookUpdate{Asset: "BTC", Kind: feed.KindSpot, BestBid: 100, BestAsk: 101, HasBids: true, HasAsks: true, ObservedAt: base})
	tracker.OnBookUpdate(feed.BookUpdate{Asset: "BTC", Kind: feed.KindPerp, BestBid: 100, BestAsk: 101, HasBids: true, HasAsks: true, ObservedAt: base.Add(-1200 * time.Millisecond)})

	tracker.now = func() time.Time { return base.Add(100 * time.Millisecond) }
	status := tracker.Check("BTC")
	if status.SpotStale {
		t.Fatalf("fresh spot must not be stale: %+v", status)
	}
	if !status.OutOfSync {
		t.Fatalf("1200ms drift must be out of sync: %+v", status)
	}

	tracker.now = func() time.Time { return base.Add(2 * time.Second) }
	status = tracker.Check("BTC")
	if !status.SpotStale || !status.PerpStale {
		t.Fatalf("both sides must be stale after 2s: %+v", status)
	}
}

func TestCrossedAndIncompleteCounters(t *testing.T) {
	tracker := NewTracker(testConfig())
	now := time.Now()

	tracker.OnBookUpdate(feed.BookUpdate{Asset: "BTC", Kind: feed.KindPerp, BestBid: 101, BestAsk: 100, HasBids: true, HasAsks: true, ObservedAt: now})
	tracker.OnBookUpdate(feed.BookUpdate{Asset: "BTC", Kind: feed.KindPerp, BestBid: 100, BestAsk: 0, HasBids: true, HasAsks: false, ObservedAt: now})
	tracker.OnBookUpdate(feed.BookUpdate{Asset: "BTC", Kind: feed.KindPerp, BestBid: 100, BestAsk: 101, HasBids: true, HasAsks: true, ObservedAt: now})

	counters := tracker.Counters()
	if counters.Crossed != 1 {
		t.Fatalf("expected 1 crossed book, got %d", counters.Crossed)
	}
	if counters.Incomplete != 1 {
		t.Fatalf("expected 1 incomplete book, got %d", counters.Incomplete)
	}
}

func TestStaleAndOutOfSyncCounters(t *testing.T) {
	tracker := NewTracker(testConfig())
	base := time.Now()
	tracker.now = func() time.Time { return base }

	tracker.OnBookUpdate(feed.BookUpdate{Asset: "BTC", Kind: feed.KindSpot, BestBid: 100, BestAsk: 101, HasBids: true, HasAsks: true, ObservedAt: base.Add(-2 * time.Second)})
	tracker.OnBookUpdate(feed.BookUpdate{Asset: "BTC", Kind: feed.KindPerp, BestBid: 100, BestAsk: 101, HasBids: true, HasAsks: true, ObservedAt: base})

	counters := tracker.Counters()
	if counters.StaleBooks != 1 {
		t.Fatalf("update older than stale threshold must count, got %d", counters.StaleBooks)
	}
	if counters.OutOfSync != 1 {
		t.Fatalf("2s drift must count once both sides are seen, got %d", counters.OutOfSync)
	}

	tracker.OnBookUpdate(feed.BookUpdate{Asset: "BTC", Kind: feed.KindSpot, BestBid: 100, BestAsk: 101, HasBids: true, HasAsks: true, ObservedAt: base})
	counters = tracker.Counters()
	if counters.StaleBooks != 1 || counters.OutOfSync != 1 {
		t.Fatalf("fresh in-sync update must not count, got %+v", counters)
	}
}

func TestStatusBookShapeFlags(t *testing.T) {
	tracker := NewTracker(testConfig())
	base := time.Now()
	tracker.now = func() time.Time { return base }

	tracker.OnBookUpdate(feed.BookUpdate{Asset: "BTC", Kind: feed.KindSpot, BestBid: 100, BestAsk: 0, HasBids: true, HasAsks: false, ObservedAt: base})
	tracker.OnBookUpdate(feed.BookUpdate{Asset: "BTC", Kind: feed.KindPerp, BestBid: 101, BestAsk: 100, HasBids: true, HasAsks: true, ObservedAt: base})

	status := tracker.Check("BTC")
	if !status.SpotIncomplete || status.PerpIncomplete {
		t.Fatalf("only spot side is incomplete: %+v", status)
	}
	if !status.Crossed {
		t.Fatalf("crossed perp must surface in the status: %+v", status)
	}

	tracker.OnBookUpdate(feed.BookUpdate{Asset: "BTC", Kind: feed.KindPerp, BestBid: 100, BestAsk: 101, HasBids: true, HasAsks: true, ObservedAt: base})
	status = tracker.Check("BTC")
	if status.Crossed {
		t.Fatalf("uncrossed update must clear the flag: %+v", status)
	}
}

func TestForget(t *testing.T) {
	tracker := NewTracker(testConfig())
	tracker.OnBookUpdate(feed.BookUpdate{Asset: "BTC", Kind: feed.KindSpot, BestBid: 1, BestAsk: 2, HasBids: true, HasAsks: true, ObservedAt: time.Now()})
	tracker.Forget("BTC")
	status := tracker.Check("BTC")
	if !math.IsInf(status.SpotAgeMS, 1) {
		t.Fatalf("forgotten asset must report +Inf ages")
	}
}
