package assets

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"hl-paper-arb/internal/config"
	"hl-paper-arb/internal/market"

	"go.uber.org/zap"
)

// Candidate is one perp asset that also trades on the spot venue. Spread and
// volume come from the spot asset context when one exists for the base.
type Candidate struct {
	Base      string
	Volume    float64
	HasVolume bool
	Spread    float64
	HasSpread bool
}

// Selector picks the tracked asset set from venue metadata and then prunes
// it against live book data before the engine sees it.
type Selector struct {
	cfg   config.SelectorConfig
	store *market.Store
	log   *zap.Logger
}

func NewSelector(cfg config.SelectorConfig, store *market.Store, log *zap.Logger) *Selector {
	return &Selector{cfg: cfg, store: store, log: log}
}

// SelectFromMeta intersects the perp universe with spot-listed bases and
// ranks the result. The configured major asset is always included when it
// trades on both venues, evicting the lowest-ranked pick at capacity.
func (s *Selector) SelectFromMeta(perpMeta, spotMeta any) []string {
	candidates := intersectCandidates(perpMeta, spotMeta)
	ranked := Rank(candidates)

	limit := s.cfg.Limit
	if limit <= 0 {
		limit = len(ranked)
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	major := strings.ToUpper(strings.TrimSpace(s.cfg.MajorAsset))
	if major != "" && !containsBase(ranked, major) {
		for _, c := range candidates {
			if c.Base != major {
				continue
			}
			if len(ranked) >= limit && len(ranked) > 0 {
				ranked = ranked[:len(ranked)-1]
			}
			ranked = append(ranked, c)
			break
		}
	}

	out := make([]string, 0, len(ranked))
	for _, c := range ranked {
		out = append(out, c.Base)
	}
	s.log.Info("assets selected", zap.Strings("assets", out))
	return out
}

// Rank orders candidates by spread proxy descending, with candidates missing
// a spread sorted after all spread-bearing ones. Volume ascending breaks
// ties, and a missing volume sorts last within its group.
func Rank(candidates []Candidate) []Candidate {
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].HasSpread != ranked[j].HasSpread {
			return ranked[i].HasSpread
		}
		if ranked[i].HasSpread && ranked[i].Spread != ranked[j].Spread {
			return ranked[i].Spread > ranked[j].Spread
		}
		vi, vj := rankVolume(ranked[i]), rankVolume(ranked[j])
		if vi != vj {
			return vi < vj
		}
		return ranked[i].Base < ranked[j].Base
	})
	return ranked
}

func rankVolume(c Candidate) float64 {
	if !c.HasVolume {
		return math.Inf(1)
	}
	return c.Volume
}

// Preflight waits for each asset's spot book to become valid within the
// bounded window and returns the survivors. Assets that never validate are
// reported in the second return value.
func (s *Selector) Preflight(ctx context.Context, assets []string) (ok, dropped []string) {
	deadline := time.Now().Add(s.cfg.PreflightTimeout)
	pending := make(map[string]struct{}, len(assets))
	for _, asset := range assets {
		pending[strings.ToUpper(asset)] = struct{}{}
	}

	for len(pending) > 0 && time.Now().Before(deadline) {
		for asset := range pending {
			snap, found := s.store.Snapshot(asset)
			if found && spotValid(snap) {
				ok = append(ok, asset)
				delete(pending, asset)
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break
		case <-time.After(s.cfg.PreflightPoll):
		}
		if ctx.Err() != nil {
			break
		}
	}

	for asset := range pending {
		dropped = append(dropped, asset)
		s.log.Warn("asset dropped in preflight", zap.String("asset", asset))
	}
	sort.Strings(ok)
	sort.Strings(dropped)
	return ok, dropped
}

// Warmup watches the surviving assets for repeated spread-cap violations or
// missing book sides and drops the repeat offenders.
func (s *Selector) Warmup(ctx context.Context, assets []string, maxSpreadBps float64) (ok, dropped []string) {
	deadline := time.Now().Add(s.cfg.WarmupTimeout)
	failures := make(map[string]int, len(assets))

	for time.Now().Before(deadline) {
		for _, asset := range assets {
			snap, found := s.store.Snapshot(asset)
			if !found {
				continue
			}
			if !snap.Spot.HasBids || !snap.Spot.HasAsks || snap.Spot.Bid <= 0 || snap.Spot.Ask <= 0 {
				failures[asset]++
				continue
			}
			if maxSpreadBps > 0 {
				spreadBps := (snap.Spot.Ask - snap.Spot.Bid) / snap.Spot.Bid * 10000
				if spreadBps > maxSpreadBps {
					failures[asset]++
				}
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.PreflightPoll):
		}
		if ctx.Err() != nil {
			break
		}
	}

	for _, asset := range assets {
		if failures[asset] >= s.cfg.MaxFailures {
			dropped = append(dropped, asset)
			s.log.Warn("asset dropped in warmup", zap.String("asset", asset), zap.Int("failures", failures[asset]))
			continue
		}
		ok = append(ok, asset)
	}
	return ok, dropped
}

func spotValid(snap market.AssetState) bool {
	return snap.Spot.HasBids && snap.Spot.HasAsks && snap.Spot.Bid > 0 && snap.Spot.Ask > 0 && snap.Spot.Bid < snap.Spot.Ask
}

func containsBase(candidates []Candidate, base string) bool {
	for _, c := range candidates {
		if c.Base == base {
			return true
		}
	}
	return false
}

// intersectCandidates keeps the perp bases that also trade on the spot
// venue, either under their own name, a wrapped "U"-prefixed token name, or
// a pair name. Spread and volume proxies come from the matching spot asset
// context.
func intersectCandidates(perpMeta, spotMeta any) []Candidate {
	perp := perpBaseNames(perpMeta)
	spot := spotBases(spotMeta)
	if len(spot) == 0 {
		return nil
	}
	ctxs := spotAssetContexts(spotMeta)
	out := make([]Candidate, 0, len(perp))
	for _, base := range perp {
		_, direct := spot[base]
		_, wrapped := spot["U"+base]
		if !direct && !wrapped {
			continue
		}
		c := Candidate{Base: base}
		ctx, ok := ctxs[base]
		if !ok {
			ctx, ok = ctxs["U"+base]
		}
		if ok {
			c.Spread, c.HasSpread = spreadProxy(ctx)
			c.Volume, c.HasVolume = volumeProxy(ctx)
		}
		out = append(out, c)
	}
	return out
}

// perpBaseNames reads the asset names out of the perp universe. The payload
// shape is a two-element list with the metadata object first; a bare
// metadata object also works.
func perpBaseNames(payload any) []string {
	universe, _ := splitMetaAndCtxs(payload)
	out := make([]string, 0, len(universe))
	for _, entry := range universe {
		m, ok := asMap(entry)
		if !ok {
			continue
		}
		if name := strings.ToUpper(mapString(m, "name", "symbol", "coin", "base")); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// spreadProxy derives a relative spread from a spot context's top of book,
// normalized by the mid when one is published and by the bid/ask midpoint
// otherwise. Contexts without both sides carry no spread.
func spreadProxy(ctx map[string]any) (float64, bool) {
	bid := mapFloat(ctx, "bidPx", "bestBid", "bid")
	ask := mapFloat(ctx, "askPx", "bestAsk", "ask")
	if bid <= 0 || ask <= 0 {
		return 0, false
	}
	mid := mapFloat(ctx, "midPx", "markPx")
	if mid <= 0 {
		mid = (bid + ask) / 2
	}
	return (ask - bid) / mid, true
}

func volumeProxy(ctx map[string]any) (float64, bool) {
	return mapFloatOK(ctx, "dayNtlVlm", "volume24h", "volume", "dayNotionalVolume")
}

// spotAssetContexts collects per-coin spot contexts from either a merged
// object carrying assetCtxs or the two-element list form where the contexts
// trail the metadata.
func spotAssetContexts(payload any) map[string]map[string]any {
	out := make(map[string]map[string]any)
	collect := func(v any) {
		entries, ok := asSlice(v)
		if !ok {
			return
		}
		for _, entry := range entries {
			ctx, ok := asMap(entry)
			if !ok {
				continue
			}
			if coin := strings.ToUpper(mapString(ctx, "coin", "base", "name")); coin != "" {
				out[coin] = ctx
			}
		}
	}
	if m, ok := asMap(payload); ok {
		collect(m["assetCtxs"])
		return out
	}
	if list, ok := asSlice(payload); ok {
		for _, item := range list {
			if m, ok := asMap(item); ok {
				collect(m["assetCtxs"])
				continue
			}
			collect(item)
		}
	}
	return out
}

// spotBases collects every token and pair name listed on the spot venue.
func spotBases(payload any) map[string]struct{} {
	meta := payload
	if list, ok := asSlice(payload); ok && len(list) > 0 {
		meta = list[0]
	}
	m, ok := asMap(meta)
	if !ok {
		return nil
	}
	if nested, ok := asMap(m["spotMeta"]); ok {
		m = nested
	}
	out := make(map[string]struct{})
	if tokens, ok := asSlice(m["tokens"]); ok {
		for _, tok := range tokens {
			if tm, ok := asMap(tok); ok {
				if name := strings.ToUpper(mapString(tm, "name")); name != "" {
					out[name] = struct{}{}
				}
			}
		}
	}
	if universe, ok := asSlice(m["universe"]); ok {
		for _, pair := range universe {
			if pm, ok := asMap(pair); ok {
				name := strings.ToUpper(mapString(pm, "name"))
				if base, _, found := strings.Cut(name, "/"); found && base != "" {
					out[base] = struct{}{}
				}
			}
		}
	}
	return out
}

func splitMetaAndCtxs(payload any) ([]any, []any) {
	list, ok := asSlice(payload)
	if !ok || len(list) == 0 {
		if m, ok := asMap(payload); ok {
			universe, _ := asSlice(m["universe"])
			return universe, nil
		}
		return nil, nil
	}
	meta, ok := asMap(list[0])
	if !ok {
		return nil, nil
	}
	universe, _ := asSlice(meta["universe"])
	var ctxs []any
	if len(list) > 1 {
		ctxs, _ = asSlice(list[1])
	}
	return universe, ctxs
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func mapString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func mapFloat(m map[string]any, keys ...string) float64 {
	f, _ := mapFloatOK(m, keys...)
	return f
}

func mapFloatOK(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case float64:
			return val, true
		case int:
			return float64(val), true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}
