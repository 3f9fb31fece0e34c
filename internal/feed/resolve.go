package feed

import (
	"strconv"
	"strings"
	"time"
)

type resolutionState int

const (
	resolutionPending resolutionState = iota
	resolutionResolving
	resolutionConfirmedPrimary
	resolutionConfirmedFallback
	resolutionUnresolved
)

func (s resolutionState) String() string {
	switch s {
	case resolutionResolving:
		return "resolving"
	case resolutionConfirmedPrimary:
		return "confirmed_primary"
	case resolutionConfirmedFallback:
		return "confirmed_fallback"
	case resolutionUnresolved:
		return "unresolved"
	default:
		return "pending"
	}
}

// spotResolution tracks the two-phase spot subscription for one asset: the
// primary coin identifier is tried first and the fallback pair string is sent
// if no book message arrives before the deadline.
type spotResolution struct {
	state    resolutionState
	primary  string
	fallback string
	deadline time.Time
}

// canonicalSpotPairs always subscribe with the pair string directly and skip
// index resolution.
var canonicalSpotPairs = map[string]struct{}{
	"PURR/USDC": {},
	"HYPE/USDC": {},
}

func isCanonicalSpotPair(pair string) bool {
	_, ok := canonicalSpotPairs[strings.ToUpper(pair)]
	return ok
}

func spotPairFor(asset, quote string) string {
	return strings.ToUpper(asset) + "/" + strings.ToUpper(quote)
}

// SpotCoinFromMeta derives the short index form ("@142") for a spot pair from
// venue metadata, returning "" when the pair cannot be resolved. The universe
// entry is matched by pair name first, then by base token name, accepting the
// wrapped "U"-prefixed token naming.
func SpotCoinFromMeta(spotMeta any, base, pair string) string {
	meta := metaPayload(spotMeta)
	if meta == nil {
		return ""
	}
	universe, tokens := spotUniverseAndTokens(meta)
	if len(universe) == 0 {
		return ""
	}
	base = strings.ToUpper(base)
	pair = strings.ToUpper(pair)

	tokenNames := make(map[int]string, len(tokens))
	for i, item := range tokens {
		tok, ok := toMap(item)
		if !ok {
			continue
		}
		name := stringFromMap(tok, "name")
		if name == "" {
			continue
		}
		tokenNames[intFromAny(tok["index"], i)] = strings.ToUpper(name)
	}

	match := func(entry map[string]any) bool {
		if name := strings.ToUpper(stringFromMap(entry, "name")); name == pair {
			return true
		}
		pairTokens, ok := toSlice(entry["tokens"])
		if !ok || len(pairTokens) < 1 {
			return false
		}
		baseName := tokenNames[intFromAny(pairTokens[0], -1)]
		return baseName == base || baseName == "U"+base
	}

	for i, item := range universe {
		entry, ok := toMap(item)
		if !ok || !match(entry) {
			continue
		}
		return "@" + strconv.Itoa(intFromAny(entry["index"], i))
	}
	return ""
}

func metaPayload(raw any) map[string]any {
	if m, ok := toMap(raw); ok {
		if nested, ok := toMap(m["spotMeta"]); ok {
			return nested
		}
		return m
	}
	if list, ok := toSlice(raw); ok {
		for _, item := range list {
			if m, ok := toMap(item); ok {
				if _, hasUniverse := m["universe"]; hasUniverse {
					return m
				}
			}
		}
	}
	return nil
}

func spotUniverseAndTokens(meta map[string]any) ([]any, []any) {
	universe, _ := toSlice(meta["universe"])
	tokens, _ := toSlice(meta["tokens"])
	if nested, ok := toMap(meta["spotMeta"]); ok {
		if len(universe) == 0 {
			universe, _ = toSlice(nested["universe"])
		}
		if len(tokens) == 0 {
			tokens, _ = toSlice(nested["tokens"])
		}
	}
	return universe, tokens
}
