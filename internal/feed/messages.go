package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MarketKind routes a book update to spot or perp state.
type MarketKind string

const (
	KindSpot MarketKind = "spot"
	KindPerp MarketKind = "perp"
)

type MsgType int

const (
	MsgUnknown MsgType = iota
	MsgError
	MsgAck
	MsgBook
	MsgContext
	MsgMids
	MsgPong
)

// Envelope is the single classified form of an inbound frame. Nothing outside
// this package inspects raw venue payloads.
type Envelope struct {
	Type       MsgType
	Channel    string
	Coin       string
	DedupToken string
	Err        string
	AckKey     string
	Book       *BookPayload
	Ctx        *ContextPayload
	Mids       map[string]float64
}

type BookPayload struct {
	Coin    string
	BestBid float64
	BestAsk float64
	HasBids bool
	HasAsks bool
	Time    time.Time
}

type ContextPayload struct {
	Coin        string
	MarkPrice   float64
	FundingRate float64
	HasFunding  bool
	// SpotProxy is a synthetic spot price taken from midPx, falling back to
	// oraclePx and then the first impact price.
	SpotProxy float64
	Time      time.Time
}

// Classify parses a raw frame into zero or more envelopes. Frames may be a
// single object or a list of objects; unparseable frames yield nothing.
func Classify(raw json.RawMessage) []Envelope {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	if list, ok := toSlice(payload); ok {
		var out []Envelope
		for _, item := range list {
			if m, ok := toMap(item); ok {
				out = append(out, classifyObject(m))
			}
		}
		return out
	}
	if m, ok := toMap(payload); ok {
		return []Envelope{classifyObject(m)}
	}
	return nil
}

func classifyObject(m map[string]any) Envelope {
	channel := stringFromMap(m, "channel", "type")
	payload := extractPayload(m)
	coin := stringFromMap(payload, "coin", "asset")
	if coin == "" {
		coin = stringFromMap(m, "coin", "asset")
	}
	env := Envelope{
		Type:       MsgUnknown,
		Channel:    channel,
		Coin:       coin,
		DedupToken: dedupToken(m, payload, channel, coin),
	}

	switch {
	case isError(m, channel):
		env.Type = MsgError
		env.Err = errorText(m, payload)
	case isAck(channel):
		env.Type = MsgAck
		env.AckKey = ackKey(payload)
	case isBook(m, channel):
		env.Type = MsgBook
		env.Book = parseBook(coin, payload, m)
	case isContext(m, channel):
		env.Type = MsgContext
		env.Ctx = parseContext(coin, payload)
	case isMids(m, channel):
		env.Type = MsgMids
		env.Mids = parseMids(payload)
	case isPong(channel, m):
		env.Type = MsgPong
	}
	return env
}

func isError(m map[string]any, channel string) bool {
	return channel == "error"
}

func isAck(channel string) bool {
	return channel == "subscriptionResponse"
}

func isBook(m map[string]any, channel string) bool {
	switch channel {
	case "l2Book", "l2book":
		return true
	}
	if sub, ok := toMap(m["subscription"]); ok && stringFromMap(sub, "type") == "l2Book" {
		return true
	}
	data := extractPayload(m)
	return stringFromMap(data, "type") == "l2Book"
}

func isContext(m map[string]any, channel string) bool {
	switch channel {
	case "activeAssetCtx", "activeSpotAssetCtx", "markPrice", "mark":
		return true
	}
	data := extractPayload(m)
	return stringFromMap(data, "type") == "markPrice"
}

func isMids(m map[string]any, channel string) bool {
	if channel == "allMids" {
		return true
	}
	data := extractPayload(m)
	return stringFromMap(data, "type") == "allMids"
}

func isPong(channel string, m map[string]any) bool {
	switch strings.ToLower(channel) {
	case "pong", "ping", "heartbeat":
		return true
	}
	// Envelope with nothing but channel/time keys carries no data.
	for key := range m {
		switch key {
		case "channel", "type", "time", "ts":
		default:
			return false
		}
	}
	return len(m) > 0
}

func errorText(m map[string]any, payload map[string]any) string {
	if s := stringFromMap(m, "data", "error", "message"); s != "" {
		return s
	}
	if s := stringFromMap(payload, "error", "message", "msg"); s != "" {
		return s
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "unparseable error frame"
	}
	return string(raw)
}

// ackKey reconstructs the subscription key echoed by a subscriptionResponse.
func ackKey(payload map[string]any) string {
	sub, ok := toMap(payload["subscription"])
	if !ok {
		if nested, okNested := toMap(payload["data"]); okNested {
			sub, ok = toMap(nested["subscription"])
		}
		if !ok {
			return ""
		}
	}
	subType := stringFromMap(sub, "type")
	if subType == "" {
		return ""
	}
	coin := stringFromMap(sub, "coin")
	return SubscriptionKey(subType, coin)
}

// SubscriptionKey names a subscription for idempotence bookkeeping.
func SubscriptionKey(subType, coin string) string {
	if coin == "" {
		return subType
	}
	return subType + ":" + coin
}

func parseBook(coin string, payload, m map[string]any) *BookPayload {
	bids, asks := extractLevels(payload)
	bestBid, hasBids := bestPrice(bids, true)
	bestAsk, hasAsks := bestPrice(asks, false)
	ts := timeFromMaps(payload, m)
	return &BookPayload{
		Coin:    coin,
		BestBid: bestBid,
		BestAsk: bestAsk,
		HasBids: hasBids,
		HasAsks: hasAsks,
		Time:    ts,
	}
}

// extractLevels tolerates the three observed level layouts: a levels object
// with bids/asks keys, a two-element levels array, and top-level bids/asks.
func extractLevels(payload map[string]any) ([]any, []any) {
	if levels, ok := toMap(payload["levels"]); ok {
		bids, _ := toSlice(levels["bids"])
		asks, _ := toSlice(levels["asks"])
		return bids, asks
	}
	if levels, ok := toSlice(payload["levels"]); ok && len(levels) >= 2 {
		bids, _ := toSlice(levels[0])
		asks, _ := toSlice(levels[1])
		return bids, asks
	}
	bids, _ := toSlice(payload["bids"])
	asks, _ := toSlice(payload["asks"])
	return bids, asks
}

// bestPrice scans raw levels for the best price on one side. Levels may be
// [price, size] pairs or objects keyed px/price/p.
func bestPrice(levels []any, wantMax bool) (float64, bool) {
	var best float64
	found := false
	for _, level := range levels {
		price, ok := levelPrice(level)
		if !ok {
			continue
		}
		if !found {
			best = price
			found = true
			continue
		}
		if wantMax && price > best {
			best = price
		}
		if !wantMax && price < best {
			best = price
		}
	}
	return best, found
}

func levelPrice(level any) (float64, bool) {
	if pair, ok := toSlice(level); ok && len(pair) > 0 {
		return floatFromAny(pair[0])
	}
	if m, ok := toMap(level); ok {
		for _, key := range []string{"px", "price", "p"} {
			if v, present := m[key]; present {
				if f, ok := floatFromAny(v); ok {
					return f, true
				}
			}
		}
	}
	return 0, false
}

func parseContext(coin string, payload map[string]any) *ContextPayload {
	ctx := payload
	if nested, ok := toMap(payload["ctx"]); ok {
		ctx = nested
	}
	out := &ContextPayload{
		Coin:      coin,
		MarkPrice: floatFromMap(ctx, "markPx", "markPrice", "mark", "price"),
		Time:      timeFromMaps(payload, ctx),
	}
	if v, present := ctx["funding"]; present {
		if f, ok := floatFromAny(v); ok {
			out.FundingRate = f
			out.HasFunding = true
		}
	} else if v, present := ctx["fundingRate"]; present {
		if f, ok := floatFromAny(v); ok {
			out.FundingRate = f
			out.HasFunding = true
		}
	}
	out.SpotProxy = spotProxy(ctx)
	return out
}

func spotProxy(ctx map[string]any) float64 {
	if mid := floatFromMap(ctx, "midPx", "mid"); mid > 0 {
		return mid
	}
	if oracle := floatFromMap(ctx, "oraclePx", "oraclePrice", "oracle"); oracle > 0 {
		return oracle
	}
	if impacts, ok := toSlice(ctx["impactPxs"]); ok && len(impacts) > 0 {
		if f, ok := floatFromAny(impacts[0]); ok && f > 0 {
			return f
		}
	}
	return 0
}

func parseMids(payload map[string]any) map[string]float64 {
	mids := payload
	if nested, ok := toMap(payload["mids"]); ok {
		mids = nested
	} else if nested, ok := toMap(payload["allMids"]); ok {
		mids = nested
	}
	out := make(map[string]float64, len(mids))
	for coin, v := range mids {
		if f, ok := floatFromAny(v); ok && f > 0 {
			out[coin] = f
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// dedupToken prefers a sequence number, falling back to the message timestamp.
// Routable messages without either get a content hash so identical frames
// still collapse; unroutable ones stay tokenless.
func dedupToken(m, payload map[string]any, channel, coin string) string {
	for _, source := range []map[string]any{payload, m} {
		if v, present := source["seq"]; present {
			if s := tokenString(v); s != "" {
				return s
			}
		}
	}
	for _, source := range []map[string]any{payload, m} {
		for _, key := range []string{"time", "ts", "timestamp"} {
			if v, present := source[key]; present {
				if s := tokenString(v); s != "" {
					return s
				}
			}
		}
	}
	if channel == "" || coin == "" {
		return ""
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

func tokenString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case int, int32, int64:
		return fmt.Sprintf("%d", val)
	default:
		return ""
	}
}

func extractPayload(m map[string]any) map[string]any {
	for _, key := range []string{"data", "result", "payload"} {
		if nested, ok := toMap(m[key]); ok {
			return nested
		}
	}
	return m
}

func timeFromMaps(maps ...map[string]any) time.Time {
	for _, m := range maps {
		for _, key := range []string{"time", "ts", "timestamp"} {
			if v, present := m[key]; present {
				if f, ok := floatFromAny(v); ok && f > 0 {
					return timeFromFloat(f)
				}
			}
		}
	}
	return time.Now().UTC()
}

// timeFromFloat accepts epoch seconds or milliseconds.
func timeFromFloat(f float64) time.Time {
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					return trimmed
				}
			}
		}
	}
	return ""
}

func floatFromMap(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f
			}
		}
	}
	return 0
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func intFromAny(v any, fallback int) int {
	if f, ok := floatFromAny(v); ok {
		return int(f)
	}
	return fallback
}
