package feed

import (
	"encoding/json"
	"testing"
	"time"
)

func classifyOne(t *testing.T, raw string) Envelope {
	t.Helper()
	envs := Classify(json.RawMessage(raw))
	if len(envs) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envs))
	}
	return envs[0]
}

func TestClassifyBookLevelsPairs(t *testing.T) {
	raw := `{"channel":"l2Book","data":{"coin":"BTC","time":1700000000000,
		"levels":[[["50000","1.2"],["49990","2"]],[["50010","0.8"],["50020","3"]]]}}`
	env := classifyOne(t, raw)
	if env.Type != MsgBook {
		t.Fatalf("expected book, got %v", env.Type)
	}
	if env.Book.Coin != "BTC" {
		t.Fatalf("unexpected coin %q", env.Book.Coin)
	}
	if env.Book.BestBid != 50000 || env.Book.BestAsk != 50010 {
		t.Fatalf("unexpected best prices: %v/%v", env.Book.BestBid, env.Book.BestAsk)
	}
	if !env.Book.HasBids || !env.Book.HasAsks {
		t.Fatalf("expected both sides present")
	}
	if env.Book.Time.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected time: %v", env.Book.Time)
	}
}

func TestClassifyBookObjectLevels(t *testing.T) {
	raw := `{"channel":"l2Book","data":{"coin":"ETH",
		"levels":{"bids":[{"px":"3000","sz":"1"}],"asks":[{"px":"3001","sz":"1"}]}}}`
	env := classifyOne(t, raw)
	if env.Book.BestBid != 3000 || env.Book.BestAsk != 3001 {
		t.Fatalf("unexpected best prices: %v/%v", env.Book.BestBid, env.Book.BestAsk)
	}
}

func TestClassifyBookEmptySide(t *testing.T) {
	raw := `{"channel":"l2Book","data":{"coin":"ETH","levels":[[["3000","1"]],[]]}}`
	env := classifyOne(t, raw)
	if !env.Book.HasBids || env.Book.HasAsks {
		t.Fatalf("expected asks missing, got %+v", env.Book)
	}
	if env.Book.BestAsk != 0 {
		t.Fatalf("missing side must not produce a price, got %v", env.Book.BestAsk)
	}
}

func TestClassifyAck(t *testing.T) {
	raw := `{"channel":"subscriptionResponse","data":{"method":"subscribe",
		"subscription":{"type":"l2Book","coin":"BTC"}}}`
	env := classifyOne(t, raw)
	if env.Type != MsgAck {
		t.Fatalf("expected ack, got %v", env.Type)
	}
	if env.AckKey != "l2Book:BTC" {
		t.Fatalf("unexpected ack key %q", env.AckKey)
	}
}

func TestClassifyError(t *testing.T) {
	raw := `{"channel":"error","data":"Invalid subscription"}`
	env := classifyOne(t, raw)
	if env.Type != MsgError {
		t.Fatalf("expected error, got %v", env.Type)
	}
	if env.Err != "Invalid subscription" {
		t.Fatalf("unexpected error text %q", env.Err)
	}
}

func TestClassifyContextProxyFallbackOrder(t *testing.T) {
	cases := []struct {
		name string
		ctx  string
		want float64
	}{
		{"midPx wins", `{"markPx":"100.5","midPx":"100.2","oraclePx":"100.1","impactPxs":["100.0","100.4"]}`, 100.2},
		{"oraclePx next", `{"markPx":"100.5","oraclePx":"100.1","impactPxs":["100.0","100.4"]}`, 100.1},
		{"first impact last", `{"markPx":"100.5","impactPxs":["100.0","100.4"]}`, 100.0},
		{"nothing", `{"markPx":"100.5"}`, 0},
	}
	for _, tc := range cases {
		raw := `{"channel":"activeAssetCtx","data":{"coin":"SOL","ctx":` + tc.ctx + `}}`
		env := classifyOne(t, raw)
		if env.Type != MsgContext {
			t.Fatalf("%s: expected context, got %v", tc.name, env.Type)
		}
		if env.Ctx.SpotProxy != tc.want {
			t.Fatalf("%s: expected proxy %v, got %v", tc.name, tc.want, env.Ctx.SpotProxy)
		}
		if env.Ctx.MarkPrice != 100.5 {
			t.Fatalf("%s: unexpected mark %v", tc.name, env.Ctx.MarkPrice)
		}
	}
}

func TestClassifyContextFunding(t *testing.T) {
	raw := `{"channel":"activeAssetCtx","data":{"coin":"SOL","ctx":{"markPx":"100.5","funding":"0.0000125"}}}`
	env := classifyOne(t, raw)
	if !env.Ctx.HasFunding || env.Ctx.FundingRate != 0.0000125 {
		t.Fatalf("unexpected funding: %+v", env.Ctx)
	}
}

func TestClassifyAllMids(t *testing.T) {
	raw := `{"channel":"allMids","data":{"mids":{"BTC":"50005","ETH":"3000.5","BAD":"not-a-number"}}}`
	env := classifyOne(t, raw)
	if env.Type != MsgMids {
		t.Fatalf("expected mids, got %v", env.Type)
	}
	if len(env.Mids) != 2 {
		t.Fatalf("expected 2 parsed mids, got %v", env.Mids)
	}
	if env.Mids["BTC"] != 50005 || env.Mids["ETH"] != 3000.5 {
		t.Fatalf("unexpected mids: %v", env.Mids)
	}
}

func TestClassifyPong(t *testing.T) {
	env := classifyOne(t, `{"channel":"pong"}`)
	if env.Type != MsgPong {
		t.Fatalf("expected pong, got %v", env.Type)
	}
}

func TestClassifyListEnvelope(t *testing.T) {
	raw := `[{"channel":"pong"},{"channel":"l2Book","data":{"coin":"BTC","levels":[[["1","1"]],[["2","1"]]]}}]`
	envs := Classify(json.RawMessage(raw))
	if len(envs) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envs))
	}
	if envs[0].Type != MsgPong || envs[1].Type != MsgBook {
		t.Fatalf("unexpected types: %v %v", envs[0].Type, envs[1].Type)
	}
}

func TestClassifyUnparseable(t *testing.T) {
	if envs := Classify(json.RawMessage(`not json`)); envs != nil {
		t.Fatalf("unparseable frame must yield nothing, got %v", envs)
	}
	if envs := Classify(json.RawMessage(`42`)); envs != nil {
		t.Fatalf("scalar frame must yield nothing, got %v", envs)
	}
}

func TestDedupTokenPrefersSeq(t *testing.T) {
	raw := `{"channel":"l2Book","data":{"coin":"BTC","seq":42,"time":1700000000000,"levels":[[],[]]}}`
	env := classifyOne(t, raw)
	if env.DedupToken != "42" {
		t.Fatalf("expected seq token, got %q", env.DedupToken)
	}

	raw = `{"channel":"l2Book","data":{"coin":"BTC","time":1700000000000,"levels":[[],[]]}}`
	env = classifyOne(t, raw)
	if env.DedupToken != "1700000000000" {
		t.Fatalf("expected timestamp token, got %q", env.DedupToken)
	}
}

func TestDedupTokenHashFallback(t *testing.T) {
	raw := `{"channel":"l2Book","data":{"coin":"BTC","levels":[[],[]]}}`
	first := classifyOne(t, raw)
	if first.DedupToken == "" {
		t.Fatalf("routable frame without seq or time must get a content token")
	}
	if second := classifyOne(t, raw); second.DedupToken != first.DedupToken {
		t.Fatalf("identical frames must share a token: %q vs %q", first.DedupToken, second.DedupToken)
	}
	other := classifyOne(t, `{"channel":"l2Book","data":{"coin":"ETH","levels":[[],[]]}}`)
	if other.DedupToken == first.DedupToken {
		t.Fatalf("different frames must not collide on the content token")
	}

	anon := classifyOne(t, `{"hello":"world"}`)
	if anon.DedupToken != "" {
		t.Fatalf("unroutable frame must stay tokenless, got %q", anon.DedupToken)
	}
}

func TestTimeFromFloatUnits(t *testing.T) {
	ms := timeFromFloat(1700000000000)
	if ms.Unix() != 1700000000 {
		t.Fatalf("ms epoch mis-parsed: %v", ms)
	}
	sec := timeFromFloat(1700000000)
	if sec.Unix() != 1700000000 {
		t.Fatalf("sec epoch mis-parsed: %v", sec)
	}
}

func TestSubscriptionKey(t *testing.T) {
	if key := SubscriptionKey("l2Book", "BTC"); key != "l2Book:BTC" {
		t.Fatalf("unexpected key %q", key)
	}
	if key := SubscriptionKey("allMids", ""); key != "allMids" {
		t.Fatalf("unexpected key %q", key)
	}
}

func TestBookTimeDefaultsToNow(t *testing.T) {
	raw := `{"channel":"l2Book","data":{"coin":"BTC","levels":[[["1","1"]],[["2","1"]]]}}`
	env := classifyOne(t, raw)
	if time.Since(env.Book.Time) > time.Minute {
		t.Fatalf("missing timestamp must default to now, got %v", env.Book.Time)
	}
}
