package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSpotMetaFallsBackToBareRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req InfoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		switch req.Type {
		case "spotMetaAndAssetCtxs":
			http.Error(w, "unsupported", http.StatusBadRequest)
		case "spotMeta":
			json.NewEncoder(w).Encode(map[string]any{"universe": []any{}})
		default:
			t.Fatalf("unexpected info type %q", req.Type)
		}
	}))
	defer srv.Close()

	client := New(srv.URL, 2*time.Second, zap.NewNop())
	data, err := client.SpotMeta(context.Background())
	if err != nil {
		t.Fatalf("SpotMeta: %v", err)
	}
	m, ok := data.(map[string]any)
	if !ok {
		t.Fatalf("expected object response, got %T", data)
	}
	if _, ok := m["universe"]; !ok {
		t.Fatalf("fallback response missing universe: %v", m)
	}
}

func TestInfoRejectsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := New(srv.URL, 2*time.Second, zap.NewNop())
	if _, err := client.Info(context.Background(), InfoRequest{Type: "meta"}); err == nil {
		t.Fatalf("expected error on http 429")
	}
}
