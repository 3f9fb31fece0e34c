package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type InfoRequest struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
}

func (c *Client) Info(ctx context.Context, req interface{}) (map[string]any, error) {
	data, err := c.InfoAny(ctx, req)
	if err != nil {
		return nil, err
	}
	m, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("info response is not an object")
	}
	return m, nil
}

func (c *Client) InfoAny(ctx context.Context, req interface{}) (any, error) {
	return c.post(ctx, "/info", req)
}

// BookSnapshot fetches a one-shot l2Book snapshot for a coin, used to seed
// quotes before the streaming subscription confirms.
func (c *Client) BookSnapshot(ctx context.Context, coin string) (map[string]any, error) {
	return c.Info(ctx, InfoRequest{Type: "l2Book", Coin: coin})
}

// PerpMeta fetches the perp universe plus per-asset contexts.
func (c *Client) PerpMeta(ctx context.Context) (any, error) {
	return c.InfoAny(ctx, InfoRequest{Type: "metaAndAssetCtxs"})
}

// SpotMeta fetches the spot universe, token table and per-pair contexts.
// Falls back to the bare spotMeta request when the combined endpoint fails.
func (c *Client) SpotMeta(ctx context.Context) (any, error) {
	data, err := c.InfoAny(ctx, InfoRequest{Type: "spotMetaAndAssetCtxs"})
	if err == nil {
		return data, nil
	}
	c.log.Warn("combined spot meta request failed, falling back to spotMeta", zap.Error(err))
	return c.InfoAny(ctx, InfoRequest{Type: "spotMeta"})
}

func (c *Client) post(ctx context.Context, path string, req interface{}) (any, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	var data any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}
