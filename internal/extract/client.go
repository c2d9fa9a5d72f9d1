package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/crewbrain/crewbrain/internal/failure"
)

type ClientConfig struct {
	BaseURL string
	APIKey  string
	// Timeout is the hard wall-clock limit per extract call.
	Timeout time.Duration
}

// Client is the HTTP adapter to the external extractor service.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: 0}}
}

type extractBody struct {
	DocID       string `json:"doc_id"`
	ContentHash string `json:"content_hash"`
	Text        string `json:"text"`
}

func (c *Client) Extract(ctx context.Context, req Request) (*Result, error) {
	raw, err := c.ExtractRaw(ctx, req)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(raw)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

var _ Extractor = (*Client)(nil)

// RawExtractor additionally exposes the raw response bytes so callers can
// cache them verbatim.
type RawExtractor interface {
	ExtractRaw(ctx context.Context, req Request) ([]byte, error)
}

// ExtractRaw performs the same call as Extract but returns the validated
// raw payload.
func (c *Client) ExtractRaw(ctx context.Context, req Request) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(extractBody{DocID: req.DocID, ContentHash: req.ContentHash, Text: req.Text})
	if err != nil {
		return nil, failure.New(failure.KindUnknown, "extract", err)
	}
	httpReq, err := http.NewRequestWithContext(rctx, http.MethodPost, c.cfg.BaseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, failure.FromTransport("extract", err)
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, failure.FromTransport("extract", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, failure.FromTransport("extract", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, failure.FromHTTPStatus("extract", resp.StatusCode, snippet(raw))
	}
	if _, err := DecodeResponse(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) String() string {
	return fmt.Sprintf("extractor{%s}", c.cfg.BaseURL)
}
