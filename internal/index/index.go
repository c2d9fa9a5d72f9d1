// Package index uploads document blobs to the external retrieval index.
// The index is content-addressed: upload is idempotent by content hash and
// returns the stable retrieval document id.
package index

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crewbrain/crewbrain/internal/failure"
)

// Metadata accompanies an uploaded blob.
type Metadata struct {
	Filename    string `json:"filename"`
	ContentHash string `json:"content_hash"`
}

// Index is the external retrieval-index boundary. Search is out of scope.
type Index interface {
	Upload(ctx context.Context, blob []byte, meta Metadata) (docID string, err error)
}

type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is the HTTP adapter to the retrieval index.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: 0}}
}

type uploadBody struct {
	Filename    string `json:"filename"`
	ContentHash string `json:"content_hash"`
	Data        string `json:"data"`
}

type docResponse struct {
	DocID string `json:"doc_id"`
}

// Upload checks for an existing document with the same content hash before
// transferring bytes, then uploads. Either way the stable doc id comes back.
func (c *Client) Upload(ctx context.Context, blob []byte, meta Metadata) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if id, ok, err := c.lookup(rctx, meta.ContentHash); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}

	body, err := json.Marshal(uploadBody{
		Filename:    meta.Filename,
		ContentHash: meta.ContentHash,
		Data:        base64.StdEncoding.EncodeToString(blob),
	})
	if err != nil {
		return "", failure.New(failure.KindUnknown, "upload", err)
	}
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, c.cfg.BaseURL+"/v1/documents", bytes.NewReader(body))
	if err != nil {
		return "", failure.FromTransport("upload", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", failure.FromTransport("upload", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", failure.FromTransport("upload", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", failure.FromHTTPStatus("upload", resp.StatusCode, string(raw))
	}
	var doc docResponse
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", failure.New(failure.KindUnknown, "upload", fmt.Errorf("decode upload response: %w", err))
	}
	if strings.TrimSpace(doc.DocID) == "" {
		return "", failure.Newf(failure.KindUnknown, "upload", "upload response missing doc_id")
	}
	return doc.DocID, nil
}

// lookup asks the index whether a document with this hash already exists.
func (c *Client) lookup(ctx context.Context, contentHash string) (string, bool, error) {
	u := c.cfg.BaseURL + "/v1/documents?content_hash=" + url.QueryEscape(contentHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", false, failure.FromTransport("upload", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, failure.FromTransport("upload", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", false, failure.FromTransport("upload", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", false, failure.FromHTTPStatus("upload", resp.StatusCode, string(raw))
	}
	var doc docResponse
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", false, failure.New(failure.KindUnknown, "upload", fmt.Errorf("decode lookup response: %w", err))
	}
	if strings.TrimSpace(doc.DocID) == "" {
		return "", false, nil
	}
	return doc.DocID, true, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

var _ Index = (*Client)(nil)
