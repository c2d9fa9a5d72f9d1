package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crewbrain/crewbrain/internal/breaker"
	"github.com/crewbrain/crewbrain/internal/bridge"
	"github.com/crewbrain/crewbrain/internal/config"
	"github.com/crewbrain/crewbrain/internal/dlq"
	"github.com/crewbrain/crewbrain/internal/extract"
	"github.com/crewbrain/crewbrain/internal/graph"
	"github.com/crewbrain/crewbrain/internal/index"
	"github.com/crewbrain/crewbrain/internal/pipeline"
	"github.com/crewbrain/crewbrain/internal/progress"
	"github.com/crewbrain/crewbrain/internal/registry"
)

type staticExtractor struct{ res *extract.Result }

func (s *staticExtractor) Extract(ctx context.Context, req extract.Request) (*extract.Result, error) {
	return s.res, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	log := logrus.NewEntry(logrus.New())

	cfg := config.Default()
	cfg.DataDir = dir

	reg, err := registry.Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	queue, err := dlq.Open(filepath.Join(dir, "dlq.db"), dlq.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = queue.Close() })

	brk := breaker.New("graph", breaker.Config{}, log)
	hub := progress.NewHub()
	ext := &staticExtractor{res: &extract.Result{
		Entities: []extract.RawEntity{
			{Name: "Fryer", TypeHint: "equipment"},
			{Name: "Daily Cleaning", TypeHint: "procedure"},
		},
		Relationships: []extract.RawRelationship{
			{Source: "Daily Cleaning", Target: "Fryer", TypeHint: "procedure for"},
		},
	}}
	p, err := pipeline.New(pipeline.Deps{
		Config:    cfg,
		Registry:  reg,
		Queue:     queue,
		Hub:       hub,
		Index:     index.NewMemory(),
		Extractor: ext,
		Graph:     graph.NewTxManager(graph.NewMemoryStore(), brk, cfg.Timeouts.GraphTx(), log),
		Breaker:   brk,
		Bridge:    bridge.New(log),
		Log:       log,
	})
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{Addr: ":0"}, p, reg, queue, hub, log)
}

func postDocument(t *testing.T, ts *httptest.Server, name string, body []byte) map[string]any {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/documents", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Filename", name)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("accept status: %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func waitCommitted(t *testing.T, ts *httptest.Server, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := ts.Client().Get(ts.URL + "/documents/" + id)
		if err != nil {
			t.Fatal(err)
		}
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		_ = resp.Body.Close()
		if out["state"] == "COMMITTED" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("document %s never committed", id)
}

func TestAcceptAndStatus(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	out := postDocument(t, ts, "manual.txt", []byte("fryer daily cleaning procedure"))
	id, _ := out["process_id"].(string)
	if id == "" || out["detected_format"] != "TEXT" {
		t.Fatalf("accept response: %+v", out)
	}
	waitCommitted(t, ts, id)

	resp, err := ts.Client().Get(ts.URL + "/documents")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var list []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0]["process_id"] != id {
		t.Fatalf("list: %+v", list)
	}
}

func TestAcceptRejectsUnknownFormat(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/documents", bytes.NewReader([]byte{0x00, 0x01, 0x02, 0xFF}))
	req.Header.Set("X-Filename", "blob.bin")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d want 422", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ok" {
		t.Fatalf("health: %+v", out)
	}
	brk, _ := out["breaker"].(map[string]any)
	if brk["state"] != "CLOSED" {
		t.Fatalf("breaker: %+v", brk)
	}
}

func TestEventStreamEndsWithDone(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	out := postDocument(t, ts, "manual.txt", []byte("soft-serve machine cleaning"))
	id, _ := out["process_id"].(string)
	waitCommitted(t, ts, id)

	resp, err := ts.Client().Get(ts.URL + "/documents/" + id + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %s", ct)
	}

	sawData, sawDone := false, false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: {") {
			sawData = true
		}
		if line == "event: done" {
			sawDone = true
			break
		}
	}
	if !sawData || !sawDone {
		t.Fatalf("stream: data=%v done=%v", sawData, sawDone)
	}
}

func TestCrossOriginPostBlocked(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/documents", bytes.NewReader([]byte("text")))
	req.Header.Set("X-Filename", "a.txt")
	req.Header.Set("Origin", "https://evil.example")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: got %d want 403", resp.StatusCode)
	}
}
