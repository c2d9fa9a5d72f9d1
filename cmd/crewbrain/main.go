package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
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
	"github.com/crewbrain/crewbrain/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "ingest":
		ingest(os.Args[2:])
	case "status":
		status(os.Args[2:])
	case "dlq":
		dlqCmd(os.Args[2:])
	case "retry-dead":
		retryDead(os.Args[2:])
	case "gc":
		gc(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  crewbrain serve [--config <file.yaml>] [--addr <host:port>] [--verbose]")
	fmt.Fprintln(os.Stderr, "  crewbrain ingest [--config <file.yaml>] [--verbose] <file>...")
	fmt.Fprintln(os.Stderr, "  crewbrain status [--config <file.yaml>] [<process_id>]")
	fmt.Fprintln(os.Stderr, "  crewbrain dlq list [--config <file.yaml>]")
	fmt.Fprintln(os.Stderr, "  crewbrain dlq retry [--config <file.yaml>] [--force] <entry_id>")
	fmt.Fprintln(os.Stderr, "  crewbrain dlq discard [--config <file.yaml>] <entry_id>")
	fmt.Fprintln(os.Stderr, "  crewbrain retry-dead [--config <file.yaml>] <process_id>")
	fmt.Fprintln(os.Stderr, "  crewbrain gc [--config <file.yaml>]")
}

func loadConfig(path string) *config.File {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

// stack is the assembled runtime. The graph store is in-process; a remote
// backend plugs in behind the graph.Store interface.
type stack struct {
	cfg      *config.File
	log      *logrus.Entry
	reg      *registry.Registry
	queue    *dlq.Queue
	cache    *extract.Cache
	pipeline *pipeline.Pipeline
	hub      *progress.Hub
}

func buildStack(cfg *config.File, verbose bool) *stack {
	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		base.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(base)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	reg, err := registry.Open(filepath.Join(cfg.DataDir, "registry.db"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	queue, err := dlq.Open(filepath.Join(cfg.DataDir, "dlq.db"), dlq.Config{
		MaxAttempts: cfg.DLQ.MaxAttempts,
		BaseBackoff: cfg.DLQ.BaseBackoff(),
		MaxBackoff:  cfg.DLQ.MaxBackoff(),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cache, err := extract.OpenCache(filepath.Join(cfg.DataDir, "extract-cache.db"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cache.ArtifactDir = filepath.Join(cfg.DataDir, "artifacts")

	extClient := extract.NewClient(extract.ClientConfig{
		BaseURL: cfg.Extractor.BaseURL,
		APIKey:  os.Getenv(cfg.Extractor.APIKeyEnv),
		Timeout: cfg.Timeouts.Extract(),
	})
	idxClient := index.NewClient(index.ClientConfig{
		BaseURL: cfg.Index.BaseURL,
		APIKey:  os.Getenv(cfg.Index.APIKeyEnv),
		Timeout: cfg.Timeouts.Upload(),
	})

	brk := breaker.New("graph", breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		FailureWindow:    cfg.Breaker.FailureWindow(),
		Cooldown:         cfg.Breaker.Cooldown(),
	}, log)
	store := graph.NewMemoryStore()
	tx := graph.NewTxManager(store, brk, cfg.Timeouts.GraphTx(), log)

	br := bridge.New(log)
	br.OtherFractionWarn = cfg.Bridge.OtherFractionWarn
	if cfg.Bridge.SynonymTablePath != "" {
		syn, err := bridge.LoadSynonyms(cfg.Bridge.SynonymTablePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		br.Synonyms = syn
	}
	if cfg.Bridge.TypeRuleTablePath != "" {
		rules, err := bridge.LoadEntityRules(cfg.Bridge.TypeRuleTablePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		br.EntityRules = rules
	}
	if cfg.Bridge.EdgeRuleTablePath != "" {
		rules, err := bridge.LoadEdgeRules(cfg.Bridge.EdgeRuleTablePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		br.EdgeRules = rules
	}

	hub := progress.NewHub()
	p, err := pipeline.New(pipeline.Deps{
		Config:    cfg,
		Registry:  reg,
		Queue:     queue,
		Hub:       hub,
		Index:     idxClient,
		Extractor: &extract.CachingExtractor{Inner: extClient, Cache: cache},
		Graph:     tx,
		Breaker:   brk,
		Bridge:    br,
		Log:       log,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return &stack{cfg: cfg, log: log, reg: reg, queue: queue, cache: cache, pipeline: p, hub: hub}
}

func (s *stack) close() {
	_ = s.cache.Close()
	_ = s.queue.Close()
	_ = s.reg.Close()
}

func serve(args []string) {
	var configPath string
	var addr string
	var verbose bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
		case "--verbose":
			verbose = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if addr == "" {
		addr = ":8080"
	}

	s := buildStack(loadConfig(configPath), verbose)
	defer s.close()

	srv := server.New(server.Config{Addr: addr}, s.pipeline, s.reg, s.queue, s.hub, s.log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func ingest(args []string) {
	var configPath string
	var verbose bool
	var files []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--verbose":
			verbose = true
		default:
			files = append(files, args[i])
		}
	}
	if len(files) == 0 {
		usage()
		os.Exit(1)
	}

	s := buildStack(loadConfig(configPath), verbose)
	defer s.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	s.pipeline.Start(ctx)

	var ids []string
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		res, err := s.pipeline.Accept(ctx, data, filepath.Base(path))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
			continue
		}
		fmt.Printf("%s\tprocess_id=%s format=%s size=%s hash=%s\n",
			filepath.Base(path), res.ProcessID, res.Format,
			humanize.IBytes(uint64(len(data))), res.ContentHash[:12])
		ids = append(ids, res.ProcessID)
	}

	failed := waitTerminal(ctx, s.reg, ids)
	for _, id := range ids {
		state, _ := s.reg.StateOf(id)
		fmt.Printf("%s\t%s\n", id, state)
	}
	cancel()
	s.pipeline.Wait()
	if failed {
		os.Exit(1)
	}
	os.Exit(0)
}

// waitTerminal blocks until every process reaches a terminal state or the
// context is cancelled. Returns true when any document did not commit.
func waitTerminal(ctx context.Context, reg *registry.Registry, ids []string) bool {
	failed := false
	for {
		done := true
		failed = false
		for _, id := range ids {
			state, ok := reg.StateOf(id)
			if !ok {
				continue
			}
			if !state.Terminal() {
				done = false
			} else if state != registry.StateCommitted {
				failed = true
			}
		}
		if done {
			return failed
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func status(args []string) {
	var configPath string
	var processID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			processID = args[i]
		}
	}

	s := buildStack(loadConfig(configPath), false)
	defer s.close()

	if processID == "" {
		for _, info := range s.reg.List() {
			fmt.Printf("%s\t%-16s\t%s\t%s\n", info.ProcessID, info.State, info.Document.Format, info.Document.SourceName)
		}
		return
	}
	doc, ok := s.reg.DocumentOf(processID)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown process %s\n", processID)
		os.Exit(1)
	}
	state, _ := s.reg.StateOf(processID)
	fmt.Printf("process_id=%s\nstate=%s\nsource=%s\nformat=%s\ncontent_hash=%s\n",
		processID, state, doc.SourceName, doc.Format, doc.ContentHash)
	if doc.RetrievalDocID != "" {
		fmt.Printf("retrieval_doc_id=%s\n", doc.RetrievalDocID)
	}
	hist, err := s.reg.History(processID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for _, tr := range hist {
		line := fmt.Sprintf("%s\t%s -> %s", tr.At.Format(time.RFC3339), tr.From, tr.To)
		if tr.Error != "" {
			line += "\terror: " + tr.Error
		}
		fmt.Println(line)
	}
}

func dlqCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	sub := args[0]
	args = args[1:]

	var configPath string
	var force bool
	var entryID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--force":
			force = true
		default:
			entryID = args[i]
		}
	}

	s := buildStack(loadConfig(configPath), false)
	defer s.close()

	switch sub {
	case "list":
		entries, err := s.queue.List()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, e := range entries {
			fmt.Printf("%s\t%s\tnext=%s\tlast_error=%s\n",
				e.ID, e, e.NextAttemptAt.Format(time.RFC3339), e.LastError)
		}
	case "retry":
		if entryID == "" {
			usage()
			os.Exit(1)
		}
		e, err := s.queue.RetryNow(entryID, force)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		s.pipeline.ReplayDue(context.Background())
		state, _ := s.reg.StateOf(e.ProcessID)
		fmt.Printf("%s\t%s\n", e.ProcessID, state)
	case "discard":
		if entryID == "" {
			usage()
			os.Exit(1)
		}
		if err := s.queue.Discard(entryID); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("discarded %s\n", entryID)
	default:
		usage()
		os.Exit(1)
	}
}

func retryDead(args []string) {
	var configPath string
	var processID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			processID = args[i]
		}
	}
	if processID == "" {
		usage()
		os.Exit(1)
	}

	s := buildStack(loadConfig(configPath), false)
	defer s.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	s.pipeline.Start(ctx)

	if err := s.pipeline.RetryDead(processID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	failed := waitTerminal(ctx, s.reg, []string{processID})
	state, _ := s.reg.StateOf(processID)
	fmt.Printf("%s\t%s\n", processID, state)
	cancel()
	s.pipeline.Wait()
	if failed {
		os.Exit(1)
	}
}

func gc(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	s := buildStack(loadConfig(configPath), false)
	defer s.close()

	cutoff := time.Now().AddDate(0, 0, -s.cfg.Registry.CompactAfterDays)
	compacted, err := s.reg.Compact(cutoff)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	removed, err := s.cache.PurgeArtifacts([]string{"**/*.json"}, cutoff)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("compacted=%d artifacts_removed=%d\n", compacted, removed)
}
