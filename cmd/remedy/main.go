package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/remedyhq/remedy/internal/collab"
	"github.com/remedyhq/remedy/internal/healer/dedup"
	"github.com/remedyhq/remedy/internal/healer/engine"
	"github.com/remedyhq/remedy/internal/healer/events"
	"github.com/remedyhq/remedy/internal/healer/journal"
	"github.com/remedyhq/remedy/internal/healer/report"
	"github.com/remedyhq/remedy/internal/server"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "check-config":
		checkConfig(os.Args[2:])
	case "version":
		fmt.Printf("remedy %s\n", version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  remedy serve --config <file.yaml> [--listen <addr>] [--log-level <level>]")
	fmt.Fprintln(os.Stderr, "  remedy check-config --config <file.yaml>")
	fmt.Fprintln(os.Stderr, "  remedy version")
}

func serve(args []string) {
	var configPath string
	var listen string
	var logLevel string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--listen":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--listen requires a value")
				os.Exit(1)
			}
			listen = args[i]
		case "--log-level":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--log-level requires a value")
				os.Exit(1)
			}
			logLevel = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if logLevel != "" {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logger.SetLevel(lvl)
	}
	log := logrus.NewEntry(logger).WithField("component", "remedy")

	var j journal.Journal
	if cfg.JournalDir != "" {
		fj, err := journal.NewFile(cfg.JournalDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		j = fj
	} else {
		log.Warn("journal_dir not set; journal is in-memory and cases will not survive a restart")
		j = journal.NewMemory()
	}

	var source report.Source
	if cfg.Forge.URL != "" {
		source = &report.HTTPSource{URL: cfg.Forge.URL, Token: cfg.Forge.Token}
	} else {
		log.Warn("forge endpoint not set; failure reports carry event metadata only")
		source = &report.Static{}
	}

	broadcaster := events.NewBroadcaster()
	svc, err := engine.NewService(cfg, engine.Deps{
		Journal:    j,
		Dedup:      dedup.NewMemory(),
		Sink:       broadcaster,
		Collab:     collab.NewHTTPSet(cfg.Collab, collab.HTTPOptions{UserAgent: "remedy/" + version}),
		Source:     source,
		Invariants: engine.StaticInvariants(cfg.Invariants),
		Log:        log,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	srv := server.New(server.Config{Addr: cfg.Listen}, svc, broadcaster, log)
	log.WithField("addr", cfg.Listen).Info("remedy listening")
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Server is down; let in-flight cases drain before exiting.
	stop()
	svc.Wait()
	broadcaster.Close()
}

func checkConfig(args []string) {
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
	if configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("ok: %s\n", configPath)
	fmt.Printf("max_concurrent_cases=%d\n", cfg.MaxConcurrentCases)
	fmt.Printf("admit_buffer=%d\n", cfg.AdmitBuffer)
	fmt.Printf("global_deadline=%s\n", cfg.GlobalDeadline)
	retries := make(map[string]int, len(cfg.MaxRetries))
	phases := make([]string, 0, len(cfg.MaxRetries))
	for st, n := range cfg.MaxRetries {
		retries[string(st)] = n
		phases = append(phases, string(st))
	}
	sort.Strings(phases)
	for _, p := range phases {
		fmt.Printf("max_retries[%s]=%d\n", p, retries[p])
	}
	fmt.Printf("backoff base=%dms cap=%dms jitter=%v\n", cfg.Backoff.BaseMS, cfg.Backoff.CapMS, cfg.Backoff.Jitter)
	fmt.Printf("min_diagnosis_confidence=%v\n", cfg.MinDiagnosisConfidence)
	fmt.Printf("flaky_threshold=%v\n", cfg.FlakyThreshold)
	fmt.Printf("proof_criticality_threshold=%s\n", cfg.ProofCriticalityThreshold)
	fmt.Printf("dedup_ttl=%s\n", cfg.DedupTTL)
	fmt.Printf("stale_cutoff=%s\n", cfg.StaleCutoff)
	fmt.Printf("retention=%s\n", cfg.Retention)
	fmt.Printf("token_budget=%d\n", cfg.TokenBudget)
	if len(cfg.EligibleWorkflows) > 0 {
		fmt.Printf("eligible_workflows=%v\n", cfg.EligibleWorkflows)
	} else {
		fmt.Println("eligible_workflows=(all)")
	}
	if cfg.JournalDir != "" {
		fmt.Printf("journal_dir=%s\n", cfg.JournalDir)
	} else {
		fmt.Println("journal_dir=(in-memory)")
	}
	fmt.Printf("invariants=%d\n", len(cfg.Invariants))
}
