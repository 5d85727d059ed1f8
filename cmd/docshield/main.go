// Command docshield is the DocShield CLI scanner. It loads a YAML
// configuration file, scans each document named on the command line for
// malicious embedded objects, records per-object reports in the local
// SQLite queue, and (when a collector is configured) forwards them with
// at-least-once delivery.
//
// Exit codes: 0 when every document is clean, 2 when any document is
// infected, 1 on operational error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docshield/scanner/internal/audit"
	"github.com/docshield/scanner/internal/config"
	"github.com/docshield/scanner/internal/engine"
	"github.com/docshield/scanner/internal/forward"
	"github.com/docshield/scanner/internal/report"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the DocShield YAML configuration file (optional)")
	queuePath := flag.String("queue-path", "", "override the SQLite report queue path")
	keepTemp := flag.Bool("keep-temp", false, "keep decoded embedded objects on disk for inspection")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: docshield [flags] file...")
		return 1
	}

	// Load and validate configuration; with no -config the defaults apply.
	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "docshield: %v\n", err)
			return 1
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
		config.ApplyDefaults(cfg)
	}
	if *queuePath != "" {
		cfg.QueuePath = *queuePath
	}
	if *keepTemp {
		cfg.KeepTempFiles = true
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	// Open the local report queue. It persists reports across restarts so
	// none are lost while the collector is unreachable.
	queue, err := report.OpenQueue(cfg.QueuePath)
	if err != nil {
		logger.Error("failed to open report queue", slog.String("path", cfg.QueuePath), slog.Any("error", err))
		return 1
	}
	defer queue.Close()
	logger.Info("report queue opened", slog.String("path", cfg.QueuePath), slog.Int("pending", queue.Depth()))

	// Optional hash-chained audit trail of verdicts.
	var auditLog *audit.Logger
	if cfg.AuditLog != "" {
		auditLog, err = audit.Open(cfg.AuditLog)
		if err != nil {
			logger.Error("failed to open audit log", slog.String("path", cfg.AuditLog), slog.Any("error", err))
			return 1
		}
		defer auditLog.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Optional forwarder: drains the queue into the collector with
	// exponential backoff and at-least-once delivery.
	if cfg.Collector.URL != "" {
		token, err := readToken(cfg.Collector.TokenPath)
		if err != nil {
			logger.Error("failed to read collector token", slog.Any("error", err))
			return 1
		}
		fw := forward.New(forward.Config{URL: cfg.Collector.URL, Token: token}, queue, logger)
		fw.Start(ctx)
		defer fw.Stop()
		logger.Info("report forwarding enabled", slog.String("collector", cfg.Collector.URL))
	}

	eng := engine.New(engine.Config{
		TempDir:               cfg.TempDir,
		KeepTempFiles:         cfg.KeepTempFiles,
		MaxObjectsPerDocument: cfg.MaxObjectsPerDocument,
		Signatures:            compileSignatures(cfg.Signatures),
		Logger:                logger,
		Reporter:              queue,
		Audit:                 auditLog,
	})

	exit := 0
	for _, path := range flag.Args() {
		if ctx.Err() != nil {
			logger.Warn("scan interrupted", slog.Any("error", ctx.Err()))
			return 1
		}

		res, reports, err := eng.ScanFile(ctx, path)
		if err != nil {
			logger.Error("scan failed", slog.String("path", path), slog.Any("error", err))
			fmt.Printf("%s: ERROR\n", path)
			exit = 1
			continue
		}

		if res.Infected {
			fmt.Printf("%s: INFECTED (%s)\n", path, res.Signature)
			if exit != 1 {
				exit = 2
			}
		} else {
			fmt.Printf("%s: CLEAN (%d embedded objects)\n", path, len(reports))
		}
	}
	return exit
}

// compileSignatures converts validated config signatures into engine form.
func compileSignatures(sigs []config.Signature) []engine.Signature {
	out := make([]engine.Signature, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, engine.Signature{Name: s.Name, Pattern: s.Pattern()})
	}
	return out
}

// readToken reads the bearer token file, tolerating an unset path.
func readToken(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token %q: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// newLogger constructs a *slog.Logger writing JSON records to stderr at the
// requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
