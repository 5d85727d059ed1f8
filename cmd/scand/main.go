// Command scand is the DocShield collector daemon. It exposes the REST API
// for on-demand document scanning, report ingestion from DocShield agents,
// and report queries, persisting reports to PostgreSQL (or a local SQLite
// store when no database is configured). It shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/docshield/scanner/internal/config"
	"github.com/docshield/scanner/internal/engine"
	"github.com/docshield/scanner/internal/report"
	"github.com/docshield/scanner/internal/server/rest"
)

func main() {
	configPath := flag.String("config", "/etc/docshield/config.yaml", "path to the DocShield YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scand: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("addr", cfg.Server.Addr),
		slog.String("log_level", cfg.LogLevel),
		slog.Bool("postgres", cfg.Server.DatabaseURL != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Pick the report store: PostgreSQL for a real deployment, the local
	// SQLite store otherwise.
	var store rest.Store
	if cfg.Server.DatabaseURL != "" {
		pg, err := report.NewPGStore(ctx, cfg.Server.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect report store", slog.Any("error", err))
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.Init(ctx); err != nil {
			logger.Error("failed to initialise report store", slog.Any("error", err))
			os.Exit(1)
		}
		store = pg
	} else {
		q, err := report.OpenQueue(cfg.QueuePath)
		if err != nil {
			logger.Error("failed to open local report store", slog.String("path", cfg.QueuePath), slog.Any("error", err))
			os.Exit(1)
		}
		defer q.Close()
		store = q
	}

	// Load the JWT verification key; absent means the API runs open,
	// which is only sane for local testing.
	var pubKey *rsa.PublicKey
	if cfg.Server.JWTPublicKeyPath != "" {
		pubKey, err = loadPublicKey(cfg.Server.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to load JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		logger.Warn("jwt_public_key_path not set; API authentication is disabled")
	}

	eng := engine.New(engine.Config{
		TempDir:               cfg.TempDir,
		KeepTempFiles:         cfg.KeepTempFiles,
		MaxObjectsPerDocument: cfg.MaxObjectsPerDocument,
		Signatures:            compileSignatures(cfg.Signatures),
		Logger:                logger,
	})

	srv := rest.NewServer(store, eng, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      rest.NewRouter(srv, pubKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("collector API listening", slog.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", slog.Any("error", err))
	}
	logger.Info("scand exited cleanly")
}

// loadPublicKey reads and parses a PEM-encoded RSA public key.
func loadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %q: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse key %q: %w", path, err)
	}
	return key, nil
}

// compileSignatures converts validated config signatures into engine form.
func compileSignatures(sigs []config.Signature) []engine.Signature {
	out := make([]engine.Signature, 0, len(sigs))
	for _, s := range sigs {
		out = append(out, engine.Signature{Name: s.Name, Pattern: s.Pattern()})
	}
	return out
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
