// Package main is the entry point for the kirogate server. The gateway
// exposes OpenAI- and Anthropic-compatible chat APIs and forwards the
// traffic to the Kiro (CodeWhisperer) upstream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/kirogate/kirogate/internal/api"
	"github.com/kirogate/kirogate/internal/auth"
	"github.com/kirogate/kirogate/internal/config"
	"github.com/kirogate/kirogate/internal/logging"
	"github.com/kirogate/kirogate/internal/store"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("kirogate %s (%s, built %s)\n", Version, Commit, BuildDate)
		return
	}

	// Optional .env for local development; ignored when absent.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Configure(cfg.LogLevel, cfg.LogFile)
	log.WithFields(log.Fields{
		"version": Version,
		"port":    cfg.Port,
		"region":  cfg.Region,
	}).Info("starting kirogate")

	defaultManager, err := buildDefaultManager(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize default credentials")
	}
	if defaultManager == nil {
		log.Warn("no default upstream credentials configured, only per-user keys will work")
	}

	var st store.Store
	if cfg.DatabasePath != "" {
		if cfg.EncryptionKey == "" {
			log.Fatal("encryption_key is required when database_path is set")
		}
		sqlStore, err := store.OpenSQLite(cfg.DatabasePath, cfg.EncryptionKey)
		if err != nil {
			log.WithError(err).Fatal("failed to open database")
		}
		defer sqlStore.Close()
		st = sqlStore
		log.WithField("path", cfg.DatabasePath).Info("donated token pool enabled")
	}

	server := api.NewServer(cfg, defaultManager, st)
	httpServer := &http.Server{
		Addr:              server.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", httpServer.Addr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("graceful shutdown incomplete")
	}
}

// buildDefaultManager resolves the single-tenant credentials, in order of
// precedence: credential file (path or read-only URL), then an inline
// refresh token. Returns nil when neither is configured.
func buildDefaultManager(cfg *config.Config) (*auth.Manager, error) {
	opts := auth.Options{
		Region:           cfg.Region,
		ThresholdSeconds: cfg.TokenRefreshThreshold,
	}

	switch {
	case cfg.CredsFile != "" && isURL(cfg.CredsFile):
		creds, err := fetchCredentials(cfg.CredsFile)
		if err != nil {
			return nil, err
		}
		opts.Credentials = creds
		opts.ReadOnly = true
		return auth.NewManager(opts)

	case cfg.CredsFile != "":
		return auth.NewManagerFromFile(cfg.CredsFile, opts)

	case cfg.RefreshToken != "":
		opts.Credentials = auth.Credentials{
			RefreshToken: cfg.RefreshToken,
			Region:       cfg.Region,
			ProfileArn:   cfg.ProfileArn,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
		}
		return auth.NewManager(opts)

	default:
		return nil, nil
	}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// fetchCredentials loads a credential document from an HTTP(S) location.
// Such credentials are never written back.
func fetchCredentials(url string) (auth.Credentials, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return auth.Credentials{}, fmt.Errorf("fetch credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return auth.Credentials{}, fmt.Errorf("fetch credentials: %s returned %d", url, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return auth.Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	return auth.ParseCredentials(raw)
}
