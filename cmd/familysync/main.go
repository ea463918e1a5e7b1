package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/relves/familysync/internal/engine"
	"github.com/relves/familysync/internal/engine/memengine"
	"github.com/relves/familysync/internal/keys"
	"github.com/relves/familysync/internal/projection"
	"github.com/relves/familysync/internal/relay"
	"github.com/relves/familysync/internal/scheduler"
	"github.com/relves/familysync/internal/storage/sqlite"
)

func main() {
	basePath := getEnv("DATA_PATH", "./data")

	levelStr := getEnv("LOG_LEVEL", "info")
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ring, err := loadKeyring()
	if err != nil {
		logger.Error("failed to load keys", "error", err)
		os.Exit(1)
	}
	household, _ := ring.Household()

	interval, err := time.ParseDuration(getEnv("FAMILYSYNC_REFRESH_INTERVAL", "10s"))
	if err != nil {
		logger.Error("invalid FAMILYSYNC_REFRESH_INTERVAL", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(basePath, 0o755); err != nil {
		logger.Error("failed to create data directory", "path", basePath, "error", err)
		os.Exit(1)
	}

	store, err := sqlite.Open(basePath)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	eng, err := engine.OpenSerial(filepath.Join(basePath, "engine.json"), memengine.Open, logger)
	if err != nil {
		logger.Error("failed to open engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	relays := splitList(getEnv("FAMILYSYNC_RELAYS", "wss://relay.damus.io,wss://nos.lol"))
	pool := relay.NewPool(relay.PoolConfig{
		URLs:   relays,
		Dialer: relay.NostrDialer{},
		Logger: logger,
	})
	transport := relay.New(relay.Config{
		Pool:   pool,
		Engine: eng,
		Keys:   ring,
		Logger: logger,
	})

	proj := projection.NewManager(projection.Config{Interval: interval, Logger: logger}, eng, projection.Stores{
		Cursors:   store,
		Media:     store,
		Reactions: store,
		Reports:   store,
	})

	sched, err := scheduler.New(scheduler.Config{
		Pool:       pool,
		Engine:     eng,
		Keys:       ring,
		Projection: proj,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start sync", "error", err, "reason", relay.Describe(err))
		os.Exit(1)
	}

	kp, err := transport.PublishKeyPackage(ctx, nil)
	if err != nil {
		logger.Error("failed to publish key package", "error", err, "reason", relay.Describe(err))
	} else {
		logger.Info("key package published", "eventID", kp.ID)
	}

	fmt.Println("FAMILYSYNC Startup")
	fmt.Println("===================================")
	fmt.Printf("Household Public Key: %s\n", household.PublicKey)
	if os.Getenv("FAMILYSYNC_HOUSEHOLD_KEY") != "" {
		fmt.Println("Key Source: FAMILYSYNC_HOUSEHOLD_KEY environment variable")
	} else {
		fmt.Println("Key Source: Ephemeral (generated on startup)")
	}
	fmt.Printf("Delegated Identities: %d\n", len(ring.Delegated()))
	fmt.Printf("Data Path: %s\n", basePath)
	fmt.Printf("State Store: %s\n", store.DBPath())
	fmt.Println()
	fmt.Println("Relays:")
	for _, h := range pool.Health() {
		fmt.Printf("  %-32s %s\n", h.URL, h.State)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	if err := sched.Stop(); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadKeyring reads the household and delegated secrets from the
// environment, generating an ephemeral household identity when none is set.
func loadKeyring() (*keys.Keyring, error) {
	householdSK := os.Getenv("FAMILYSYNC_HOUSEHOLD_KEY")
	if householdSK == "" {
		householdSK = keys.Generate().SecretKey
	}
	ring, err := keys.NewKeyring(householdSK, splitList(os.Getenv("FAMILYSYNC_DELEGATED_KEYS"))...)
	if err != nil {
		return nil, fmt.Errorf("failed to load FAMILYSYNC keys: %w", err)
	}
	return ring, nil
}
