package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"

	"termgate/internal/api"
	"termgate/internal/audit"
	"termgate/internal/bridge"
	"termgate/internal/config"
	"termgate/internal/delivery"
	"termgate/internal/filter"
	"termgate/internal/shell"
	"termgate/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[BOOT] Failed to load config from %q: %v", *configPath, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var ruleStore filter.RuleStore
	var entryStore audit.EntryStore
	var ruleWriter api.RuleWriter

	if cfg.Store.DSN != "" {
		pg, err := store.New(ctx, cfg.Store.DSN)
		if err != nil {
			log.Fatalf("[BOOT] Failed to connect to store: %v", err)
		}
		defer pg.Close()
		ruleStore = pg
		entryStore = pg
		ruleWriter = pg
		log.Printf("[BOOT] Postgres store connected")
	} else {
		// Dev mode: in-memory rules, audit goes to the fallback file only.
		ruleStore = filter.NewMemoryRuleStore()
		log.Printf("[BOOT] No store DSN configured — in-memory rules, fallback-only audit")
	}

	var fallback *audit.FallbackLog
	if cfg.Audit.FallbackPath != "" {
		fallback, err = audit.NewFallbackLog(cfg.Audit.FallbackPath)
		if err != nil {
			log.Fatalf("[BOOT] Failed to open audit fallback log: %v", err)
		}
		defer fallback.Close()
	}

	auditor := audit.NewLogger(entryStore, fallback, cfg.Audit.OutputCap)
	engine := filter.NewEngine(ruleStore, filter.FailMode(cfg.Filter.FailMode))
	hub := delivery.NewHub(0)

	manager := bridge.NewManager(bridge.ManagerConfig{
		IdleTimeout:   time.Duration(cfg.Bridge.IdleTimeoutSec) * time.Second,
		SweepInterval: time.Duration(cfg.Bridge.SweepIntervalSec) * time.Second,
	})
	defer manager.Close()

	target := shell.Config{
		Addr:     cfg.Target.Addr,
		User:     cfg.Target.User,
		Password: cfg.Target.Password,
	}
	if cfg.Target.KeyPath != "" {
		signer, err := loadPrivateKey(cfg.Target.KeyPath)
		if err != nil {
			log.Fatalf("[BOOT] Failed to load target key: %v", err)
		}
		target.PrivateKey = signer
	}

	if cfg.Audit.RetentionDays > 0 {
		go retentionLoop(ctx, auditor, cfg.Audit.RetentionDays)
	}

	srv := api.NewServer(cfg.API.Addr, manager, engine, ruleWriter, auditor, hub, target, api.BridgeDefaults{
		QueueSize:       cfg.Bridge.QueueSize,
		OutputRateBytes: cfg.Bridge.OutputRateBytes,
		StoragePath:     cfg.Audit.StoragePath,
	})

	log.Printf("[BOOT] Termgate starting on %s", cfg.API.Addr)
	log.Printf("[BOOT] Default target: %s (user: %s)", cfg.Target.Addr, cfg.Target.User)
	log.Printf("[BOOT] Filter fail mode: %s, idle timeout: %ds",
		cfg.Filter.FailMode, cfg.Bridge.IdleTimeoutSec)

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("[BOOT] Server error: %v", err)
	}

	log.Println("[BOOT] Termgate stopped cleanly.")
}

// retentionLoop runs the audit auto-purge once a day across all tenants.
func retentionLoop(ctx context.Context, auditor *audit.Logger, retentionDays int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := auditor.AutoPurge(ctx, retentionDays, nil); err != nil {
				log.Printf("[AUDIT] retention sweep failed: %v", err)
			}
		}
	}
}

func loadPrivateKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %q: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse key from %q: %w", path, err)
	}
	return signer, nil
}
