// Package main provides the entry point for the Pool Proxy API server.
// The server multiplexes Claude and Gemini chat API requests across a pool
// of credentials, with retry classification, cooldown management, and
// optional fake streaming while non-streaming upstream calls are in flight.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/PoolProxyAPI/internal/api"
	"github.com/router-for-me/PoolProxyAPI/internal/config"
	"github.com/router-for-me/PoolProxyAPI/internal/connection"
	"github.com/router-for-me/PoolProxyAPI/internal/keypool"
	"github.com/router-for-me/PoolProxyAPI/internal/logging"
	"github.com/router-for-me/PoolProxyAPI/internal/usage"
	"github.com/router-for-me/PoolProxyAPI/internal/watcher"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// main parses the command line, loads configuration, starts the key pool
// actor and the API server, and coordinates graceful shutdown.
func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	flag.Parse()

	fmt.Printf("PoolProxyAPI Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	config.Replace(cfg)

	if err = logging.Configure(cfg.Debug, cfg.LoggingToFile); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}
	log.Infof("PoolProxyAPI Version: %s, Commit: %s, BuiltAt: %s", Version, Commit, BuildDate)

	// Global shutdown context; every request token derives from it.
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var usageStore *usage.Store
	if !cfg.NoFs {
		usageStore, err = usage.Open("usage.db")
		if err != nil {
			log.Errorf("failed to open usage store, continuing without it: %v", err)
			usageStore = nil
		}
	}

	pool := keypool.NewPool(cfg.GeminiKeys, keypool.ConfigPersister)
	registry := connection.NewRegistry()

	// Periodically drop cancelled entries left behind by streaming handlers.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-ticker.C:
				registry.Sweep()
			}
		}
	}()

	configWatcher, err := watcher.NewWatcher(configPath, pool)
	if err != nil {
		log.Errorf("failed to create config watcher: %v", err)
	} else if err = configWatcher.Start(shutdownCtx); err != nil {
		log.Errorf("failed to start config watcher: %v", err)
	}

	server := api.NewServer(cfg, pool, usageStore, registry, shutdownCtx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run()
	}()

	select {
	case <-shutdownCtx.Done():
		log.Info("shutdown signal received")
	case err = <-serverErr:
		if err != nil {
			log.Errorf("server failed: %v", err)
		}
	}

	if err = server.Shutdown(context.Background()); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	if configWatcher != nil {
		configWatcher.Stop()
	}
	// Final forced snapshot, then release the usage store.
	pool.Close()
	usageStore.Close()

	log.Info("server stopped")
	os.Exit(0)
}
