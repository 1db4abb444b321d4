// Command server runs the usage record service: ingestion, analytics and retention
// behind an HTTP API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/router-for-me/usagehub/internal/api"
	"github.com/router-for-me/usagehub/internal/config"
	"github.com/router-for-me/usagehub/internal/logging"
	"github.com/router-for-me/usagehub/internal/storage"
	"github.com/router-for-me/usagehub/internal/usagerecord"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	flag.Parse()

	logging.SetupBaseLogger()

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logging.SetDebug(cfg.Debug)
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir, cfg.LogMaxSizeMB); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	if err := run(cfg, configPath); err != nil {
		log.Errorf("usage service exited with error: %v", err)
		_ = logging.Close()
		os.Exit(1)
	}
	_ = logging.Close()
}

func run(cfg *config.Config, configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	plugin, err := storage.New(cfg.Storage.Backend)
	if err != nil {
		return err
	}
	if err := plugin.Initialize(ctx, cfg.StorageOptions()); err != nil {
		return err
	}
	defer func() {
		if errClose := plugin.Close(); errClose != nil {
			log.WithError(errClose).Warn("failed to close storage")
		}
	}()

	queue := storage.NewWriteQueue(plugin, cfg.WriteQueue.Size)
	defer queue.Stop()

	var cleaner *usagerecord.RetentionCleaner
	if cfg.Retention.Enabled {
		policy := cfg.Policy()
		cleaner = usagerecord.NewRetentionCleaner(plugin.ApplyRetentionPolicy, &policy, cfg.Retention.Interval)
		cleaner.Start()
		defer cleaner.Stop()
	}

	if _, errStat := os.Stat(configPath); errStat == nil {
		watcher, errWatch := config.NewWatcher(configPath, func(next *config.Config) {
			policy := next.Policy()
			plugin.SetRetentionPolicy(&policy)
			if cleaner != nil {
				if next.Retention.Enabled {
					cleaner.UpdatePolicy(&policy)
				} else {
					cleaner.UpdatePolicy(nil)
				}
			}
			logging.SetDebug(next.Debug)
		})
		if errWatch == nil {
			if errWatch = watcher.Start(); errWatch != nil {
				_ = watcher.Close()
			}
		}
		if errWatch != nil {
			log.WithError(errWatch).Warn("config hot reload disabled")
		} else {
			defer watcher.Close()
		}
	}

	server := api.NewServer(cfg, plugin, queue)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutting down usage service")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	return server.Stop(shutdownCtx)
}
