package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/devrig/devrig"
	"github.com/devrig/devrig/internal/logger"
)

const defaultListen = "localhost:4711"

// runDaemon loads the config, starts the stack, serves the HTTP API, and
// blocks until SIGINT/SIGTERM.
func runDaemon(configPath string) error {
	cfg, err := devrig.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.Setup(os.Getenv("DEVRIG_LOG_LEVEL"))
	slog.SetDefault(log)

	logDir := cfg.LogDir
	if logDir == "" {
		logDir = filepath.Join(cfg.Root, ".devrig", "logs")
	} else if !filepath.IsAbs(logDir) {
		logDir = filepath.Join(cfg.Root, logDir)
	}

	globalEnv, err := cfg.GlobalEnv()
	if err != nil {
		return err
	}

	historyDSN := cfg.HistoryDSN
	if historyDSN != "" && historyDSN != ":memory:" && !filepath.IsAbs(historyDSN) {
		historyDSN = filepath.Join(cfg.Root, historyDSN)
	}

	rig, err := devrig.New(devrig.Options{
		LogDir:     logDir,
		Settings:   cfg.Settings,
		GlobalEnv:  globalEnv,
		HistoryDSN: historyDSN,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	layouts := make([]string, 0, len(cfg.Layouts))
	for _, l := range cfg.Layouts {
		layouts = append(layouts, l.Name)
	}
	rig.SetLayouts(layouts)

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		if err := devrig.RegisterMetricsDefault(); err != nil {
			return err
		}
		if cfg.Metrics.Listen != "" {
			go func() {
				if err := devrig.ServeMetrics(cfg.Metrics.Listen); err != nil {
					log.Error("metrics listener failed", "error", err)
				}
			}()
		}
	}

	listen := defaultListen
	basePath := "/api"
	if cfg.Server != nil {
		if cfg.Server.Listen != "" {
			listen = cfg.Server.Listen
		}
		if cfg.Server.BasePath != "" {
			basePath = cfg.Server.BasePath
		}
	}
	reload := func() (devrig.ReloadResult, error) {
		next, err := devrig.LoadConfig(configPath)
		if err != nil {
			return devrig.ReloadResult{}, err
		}
		return rig.Reload(context.Background(), next.Processes, next.Root)
	}
	srv := devrig.NewHTTPServer(listen, basePath, rig, reload)
	log.Info("api listening", "addr", listen, "base_path", basePath)

	ctx := context.Background()
	if err := rig.StartAll(ctx, cfg.Processes, cfg.Root); err != nil {
		// Per-process failures are contained; report and keep running.
		log.Error("startup finished with errors", "error", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)
	return rig.StopAll()
}
