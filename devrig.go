package devrig

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/devrig/devrig/internal/config"
	"github.com/devrig/devrig/internal/executor"
	"github.com/devrig/devrig/internal/history"
	"github.com/devrig/devrig/internal/logger"
	"github.com/devrig/devrig/internal/metrics"
	iapi "github.com/devrig/devrig/internal/server"
	"github.com/devrig/devrig/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type ProcessConfig = cfg.ProcessConfig

type Config = cfg.Config

type State = supervisor.State

type Event = supervisor.Event

type ReloadResult = supervisor.ReloadResult

type HistorySink = history.Sink

// Options configures an embedded rig. The zero value is usable.
type Options struct {
	// LogDir is where per-process output files are written; empty disables
	// file logging.
	LogDir string
	// Settings holds the supervision timeouts; zero fields get defaults.
	Settings cfg.Settings
	// GlobalEnv is a list of KEY=VALUE entries layered under every process's
	// own environment.
	GlobalEnv []string
	// HistoryDSN, when set, persists lifecycle events to SQLite.
	HistoryDSN string
	// Logger receives the rig's own structured logs.
	Logger *slog.Logger
}

// Rig is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding.

type Rig struct{ inner *supervisor.Supervisor }

func New(opts Options) (*Rig, error) {
	var sink history.Sink
	if opts.HistoryDSN != "" {
		s, err := history.NewSQLSinkFromDSN(opts.HistoryDSN)
		if err != nil {
			return nil, err
		}
		sink = s
	}
	inner := supervisor.New(supervisor.Options{
		Exec:      executor.NewOS(logger.Config{Dir: opts.LogDir}),
		Logger:    opts.Logger,
		Settings:  opts.Settings,
		GlobalEnv: opts.GlobalEnv,
		History:   sink,
	})
	return &Rig{inner: inner}, nil
}

func (r *Rig) StartAll(ctx context.Context, cfgs []ProcessConfig, root string) error {
	return r.inner.StartAll(ctx, cfgs, root)
}
func (r *Rig) Reload(ctx context.Context, cfgs []ProcessConfig, root string) (ReloadResult, error) {
	return r.inner.Reload(ctx, cfgs, root)
}
func (r *Rig) Start(ctx context.Context, name string) error { return r.inner.StartProcess(ctx, name) }
func (r *Rig) Stop(name string) error                       { return r.inner.StopProcess(name) }
func (r *Rig) Restart(ctx context.Context, name string) error {
	return r.inner.RestartProcess(ctx, name)
}
func (r *Rig) State(name string) (State, error) { return r.inner.State(name) }
func (r *Rig) States() []State                  { return r.inner.States() }
func (r *Rig) StopAll() error                   { return r.inner.StopAll() }
func (r *Rig) SetLayouts(names []string)        { r.inner.SetLayouts(names) }

// Subscribe registers an observer on the event bus; cancel removes it.
func (r *Rig) Subscribe() (<-chan Event, func()) { return r.inner.Bus().Subscribe() }

func LoadConfig(path string) (*cfg.Config, error) { return cfg.Load(path) }

// NewHTTPServer starts an HTTP server exposing the management API for the
// rig. reload, when non-nil, backs the POST /reload endpoint.
func NewHTTPServer(addr, basePath string, r *Rig, reload func() (ReloadResult, error)) *http.Server {
	return iapi.NewServer(addr, basePath, r.inner, iapi.Reloader(reload))
}

// NewHistorySink opens a SQLite-backed lifecycle event sink for the DSN.
func NewHistorySink(dsn string) (HistorySink, error) { return history.NewSQLSinkFromDSN(dsn) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It runs in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
