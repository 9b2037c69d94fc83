// Package supervisor sequences a set of managed processes: dependency-ordered
// startup, crash-driven restarts with backoff, hot reload, and a typed event
// bus for callers that want to observe the run.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/devrig/devrig/internal/config"
	"github.com/devrig/devrig/internal/envctx"
	"github.com/devrig/devrig/internal/executor"
	"github.com/devrig/devrig/internal/history"
	"github.com/devrig/devrig/internal/resolver"
)

const depPollInterval = 50 * time.Millisecond

// Options configures a Supervisor. Zero values get sensible defaults.
type Options struct {
	Exec     executor.Executor
	Logger   *slog.Logger
	Settings config.Settings
	// GlobalEnv holds supervisor-level KEY=VALUE entries layered under every
	// process's own environment.
	GlobalEnv []string
	// History receives lifecycle events when set.
	History history.Sink
	// BackoffBase is the first crash-restart delay; doubled per consecutive
	// crash up to Settings.RestartBackoffMax.
	BackoffBase time.Duration
	// StableReset is how long a process must run without crashing before its
	// backoff streak and restart budget reset.
	StableReset time.Duration
}

// ReloadResult counts the outcome of a config reload.
type ReloadResult struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Changed int `json:"changed"`
}

type Supervisor struct {
	opts Options
	env  *envctx.Context
	bus  *Bus
	log  *slog.Logger

	mu      sync.Mutex
	procs   map[string]*Managed
	order   []string
	layouts map[string]bool
	// streaks tracks consecutive crashes per process for backoff and budget.
	streaks map[string]int

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Supervisor and starts its crash-handling loop. The event
// subscription is taken at construction so no crash can slip past before a
// caller wires observers.
func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Settings.DependencyTimeout <= 0 {
		opts.Settings.DependencyTimeout = config.DefaultDependencyTimeout
	}
	if opts.Settings.RestartBackoffMax <= 0 {
		opts.Settings.RestartBackoffMax = config.DefaultRestartBackoffMax
	}
	if opts.Settings.StopTimeout <= 0 {
		opts.Settings.StopTimeout = config.DefaultStopTimeout
	}
	if opts.Settings.HealthCheckInterval <= 0 {
		opts.Settings.HealthCheckInterval = config.DefaultHealthCheckInterval
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.StableReset <= 0 {
		opts.StableReset = 30 * time.Second
	}
	s := &Supervisor{
		opts:    opts,
		env:     envctx.New(),
		bus:     NewBus(),
		log:     opts.Logger,
		procs:   make(map[string]*Managed),
		layouts: make(map[string]bool),
		streaks: make(map[string]int),
		done:    make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	events, unsub := s.bus.Subscribe()
	go s.crashLoop(ctx, events, unsub)
	return s
}

// Bus exposes the event bus for subscribers (event stream, UI).
func (s *Supervisor) Bus() *Bus { return s.bus }

// Env exposes the shared environment context.
func (s *Supervisor) Env() *envctx.Context { return s.env }

// SetLayouts registers layout names so targeted operations can tell "not a
// process" apart from "unknown name".
func (s *Supervisor) SetLayouts(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layouts = make(map[string]bool, len(names))
	for _, n := range names {
		s.layouts[n] = true
	}
}

// StartAll resolves, sorts and starts the whole config set. Per-process
// failures (port conflicts, launch errors, dependency timeouts) are contained
// to that process and joined into the returned error; resolution failures
// abort before anything starts.
func (s *Supervisor) StartAll(ctx context.Context, cfgs []config.ProcessConfig, root string) error {
	resolved, err := resolver.Resolve(cfgs, root)
	if err != nil {
		return err
	}
	ordered, err := resolver.TopoSort(resolved)
	if err != nil {
		return err
	}

	var errs []error
	for _, rc := range ordered {
		m, err := s.register(rc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !rc.AutoStartEnabled() {
			continue
		}
		if err := s.waitForDeps(ctx, rc); err != nil {
			m.setError(err)
			s.log.Error("skipping process", "process", rc.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		if err := m.Start(ctx, s.opts.GlobalEnv); err != nil {
			s.log.Error("start failed", "process", rc.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		s.record(history.EventStart, rc.Name, "")
	}
	return errors.Join(errs...)
}

// register creates (or refreshes the config of) the Managed for rc.
func (s *Supervisor) register(rc resolver.Resolved) (*Managed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.procs[rc.Name]; ok {
		return m, nil
	}
	m, err := NewManaged(rc, s.env, s.opts.Exec, s.bus, s.log, s.opts.Settings)
	if err != nil {
		return nil, err
	}
	s.procs[rc.Name] = m
	s.order = append(s.order, rc.Name)
	return m, nil
}

// waitForDeps blocks until every direct dependency reports ready or completed,
// bounded by the dependency timeout. Only the dependent fails on timeout.
func (s *Supervisor) waitForDeps(ctx context.Context, rc resolver.Resolved) error {
	if len(rc.Deps) == 0 {
		return nil
	}
	deadline := time.Now().Add(s.opts.Settings.DependencyTimeout)
	for {
		pending := ""
		for _, dep := range rc.Deps {
			s.mu.Lock()
			dm := s.procs[dep]
			s.mu.Unlock()
			if dm == nil {
				pending = dep
				break
			}
			switch dm.State().Status {
			case StatusReady, StatusCompleted:
			default:
				pending = dep
			}
			if pending != "" {
				break
			}
		}
		if pending == "" {
			return nil
		}
		if time.Now().After(deadline) {
			return &DependencyTimeoutError{Process: rc.Name, Dependency: pending}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(depPollInterval):
		}
	}
}

// crashLoop applies restart policy and backoff to crash events.
func (s *Supervisor) crashLoop(ctx context.Context, events <-chan Event, unsub func()) {
	defer close(s.done)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Kind {
			case EventReady:
				s.record(history.EventReady, e.Process, "")
			case EventCrashed:
				s.handleCrash(ctx, e)
			}
		}
	}
}

func (s *Supervisor) handleCrash(ctx context.Context, e Event) {
	s.mu.Lock()
	m := s.procs[e.Process]
	s.mu.Unlock()
	if m == nil {
		return
	}
	s.record(history.EventCrash, e.Process, fmt.Sprintf("exit code %d", e.ExitCode))

	cfg := m.Config()
	if cfg.RestartPolicy == config.RestartNever {
		return
	}

	s.mu.Lock()
	// A stable run since the last restart resets the streak.
	if lr := m.State().LastRestart; !lr.IsZero() && time.Since(lr) > s.opts.StableReset {
		s.streaks[e.Process] = 0
	}
	streak := s.streaks[e.Process]
	s.streaks[e.Process] = streak + 1
	s.mu.Unlock()

	if streak >= cfg.MaxRestarts {
		m.markExhausted()
		return
	}

	delay := s.opts.BackoffBase << uint(streak)
	if delay > s.opts.Settings.RestartBackoffMax {
		delay = s.opts.Settings.RestartBackoffMax
	}
	s.log.Info("scheduling restart", "process", e.Process, "attempt", streak+1, "delay", delay)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if m.State().Status != StatusCrashed {
			// stopped or already restarted in the meantime
			return
		}
		s.record(history.EventRestart, e.Process, "")
		if err := m.Restart(ctx); err != nil {
			s.log.Error("restart failed", "process", e.Process, "error", err)
		}
	}()
}

// Reload diffs the running set against a new config set by name. Added
// processes start, removed ones stop and are discarded, changed ones stop and
// restart with the new definition; untouched ones keep running.
func (s *Supervisor) Reload(ctx context.Context, cfgs []config.ProcessConfig, root string) (ReloadResult, error) {
	var res ReloadResult
	resolved, err := resolver.Resolve(cfgs, root)
	if err != nil {
		return res, err
	}
	ordered, err := resolver.TopoSort(resolved)
	if err != nil {
		return res, err
	}
	next := make(map[string]resolver.Resolved, len(ordered))
	for _, rc := range ordered {
		next[rc.Name] = rc
	}

	s.mu.Lock()
	current := make(map[string]*Managed, len(s.procs))
	for n, m := range s.procs {
		current[n] = m
	}
	s.mu.Unlock()

	for name, m := range current {
		if _, keep := next[name]; keep {
			continue
		}
		res.Removed++
		if err := m.Stop(s.opts.Settings.StopTimeout); err != nil {
			s.log.Warn("stop during reload failed", "process", name, "error", err)
		}
		_ = m.Close()
		s.record(history.EventStop, name, "removed on reload")
		s.mu.Lock()
		delete(s.procs, name)
		delete(s.streaks, name)
		for i, n := range s.order {
			if n == name {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}

	var errs []error
	for _, rc := range ordered {
		old, exists := current[rc.Name]
		if exists && reflect.DeepEqual(old.Config(), rc) {
			continue
		}
		if exists {
			res.Changed++
			if err := old.Stop(s.opts.Settings.StopTimeout); err != nil {
				s.log.Warn("stop during reload failed", "process", rc.Name, "error", err)
			}
			_ = old.Close()
			s.mu.Lock()
			delete(s.procs, rc.Name)
			for i, n := range s.order {
				if n == rc.Name {
					s.order = append(s.order[:i], s.order[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		} else {
			res.Added++
		}
		m, err := s.register(rc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !rc.AutoStartEnabled() {
			continue
		}
		if err := s.waitForDeps(ctx, rc); err != nil {
			m.setError(err)
			errs = append(errs, err)
			continue
		}
		if err := m.Start(ctx, s.opts.GlobalEnv); err != nil {
			errs = append(errs, err)
			continue
		}
		s.record(history.EventStart, rc.Name, "reload")
	}
	return res, errors.Join(errs...)
}

// lookup returns the Managed for name, distinguishing layouts from unknowns.
func (s *Supervisor) lookup(name string) (*Managed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.procs[name]; ok {
		return m, nil
	}
	if s.layouts[name] {
		return nil, fmt.Errorf("%s: %w", name, ErrIsLayout)
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
}

// StartProcess starts one named process, waiting on its dependencies first.
func (s *Supervisor) StartProcess(ctx context.Context, name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	if err := s.waitForDeps(ctx, m.Config()); err != nil {
		m.setError(err)
		return err
	}
	if err := m.Start(ctx, s.opts.GlobalEnv); err != nil {
		return err
	}
	s.record(history.EventStart, name, "")
	return nil
}

// StopProcess gracefully stops one named process.
func (s *Supervisor) StopProcess(name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.streaks[name] = 0
	s.mu.Unlock()
	if err := m.Stop(s.opts.Settings.StopTimeout); err != nil {
		return err
	}
	s.record(history.EventStop, name, "")
	return nil
}

// RestartProcess restarts one named process.
func (s *Supervisor) RestartProcess(ctx context.Context, name string) error {
	m, err := s.lookup(name)
	if err != nil {
		return err
	}
	if err := m.Restart(ctx); err != nil {
		return err
	}
	s.record(history.EventRestart, name, "manual")
	return nil
}

// State returns the snapshot for one named process.
func (s *Supervisor) State(name string) (State, error) {
	m, err := s.lookup(name)
	if err != nil {
		return State{}, err
	}
	return m.State(), nil
}

// States returns snapshots for all processes in registration order.
func (s *Supervisor) States() []State {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	procs := make([]*Managed, 0, len(names))
	for _, n := range names {
		procs = append(procs, s.procs[n])
	}
	s.mu.Unlock()
	out := make([]State, 0, len(procs))
	for _, m := range procs {
		out = append(out, m.State())
	}
	return out
}

// StopAll stops every process in reverse start order and shuts the crash loop
// down.
func (s *Supervisor) StopAll() error {
	s.cancel()
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		s.mu.Lock()
		m := s.procs[names[i]]
		s.mu.Unlock()
		if m == nil {
			continue
		}
		if err := m.Stop(s.opts.Settings.StopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", names[i], err))
		}
		_ = m.Close()
		s.record(history.EventStop, names[i], "shutdown")
	}
	<-s.done
	if s.opts.History != nil {
		_ = s.opts.History.Close()
	}
	return errors.Join(errs...)
}

func (s *Supervisor) record(t history.EventType, proc, detail string) {
	if s.opts.History == nil {
		return
	}
	e := history.Event{Type: t, OccurredAt: time.Now(), Process: proc, Detail: detail}
	if err := s.opts.History.Send(context.Background(), e); err != nil {
		s.log.Warn("history sink write failed", "error", err)
	}
}
