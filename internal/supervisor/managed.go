package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devrig/devrig/internal/config"
	"github.com/devrig/devrig/internal/envctx"
	"github.com/devrig/devrig/internal/executor"
	"github.com/devrig/devrig/internal/health"
	"github.com/devrig/devrig/internal/metrics"
	"github.com/devrig/devrig/internal/pattern"
	"github.com/devrig/devrig/internal/porttool"
	"github.com/devrig/devrig/internal/resolver"
)

// Status is the lifecycle state of a managed process.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusReady     Status = "ready"
	StatusCrashed   Status = "crashed"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

const exitPollInterval = 50 * time.Millisecond

// State is a read-only snapshot of a process's runtime state.
type State struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Port        int       `json:"port,omitempty"`
	URL         string    `json:"url,omitempty"`
	Restarts    int       `json:"restarts"`
	LastRestart time.Time `json:"last_restart,omitempty"`
	// Healthy is nil until the first health probe completes.
	Healthy           *bool  `json:"healthy,omitempty"`
	ExitCode          int    `json:"exit_code"`
	Err               string `json:"error,omitempty"`
	RestartsExhausted bool   `json:"restarts_exhausted,omitempty"`
	LogPath           string `json:"log_path,omitempty"`
}

// Managed owns the lifecycle of one configured process. All status mutations
// happen under mu; asynchronous verification work carries the run sequence
// number it was launched under and discards its result when the number moved.
type Managed struct {
	cfg      resolver.Resolved
	env      *envctx.Context
	exec     executor.Executor
	scanner  *pattern.Scanner
	verifier *porttool.Verifier
	bus      *Bus
	log      *slog.Logger
	settings config.Settings

	// Injectable port ownership hooks.
	lookupPort func(port int) (int32, error)
	terminate  func(pid int32) error

	// commitMu guards the section where asynchronous port verification is
	// applied to state, so it cannot interleave with a concurrent stop or
	// restart of the same process.
	commitMu sync.Mutex

	mu            sync.Mutex
	status        Status
	seq           uint64
	handle        executor.Handle
	baseEnv       map[string]string
	port          int
	portVerified  bool
	url           string
	healthy       *bool
	restarts      int
	lastRestart   time.Time
	exitCode      int
	errMsg        string
	exhausted     bool
	stopRequested bool
	healthCancel  context.CancelFunc
	// runCtx is canceled when the run it belongs to ends, so in-flight
	// port verification stops dialing instead of draining its attempts.
	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewManaged validates the process's output patterns (rejecting unsafe ones
// with a pattern.SafetyError) and returns a process in the pending state.
func NewManaged(cfg resolver.Resolved, env *envctx.Context, exec executor.Executor, bus *Bus, log *slog.Logger, settings config.Settings) (*Managed, error) {
	sc, err := pattern.NewScanner(cfg.StdoutVars)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Managed{
		cfg:        cfg,
		env:        env,
		exec:       exec,
		scanner:    sc,
		verifier:   porttool.NewVerifier(),
		bus:        bus,
		log:        log.With("process", cfg.Name),
		settings:   settings,
		lookupPort: porttool.PIDForPort,
		terminate:  porttool.Terminate,
		status:     StatusPending,
	}, nil
}

// Config returns the resolved configuration this process was built from.
func (m *Managed) Config() resolver.Resolved { return m.cfg }

// State returns a snapshot of the current runtime state.
func (m *Managed) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := State{
		Name:              m.cfg.Name,
		Status:            m.status,
		Port:              m.port,
		URL:               m.url,
		Restarts:          m.restarts,
		LastRestart:       m.lastRestart,
		ExitCode:          m.exitCode,
		Err:               m.errMsg,
		RestartsExhausted: m.exhausted,
	}
	if m.healthy != nil {
		v := *m.healthy
		s.Healthy = &v
	}
	if m.handle != nil {
		s.LogPath = m.handle.LogPath()
	}
	return s
}

func containsShellMeta(s string) bool {
	return strings.ContainsAny(s, "|&;<>`$(){}!\\\"'\n")
}

// Start launches the process. Extra arguments are rejected when they contain
// shell metacharacters, then interpolated and appended to the command.
func (m *Managed) Start(ctx context.Context, baseEnv []string, extraArgs ...string) error {
	if m.env == nil {
		return fmt.Errorf("process %s: environment context not set", m.cfg.Name)
	}
	for _, a := range extraArgs {
		if containsShellMeta(a) {
			return fmt.Errorf("process %s: argument %q: %w", m.cfg.Name, a, ErrUnsafeArgument)
		}
	}

	// Claim the starting state under the same lock as the check so a
	// concurrent Start cannot also pass it and launch a second command.
	m.mu.Lock()
	switch m.status {
	case StatusStarting, StatusRunning, StatusReady:
		m.mu.Unlock()
		return fmt.Errorf("process %s is already running", m.cfg.Name)
	}
	prev := m.status
	m.status = StatusStarting
	m.mu.Unlock()
	m.stateGauge(StatusStarting)

	fail := func(err error) error {
		m.mu.Lock()
		m.status = prev
		m.errMsg = err.Error()
		m.mu.Unlock()
		m.stateGauge(prev)
		return err
	}

	if m.cfg.Port > 0 {
		if err := m.clearPort(m.cfg.Port); err != nil {
			return fail(err)
		}
	}

	env, envList, err := m.buildEnv(baseEnv)
	if err != nil {
		return fail(err)
	}

	m.mu.Lock()
	seq := m.beginRunLocked()
	m.baseEnv = env
	command := m.resolveCommandLocked(env, extraArgs)
	m.mu.Unlock()

	h, err := m.exec.Launch(m.cfg.Name, command, m.cfg.ResolvedCwd, envList, func(line string) { m.onLine(seq, line) })
	if err != nil {
		err = fmt.Errorf("launch %s: %w", m.cfg.Name, err)
		m.mu.Lock()
		m.status = StatusCrashed
		m.errMsg = err.Error()
		m.mu.Unlock()
		m.stateGauge(StatusCrashed)
		return err
	}
	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()

	metrics.IncStart(m.cfg.Name)
	m.log.Info("process started", "command", command)
	m.postLaunch(seq)
	return nil
}

// Stop marks the process stopped, halts health polling, interrupts the
// command, and escalates to a hard kill after min(timeout, 2s).
func (m *Managed) Stop(timeout time.Duration) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	m.seq++
	m.stopRequested = true
	prev := m.status
	m.status = StatusStopped
	if m.healthCancel != nil {
		m.healthCancel()
		m.healthCancel = nil
	}
	if m.runCancel != nil {
		m.runCancel()
		m.runCancel = nil
	}
	h := m.handle
	m.mu.Unlock()
	m.stateGauge(StatusStopped)

	if h == nil || prev == StatusPending || prev == StatusStopped || prev == StatusCrashed || prev == StatusCompleted {
		return nil
	}
	if err := h.Interrupt(); err != nil {
		m.log.Warn("interrupt failed", "error", err)
	}
	wait := timeout
	if wait > 2*time.Second {
		wait = 2 * time.Second
	}
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if h.Status().Dead {
			return nil
		}
		time.Sleep(exitPollInterval)
	}
	return h.Kill()
}

// Restart re-issues the command on the existing execution handle, falling back
// to a full Start when the handle is gone. In-flight verification from the
// previous run is invalidated.
func (m *Managed) Restart(ctx context.Context) error {
	m.commitMu.Lock()
	m.mu.Lock()
	m.restarts++
	m.lastRestart = time.Now()
	h := m.handle
	env := m.baseEnv
	m.mu.Unlock()
	m.commitMu.Unlock()

	if h == nil || env == nil {
		m.mu.Lock()
		m.status = StatusStopped
		m.mu.Unlock()
		return m.Start(ctx, nil)
	}

	m.mu.Lock()
	seq := m.beginRunLocked()
	command := m.resolveCommandLocked(env, nil)
	m.status = StatusStarting
	envList := flattenEnv(env)
	m.mu.Unlock()
	m.stateGauge(StatusStarting)

	if err := h.Respawn(command, envList); err != nil {
		m.log.Warn("respawn failed, falling back to full start", "error", err)
		m.mu.Lock()
		m.handle = nil
		m.status = StatusStopped
		m.mu.Unlock()
		return m.Start(ctx, nil)
	}
	metrics.IncRestart(m.cfg.Name)
	m.log.Info("process restarted", "restarts", m.restarts)
	m.postLaunch(seq)
	return nil
}

// beginRunLocked bumps the sequence counter and resets all transient runtime
// state for a fresh run. Callers hold mu.
func (m *Managed) beginRunLocked() uint64 {
	m.seq++
	if m.runCancel != nil {
		m.runCancel()
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	m.stopRequested = false
	m.healthy = nil
	m.portVerified = false
	m.exitCode = 0
	m.errMsg = ""
	m.url = ""
	m.port = m.cfg.Port
	if m.healthCancel != nil {
		m.healthCancel()
		m.healthCancel = nil
	}
	m.env.ClearExports(m.cfg.Name)
	if m.cfg.Port > 0 {
		m.env.SetPort(m.cfg.Name, m.cfg.Port)
	}
	return m.seq
}

// clearPort enforces the fixed-port ownership rule before a launch.
func (m *Managed) clearPort(port int) error {
	pid, err := m.lookupPort(port)
	if err != nil {
		return fmt.Errorf("process %s: inspect port %d: %w", m.cfg.Name, port, err)
	}
	if pid == 0 {
		return nil
	}
	if !m.cfg.Force {
		return &PortConflictError{Process: m.cfg.Name, Port: port, PID: pid}
	}
	m.log.Warn("taking over port", "port", port, "pid", pid)
	if err := m.terminate(pid); err != nil {
		return fmt.Errorf("process %s: evict pid %d from port %d: %w", m.cfg.Name, pid, port, err)
	}
	return nil
}

// buildEnv layers the process environment: OS environment, supervisor-level
// entries, env_file contents, fixed PORT, then configured env. Later layers
// override earlier ones. Configured values are interpolated against the
// layers built so far plus cross-process exports.
func (m *Managed) buildEnv(baseEnv []string) (map[string]string, []string, error) {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	for _, kv := range baseEnv {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	if m.cfg.EnvFile != "" {
		p := m.cfg.EnvFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(m.cfg.ResolvedCwd, p)
		}
		pairs, err := config.LoadEnvFile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("process %s: env file: %w", m.cfg.Name, err)
		}
		for k, v := range pairs {
			env[k] = v
		}
	}
	if m.cfg.Port > 0 {
		env["PORT"] = strconv.Itoa(m.cfg.Port)
	}
	for _, kv := range m.cfg.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = m.env.Expand(m.cfg.Name, kv[i+1:], env)
		}
	}
	return env, flattenEnv(env), nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// resolveCommandLocked interpolates placeholders in the command and validated
// extra arguments. Callers hold mu.
func (m *Managed) resolveCommandLocked(env map[string]string, extraArgs []string) string {
	cmd := m.env.Expand(m.cfg.Name, m.cfg.Command, env)
	for _, a := range extraArgs {
		cmd += " " + m.env.Expand(m.cfg.Name, a, env)
	}
	return cmd
}

// postLaunch flips the process to running and kicks off the asynchronous
// readiness machinery for this run.
func (m *Managed) postLaunch(seq uint64) {
	m.mu.Lock()
	if m.seq != seq {
		m.mu.Unlock()
		return
	}
	m.status = StatusRunning
	port := m.port
	m.mu.Unlock()
	m.stateGauge(StatusRunning)

	go m.monitorExit(seq)
	if port > 0 {
		go m.verifyPort(seq, port)
	}
	m.startHealthIfPossible(seq)
	m.recheckReadiness(seq)
}

// onLine handles one line of combined output: publishes it, extracts
// configured and fallback variables, and advances readiness.
func (m *Managed) onLine(seq uint64, line string) {
	m.mu.Lock()
	if m.seq != seq {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.bus.Publish(Event{Kind: EventLogLine, Process: m.cfg.Name, Line: line})

	var newPort int
	for _, match := range m.scanner.Scan(line) {
		switch match.Name {
		case "port":
			if p, err := strconv.Atoi(match.Value); err == nil && p > 0 && p <= 65535 {
				newPort = p
			}
		case "url":
			m.applyURL(seq, match.Value)
			if p := portOfURL(match.Value); p > 0 {
				newPort = p
			}
		default:
			m.env.SetExport(m.cfg.Name, match.Name, match.Value)
		}
	}
	if newPort > 0 {
		m.mu.Lock()
		changed := m.seq == seq && (m.port != newPort || !m.portVerified)
		if m.seq == seq {
			m.port = newPort
		}
		m.mu.Unlock()
		if changed {
			m.env.SetPort(m.cfg.Name, newPort)
			go m.verifyPort(seq, newPort)
		}
	}
	m.startHealthIfPossible(seq)
	m.recheckReadiness(seq)
}

func (m *Managed) applyURL(seq uint64, raw string) {
	m.mu.Lock()
	if m.seq != seq {
		m.mu.Unlock()
		return
	}
	m.url = raw
	m.mu.Unlock()
	m.env.SetExport(m.cfg.Name, "url", raw)
}

func portOfURL(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	return 0
}

// verifyPort confirms the port accepts TCP connections. Dialing aborts when
// the run ends, and the result is only committed when the run sequence is
// unchanged and the process still runs.
func (m *Managed) verifyPort(seq uint64, port int) {
	m.mu.Lock()
	ctx := m.runCtx
	m.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.verifier.Verify(ctx, port); err != nil {
		m.log.Debug("port verification failed", "port", port, "error", err)
		return
	}
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	m.mu.Lock()
	if m.seq != seq || (m.status != StatusRunning && m.status != StatusReady) {
		m.mu.Unlock()
		return
	}
	m.port = port
	m.portVerified = true
	m.mu.Unlock()
	m.env.SetPort(m.cfg.Name, port)
	m.env.SetExport(m.cfg.Name, "port", strconv.Itoa(port))
	m.log.Debug("port verified", "port", port)
	m.recheckReadiness(seq)
}

// healthTarget resolves the configured health check to a full URL, or returns
// "" when it cannot be resolved yet (a bare path with no known port).
func (m *Managed) healthTarget() string {
	hc := m.cfg.HealthCheck
	if hc == "" {
		return ""
	}
	m.mu.Lock()
	port := m.port
	env := m.baseEnv
	m.mu.Unlock()
	if strings.HasPrefix(hc, "http://") || strings.HasPrefix(hc, "https://") {
		return m.env.Expand(m.cfg.Name, hc, env)
	}
	if port == 0 {
		return ""
	}
	if !strings.HasPrefix(hc, "/") {
		hc = "/" + hc
	}
	return fmt.Sprintf("http://localhost:%d%s", port, hc)
}

func (m *Managed) startHealthIfPossible(seq uint64) {
	target := m.healthTarget()
	if target == "" {
		return
	}
	m.mu.Lock()
	if m.seq != seq || m.healthCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.healthCancel = cancel
	m.mu.Unlock()

	chk := &health.Checker{
		URL:      target,
		Interval: m.settings.HealthCheckInterval,
		OnResult: func(healthy, changed bool) { m.onHealth(seq, healthy, changed) },
	}
	go chk.Run(ctx)
}

func (m *Managed) onHealth(seq uint64, healthy, changed bool) {
	m.mu.Lock()
	if m.seq != seq {
		m.mu.Unlock()
		return
	}
	v := healthy
	m.healthy = &v
	m.mu.Unlock()
	metrics.SetHealthy(m.cfg.Name, healthy)
	if changed {
		m.bus.Publish(Event{Kind: EventHealthChanged, Process: m.cfg.Name, Healthy: healthy})
	}
	m.recheckReadiness(seq)
}

// effectiveReadyVars applies the readiness defaulting rule when no explicit
// ready_vars are configured.
func (m *Managed) effectiveReadyVars() []string {
	if len(m.cfg.ReadyVars) > 0 {
		return m.cfg.ReadyVars
	}
	if _, ok := m.cfg.StdoutVars["url"]; ok {
		return []string{"url"}
	}
	if _, ok := m.cfg.StdoutVars["port"]; ok {
		return []string{"port"}
	}
	if m.cfg.Port > 0 {
		return []string{"port"}
	}
	return nil
}

// recheckReadiness applies the readiness policy. First matching rule wins:
// configured health check, explicit ready_vars, defaulted ready_vars, then
// ready-on-running. Restart policy never is only ready via completion. A
// failing health probe demotes a ready process back to running.
func (m *Managed) recheckReadiness(seq uint64) {
	if m.cfg.RestartPolicy == config.RestartNever {
		return
	}
	m.mu.Lock()
	if m.seq != seq || (m.status != StatusRunning && m.status != StatusReady) {
		m.mu.Unlock()
		return
	}
	ready := false
	switch {
	case m.cfg.HealthCheck != "":
		ready = m.healthy != nil && *m.healthy
	default:
		ready = true
		for _, v := range m.effectiveReadyVars() {
			if _, ok := m.env.Export(m.cfg.Name, v); !ok {
				ready = false
				break
			}
		}
	}
	switch {
	case ready && m.status == StatusRunning:
		m.status = StatusReady
		m.mu.Unlock()
		m.stateGauge(StatusReady)
		metrics.IncReady(m.cfg.Name)
		m.log.Info("process ready")
		m.bus.Publish(Event{Kind: EventReady, Process: m.cfg.Name})
	case !ready && m.status == StatusReady:
		m.status = StatusRunning
		m.mu.Unlock()
		m.stateGauge(StatusRunning)
		m.log.Warn("process no longer ready")
	default:
		m.mu.Unlock()
	}
}

// monitorExit polls the handle until the command dies, then classifies the
// exit. A stale sequence means a newer run owns the handle.
func (m *Managed) monitorExit(seq uint64) {
	for {
		m.mu.Lock()
		if m.seq != seq {
			m.mu.Unlock()
			return
		}
		h := m.handle
		m.mu.Unlock()
		if h == nil {
			return
		}
		st := h.Status()
		if st.Dead {
			m.classifyExit(seq, st.ExitCode)
			return
		}
		time.Sleep(exitPollInterval)
	}
}

// classifyExit maps an observed exit to a terminal state for this run:
// policy never with exit 0 completes (and counts as ready for dependents),
// policy on-failure with exit 0 stops quietly, anything else is a crash.
func (m *Managed) classifyExit(seq uint64, code int) {
	m.mu.Lock()
	if m.seq != seq || m.stopRequested {
		m.mu.Unlock()
		return
	}
	m.exitCode = code
	if m.healthCancel != nil {
		m.healthCancel()
		m.healthCancel = nil
	}
	var st Status
	switch {
	case m.cfg.RestartPolicy == config.RestartNever && code == 0:
		st = StatusCompleted
	case m.cfg.RestartPolicy == config.RestartOnFailure && code == 0:
		st = StatusStopped
	default:
		st = StatusCrashed
		m.errMsg = fmt.Sprintf("exited with code %d", code)
	}
	m.status = st
	m.mu.Unlock()
	m.stateGauge(st)

	switch st {
	case StatusCompleted:
		m.log.Info("process completed")
		m.bus.Publish(Event{Kind: EventReady, Process: m.cfg.Name})
	case StatusStopped:
		m.log.Info("process exited cleanly")
	case StatusCrashed:
		m.log.Warn("process crashed", "exit_code", code)
		metrics.IncCrash(m.cfg.Name)
		m.bus.Publish(Event{Kind: EventCrashed, Process: m.cfg.Name, ExitCode: code})
	}
}

// markExhausted flags the terminal crashed state once the restart budget is
// spent.
func (m *Managed) markExhausted() {
	m.mu.Lock()
	m.exhausted = true
	if m.errMsg == "" {
		m.errMsg = "restart limit exceeded"
	} else {
		m.errMsg += " (restart limit exceeded)"
	}
	m.mu.Unlock()
	m.log.Error("restart limit exceeded, leaving process crashed")
}

func (m *Managed) setError(err error) {
	m.mu.Lock()
	m.errMsg = err.Error()
	m.mu.Unlock()
}

func (m *Managed) stateGauge(active Status) {
	all := []Status{StatusPending, StatusStarting, StatusRunning, StatusReady, StatusCrashed, StatusStopped, StatusCompleted}
	for _, s := range all {
		metrics.SetCurrentState(m.cfg.Name, string(s), s == active)
	}
}

// Close releases the execution handle and its log writer.
func (m *Managed) Close() error {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	if m.healthCancel != nil {
		m.healthCancel()
		m.healthCancel = nil
	}
	if m.runCancel != nil {
		m.runCancel()
		m.runCancel = nil
	}
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}
