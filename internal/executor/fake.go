package executor

import (
	"errors"
	"strings"
	"sync"
)

// Fake is a scriptable Executor for tests. Launched handles stay idle until
// the test emits output or an exit; Interrupt kills by default so stop paths
// complete without real processes.
type Fake struct {
	mu        sync.Mutex
	LaunchErr error
	handles   map[string][]*FakeHandle
	// ExitImmediately maps a process name to an exit code applied right
	// after launch/respawn, for crash and completion scenarios.
	ExitImmediately map[string]int
	launchOrder     []string
}

func NewFake() *Fake {
	return &Fake{
		handles:         make(map[string][]*FakeHandle),
		ExitImmediately: make(map[string]int),
	}
}

func (f *Fake) Launch(name, command, cwd string, env []string, onLine func(string)) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LaunchErr != nil {
		return nil, f.LaunchErr
	}
	h := &FakeHandle{
		fake:            f,
		Name:            name,
		Command:         command,
		Cwd:             cwd,
		Env:             env,
		onLine:          onLine,
		ExitOnInterrupt: true,
	}
	if code, ok := f.ExitImmediately[name]; ok {
		h.dead = true
		h.exitCode = code
	}
	f.handles[name] = append(f.handles[name], h)
	f.launchOrder = append(f.launchOrder, name)
	return h, nil
}

// Handle returns the most recently launched handle for name.
func (f *Fake) Handle(name string) *FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.handles[name]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// LaunchOrder lists process names in launch order.
func (f *Fake) LaunchOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launchOrder...)
}

type FakeHandle struct {
	mu      sync.Mutex
	fake    *Fake
	Name    string
	Command string
	Cwd     string
	Env     []string
	onLine  func(string)

	dead     bool
	exitCode int
	closed   bool
	ring     []string

	Interrupts int
	Kills      int
	Respawns   int
	// ExitOnInterrupt makes Interrupt behave like a process honoring SIGINT.
	ExitOnInterrupt bool
	RespawnErr      error
}

// EmitLine simulates one line of process output.
func (h *FakeHandle) EmitLine(line string) {
	h.mu.Lock()
	h.ring = append(h.ring, line)
	cb := h.onLine
	h.mu.Unlock()
	if cb != nil {
		cb(line)
	}
}

// Exit simulates the process terminating with the given code.
func (h *FakeHandle) Exit(code int) {
	h.mu.Lock()
	h.dead = true
	h.exitCode = code
	h.mu.Unlock()
}

func (h *FakeHandle) Interrupt() error {
	h.mu.Lock()
	h.Interrupts++
	auto := h.ExitOnInterrupt && !h.dead
	h.mu.Unlock()
	if auto {
		h.Exit(130)
	}
	return nil
}

func (h *FakeHandle) Kill() error {
	h.mu.Lock()
	h.Kills++
	h.mu.Unlock()
	h.Exit(-1)
	return nil
}

func (h *FakeHandle) Respawn(command string, env []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.RespawnErr != nil {
		return h.RespawnErr
	}
	if h.closed {
		return errors.New("handle destroyed")
	}
	h.Respawns++
	h.Command = command
	h.Env = env
	h.dead = false
	h.exitCode = 0
	if h.fake != nil {
		h.fake.mu.Lock()
		code, ok := h.fake.ExitImmediately[h.Name]
		h.fake.mu.Unlock()
		if ok {
			h.dead = true
			h.exitCode = code
		}
	}
	return nil
}

func (h *FakeHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{Dead: h.dead, ExitCode: h.exitCode}
}

func (h *FakeHandle) CaptureOutput(maxLines int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	lines := h.ring
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}

func (h *FakeHandle) LogPath() string { return "" }

func (h *FakeHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	return nil
}
