package executor

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/devrig/devrig/internal/logger"
)

const ringSize = 500

// OS runs commands as real processes in their own process group, merging
// stdout and stderr into one line stream that is teed to a rotating log file.
type OS struct {
	Logs logger.Config
}

func NewOS(logs logger.Config) *OS { return &OS{Logs: logs} }

func (e *OS) Launch(name, command, cwd string, env []string, onLine func(string)) (Handle, error) {
	logW, logPath := e.Logs.Writer(name)
	h := &osHandle{
		name:    name,
		cwd:     cwd,
		onLine:  onLine,
		logW:    logW,
		logPath: logPath,
	}
	if err := h.spawn(command, env); err != nil {
		if logW != nil {
			_ = logW.Close()
		}
		return nil, fmt.Errorf("launch %s: %w", name, err)
	}
	return h, nil
}

type osHandle struct {
	mu       sync.Mutex
	name     string
	cwd      string
	onLine   func(string)
	logW     io.WriteCloser
	logPath  string
	ring     []string
	cmd      *exec.Cmd
	dead     bool
	exitCode int
	waitDone chan struct{}
}

func (h *osHandle) spawn(command string, env []string) error {
	cmd := buildCommand(command)
	if h.cwd != "" {
		cmd.Dir = h.cwd
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	setProcGroup(cmd)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		return err
	}
	h.mu.Lock()
	h.cmd = cmd
	h.dead = false
	h.exitCode = 0
	h.waitDone = make(chan struct{})
	wd := h.waitDone
	h.mu.Unlock()

	go h.scan(pr)
	go func() {
		err := cmd.Wait()
		code := exitCodeOf(cmd, err)
		_ = pw.Close()
		h.mu.Lock()
		h.dead = true
		h.exitCode = code
		h.mu.Unlock()
		close(wd)
	}()
	return nil
}

func (h *osHandle) scan(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		h.mu.Lock()
		h.ring = append(h.ring, line)
		if len(h.ring) > ringSize {
			h.ring = h.ring[len(h.ring)-ringSize:]
		}
		w := h.logW
		h.mu.Unlock()
		if w != nil {
			_, _ = w.Write([]byte(line + "\n"))
		}
		if h.onLine != nil {
			h.onLine(line)
		}
	}
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func (h *osHandle) Interrupt() error {
	h.mu.Lock()
	cmd := h.cmd
	dead := h.dead
	h.mu.Unlock()
	if dead || cmd == nil || cmd.Process == nil {
		return nil
	}
	return interruptProcess(cmd)
}

func (h *osHandle) Kill() error {
	h.mu.Lock()
	cmd := h.cmd
	dead := h.dead
	wd := h.waitDone
	h.mu.Unlock()
	if dead || cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := killProcess(cmd); err != nil {
		return err
	}
	if wd != nil {
		select {
		case <-wd:
		case <-time.After(200 * time.Millisecond):
			// best-effort reap
		}
	}
	return nil
}

func (h *osHandle) Respawn(command string, env []string) error {
	h.mu.Lock()
	dead := h.dead
	h.mu.Unlock()
	if !dead {
		if err := h.Kill(); err != nil {
			return err
		}
	}
	return h.spawn(command, env)
}

func (h *osHandle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{Dead: h.dead, ExitCode: h.exitCode}
}

func (h *osHandle) CaptureOutput(maxLines int) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	lines := h.ring
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}

func (h *osHandle) LogPath() string { return h.logPath }

func (h *osHandle) Close() error {
	h.mu.Lock()
	w := h.logW
	h.logW = nil
	h.mu.Unlock()
	if w != nil {
		return w.Close()
	}
	return nil
}
