package supervisor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devrig/devrig/internal/config"
	"github.com/devrig/devrig/internal/envctx"
	"github.com/devrig/devrig/internal/executor"
	"github.com/devrig/devrig/internal/porttool"
	"github.com/devrig/devrig/internal/resolver"
)

func testSettings() config.Settings {
	return config.Settings{
		HealthCheckInterval: 10 * time.Millisecond,
		DependencyTimeout:   time.Second,
		RestartBackoffMax:   50 * time.Millisecond,
		StopTimeout:         200 * time.Millisecond,
	}
}

func newTestManaged(t *testing.T, cfg config.ProcessConfig) (*Managed, *executor.Fake, *envctx.Context) {
	t.Helper()
	if cfg.RestartPolicy == "" {
		cfg.RestartPolicy = config.RestartOnFailure
	}
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = config.DefaultMaxRestarts
	}
	fake := executor.NewFake()
	env := envctx.New()
	rc := resolver.Resolved{ProcessConfig: cfg, ResolvedCwd: t.TempDir()}
	m, err := NewManaged(rc, env, fake, NewBus(), nil, testSettings())
	require.NoError(t, err)
	// instant, always-successful port verification unless a test overrides it
	m.verifier = &porttool.Verifier{
		Attempts: 1,
		Dial: func(network, addr string, timeout time.Duration) (net.Conn, error) {
			return nil, errors.New("refused")
		},
		Sleep: func(ctx context.Context, d time.Duration) bool { return true },
	}
	m.lookupPort = func(port int) (int32, error) { return 0, nil }
	m.terminate = func(pid int32) error { return nil }
	return m, fake, env
}

func okDialVerifier() *porttool.Verifier {
	return &porttool.Verifier{
		Attempts: 1,
		Dial: func(network, addr string, timeout time.Duration) (net.Conn, error) {
			c, s := net.Pipe()
			go func() { _ = s.Close() }()
			return c, nil
		},
		Sleep: func(ctx context.Context, d time.Duration) bool { return true },
	}
}

func waitStatus(t *testing.T, m *Managed, want Status) State {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st := m.State()
		if st.Status == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("process %s never reached %s (now %s)", m.cfg.Name, want, m.State().Status)
	return State{}
}

func TestStartReadyWithoutRequirements(t *testing.T) {
	m, fake, _ := newTestManaged(t, config.ProcessConfig{Name: "a", Command: "run"})
	require.NoError(t, m.Start(context.Background(), nil))
	waitStatus(t, m, StatusReady)
	require.NotNil(t, fake.Handle("a"))
}

func TestStartRejectsDoubleStart(t *testing.T) {
	m, _, _ := newTestManaged(t, config.ProcessConfig{Name: "a", Command: "run"})
	require.NoError(t, m.Start(context.Background(), nil))
	waitStatus(t, m, StatusReady)
	require.Error(t, m.Start(context.Background(), nil))
}

func TestConcurrentStartLaunchesOnce(t *testing.T) {
	m, fake, _ := newTestManaged(t, config.ProcessConfig{Name: "a", Command: "run", Port: 8080})
	m.verifier = okDialVerifier()

	inspecting := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m.lookupPort = func(port int) (int32, error) {
		once.Do(func() { close(inspecting) })
		<-release
		return 0, nil
	}

	first := make(chan error, 1)
	go func() { first <- m.Start(context.Background(), nil) }()
	<-inspecting

	// the second caller must fail while the first is still inspecting the port
	require.Error(t, m.Start(context.Background(), nil))
	close(release)
	require.NoError(t, <-first)
	waitStatus(t, m, StatusReady)
	require.Equal(t, []string{"a"}, fake.LaunchOrder())
}

func TestStartRollsBackOnPortConflict(t *testing.T) {
	m, fake, _ := newTestManaged(t, config.ProcessConfig{Name: "a", Command: "run", Port: 8080})
	m.verifier = okDialVerifier()
	occupied := true
	m.lookupPort = func(port int) (int32, error) {
		if occupied {
			return 4242, nil
		}
		return 0, nil
	}

	var pce *PortConflictError
	require.ErrorAs(t, m.Start(context.Background(), nil), &pce)
	require.Equal(t, StatusPending, m.State().Status)
	require.Nil(t, fake.Handle("a"))

	occupied = false
	require.NoError(t, m.Start(context.Background(), nil))
	waitStatus(t, m, StatusReady)
	require.NotNil(t, fake.Handle("a"))
}

func TestStartRejectsUnsafeExtraArgs(t *testing.T) {
	m, fake, _ := newTestManaged(t, config.ProcessConfig{Name: "a", Command: "run"})
	err := m.Start(context.Background(), nil, "--flag; rm -rf /")
	require.ErrorIs(t, err, ErrUnsafeArgument)
	require.Nil(t, fake.Handle("a"))
}

func TestExitClassification(t *testing.T) {
	cases := []struct {
		name   string
		policy config.RestartPolicy
		code   int
		want   Status
	}{
		{"never-zero-completes", config.RestartNever, 0, StatusCompleted},
		{"never-nonzero-crashes", config.RestartNever, 1, StatusCrashed},
		{"onfailure-zero-stops", config.RestartOnFailure, 0, StatusStopped},
		{"onfailure-nonzero-crashes", config.RestartOnFailure, 2, StatusCrashed},
		{"always-zero-crashes", config.RestartAlways, 0, StatusCrashed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, fake, _ := newTestManaged(t, config.ProcessConfig{Name: "p", Command: "run", RestartPolicy: tc.policy})
			require.NoError(t, m.Start(context.Background(), nil))
			if tc.policy != config.RestartNever {
				waitStatus(t, m, StatusReady)
			}
			fake.Handle("p").Exit(tc.code)
			st := waitStatus(t, m, tc.want)
			require.Equal(t, tc.code, st.ExitCode)
			if tc.want == StatusCrashed {
				require.NotEmpty(t, st.Err)
			}
		})
	}
}

func TestCompletedPublishesReadyForDependents(t *testing.T) {
	m, fake, _ := newTestManaged(t, config.ProcessConfig{Name: "mig", Command: "migrate", RestartPolicy: config.RestartNever})
	events, cancel := m.bus.Subscribe()
	defer cancel()
	require.NoError(t, m.Start(context.Background(), nil))
	fake.Handle("mig").Exit(0)
	waitStatus(t, m, StatusCompleted)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == EventReady && e.Process == "mig" {
				return
			}
		case <-deadline:
			t.Fatal("no ready event for completed process")
		}
	}
}

func TestReadinessViaReadyVars(t *testing.T) {
	m, fake, env := newTestManaged(t, config.ProcessConfig{
		Name:       "api",
		Command:    "run",
		StdoutVars: map[string]string{"token": `token=(\w+)`},
		ReadyVars:  []string{"token"},
	})
	require.NoError(t, m.Start(context.Background(), nil))
	waitStatus(t, m, StatusRunning)
	require.NotEqual(t, StatusReady, m.State().Status)

	fake.Handle("api").EmitLine("boot token=s3cr3t done")
	waitStatus(t, m, StatusReady)
	v, ok := env.Export("api", "token")
	require.True(t, ok)
	require.Equal(t, "s3cr3t", v)
}

func TestFixedPortReadiness(t *testing.T) {
	m, _, env := newTestManaged(t, config.ProcessConfig{Name: "db", Command: "run", Port: 5432})
	m.verifier = okDialVerifier()
	require.NoError(t, m.Start(context.Background(), nil))
	st := waitStatus(t, m, StatusReady)
	require.Equal(t, 5432, st.Port)
	v, ok := env.Export("db", "port")
	require.True(t, ok)
	require.Equal(t, "5432", v)
}

func TestScannedPortReadiness(t *testing.T) {
	m, fake, env := newTestManaged(t, config.ProcessConfig{Name: "web", Command: "run"})
	m.verifier = okDialVerifier()
	require.NoError(t, m.Start(context.Background(), nil))
	// nothing to wait for yet, so the process is ready on running
	waitStatus(t, m, StatusReady)

	fake.Handle("web").EmitLine("Server listening on port 5173")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := env.Port("web"); ok && p == 5173 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	st := m.State()
	require.Equal(t, 5173, st.Port)
}

func TestURLScanUpdatesPortAndExports(t *testing.T) {
	m, fake, env := newTestManaged(t, config.ProcessConfig{
		Name:      "web",
		Command:   "run",
		ReadyVars: []string{"url"},
	})
	m.verifier = okDialVerifier()
	require.NoError(t, m.Start(context.Background(), nil))
	fake.Handle("web").EmitLine("Local dev server running at http://localhost:5173/")
	st := waitStatus(t, m, StatusReady)
	require.Equal(t, "http://localhost:5173/", st.URL)
	require.Equal(t, 5173, st.Port)
	_, ok := env.Export("web", "url")
	require.True(t, ok)
}

func TestPortConflictWithoutForce(t *testing.T) {
	m, fake, _ := newTestManaged(t, config.ProcessConfig{Name: "db", Command: "run", Port: 5432})
	m.lookupPort = func(port int) (int32, error) { return 4242, nil }
	err := m.Start(context.Background(), nil)
	var pce *PortConflictError
	require.True(t, errors.As(err, &pce))
	require.Equal(t, 5432, pce.Port)
	require.Equal(t, int32(4242), pce.PID)
	require.Nil(t, fake.Handle("db"))
}

func TestPortConflictForceEvictsOccupant(t *testing.T) {
	m, fake, _ := newTestManaged(t, config.ProcessConfig{Name: "db", Command: "run", Port: 5432, Force: true})
	m.verifier = okDialVerifier()
	var killed int32
	m.lookupPort = func(port int) (int32, error) { return 4242, nil }
	m.terminate = func(pid int32) error {
		killed = pid
		return nil
	}
	require.NoError(t, m.Start(context.Background(), nil))
	require.Equal(t, int32(4242), killed)
	require.NotNil(t, fake.Handle("db"))
}

func TestStopInterruptsThenEscalates(t *testing.T) {
	m, fake, _ := newTestManaged(t, config.ProcessConfig{Name: "a", Command: "run"})
	require.NoError(t, m.Start(context.Background(), nil))
	waitStatus(t, m, StatusReady)

	h := fake.Handle("a")
	require.NoError(t, m.Stop(200*time.Millisecond))
	require.Equal(t, 1, h.Interrupts)
	require.Equal(t, 0, h.Kills)
	require.Equal(t, StatusStopped, m.State().Status)
}

func TestStopKillsStubbornProcess(t *testing.T) {
	m, fake, _ := newTestManaged(t, config.ProcessConfig{Name: "a", Command: "run"})
	require.NoError(t, m.Start(context.Background(), nil))
	waitStatus(t, m, StatusReady)

	h := fake.Handle("a")
	h.ExitOnInterrupt = false
	require.NoError(t, m.Stop(100*time.Millisecond))
	require.Equal(t, 1, h.Interrupts)
	require.Equal(t, 1, h.Kills)
}

func TestRestartReusesHandle(t *testing.T) {
	m, fake, _ := newTestManaged(t, config.ProcessConfig{Name: "a", Command: "run"})
	require.NoError(t, m.Start(context.Background(), nil))
	waitStatus(t, m, StatusReady)

	require.NoError(t, m.Restart(context.Background()))
	st := waitStatus(t, m, StatusReady)
	require.Equal(t, 1, st.Restarts)
	require.False(t, st.LastRestart.IsZero())
	require.Equal(t, 1, fake.Handle("a").Respawns)
}

func TestStaleVerificationIsDiscarded(t *testing.T) {
	m, fake, env := newTestManaged(t, config.ProcessConfig{Name: "a", Command: "run"})
	require.NoError(t, m.Start(context.Background(), nil))
	waitStatus(t, m, StatusReady)

	m.mu.Lock()
	oldSeq := m.seq
	m.mu.Unlock()

	require.NoError(t, m.Stop(50*time.Millisecond))
	require.NoError(t, m.Start(context.Background(), nil))
	waitStatus(t, m, StatusReady)
	require.NotNil(t, fake.Handle("a"))

	// verification belonging to the old run must not touch the new run
	m.verifier = okDialVerifier()
	m.verifyPort(oldSeq, 9999)

	_, ok := env.Export("a", "port")
	require.False(t, ok)
	require.NotEqual(t, 9999, m.State().Port)
}

func TestHealthCheckGatesReadiness(t *testing.T) {
	healthy := make(chan bool, 1)
	healthy <- false
	var serveHealthy bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case serveHealthy = <-healthy:
		default:
		}
		if serveHealthy {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, _, _ := newTestManaged(t, config.ProcessConfig{Name: "api", Command: "run", HealthCheck: srv.URL})
	require.NoError(t, m.Start(context.Background(), nil))
	waitStatus(t, m, StatusRunning)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StatusRunning, m.State().Status)

	healthy <- true
	st := waitStatus(t, m, StatusReady)
	require.NotNil(t, st.Healthy)
	require.True(t, *st.Healthy)
}

func TestUnhealthyProbeDemotesReady(t *testing.T) {
	healthy := make(chan bool, 1)
	healthy <- true
	var serveHealthy bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case serveHealthy = <-healthy:
		default:
		}
		if serveHealthy {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, _, _ := newTestManaged(t, config.ProcessConfig{Name: "api", Command: "run", HealthCheck: srv.URL})
	require.NoError(t, m.Start(context.Background(), nil))
	waitStatus(t, m, StatusReady)

	healthy <- false
	st := waitStatus(t, m, StatusRunning)
	require.NotNil(t, st.Healthy)
	require.False(t, *st.Healthy)

	healthy <- true
	waitStatus(t, m, StatusReady)
}

func TestStopCancelsPortVerification(t *testing.T) {
	m, _, _ := newTestManaged(t, config.ProcessConfig{Name: "a", Command: "run", Port: 9000})
	dialed := make(chan struct{}, 64)
	m.verifier = &porttool.Verifier{
		Attempts:  1000,
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
		Dial: func(network, addr string, timeout time.Duration) (net.Conn, error) {
			select {
			case dialed <- struct{}{}:
			default:
			}
			return nil, errors.New("refused")
		},
		Sleep: func(ctx context.Context, d time.Duration) bool {
			tm := time.NewTimer(d)
			defer tm.Stop()
			select {
			case <-tm.C:
				return true
			case <-ctx.Done():
				return false
			}
		},
	}
	require.NoError(t, m.Start(context.Background(), nil))
	<-dialed
	require.NoError(t, m.Stop(50*time.Millisecond))

	// let the attempt that was in flight finish, then expect silence
	time.Sleep(20 * time.Millisecond)
	for drained := false; !drained; {
		select {
		case <-dialed:
		default:
			drained = true
		}
	}
	select {
	case <-dialed:
		t.Fatal("verifier kept dialing after stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEnvLayering(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "svc.env")
	require.NoError(t, os.WriteFile(envFile, []byte("FROM_FILE=yes\nLAYERED=file\n"), 0o644))

	m, fake, _ := newTestManaged(t, config.ProcessConfig{
		Name:    "api",
		Command: "run",
		Port:    1234,
		EnvFile: envFile,
		Env:     []string{"LAYERED=cfg", "ADDR=:${PORT}"},
	})
	m.verifier = okDialVerifier()
	require.NoError(t, m.Start(context.Background(), []string{"FROM_BASE=1"}))

	got := map[string]string{}
	for _, kv := range fake.Handle("api").Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			got[kv[:i]] = kv[i+1:]
		}
	}
	require.Equal(t, "yes", got["FROM_FILE"])
	require.Equal(t, "1", got["FROM_BASE"])
	require.Equal(t, "1234", got["PORT"])
	// configured env wins over the env file and sees earlier layers
	require.Equal(t, "cfg", got["LAYERED"])
	require.Equal(t, ":1234", got["ADDR"])
}

func TestRejectsUnsafePatternAtConstruction(t *testing.T) {
	fake := executor.NewFake()
	rc := resolver.Resolved{ProcessConfig: config.ProcessConfig{
		Name:       "a",
		Command:    "run",
		StdoutVars: map[string]string{"bad": `(a+)+`},
	}}
	_, err := NewManaged(rc, envctx.New(), fake, NewBus(), nil, testSettings())
	require.Error(t, err)
}
