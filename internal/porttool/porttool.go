// Package porttool answers "who owns this port", evicts the owner when asked,
// and verifies that a port actually accepts TCP connections.
package porttool

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"
)

// PIDForPort returns the PID of the process listening on the given TCP port,
// or 0 when the port is free.
func PIDForPort(port int) (int32, error) {
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return 0, fmt.Errorf("list tcp connections: %w", err)
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && int(c.Laddr.Port) == port {
			return c.Pid, nil
		}
	}
	return 0, nil
}

// Verifier checks that a TCP port accepts connections, retrying with
// exponential backoff. Dial and Sleep are injectable for tests.
type Verifier struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Timeout   time.Duration
	Dial      func(network, addr string, timeout time.Duration) (net.Conn, error)
	Sleep     func(ctx context.Context, d time.Duration) bool
}

// NewVerifier returns a Verifier with the standard backoff window: 10
// attempts starting at 100ms, capped at 2s per wait.
func NewVerifier() *Verifier {
	return &Verifier{
		Attempts:  10,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  2 * time.Second,
		Timeout:   time.Second,
	}
}

// Verify attempts a TCP connection to localhost then 127.0.0.1 until one
// succeeds or the attempt budget is exhausted.
func (v *Verifier) Verify(ctx context.Context, port int) error {
	dial := v.Dial
	if dial == nil {
		dial = net.DialTimeout
	}
	sleep := v.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) bool {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return true
			case <-ctx.Done():
				return false
			}
		}
	}
	delay := v.BaseDelay
	addrPort := strconv.Itoa(port)
	for attempt := 0; attempt < v.Attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, host := range []string{"localhost", "127.0.0.1"} {
			conn, err := dial("tcp", net.JoinHostPort(host, addrPort), v.Timeout)
			if err == nil {
				_ = conn.Close()
				return nil
			}
		}
		if attempt == v.Attempts-1 {
			break
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
		if delay > v.MaxDelay {
			delay = v.MaxDelay
		}
	}
	return fmt.Errorf("port %d not reachable after %d attempts", port, v.Attempts)
}
