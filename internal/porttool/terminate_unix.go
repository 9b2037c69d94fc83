//go:build !windows

package porttool

import (
	"fmt"
	"syscall"
	"time"
)

// Terminate sends SIGTERM to pid, polls for death up to ~1s, escalates to
// SIGKILL if still alive, and fails only if the hard kill itself fails.
func Terminate(pid int32) error {
	p := int(pid)
	if err := syscall.Kill(p, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("signal pid %d: %w", p, err)
	}
	for i := 0; i < 10; i++ {
		time.Sleep(100 * time.Millisecond)
		if syscall.Kill(p, 0) != nil {
			return nil
		}
	}
	if err := syscall.Kill(p, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("kill pid %d: %w", p, err)
	}
	return nil
}
