//go:build windows

package porttool

import (
	"fmt"
	"os"
)

// Terminate kills the process owning a contested port. Windows has no
// graceful TERM, so this goes straight to Kill.
func Terminate(pid int32) error {
	p, err := os.FindProcess(int(pid))
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}
