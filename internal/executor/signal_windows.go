//go:build windows

package executor

import "os/exec"

func setProcGroup(cmd *exec.Cmd) {}

// Windows has no interruptible process groups; both paths terminate.
func interruptProcess(cmd *exec.Cmd) error { return cmd.Process.Kill() }

func killProcess(cmd *exec.Cmd) error { return cmd.Process.Kill() }
