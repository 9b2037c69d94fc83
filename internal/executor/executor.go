// Package executor runs service commands and exposes their output and exit
// status. The supervisor is agnostic to the implementation: the production
// executor runs OS processes, tests use the scriptable fake.
package executor

// Status is a point-in-time view of the underlying command.
type Status struct {
	Dead     bool
	ExitCode int
}

// Handle is one live output stream. Respawn reissues a command on the same
// stream, so restarts keep the history visible to subscribers.
type Handle interface {
	// Interrupt asks the command to stop gracefully.
	Interrupt() error
	// Kill terminates the command immediately.
	Kill() error
	// Respawn runs a new command on this handle, reusing its output stream.
	Respawn(command string, env []string) error
	// Status reports whether the command has exited and with which code.
	Status() Status
	// CaptureOutput returns up to maxLines of the most recent output.
	CaptureOutput(maxLines int) string
	// LogPath is the on-disk log file, empty when logging is disabled.
	LogPath() string
	// Close releases the handle's resources. The command must be dead.
	Close() error
}

// Executor launches commands. onLine is invoked for every combined
// stdout/stderr line, in order, and survives Respawn.
type Executor interface {
	Launch(name, command, cwd string, env []string, onLine func(string)) (Handle, error)
}
