package runtime

import (
	"context"
	"io"
	"time"
)

// StartSpec describes the process a runtime should launch.
type StartSpec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Workdir string

	// Stdout and Stderr receive the child's output. Nil writers inherit the
	// supervisor's own streams.
	Stdout io.Writer
	Stderr io.Writer

	// StopTimeout is how long Terminate waits after a graceful signal before
	// forcing the process down. Zero kills immediately.
	StopTimeout time.Duration
}

// Clone returns a deep copy of the spec so callers can hand it to a runtime
// without sharing slices or maps.
func (s StartSpec) Clone() StartSpec {
	cp := s
	if len(s.Args) > 0 {
		cp.Args = append([]string(nil), s.Args...)
	}
	if len(s.Env) > 0 {
		cp.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			cp.Env[k] = v
		}
	}
	return cp
}

// Handle represents a single launched process owned by a supervisor.
type Handle interface {
	// Pid returns the operating system process identifier.
	Pid() int

	// Running reports whether the process has not exited yet. It never
	// blocks.
	Running() bool

	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}

	// ExitErr returns the error reported by the process exit. It is only
	// meaningful once Done has been closed.
	ExitErr() error

	// Terminate stops the process. Terminating a process that already exited
	// returns nil.
	Terminate(ctx context.Context) error
}

// Runtime describes a backend capable of launching processes.
type Runtime interface {
	// Start launches the process described by spec. Implementations must
	// return an error when the process could not be started at all.
	Start(ctx context.Context, spec StartSpec) (Handle, error)
}
