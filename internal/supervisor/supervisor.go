package supervisor

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/Paintersrp/warden/internal/runtime"
	"github.com/Paintersrp/warden/internal/runtime/process"
)

const (
	// DefaultCheckInterval is the delay between health check rounds.
	DefaultCheckInterval = 30 * time.Second
	// DefaultBackoffTime is the delay between killing and relaunching.
	DefaultBackoffTime = 30 * time.Second

	// Unlimited is the restart budget that never runs out.
	Unlimited = -1

	instanceStopTimeout = 5 * time.Second
)

// Predicate reports whether the supervised process is healthy. It may inspect
// the handle, for example to call its non-blocking liveness check.
type Predicate func(h runtime.Handle) bool

// Logger defines the logging interface used by the supervisor. *slog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type test struct {
	name  string
	check Predicate
}

// Supervisor launches one command and keeps it healthy. Configure it with the
// With* methods before calling Run; a Supervisor is not safe for concurrent
// use and must not be reconfigured while Run is executing.
type Supervisor struct {
	name        string
	command     string
	args        []string
	env         map[string]string
	workdir     string
	stopTimeout time.Duration
	stdout      io.Writer
	stderr      io.Writer

	checkInterval time.Duration
	backoff       time.Duration
	// restarts is the remaining restart budget; negative means unlimited.
	restarts int

	tests     []test
	listeners listenerSet

	runtime runtime.Runtime
	logger  Logger
	sleep   func(context.Context, time.Duration) error
}

// New returns a supervisor for command with default settings: 30s check
// interval, 30s backoff, unlimited restarts and no health checks.
func New(command string, args ...string) *Supervisor {
	s := &Supervisor{
		command:       command,
		checkInterval: DefaultCheckInterval,
		backoff:       DefaultBackoffTime,
		restarts:      Unlimited,
		runtime:       process.New(),
		logger:        noopLogger{},
		sleep:         sleepWithContext,
	}
	return s.WithArgs(args...)
}

// WithArgs replaces the argument list passed to the command.
func (s *Supervisor) WithArgs(args ...string) *Supervisor {
	if len(args) == 0 {
		s.args = nil
		return s
	}
	s.args = append([]string(nil), args...)
	return s
}

// WithEnv adds environment variables on top of the supervisor's own
// environment.
func (s *Supervisor) WithEnv(env map[string]string) *Supervisor {
	if len(env) == 0 {
		return s
	}
	if s.env == nil {
		s.env = make(map[string]string, len(env))
	}
	for k, v := range env {
		s.env[k] = v
	}
	return s
}

// WithWorkdir sets the working directory of the supervised process.
func (s *Supervisor) WithWorkdir(dir string) *Supervisor {
	s.workdir = dir
	return s
}

// WithName sets the label used for events and metrics. It defaults to the
// base name of the command.
func (s *Supervisor) WithName(name string) *Supervisor {
	s.name = name
	return s
}

// WithCheckInterval sets the delay between health check rounds.
func (s *Supervisor) WithCheckInterval(d time.Duration) *Supervisor {
	s.checkInterval = d
	return s
}

// WithBackoffTime sets the delay between terminating a failed process and
// relaunching it.
func (s *Supervisor) WithBackoffTime(d time.Duration) *Supervisor {
	s.backoff = d
	return s
}

// WithRestartBudget permits at most n further restarts. A negative n means
// unlimited restarts.
func (s *Supervisor) WithRestartBudget(n int) *Supervisor {
	if n < 0 {
		n = Unlimited
	}
	s.restarts = n
	return s
}

// WithUnlimitedRestarts removes the restart budget.
func (s *Supervisor) WithUnlimitedRestarts() *Supervisor {
	s.restarts = Unlimited
	return s
}

// WithStopTimeout sets how long termination waits for a graceful exit before
// killing the process. Zero kills immediately.
func (s *Supervisor) WithStopTimeout(d time.Duration) *Supervisor {
	s.stopTimeout = d
	return s
}

// WithOutput redirects the process output streams. Nil writers inherit the
// supervisor's own stdout and stderr.
func (s *Supervisor) WithOutput(stdout, stderr io.Writer) *Supervisor {
	s.stdout = stdout
	s.stderr = stderr
	return s
}

// AddTest appends a named health check. Checks run in the order they were
// added.
func (s *Supervisor) AddTest(name string, check Predicate) *Supervisor {
	s.tests = append(s.tests, test{name: name, check: check})
	return s
}

// WithHooks registers callbacks for any subset of the supervision events.
func (s *Supervisor) WithHooks(h Hooks) *Supervisor {
	return s.WithListener(h)
}

// WithListener registers a listener. Listeners are notified in registration
// order.
func (s *Supervisor) WithListener(l Listener) *Supervisor {
	if l != nil {
		s.listeners = append(s.listeners, l)
	}
	return s
}

// WithRuntime replaces the backend used to launch the process.
func (s *Supervisor) WithRuntime(rt runtime.Runtime) *Supervisor {
	if rt != nil {
		s.runtime = rt
	}
	return s
}

// WithLogger sets the logger used for diagnostics such as swallowed
// termination errors.
func (s *Supervisor) WithLogger(l Logger) *Supervisor {
	if l == nil {
		l = noopLogger{}
	}
	s.logger = l
	return s
}

// Name returns the label used for events and metrics.
func (s *Supervisor) Name() string {
	if s.name != "" {
		return s.name
	}
	return filepath.Base(s.command)
}

// Command returns the command and its arguments.
func (s *Supervisor) Command() (string, []string) {
	return s.command, append([]string(nil), s.args...)
}

// CheckInterval returns the delay between health check rounds.
func (s *Supervisor) CheckInterval() time.Duration { return s.checkInterval }

// BackoffTime returns the delay inserted before each relaunch.
func (s *Supervisor) BackoffTime() time.Duration { return s.backoff }

// RestartBudget returns the remaining number of restarts, or Unlimited.
func (s *Supervisor) RestartBudget() int { return s.restarts }

// Tests returns the registered check names in evaluation order.
func (s *Supervisor) Tests() []string {
	names := make([]string, len(s.tests))
	for i, t := range s.tests {
		names[i] = t.name
	}
	return names
}

func (s *Supervisor) startSpec() runtime.StartSpec {
	spec := runtime.StartSpec{
		Name:        s.Name(),
		Command:     s.command,
		Args:        s.args,
		Env:         s.env,
		Workdir:     s.workdir,
		Stdout:      s.stdout,
		Stderr:      s.stderr,
		StopTimeout: s.stopTimeout,
	}
	return spec.Clone()
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
