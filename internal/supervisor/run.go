package supervisor

import (
	"context"

	"github.com/Paintersrp/warden/internal/runtime"
)

// Decision is the outcome of a failed health check round.
type Decision int

const (
	// Restart grants another spawn cycle and consumes one unit of budget.
	Restart Decision = iota
	// NoRestart stops supervision; Run returns nil.
	NoRestart
)

func (d Decision) String() string {
	switch d {
	case Restart:
		return "restart"
	case NoRestart:
		return "no_restart"
	default:
		return "unknown"
	}
}

// Run launches the process and supervises it until the restart budget is
// exhausted, in which case it returns nil. A launch failure is returned as a
// *LaunchError without retrying. Cancelling ctx terminates the live process
// and returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		instance, err := s.launch(ctx)
		if err != nil {
			return err
		}

		decision, err := s.testLoop(ctx, instance)
		if err != nil {
			return err
		}
		if decision == NoRestart {
			s.logger.Info("supervision stopped", "name", s.Name())
			return nil
		}
	}
}

func (s *Supervisor) launch(ctx context.Context) (runtime.Handle, error) {
	s.logger.Debug("launching process", "name", s.Name(), "command", s.command)
	instance, err := s.runtime.Start(ctx, s.startSpec())
	if err != nil {
		return nil, &LaunchError{Command: s.command, Err: err}
	}
	s.logger.Debug("process launched", "name", s.Name(), "pid", instance.Pid())
	s.listeners.OnLaunch(instance.Pid())
	return instance, nil
}

// testLoop evaluates health checks against instance every check interval
// until a round fails, then decides whether the process gets relaunched.
func (s *Supervisor) testLoop(ctx context.Context, instance runtime.Handle) (Decision, error) {
	for {
		if err := s.sleep(ctx, s.checkInterval); err != nil {
			s.terminate(instance)
			return NoRestart, err
		}

		s.listeners.OnTestRoundStart()

		if s.evaluate(instance) {
			s.listeners.OnAllTestsPassing()
			continue
		}

		s.terminate(instance)

		if !s.allowRestart() {
			s.listeners.OnNoRestart()
			return NoRestart, nil
		}

		if err := s.sleep(ctx, s.backoff); err != nil {
			return NoRestart, err
		}
		s.listeners.OnRestart()
		return Restart, nil
	}
}

// evaluate runs the checks in order and stops at the first failure. Checks
// after the failing one are not invoked.
func (s *Supervisor) evaluate(instance runtime.Handle) bool {
	for _, t := range s.tests {
		if !t.check(instance) {
			s.listeners.OnTestError(t.name)
			return false
		}
		s.listeners.OnTestOK(t.name)
	}
	return true
}

// allowRestart consumes one unit of the restart budget when available.
func (s *Supervisor) allowRestart() bool {
	switch {
	case s.restarts < 0:
		return true
	case s.restarts == 0:
		return false
	default:
		s.restarts--
		return true
	}
}

// terminate stops instance on a best-effort basis. The process may already be
// gone, so failures are logged and otherwise ignored.
func (s *Supervisor) terminate(instance runtime.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout+instanceStopTimeout)
	defer cancel()
	if err := instance.Terminate(ctx); err != nil {
		s.logger.Debug("terminate process", "name", s.Name(), "pid", instance.Pid(), "error", err)
	}
}
