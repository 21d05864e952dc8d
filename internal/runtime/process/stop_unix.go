//go:build !windows

package process

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

func (p *processInstance) Terminate(ctx context.Context) error {
	if p.cmd.Process == nil || !p.Running() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if p.stopTimeout > 0 {
		// Attempt a graceful shutdown first.
		if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("signal process group %s: %w", p.name, err)
		}

		timer := time.NewTimer(p.stopTimeout)
		defer timer.Stop()
		select {
		case <-p.waitDone:
			return p.exitError()
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %s: %w", p.name, err)
	}
	select {
	case <-p.waitDone:
		return p.exitError()
	case <-ctx.Done():
		return ctx.Err()
	}
}
