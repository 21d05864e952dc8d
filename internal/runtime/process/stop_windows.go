//go:build windows

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
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
		_ = p.cmd.Process.Signal(os.Interrupt)

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

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %s: %w", p.name, err)
	}
	select {
	case <-p.waitDone:
		return p.exitError()
	case <-ctx.Done():
		return ctx.Err()
	}
}
