package probe

import (
	"context"
	"errors"
	"fmt"

	"github.com/Paintersrp/warden/internal/runtime"
)

func checkRunning(_ context.Context, h runtime.Handle) error {
	if h == nil {
		return errors.New("no process")
	}
	if h.Running() {
		return nil
	}
	if err := h.ExitErr(); err != nil {
		return fmt.Errorf("process %d exited: %w", h.Pid(), err)
	}
	return fmt.Errorf("process %d exited", h.Pid())
}
