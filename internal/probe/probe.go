package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/runtime"
	"github.com/Paintersrp/warden/internal/supervisor"
)

// Prober performs a single health probe against the supervised process.
type Prober interface {
	Probe(ctx context.Context, h runtime.Handle) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, h runtime.Handle) error

func (f ProberFunc) Probe(ctx context.Context, h runtime.Handle) error {
	return f(ctx, h)
}

// Running returns a prober that passes while the process has not exited.
func Running() Prober {
	return ProberFunc(checkRunning)
}

// New constructs the prober described by spec. Relative command probes run in
// dir.
func New(spec *config.CheckSpec, dir string) (Prober, error) {
	if spec == nil {
		return nil, errors.New("probe: missing configuration")
	}
	switch spec.Kind() {
	case "running":
		return Running(), nil
	case "http":
		return newHTTPProber(spec.HTTP), nil
	case "tcp":
		return newTCPProber(spec.TCP)
	case "cmd":
		return newCommandProber(spec.Command, dir)
	case "file":
		return newFileProber(spec.File), nil
	case "":
		if len(spec.Kinds()) > 1 {
			return nil, fmt.Errorf("probe: check %q defines multiple kinds", spec.Name)
		}
		return nil, fmt.Errorf("probe: check %q has no kind configured", spec.Name)
	default:
		return nil, fmt.Errorf("probe: unsupported kind %q", spec.Kind())
	}
}

// Options tunes how a prober is turned into a supervisor predicate.
type Options struct {
	// Timeout bounds each probe attempt. Zero disables the timeout.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures required before
	// the predicate reports the process unhealthy. Values below one mean one.
	FailureThreshold int
	// Logger receives failure reasons. Nil discards them.
	Logger supervisor.Logger
	// Observe, when set, is called after every attempt.
	Observe func(d time.Duration, err error)
}

// Predicate adapts p to a supervisor predicate named name. The failure
// threshold counter starts over whenever a new process instance is observed.
func Predicate(name string, p Prober, opts Options) supervisor.Predicate {
	threshold := opts.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}

	var (
		failures int
		last     runtime.Handle
	)
	return func(h runtime.Handle) bool {
		if h != last {
			last = h
			failures = 0
		}

		ctx := context.Background()
		cancel := func() {}
		if opts.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		start := time.Now()
		err := p.Probe(ctx, h)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timeout after %s", opts.Timeout)
		}
		cancel()

		if opts.Observe != nil {
			opts.Observe(time.Since(start), err)
		}

		if err == nil {
			failures = 0
			return true
		}

		failures++
		if opts.Logger != nil {
			opts.Logger.Warn("health check failed",
				"check", name,
				"reason", err.Error(),
				"failures", failures,
				"threshold", threshold,
			)
		}
		if failures < threshold {
			return true
		}
		failures = 0
		return false
	}
}
