package metrics

import (
	"time"

	"github.com/Paintersrp/warden/internal/supervisor"
)

// Listener feeds supervision hooks into the process metrics.
type Listener struct {
	process string
}

// NewListener returns a listener recording metrics under the process label.
func NewListener(process string) *Listener {
	return &Listener{process: process}
}

func (l *Listener) OnLaunch(int) {
	IncrementLaunch(l.process)
	SetProcessHealthy(l.process, false)
}

func (l *Listener) OnTestRoundStart() {
	IncrementTestRound(l.process)
}

func (l *Listener) OnTestOK(name string) {
	RecordTestResult(l.process, name, true)
}

func (l *Listener) OnTestError(name string) {
	RecordTestResult(l.process, name, false)
	SetProcessHealthy(l.process, false)
}

func (l *Listener) OnAllTestsPassing() {
	SetProcessHealthy(l.process, true)
}

func (l *Listener) OnRestart() {
	IncrementRestart(l.process)
}

func (l *Listener) OnNoRestart() {
	SetProcessHealthy(l.process, false)
	SetBudgetExhausted(l.process)
}

// CheckObserver returns a callback recording latency for the named check,
// suitable for probe.Options.Observe.
func (l *Listener) CheckObserver(check string) func(time.Duration, error) {
	return func(d time.Duration, _ error) {
		ObserveCheckLatency(l.process, check, d)
	}
}

var (
	_ supervisor.Listener       = (*Listener)(nil)
	_ supervisor.LaunchListener = (*Listener)(nil)
)
