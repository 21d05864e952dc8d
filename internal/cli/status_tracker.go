package cli

import (
	stdcontext "context"
	"sync"
	"time"

	"github.com/Paintersrp/warden/internal/api"
	"github.com/Paintersrp/warden/internal/supervisor"
)

const defaultHistorySize = 32

// statusTracker maintains in-memory supervision state from listener hooks.
// Hooks arrive on the supervising goroutine while Status is called from HTTP
// handlers, so every access goes through mu.
type statusTracker struct {
	mu sync.RWMutex

	process string
	command string
	// budget is the remaining restart budget; negative means unlimited.
	budget int
	now    func() time.Time

	state       api.State
	healthy     bool
	pid         int
	attempt     int
	restarts    int
	rounds      int
	startedAt   time.Time
	lastFailure string

	checks      map[string]*api.CheckReport
	checkOrder  []string
	history     []api.Transition
	historySize int
}

func newStatusTracker(process, command string, budget int) *statusTracker {
	return &statusTracker{
		process:     process,
		command:     command,
		budget:      budget,
		now:         time.Now,
		state:       api.StatePending,
		checks:      make(map[string]*api.CheckReport),
		historySize: defaultHistorySize,
	}
}

func (t *statusTracker) record(typ supervisor.EventType, check, message string) {
	t.history = append(t.history, api.Transition{
		Timestamp: t.now(),
		Type:      string(typ),
		Check:     check,
		Message:   message,
	})
	if over := len(t.history) - t.historySize; over > 0 {
		t.history = append(t.history[:0], t.history[over:]...)
	}
}

func (t *statusTracker) check(name string) *api.CheckReport {
	report := t.checks[name]
	if report == nil {
		report = &api.CheckReport{Name: name}
		t.checks[name] = report
		t.checkOrder = append(t.checkOrder, name)
	}
	return report
}

func (t *statusTracker) OnLaunch(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pid = pid
	t.attempt++
	t.startedAt = t.now()
	t.state = api.StateRunning
	t.healthy = false
	t.record(supervisor.EventTypeLaunched, "", "process launched")
}

func (t *statusTracker) OnTestRoundStart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rounds++
}

func (t *statusTracker) OnTestOK(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	report := t.check(name)
	report.OK = true
	report.Passes++
	report.LastCheck = t.now()
}

func (t *statusTracker) OnTestError(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	report := t.check(name)
	report.OK = false
	report.Failures++
	report.LastCheck = t.now()
	t.state = api.StateUnhealthy
	t.healthy = false
	t.lastFailure = name
	t.record(supervisor.EventTypeTestError, name, "check failed")
}

func (t *statusTracker) OnAllTestsPassing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != api.StateHealthy {
		t.record(supervisor.EventTypeTestsPassing, "", "all checks passing")
	}
	t.state = api.StateHealthy
	t.healthy = true
}

func (t *statusTracker) OnRestart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restarts++
	if t.budget > 0 {
		t.budget--
	}
	t.record(supervisor.EventTypeRestart, "", "restarting process")
}

func (t *statusTracker) OnNoRestart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = api.StateStopped
	t.healthy = false
	t.pid = 0
	t.record(supervisor.EventTypeNoRestart, "", "restart budget exhausted")
}

// Status returns a snapshot of the tracked state.
func (t *statusTracker) Status(stdcontext.Context) (*api.StatusReport, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.attempt == 0 {
		return nil, api.ErrNotStarted
	}

	report := &api.StatusReport{
		Process:       t.process,
		Command:       t.command,
		Version:       version,
		GeneratedAt:   t.now(),
		State:         t.state,
		Healthy:       t.healthy,
		Pid:           t.pid,
		Attempt:       t.attempt,
		Restarts:      t.restarts,
		RestartBudget: t.budget,
		StartedAt:     t.startedAt,
		Rounds:        t.rounds,
		LastFailure:   t.lastFailure,
		Checks:        make([]api.CheckReport, 0, len(t.checkOrder)),
		History:       append([]api.Transition(nil), t.history...),
	}
	for _, name := range t.checkOrder {
		report.Checks = append(report.Checks, *t.checks[name])
	}
	return report, nil
}

var (
	_ supervisor.Listener       = (*statusTracker)(nil)
	_ supervisor.LaunchListener = (*statusTracker)(nil)
	_ api.Controller            = (*statusTracker)(nil)
)
