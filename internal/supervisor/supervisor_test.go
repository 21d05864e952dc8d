package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	stdruntime "runtime"
	"testing"
	"time"

	"github.com/Paintersrp/warden/internal/runtime"
)

type fakeHandle struct {
	pid          int
	terminated   int
	terminateErr error
	done         chan struct{}
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) ExitErr() error { return nil }

func (h *fakeHandle) Terminate(ctx context.Context) error {
	h.terminated++
	if h.terminateErr != nil {
		return h.terminateErr
	}
	if h.Running() {
		close(h.done)
	}
	return nil
}

type fakeRuntime struct {
	err          error
	terminateErr error
	specs        []runtime.StartSpec
	handles      []*fakeHandle
}

func (r *fakeRuntime) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	r.specs = append(r.specs, spec)
	if r.err != nil {
		return nil, r.err
	}
	h := &fakeHandle{
		pid:          100 + len(r.handles),
		terminateErr: r.terminateErr,
		done:         make(chan struct{}),
	}
	r.handles = append(r.handles, h)
	return h, nil
}

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestSupervisor(rt *fakeRuntime) (*Supervisor, *sleepRecorder) {
	rec := &sleepRecorder{}
	sup := New("app", "--flag").WithRuntime(rt)
	sup.sleep = rec.sleep
	return sup, rec
}

// traceHooks records every hook invocation into trace.
func traceHooks(trace *[]string) Hooks {
	return Hooks{
		TestRoundStart:  func() { *trace = append(*trace, "round_start") },
		TestOK:          func(name string) { *trace = append(*trace, "ok:"+name) },
		TestError:       func(name string) { *trace = append(*trace, "error:"+name) },
		AllTestsPassing: func() { *trace = append(*trace, "all_passing") },
		Restart:         func() { *trace = append(*trace, "restart") },
		NoRestart:       func() { *trace = append(*trace, "no_restart") },
	}
}

func alwaysFalse(runtime.Handle) bool { return false }
func alwaysTrue(runtime.Handle) bool  { return true }

func TestNewDefaults(t *testing.T) {
	sup := New("/usr/local/bin/server", "-v")

	if sup.CheckInterval() != 30*time.Second {
		t.Errorf("CheckInterval = %v, want %v", sup.CheckInterval(), 30*time.Second)
	}
	if sup.BackoffTime() != 30*time.Second {
		t.Errorf("BackoffTime = %v, want %v", sup.BackoffTime(), 30*time.Second)
	}
	if sup.RestartBudget() != Unlimited {
		t.Errorf("RestartBudget = %d, want unlimited", sup.RestartBudget())
	}
	if sup.Name() != "server" {
		t.Errorf("Name = %q, want %q", sup.Name(), "server")
	}
	cmd, args := sup.Command()
	if cmd != "/usr/local/bin/server" || !reflect.DeepEqual(args, []string{"-v"}) {
		t.Errorf("Command = %q %v", cmd, args)
	}
	if len(sup.Tests()) != 0 {
		t.Errorf("expected no tests, got %v", sup.Tests())
	}
}

func TestBuilderSettings(t *testing.T) {
	sup := New("worker").
		WithArgs("a", "b").
		WithName("jobs").
		WithCheckInterval(15*time.Second).
		WithBackoffTime(5*time.Second).
		WithRestartBudget(4).
		AddTest("first", alwaysTrue).
		AddTest("second", alwaysFalse)

	if sup.CheckInterval() != 15*time.Second {
		t.Errorf("CheckInterval = %v", sup.CheckInterval())
	}
	if sup.BackoffTime() != 5*time.Second {
		t.Errorf("BackoffTime = %v", sup.BackoffTime())
	}
	if sup.RestartBudget() != 4 {
		t.Errorf("RestartBudget = %d, want 4", sup.RestartBudget())
	}
	if sup.Name() != "jobs" {
		t.Errorf("Name = %q, want jobs", sup.Name())
	}
	if got := sup.Tests(); !reflect.DeepEqual(got, []string{"first", "second"}) {
		t.Errorf("Tests = %v", got)
	}
	if _, args := sup.Command(); !reflect.DeepEqual(args, []string{"a", "b"}) {
		t.Errorf("args = %v", args)
	}

	sup.WithRestartBudget(-7)
	if sup.RestartBudget() != Unlimited {
		t.Errorf("negative budget should mean unlimited, got %d", sup.RestartBudget())
	}
	sup.WithRestartBudget(2).WithUnlimitedRestarts()
	if sup.RestartBudget() != Unlimited {
		t.Errorf("WithUnlimitedRestarts did not clear budget, got %d", sup.RestartBudget())
	}
}

func TestRunPassesStartSpec(t *testing.T) {
	rt := &fakeRuntime{}
	sup, _ := newTestSupervisor(rt)
	var out bytes.Buffer
	sup.WithEnv(map[string]string{"MODE": "test"}).
		WithWorkdir("/srv").
		WithOutput(&out, nil).
		WithStopTimeout(time.Second).
		WithRestartBudget(0).
		AddTest("fail", alwaysFalse)

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rt.specs) != 1 {
		t.Fatalf("expected one launch, got %d", len(rt.specs))
	}
	spec := rt.specs[0]
	if spec.Name != "app" || spec.Command != "app" {
		t.Errorf("unexpected name/command %q %q", spec.Name, spec.Command)
	}
	if !reflect.DeepEqual(spec.Args, []string{"--flag"}) {
		t.Errorf("args = %v", spec.Args)
	}
	if spec.Env["MODE"] != "test" || spec.Workdir != "/srv" || spec.StopTimeout != time.Second {
		t.Errorf("unexpected spec %+v", spec)
	}
	if spec.Stdout != &out || spec.Stderr != nil {
		t.Errorf("output writers not passed through: %v %v", spec.Stdout, spec.Stderr)
	}
}

func TestRunRestartBudget(t *testing.T) {
	for _, budget := range []int{0, 1, 2, 5} {
		t.Run(fmt.Sprintf("budget=%d", budget), func(t *testing.T) {
			rt := &fakeRuntime{}
			sup, _ := newTestSupervisor(rt)

			restarts, noRestarts := 0, 0
			sup.WithRestartBudget(budget).
				AddTest("always-false", alwaysFalse).
				WithHooks(Hooks{
					Restart:   func() { restarts++ },
					NoRestart: func() { noRestarts++ },
				})

			if err := sup.Run(context.Background()); err != nil {
				t.Fatalf("run returned error: %v", err)
			}
			if restarts != budget {
				t.Errorf("restarts = %d, want %d", restarts, budget)
			}
			if noRestarts != 1 {
				t.Errorf("no-restarts = %d, want 1", noRestarts)
			}
			if len(rt.handles) != budget+1 {
				t.Errorf("launches = %d, want %d", len(rt.handles), budget+1)
			}
			for i, h := range rt.handles {
				if h.terminated != 1 {
					t.Errorf("instance %d terminated %d times, want 1", i, h.terminated)
				}
			}
			if sup.RestartBudget() != 0 {
				t.Errorf("remaining budget = %d, want 0", sup.RestartBudget())
			}
		})
	}
}

func TestRunUnlimitedRestarts(t *testing.T) {
	rt := &fakeRuntime{}
	sup, _ := newTestSupervisor(rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const cycles = 25
	restarts := 0
	noRestart := false
	sup.AddTest("always-false", alwaysFalse).WithHooks(Hooks{
		Restart: func() {
			restarts++
			if restarts == cycles {
				cancel()
			}
		},
		NoRestart: func() { noRestart = true },
	})

	err := sup.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if restarts != cycles {
		t.Fatalf("restarts = %d, want %d", restarts, cycles)
	}
	if noRestart {
		t.Fatalf("no-restart hook fired with unlimited budget")
	}
	if sup.RestartBudget() != Unlimited {
		t.Fatalf("unlimited budget was decremented to %d", sup.RestartBudget())
	}
}

func TestRunAlwaysPassing(t *testing.T) {
	rt := &fakeRuntime{}
	sup, rec := newTestSupervisor(rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const rounds = 5
	passing := 0
	var trace []string
	hooks := traceHooks(&trace)
	hooks.AllTestsPassing = func() {
		passing++
		if passing == rounds {
			cancel()
		}
	}
	sup.WithCheckInterval(time.Second).
		WithRestartBudget(3).
		AddTest("healthy", alwaysTrue).
		WithHooks(hooks)

	err := sup.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if passing != rounds {
		t.Fatalf("all-passing fired %d times, want %d", passing, rounds)
	}
	for _, entry := range trace {
		if entry == "restart" || entry == "no_restart" {
			t.Fatalf("unexpected %s hook in trace %v", entry, trace)
		}
	}
	// One sleep per round plus the one interrupted by cancellation.
	if len(rec.delays) != rounds+1 {
		t.Fatalf("sleeps = %d, want %d", len(rec.delays), rounds+1)
	}
	for _, d := range rec.delays {
		if d != time.Second {
			t.Fatalf("unexpected sleep %v, want check interval", d)
		}
	}
	if len(rt.handles) != 1 || rt.handles[0].terminated != 1 {
		t.Fatalf("expected the single instance to be terminated on cancellation")
	}
}

func TestRunShortCircuitsOnFirstFailure(t *testing.T) {
	rt := &fakeRuntime{}
	sup, _ := newTestSupervisor(rt)

	cInvoked := false
	var trace []string
	sup.WithRestartBudget(0).
		AddTest("A", alwaysTrue).
		AddTest("B", alwaysFalse).
		AddTest("C", func(runtime.Handle) bool {
			cInvoked = true
			return true
		}).
		WithHooks(traceHooks(&trace))

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if cInvoked {
		t.Fatalf("check C must not run after B failed")
	}
	want := []string{"round_start", "ok:A", "error:B", "no_restart"}
	if !reflect.DeepEqual(trace, want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
}

func TestRunWithoutTestsKeepsRunning(t *testing.T) {
	rt := &fakeRuntime{}
	sup, _ := newTestSupervisor(rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	passing := 0
	sup.WithHooks(Hooks{AllTestsPassing: func() {
		passing++
		if passing == 3 {
			cancel()
		}
	}})

	if err := sup.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if passing != 3 {
		t.Fatalf("passing rounds = %d, want 3", passing)
	}
}

func TestRunLaunchFailure(t *testing.T) {
	cause := errors.New("exec: no such file")
	rt := &fakeRuntime{err: cause}
	sup, rec := newTestSupervisor(rt)

	var trace []string
	sup.WithRestartBudget(3).AddTest("always-false", alwaysFalse).WithHooks(traceHooks(&trace))

	err := sup.Run(context.Background())
	if err == nil {
		t.Fatalf("expected launch failure")
	}
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("expected ErrLaunch, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be wrapped, got %v", err)
	}
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) || launchErr.Command != "app" {
		t.Fatalf("expected *LaunchError for app, got %#v", err)
	}
	if len(trace) != 0 {
		t.Fatalf("no hooks may fire on launch failure, got %v", trace)
	}
	if len(rt.specs) != 1 {
		t.Fatalf("launch must not be retried, got %d attempts", len(rt.specs))
	}
	if len(rec.delays) != 0 {
		t.Fatalf("no sleeps expected, got %v", rec.delays)
	}
	if sup.RestartBudget() != 3 {
		t.Fatalf("launch failure consumed restart budget: %d", sup.RestartBudget())
	}
}

func TestRunLaunchFailureAfterRestart(t *testing.T) {
	rt := &fakeRuntime{}
	sup, _ := newTestSupervisor(rt)

	sup.WithRestartBudget(2).
		AddTest("always-false", alwaysFalse).
		WithHooks(Hooks{Restart: func() { rt.err = errors.New("gone") }})

	err := sup.Run(context.Background())
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("expected launch error on relaunch, got %v", err)
	}
	if len(rt.handles) != 1 {
		t.Fatalf("expected one successful launch, got %d", len(rt.handles))
	}
}

func TestRunSkipsBackoffWhenBudgetExhausted(t *testing.T) {
	rt := &fakeRuntime{}
	sup, rec := newTestSupervisor(rt)

	sup.WithCheckInterval(time.Second).
		WithBackoffTime(time.Minute).
		WithRestartBudget(1).
		AddTest("always-false", alwaysFalse)

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []time.Duration{time.Second, time.Minute, time.Second}
	if !reflect.DeepEqual(rec.delays, want) {
		t.Fatalf("sleeps = %v, want %v", rec.delays, want)
	}
}

func TestRunIgnoresTerminateFailure(t *testing.T) {
	rt := &fakeRuntime{terminateErr: errors.New("operation not permitted")}
	sup, _ := newTestSupervisor(rt)

	var trace []string
	sup.WithRestartBudget(1).AddTest("always-false", alwaysFalse).WithHooks(traceHooks(&trace))

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("terminate failure must not surface, got %v", err)
	}
	want := []string{
		"round_start", "error:always-false", "restart",
		"round_start", "error:always-false", "no_restart",
	}
	if !reflect.DeepEqual(trace, want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
}

func TestRunCancelledDuringBackoff(t *testing.T) {
	rt := &fakeRuntime{}
	sup, _ := newTestSupervisor(rt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	restarted := false
	sup.sleep = func(ctx context.Context, d time.Duration) error {
		if d == sup.BackoffTime() {
			cancel()
		}
		return ctx.Err()
	}
	sup.WithCheckInterval(time.Second).
		WithBackoffTime(time.Hour).
		AddTest("always-false", alwaysFalse).
		WithHooks(Hooks{Restart: func() { restarted = true }})

	if err := sup.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if restarted {
		t.Fatalf("restart hook must not fire when backoff is interrupted")
	}
	if len(rt.handles) != 1 {
		t.Fatalf("expected no relaunch after cancellation, got %d launches", len(rt.handles))
	}
}

func TestRunIsDeterministic(t *testing.T) {
	build := func(trace *[]string) *Supervisor {
		sup, _ := newTestSupervisor(&fakeRuntime{})
		round := 0
		return sup.WithRestartBudget(2).
			AddTest("steady", alwaysTrue).
			AddTest("flaky", func(runtime.Handle) bool {
				round++
				return round%3 != 0
			}).
			WithHooks(traceHooks(trace))
	}

	var first, second []string
	if err := build(&first).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := build(&second).Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(first) == 0 {
		t.Fatalf("expected hooks to fire")
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("traces differ:\n%v\n%v", first, second)
	}
	if first[len(first)-1] != "no_restart" {
		t.Fatalf("expected terminal no_restart, got %v", first)
	}
}

func TestRunMultipleListeners(t *testing.T) {
	rt := &fakeRuntime{}
	sup, _ := newTestSupervisor(rt)

	var order []string
	var launches []int
	sup.WithRestartBudget(0).
		AddTest("always-false", alwaysFalse).
		WithHooks(Hooks{
			NoRestart: func() { order = append(order, "first") },
			Launch:    func(pid int) { launches = append(launches, pid) },
		}).
		WithListener(Hooks{NoRestart: func() { order = append(order, "second") }}).
		WithListener(nil)

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !reflect.DeepEqual(order, []string{"first", "second"}) {
		t.Fatalf("listener order = %v", order)
	}
	if !reflect.DeepEqual(launches, []int{100}) {
		t.Fatalf("launch pids = %v", launches)
	}
}

func TestEventSinkPublishesEvents(t *testing.T) {
	rt := &fakeRuntime{}
	sup, _ := newTestSupervisor(rt)

	events := make(chan Event, 64)
	sink := NewEventSink("web", events)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	sink.now = func() time.Time { return fixed }

	sup.WithRestartBudget(1).
		AddTest("ok", alwaysTrue).
		AddTest("always-false", alwaysFalse).
		WithListener(sink)

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	close(events)

	var got []Event
	for evt := range events {
		got = append(got, evt)
	}

	wantTypes := []EventType{
		EventTypeLaunched, EventTypeRoundStart, EventTypeTestOK, EventTypeTestError, EventTypeRestart,
		EventTypeLaunched, EventTypeRoundStart, EventTypeTestOK, EventTypeTestError, EventTypeNoRestart,
	}
	if len(got) != len(wantTypes) {
		t.Fatalf("got %d events, want %d: %+v", len(got), len(wantTypes), got)
	}
	for i, evt := range got {
		if evt.Type != wantTypes[i] {
			t.Fatalf("event %d type = %s, want %s", i, evt.Type, wantTypes[i])
		}
		if evt.Service != "web" || !evt.Timestamp.Equal(fixed) {
			t.Fatalf("event %d has unexpected metadata %+v", i, evt)
		}
	}
	if got[0].Attempt != 1 || got[5].Attempt != 2 {
		t.Fatalf("unexpected attempts %d and %d", got[0].Attempt, got[5].Attempt)
	}
	if got[0].Pid != 100 || got[5].Pid != 101 {
		t.Fatalf("unexpected pids %d and %d", got[0].Pid, got[5].Pid)
	}
	if got[3].Check != "always-false" || got[2].Check != "ok" {
		t.Fatalf("unexpected check names %q %q", got[2].Check, got[3].Check)
	}
}

func TestDecisionString(t *testing.T) {
	if Restart.String() != "restart" || NoRestart.String() != "no_restart" {
		t.Fatalf("unexpected decision strings %q %q", Restart, NoRestart)
	}
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if stdruntime.GOOS == "windows" {
		t.Skip("process tests skipped on windows")
	}
}

func TestRunExampleTraceWithRealProcess(t *testing.T) {
	skipOnWindows(t)

	var trace []string
	sup := New("sleep", "1").
		WithCheckInterval(time.Millisecond).
		WithBackoffTime(time.Millisecond).
		WithRestartBudget(1).
		AddTest("always-false", alwaysFalse).
		WithHooks(traceHooks(&trace))

	if err := sup.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{
		"round_start", "error:always-false", "restart",
		"round_start", "error:always-false", "no_restart",
	}
	if !reflect.DeepEqual(trace, want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
}

func TestRunLivenessCheckWithRealProcess(t *testing.T) {
	skipOnWindows(t)

	passing := 0
	failed := ""
	sup := New("sleep", "0.2").
		WithCheckInterval(20*time.Millisecond).
		WithRestartBudget(0).
		AddTest("still running", func(h runtime.Handle) bool { return h.Running() }).
		WithHooks(Hooks{
			AllTestsPassing: func() { passing++ },
			TestError:       func(name string) { failed = name },
		})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if failed != "still running" {
		t.Fatalf("expected liveness check to fail once the process exits, got %q", failed)
	}
	if passing == 0 {
		t.Fatalf("expected at least one passing round while the process was alive")
	}
}

func TestRunMissingCommandWithRealProcess(t *testing.T) {
	called := false
	sup := New(filepath.Join(t.TempDir(), "missing-binary")).
		WithCheckInterval(time.Millisecond).
		AddTest("always-false", alwaysFalse).
		WithHooks(Hooks{
			TestRoundStart: func() { called = true },
			Restart:        func() { called = true },
			NoRestart:      func() { called = true },
		})

	err := sup.Run(context.Background())
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("expected launch error, got %v", err)
	}
	if called {
		t.Fatalf("no hook may fire when the command cannot be launched")
	}
}
