package supervisor

// Listener receives supervision events. Every method is invoked synchronously
// on the supervising goroutine, once per occurrence of its event.
type Listener interface {
	// OnTestRoundStart fires before each round of health checks.
	OnTestRoundStart()
	// OnTestOK fires for every check that passed, in evaluation order.
	OnTestOK(name string)
	// OnTestError fires for the check that failed and ended the round.
	OnTestError(name string)
	// OnAllTestsPassing fires when every check in a round passed.
	OnAllTestsPassing()
	// OnRestart fires after the backoff delay, right before relaunching.
	OnRestart()
	// OnNoRestart fires once when the restart budget is exhausted.
	OnNoRestart()
}

// LaunchListener is implemented by listeners that also want to know when a
// process instance was started.
type LaunchListener interface {
	OnLaunch(pid int)
}

// Hooks adapts optional callbacks to the Listener interface. Nil callbacks are
// skipped.
type Hooks struct {
	TestRoundStart  func()
	TestOK          func(name string)
	TestError       func(name string)
	AllTestsPassing func()
	Restart         func()
	NoRestart       func()
	Launch          func(pid int)
}

func (h Hooks) OnTestRoundStart() {
	if h.TestRoundStart != nil {
		h.TestRoundStart()
	}
}

func (h Hooks) OnTestOK(name string) {
	if h.TestOK != nil {
		h.TestOK(name)
	}
}

func (h Hooks) OnTestError(name string) {
	if h.TestError != nil {
		h.TestError(name)
	}
}

func (h Hooks) OnAllTestsPassing() {
	if h.AllTestsPassing != nil {
		h.AllTestsPassing()
	}
}

func (h Hooks) OnRestart() {
	if h.Restart != nil {
		h.Restart()
	}
}

func (h Hooks) OnNoRestart() {
	if h.NoRestart != nil {
		h.NoRestart()
	}
}

func (h Hooks) OnLaunch(pid int) {
	if h.Launch != nil {
		h.Launch(pid)
	}
}

// listenerSet fans every event out to its members in registration order.
type listenerSet []Listener

func (s listenerSet) OnTestRoundStart() {
	for _, l := range s {
		l.OnTestRoundStart()
	}
}

func (s listenerSet) OnTestOK(name string) {
	for _, l := range s {
		l.OnTestOK(name)
	}
}

func (s listenerSet) OnTestError(name string) {
	for _, l := range s {
		l.OnTestError(name)
	}
}

func (s listenerSet) OnAllTestsPassing() {
	for _, l := range s {
		l.OnAllTestsPassing()
	}
}

func (s listenerSet) OnRestart() {
	for _, l := range s {
		l.OnRestart()
	}
}

func (s listenerSet) OnNoRestart() {
	for _, l := range s {
		l.OnNoRestart()
	}
}

func (s listenerSet) OnLaunch(pid int) {
	for _, l := range s {
		if ll, ok := l.(LaunchListener); ok {
			ll.OnLaunch(pid)
		}
	}
}

var (
	_ Listener       = Hooks{}
	_ LaunchListener = Hooks{}
	_ Listener       = listenerSet(nil)
)
