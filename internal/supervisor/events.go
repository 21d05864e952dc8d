package supervisor

import "time"

// EventType identifies the supervision event carried by an Event.
type EventType string

const (
	// EventTypeLaunched is emitted after the process starts successfully.
	EventTypeLaunched EventType = "launched"
	// EventTypeRoundStart opens a health check round.
	EventTypeRoundStart EventType = "round_start"
	// EventTypeTestOK reports a single passing check.
	EventTypeTestOK EventType = "test_ok"
	// EventTypeTestError reports the first failing check of a round.
	EventTypeTestError EventType = "test_error"
	// EventTypeTestsPassing closes a round in which every check passed.
	EventTypeTestsPassing EventType = "tests_passing"
	// EventTypeRestart is emitted when a restart is granted.
	EventTypeRestart EventType = "restart"
	// EventTypeNoRestart is emitted when supervision stops for good.
	EventTypeNoRestart EventType = "no_restart"
)

// Event is a single supervision notification delivered over a channel.
type Event struct {
	Timestamp time.Time
	Service   string
	Type      EventType
	// Check names the health check for test_ok and test_error events.
	Check string
	// Pid is set on launched events.
	Pid int
	// Attempt counts spawn cycles, starting at 1 with the first launch.
	Attempt int
	Message string
}

// EventSink is a Listener that forwards every hook as an Event on a channel.
// Sends block, so the consumer must keep draining the channel while the
// supervisor runs.
type EventSink struct {
	service string
	events  chan<- Event
	attempt int
	now     func() time.Time
}

// NewEventSink returns a listener publishing events for service on events.
func NewEventSink(service string, events chan<- Event) *EventSink {
	return &EventSink{service: service, events: events, now: time.Now}
}

func (s *EventSink) send(t EventType, check, message string, pid int) {
	if s.events == nil {
		return
	}
	s.events <- Event{
		Timestamp: s.now(),
		Service:   s.service,
		Type:      t,
		Check:     check,
		Pid:       pid,
		Attempt:   s.attempt,
		Message:   message,
	}
}

func (s *EventSink) OnLaunch(pid int) {
	s.attempt++
	s.send(EventTypeLaunched, "", "process launched", pid)
}

func (s *EventSink) OnTestRoundStart() {
	s.send(EventTypeRoundStart, "", "health check round started", 0)
}

func (s *EventSink) OnTestOK(name string) {
	s.send(EventTypeTestOK, name, "check passed", 0)
}

func (s *EventSink) OnTestError(name string) {
	s.send(EventTypeTestError, name, "check failed", 0)
}

func (s *EventSink) OnAllTestsPassing() {
	s.send(EventTypeTestsPassing, "", "all checks passing", 0)
}

func (s *EventSink) OnRestart() {
	s.send(EventTypeRestart, "", "restarting process", 0)
}

func (s *EventSink) OnNoRestart() {
	s.send(EventTypeNoRestart, "", "restart budget exhausted; supervision stopped", 0)
}

var (
	_ Listener       = (*EventSink)(nil)
	_ LaunchListener = (*EventSink)(nil)
)
