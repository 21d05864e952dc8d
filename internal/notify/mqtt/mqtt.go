package mqttnotify

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Paintersrp/warden/internal/api"
	"github.com/Paintersrp/warden/internal/cliutil"
	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/notify"
	"github.com/Paintersrp/warden/internal/supervisor"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 250 // milliseconds
	keepAlive         = 30 * time.Second
	queueSize         = 64
)

// Client is the subset of the paho client the notifier publishes through.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// StatePayload is the retained message published on the state topic.
type StatePayload struct {
	Process   string    `json:"process"`
	State     api.State `json:"state"`
	Pid       int       `json:"pid,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Notifier publishes every supervision event to <prefix>/<process>/events and
// the current lifecycle state, retained, to <prefix>/<process>/state.
type Notifier struct {
	client  Client
	process string
	qos     byte
	logger  notify.Logger
	now     func() time.Time

	eventsTopic string
	stateTopic  string

	in        chan supervisor.Event
	events    chan supervisor.Event
	done      chan struct{}
	dropped   int
	closeOnce sync.Once

	state api.State
	pid   int
}

// Connect dials the broker described by cfg. An unreachable broker is not
// fatal: paho keeps retrying in the background and queued messages are sent
// once the connection is up.
func Connect(cfg config.MQTTSpec, process string, logger notify.Logger) *Notifier {
	logger = notify.OrNoop(logger)
	stateTopic := Topic(cfg.TopicPrefix, process, "state")
	will, _ := json.Marshal(StatePayload{Process: process, State: api.StateStopped})

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetWill(stateTopic, string(will), byte(cfg.QoS), true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		logger.Warn("mqtt broker unreachable; retrying in background", "broker", cfg.Broker)
	} else if err := token.Error(); err != nil {
		logger.Warn("mqtt connect failed", "broker", cfg.Broker, "error", err)
	}
	return New(client, cfg, process, logger)
}

// New starts a notifier publishing through client.
func New(client Client, cfg config.MQTTSpec, process string, logger notify.Logger) *Notifier {
	n := &Notifier{
		client:      client,
		process:     process,
		qos:         byte(cfg.QoS),
		logger:      notify.OrNoop(logger),
		now:         time.Now,
		eventsTopic: Topic(cfg.TopicPrefix, process, "events"),
		stateTopic:  Topic(cfg.TopicPrefix, process, "state"),
		in:          make(chan supervisor.Event),
		events:      make(chan supervisor.Event, queueSize),
		done:        make(chan struct{}),
		state:       api.StatePending,
	}
	go n.forward()
	go n.loop()
	return n
}

// Topic joins the topic levels, skipping empty ones.
func Topic(levels ...string) string {
	parts := make([]string, 0, len(levels))
	for _, level := range levels {
		level = strings.Trim(level, "/")
		if level != "" {
			parts = append(parts, level)
		}
	}
	return strings.Join(parts, "/")
}

// Listener returns the supervisor listener feeding this notifier. It must not
// be used after Close. Events are dropped rather than blocking supervision
// when the broker falls behind.
func (n *Notifier) Listener() *supervisor.EventSink {
	return supervisor.NewEventSink(n.process, n.in)
}

// Close publishes the final state, drains pending events and disconnects.
func (n *Notifier) Close() {
	n.closeOnce.Do(func() {
		close(n.in)
		<-n.done
		if n.state != api.StateStopped {
			n.setState(api.StateStopped, n.now())
		}
		n.client.Disconnect(disconnectQuiesce)
	})
}

func (n *Notifier) forward() {
	defer close(n.events)
	for evt := range n.in {
		select {
		case n.events <- evt:
		default:
			n.dropped++
			n.logger.Warn("mqtt queue full; event dropped", "type", string(evt.Type), "dropped", n.dropped)
		}
	}
}

func (n *Notifier) loop() {
	defer close(n.done)
	for evt := range n.events {
		n.publish(n.eventsTopic, false, cliutil.NewEventRecord(evt))
		if evt.Type == supervisor.EventTypeLaunched {
			n.pid = evt.Pid
		}
		if next, ok := stateAfter(evt.Type); ok && next != n.state {
			n.setState(next, evt.Timestamp)
		}
	}
}

func (n *Notifier) setState(state api.State, ts time.Time) {
	n.state = state
	pid := n.pid
	if state == api.StateStopped {
		pid = 0
	}
	n.publish(n.stateTopic, true, StatePayload{Process: n.process, State: state, Pid: pid, Timestamp: ts})
}

func (n *Notifier) publish(topic string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		n.logger.Warn("mqtt encode failed", "topic", topic, "error", err)
		return
	}
	token := n.client.Publish(topic, n.qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		n.logger.Warn("mqtt publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		n.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return
	}
	n.logger.Debug("mqtt published", "topic", topic)
}

func stateAfter(t supervisor.EventType) (api.State, bool) {
	switch t {
	case supervisor.EventTypeLaunched:
		return api.StateRunning, true
	case supervisor.EventTypeTestsPassing:
		return api.StateHealthy, true
	case supervisor.EventTypeTestError:
		return api.StateUnhealthy, true
	case supervisor.EventTypeNoRestart:
		return api.StateStopped, true
	default:
		return "", false
	}
}
