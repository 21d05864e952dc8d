package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultCheckInterval = 30 * time.Second
	DefaultBackoff       = 30 * time.Second
	DefaultCheckTimeout  = 5 * time.Second
	DefaultFlushInterval = time.Second

	DefaultTopicPrefix = "warden"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// NewDuration returns an explicitly set duration, so defaults do not replace
// a zero value.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d, explicit: true}
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText renders the duration using time.Duration formatting.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Config mirrors the warden.yaml document structure.
type Config struct {
	Version   string        `yaml:"version"`
	Process   ProcessSpec   `yaml:"process"`
	Supervise SuperviseSpec `yaml:"supervise"`
	Checks    []*CheckSpec  `yaml:"checks,omitempty"`
	Logging   LoggingSpec   `yaml:"logging"`
	Metrics   MetricsSpec   `yaml:"metrics"`
	Notify    NotifySpec    `yaml:"notify,omitempty"`
}

// ProcessSpec identifies the supervised command.
type ProcessSpec struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	EnvFile     string            `yaml:"envFile,omitempty"`
	Workdir     string            `yaml:"workdir,omitempty"`
	StopTimeout Duration          `yaml:"stopTimeout"`
	// CaptureOutput routes the process stdout and stderr through the logger
	// instead of inheriting warden's streams.
	CaptureOutput bool `yaml:"captureOutput,omitempty"`
}

// SuperviseSpec holds the restart policy.
type SuperviseSpec struct {
	CheckInterval Duration `yaml:"checkInterval"`
	Backoff       Duration `yaml:"backoff"`
	// Restarts is the restart budget. Nil means unlimited.
	Restarts *int `yaml:"restarts,omitempty"`
}

// CheckSpec declares one named health check. Exactly one kind must be set.
type CheckSpec struct {
	Name             string         `yaml:"name"`
	Timeout          Duration       `yaml:"timeout"`
	FailureThreshold int            `yaml:"failureThreshold"`
	Running          *RunningCheck  `yaml:"running,omitempty"`
	HTTP             *HTTPCheckSpec `yaml:"http,omitempty"`
	TCP              *TCPCheckSpec  `yaml:"tcp,omitempty"`
	Command          *CommandCheck  `yaml:"cmd,omitempty"`
	File             *FileCheckSpec `yaml:"file,omitempty"`
}

// RunningCheck passes while the supervised process has not exited.
type RunningCheck struct{}

// HTTPCheckSpec issues a GET request and inspects the status code.
type HTTPCheckSpec struct {
	URL          string `yaml:"url"`
	ExpectStatus []int  `yaml:"expectStatus,omitempty"`
}

// TCPCheckSpec dials an address. Either Address or Port must be set; Port
// accepts the docker notation "8080" or "8080/tcp" and is combined with Host.
type TCPCheckSpec struct {
	Address string `yaml:"address,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    string `yaml:"port,omitempty"`
}

// CommandCheck runs a command; exit status zero is healthy.
type CommandCheck struct {
	Command []string `yaml:"command"`
}

// FileCheckSpec checks for the presence of a file.
type FileCheckSpec struct {
	Path string `yaml:"path"`
	// Absent inverts the check: the file must not exist.
	Absent bool `yaml:"absent,omitempty"`
	// MaxAge requires the file to have been modified within the window.
	MaxAge Duration `yaml:"maxAge,omitempty"`
}

// LoggingSpec configures the supervisor's own logs.
type LoggingSpec struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsSpec configures the Prometheus endpoint. An empty Addr disables it.
type MetricsSpec struct {
	Addr string `yaml:"addr,omitempty"`
}

// NotifySpec configures optional sinks that receive supervision events.
type NotifySpec struct {
	MQTT   *MQTTSpec   `yaml:"mqtt,omitempty"`
	Influx *InfluxSpec `yaml:"influx,omitempty"`
}

// MQTTSpec publishes events and a retained state message to a broker.
type MQTTSpec struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"clientID,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topicPrefix,omitempty"`
	QoS         int    `yaml:"qos,omitempty"`
}

// InfluxSpec writes check results and events to an InfluxDB v2 bucket.
type InfluxSpec struct {
	URL           string   `yaml:"url"`
	Token         string   `yaml:"token,omitempty"`
	Org           string   `yaml:"org"`
	Bucket        string   `yaml:"bucket"`
	FlushInterval Duration `yaml:"flushInterval,omitempty"`
}

// Default returns a configuration with every default applied and no command.
func Default() *Config {
	cfg := &Config{Version: "1"}
	cfg.ApplyDefaults()
	return cfg
}

// RestartBudget returns the configured budget, or -1 for unlimited.
func (s SuperviseSpec) RestartBudget() int {
	if s.Restarts == nil {
		return -1
	}
	return *s.Restarts
}

// Kinds returns the check kinds configured on the spec.
func (c *CheckSpec) Kinds() []string {
	var kinds []string
	if c.Running != nil {
		kinds = append(kinds, "running")
	}
	if c.HTTP != nil {
		kinds = append(kinds, "http")
	}
	if c.TCP != nil {
		kinds = append(kinds, "tcp")
	}
	if c.Command != nil {
		kinds = append(kinds, "cmd")
	}
	if c.File != nil {
		kinds = append(kinds, "file")
	}
	return kinds
}

// Kind returns the single configured check kind, or an empty string when the
// spec is invalid.
func (c *CheckSpec) Kind() string {
	kinds := c.Kinds()
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Version == "" {
		c.Version = "1"
	}
	if c.Process.Name == "" && c.Process.Command != "" {
		c.Process.Name = filepath.Base(c.Process.Command)
	}
	if !c.Supervise.CheckInterval.IsSet() {
		c.Supervise.CheckInterval.Duration = DefaultCheckInterval
	}
	if !c.Supervise.Backoff.IsSet() {
		c.Supervise.Backoff.Duration = DefaultBackoff
	}
	for _, check := range c.Checks {
		if check == nil {
			continue
		}
		if check.Timeout.Duration == 0 {
			check.Timeout.Duration = DefaultCheckTimeout
		}
		if check.FailureThreshold == 0 {
			check.FailureThreshold = 1
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "auto"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
	if m := c.Notify.MQTT; m != nil {
		if m.TopicPrefix == "" {
			m.TopicPrefix = DefaultTopicPrefix
		}
		if m.ClientID == "" {
			m.ClientID = "warden-" + c.Process.Name
		}
	}
	if in := c.Notify.Influx; in != nil && !in.FlushInterval.IsSet() {
		in.FlushInterval.Duration = DefaultFlushInterval
	}
}

// Clone creates a deep copy of the check spec.
func (c *CheckSpec) Clone() *CheckSpec {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Running != nil {
		cp.Running = &RunningCheck{}
	}
	if c.HTTP != nil {
		cp.HTTP = &HTTPCheckSpec{URL: c.HTTP.URL, ExpectStatus: append([]int(nil), c.HTTP.ExpectStatus...)}
	}
	if c.TCP != nil {
		tcp := *c.TCP
		cp.TCP = &tcp
	}
	if c.Command != nil {
		cp.Command = &CommandCheck{Command: append([]string(nil), c.Command.Command...)}
	}
	if c.File != nil {
		file := *c.File
		cp.File = &file
	}
	return &cp
}

func fieldPath(parts ...string) string {
	return strings.Join(parts, ".")
}

func checkField(index int, parts ...string) string {
	pathParts := append([]string{fmt.Sprintf("checks[%d]", index)}, parts...)
	return fieldPath(pathParts...)
}
