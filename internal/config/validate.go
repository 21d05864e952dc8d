package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/docker/go-connections/nat"
)

// Validate enforces invariants that the schema cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Process.Command) == "" {
		return fmt.Errorf("%s is required", fieldPath("process", "command"))
	}
	if c.Process.StopTimeout.Duration < 0 {
		return fmt.Errorf("%s must not be negative", fieldPath("process", "stopTimeout"))
	}
	if c.Supervise.CheckInterval.Duration < 0 {
		return fmt.Errorf("%s must not be negative", fieldPath("supervise", "checkInterval"))
	}
	if c.Supervise.Backoff.Duration < 0 {
		return fmt.Errorf("%s must not be negative", fieldPath("supervise", "backoff"))
	}
	if c.Supervise.Restarts != nil && *c.Supervise.Restarts < 0 {
		return fmt.Errorf("%s must not be negative; omit it for unlimited restarts", fieldPath("supervise", "restarts"))
	}

	seen := make(map[string]int, len(c.Checks))
	for i, check := range c.Checks {
		if check == nil {
			return fmt.Errorf("%s is null", checkField(i))
		}
		if strings.TrimSpace(check.Name) == "" {
			return fmt.Errorf("%s is required", checkField(i, "name"))
		}
		if prev, dup := seen[check.Name]; dup {
			return fmt.Errorf("%s duplicates the name of %s", checkField(i, "name"), checkField(prev))
		}
		seen[check.Name] = i
		if err := validateCheck(i, check); err != nil {
			return err
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "auto", "json", "text":
	default:
		return fmt.Errorf("%s must be one of auto, json, text", fieldPath("logging", "format"))
	}
	switch strings.ToLower(c.Logging.Output) {
	case "", "stdout", "stderr":
	default:
		return fmt.Errorf("%s must be stdout or stderr", fieldPath("logging", "output"))
	}
	if c.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Addr); err != nil {
			return fmt.Errorf("%s: %w", fieldPath("metrics", "addr"), err)
		}
	}
	return c.Notify.validate()
}

func (n NotifySpec) validate() error {
	if m := n.MQTT; m != nil {
		if strings.TrimSpace(m.Broker) == "" {
			return fmt.Errorf("%s is required", fieldPath("notify", "mqtt", "broker"))
		}
		u, err := url.Parse(m.Broker)
		if err != nil {
			return fmt.Errorf("%s: %w", fieldPath("notify", "mqtt", "broker"), err)
		}
		switch u.Scheme {
		case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
		default:
			return fmt.Errorf("%s must use one of tcp, ssl, tls, mqtt, mqtts, ws, wss; got %q", fieldPath("notify", "mqtt", "broker"), u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("%s must include a host", fieldPath("notify", "mqtt", "broker"))
		}
		if m.QoS < 0 || m.QoS > 2 {
			return fmt.Errorf("%s must be 0, 1 or 2", fieldPath("notify", "mqtt", "qos"))
		}
		if strings.ContainsAny(m.TopicPrefix, "+#") {
			return fmt.Errorf("%s must not contain wildcards", fieldPath("notify", "mqtt", "topicPrefix"))
		}
	}
	if in := n.Influx; in != nil {
		u, err := url.Parse(in.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%s must be an absolute http or https URL", fieldPath("notify", "influx", "url"))
		}
		if strings.TrimSpace(in.Org) == "" {
			return fmt.Errorf("%s is required", fieldPath("notify", "influx", "org"))
		}
		if strings.TrimSpace(in.Bucket) == "" {
			return fmt.Errorf("%s is required", fieldPath("notify", "influx", "bucket"))
		}
		if in.FlushInterval.Duration < 0 {
			return fmt.Errorf("%s must not be negative", fieldPath("notify", "influx", "flushInterval"))
		}
	}
	return nil
}

func validateCheck(index int, check *CheckSpec) error {
	kinds := check.Kinds()
	switch len(kinds) {
	case 0:
		return fmt.Errorf("%s must configure one of running, http, tcp, cmd, file", checkField(index))
	case 1:
	default:
		return fmt.Errorf("%s configures multiple kinds (%s); only one is allowed", checkField(index), strings.Join(kinds, ", "))
	}
	if check.Timeout.Duration < 0 {
		return fmt.Errorf("%s must not be negative", checkField(index, "timeout"))
	}
	if check.FailureThreshold < 0 {
		return fmt.Errorf("%s must not be negative", checkField(index, "failureThreshold"))
	}

	switch {
	case check.HTTP != nil:
		u, err := url.Parse(check.HTTP.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", checkField(index, "http", "url"), check.HTTP.URL)
		}
		for _, code := range check.HTTP.ExpectStatus {
			if code < 100 || code > 599 {
				return fmt.Errorf("%s contains invalid status %d", checkField(index, "http", "expectStatus"), code)
			}
		}
	case check.TCP != nil:
		if _, err := check.TCP.DialAddress(); err != nil {
			return fmt.Errorf("%s: %w", checkField(index, "tcp"), err)
		}
	case check.Command != nil:
		if len(check.Command.Command) == 0 || strings.TrimSpace(check.Command.Command[0]) == "" {
			return fmt.Errorf("%s requires at least one argument", checkField(index, "cmd", "command"))
		}
	case check.File != nil:
		if strings.TrimSpace(check.File.Path) == "" {
			return fmt.Errorf("%s is required", checkField(index, "file", "path"))
		}
		if check.File.MaxAge.Duration < 0 {
			return fmt.Errorf("%s must not be negative", checkField(index, "file", "maxAge"))
		}
		if check.File.Absent && check.File.MaxAge.Duration > 0 {
			return fmt.Errorf("%s cannot combine absent with maxAge", checkField(index, "file"))
		}
	}
	return nil
}

// DialAddress resolves the host:port the check connects to.
func (t *TCPCheckSpec) DialAddress() (string, error) {
	address := strings.TrimSpace(t.Address)
	port := strings.TrimSpace(t.Port)
	switch {
	case address != "" && port != "":
		return "", fmt.Errorf("address and port are mutually exclusive")
	case address != "":
		if _, _, err := net.SplitHostPort(address); err != nil {
			return "", fmt.Errorf("invalid address %q: %w", address, err)
		}
		return address, nil
	case port != "":
		proto, rawPort := nat.SplitProtoPort(port)
		if proto != "tcp" {
			return "", fmt.Errorf("invalid port %q: only tcp is supported", port)
		}
		p, err := nat.NewPort(proto, rawPort)
		if err != nil {
			return "", fmt.Errorf("invalid port %q: %w", port, err)
		}
		start, end, err := p.Range()
		if err != nil {
			return "", fmt.Errorf("invalid port %q: %w", port, err)
		}
		if start != end {
			return "", fmt.Errorf("invalid port %q: ranges are not supported", port)
		}
		if start == 0 {
			return "", fmt.Errorf("invalid port %q: must be in range 1-65535", port)
		}
		host := strings.TrimSpace(t.Host)
		if host == "" {
			host = "127.0.0.1"
		}
		return net.JoinHostPort(host, p.Port()), nil
	default:
		return "", fmt.Errorf("address or port is required")
	}
}
