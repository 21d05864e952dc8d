package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a supervisor configuration from the provided path, applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s: config file is empty", absPath)
	}
	if err := validateAgainstSchema(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}

	if err := cfg.resolve(filepath.Dir(absPath)); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	if err := ApplyEnvOverrides(&cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// resolve expands ${VAR} references, resolves paths relative to the config
// file and merges the env file into the inline environment.
func (c *Config) resolve(baseDir string) error {
	p := &c.Process
	p.Command = os.ExpandEnv(p.Command)
	for i, arg := range p.Args {
		p.Args[i] = os.ExpandEnv(arg)
	}
	p.Workdir = resolvePath(baseDir, os.ExpandEnv(p.Workdir))

	var fileEnv map[string]string
	if p.EnvFile != "" {
		expanded := os.ExpandEnv(p.EnvFile)
		if !filepath.IsAbs(expanded) {
			expanded = filepath.Clean(filepath.Join(p.Workdir, expanded))
		}
		p.EnvFile = expanded

		var err error
		fileEnv, err = loadEnvFile(expanded)
		if err != nil {
			return fmt.Errorf("%s: %w", fieldPath("process", "envFile"), err)
		}
	}

	var merged map[string]string
	if len(fileEnv) > 0 || len(p.Env) > 0 {
		merged = make(map[string]string, len(fileEnv)+len(p.Env))
	}
	for k, v := range fileEnv {
		merged[k] = v
	}
	for k, v := range p.Env {
		merged[k] = os.ExpandEnv(v)
	}
	p.Env = merged

	for _, check := range c.Checks {
		if check == nil {
			continue
		}
		switch {
		case check.HTTP != nil:
			check.HTTP.URL = os.ExpandEnv(check.HTTP.URL)
		case check.TCP != nil:
			check.TCP.Address = os.ExpandEnv(check.TCP.Address)
			check.TCP.Host = os.ExpandEnv(check.TCP.Host)
			check.TCP.Port = os.ExpandEnv(check.TCP.Port)
		case check.Command != nil:
			for i, arg := range check.Command.Command {
				check.Command.Command[i] = os.ExpandEnv(arg)
			}
		case check.File != nil:
			check.File.Path = resolvePath(p.Workdir, os.ExpandEnv(check.File.Path))
		}
	}

	if m := c.Notify.MQTT; m != nil {
		m.Broker = os.ExpandEnv(m.Broker)
		m.Username = os.ExpandEnv(m.Username)
		m.Password = os.ExpandEnv(m.Password)
	}
	if in := c.Notify.Influx; in != nil {
		in.URL = os.ExpandEnv(in.URL)
		in.Token = os.ExpandEnv(in.Token)
	}
	return nil
}

// ApplyEnvOverrides overrides configuration values from WARDEN_* variables.
func ApplyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	durationVar := func(key string, dst *Duration) error {
		value, ok := lookup(key)
		if !ok || value == "" {
			return nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", key, value)
		}
		dst.Duration = d
		dst.explicit = true
		return nil
	}

	if err := durationVar("WARDEN_CHECK_INTERVAL", &cfg.Supervise.CheckInterval); err != nil {
		return err
	}
	if err := durationVar("WARDEN_BACKOFF", &cfg.Supervise.Backoff); err != nil {
		return err
	}
	if value, ok := lookup("WARDEN_RESTARTS"); ok && value != "" {
		if strings.EqualFold(value, "unlimited") {
			cfg.Supervise.Restarts = nil
		} else {
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("WARDEN_RESTARTS: invalid value %q", value)
			}
			if n < 0 {
				cfg.Supervise.Restarts = nil
			} else {
				cfg.Supervise.Restarts = &n
			}
		}
	}
	if value, ok := lookup("WARDEN_LOG_LEVEL"); ok && value != "" {
		cfg.Logging.Level = value
	}
	if value, ok := lookup("WARDEN_LOG_FORMAT"); ok && value != "" {
		cfg.Logging.Format = value
	}
	if value, ok := lookup("WARDEN_METRICS_ADDR"); ok && value != "" {
		cfg.Metrics.Addr = value
	}
	if value, ok := lookup("WARDEN_MQTT_PASSWORD"); ok && value != "" && cfg.Notify.MQTT != nil {
		cfg.Notify.MQTT.Password = value
	}
	if value, ok := lookup("WARDEN_INFLUX_TOKEN"); ok && value != "" && cfg.Notify.Influx != nil {
		cfg.Notify.Influx.Token = value
	}
	return nil
}

func resolvePath(base, path string) string {
	if path == "" {
		return base
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(base, path))
}

func loadEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	values := make(map[string]string)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		if strings.HasPrefix(raw, "export ") {
			raw = strings.TrimSpace(raw[len("export "):])
		}
		sep := strings.IndexRune(raw, '=')
		if sep <= 0 {
			return nil, fmt.Errorf("load env file %q: invalid line %d", path, lineNo)
		}
		key := strings.TrimSpace(raw[:sep])
		if key == "" {
			return nil, fmt.Errorf("load env file %q: invalid key on line %d", path, lineNo)
		}
		value := strings.TrimSpace(raw[sep+1:])
		if strings.HasPrefix(value, "\"") {
			if len(value) < 2 || value[len(value)-1] != '"' {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			unquoted, err := strconv.Unquote(value)
			if err != nil {
				return nil, fmt.Errorf("load env file %q: parse value for %s on line %d: %w", path, key, lineNo, err)
			}
			value = unquoted
		} else if strings.HasPrefix(value, "'") {
			if len(value) < 2 || value[len(value)-1] != '\'' {
				return nil, fmt.Errorf("load env file %q: unmatched quote on line %d", path, lineNo)
			}
			value = value[1 : len(value)-1]
		} else if comment := strings.IndexRune(value, '#'); comment >= 0 {
			value = strings.TrimSpace(value[:comment])
		}
		values[key] = os.ExpandEnv(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load env file %q: %w", path, err)
	}
	return values, nil
}
