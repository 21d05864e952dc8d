package cli

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/warden/internal/api"
	apihttp "github.com/Paintersrp/warden/internal/api/http"
	"github.com/Paintersrp/warden/internal/cliutil"
	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/logging"
	"github.com/Paintersrp/warden/internal/logmux"
	"github.com/Paintersrp/warden/internal/metrics"
	influxnotify "github.com/Paintersrp/warden/internal/notify/influx"
	mqttnotify "github.com/Paintersrp/warden/internal/notify/mqtt"
	"github.com/Paintersrp/warden/internal/probe"
	"github.com/Paintersrp/warden/internal/supervisor"
)

var newAPIServer = apihttp.NewServer

// ErrBudgetExhausted is returned by the run command when supervision stopped
// because the restart budget ran out.
var ErrBudgetExhausted = errors.New("restart budget exhausted")

type runOptions struct {
	checkInterval time.Duration
	backoff       time.Duration
	stopTimeout   time.Duration
	restarts      string
	name          string
	output        string
	metricsAddr   string
	capture       bool

	checkRunning bool
	checkHTTP    []string
	checkTCP     []string
	checkFile    []string
	checkTimeout time.Duration
}

func newRunCmd(ctx *context) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] [-- command [args...]]",
		Short: "Launch a process and keep it healthy",
		Long: `Launch a process and keep it healthy.

The process and its checks come from the configuration file, or from the
command given after "--" together with the --check-* flags. Checks run in the
order they are declared, with ad-hoc checks after configured ones in the
order running, http, tcp, file.`,
		Example: `  warden run -f warden.yaml
  warden run --check-http http://localhost:8080/healthz --restarts 5 -- ./server --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervise(cmd, ctx, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&opts.checkInterval, "check-interval", config.DefaultCheckInterval, "Delay between health check rounds")
	flags.DurationVar(&opts.backoff, "backoff", config.DefaultBackoff, "Delay between terminating a failed process and relaunching it")
	flags.DurationVar(&opts.stopTimeout, "stop-timeout", 0, "Grace period between SIGTERM and SIGKILL when terminating")
	flags.StringVar(&opts.restarts, "restarts", "unlimited", "Restart budget: a non-negative count or \"unlimited\"")
	flags.StringVar(&opts.name, "name", "", "Process name used in logs, events and metrics")
	flags.StringVarP(&opts.output, "output", "o", "log", "Event output: log, text or json")
	flags.BoolVar(&opts.capture, "capture-output", false, "Log the process stdout and stderr through warden's logger")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /metrics, /healthz and /api/v1/status on this address")
	flags.BoolVar(&opts.checkRunning, "check-running", false, "Add a check that the process has not exited")
	flags.StringArrayVar(&opts.checkHTTP, "check-http", nil, "Add an HTTP GET check against URL (repeatable)")
	flags.StringArrayVar(&opts.checkTCP, "check-tcp", nil, "Add a TCP dial check against host:port or a port spec like 8080/tcp (repeatable)")
	flags.StringArrayVar(&opts.checkFile, "check-file", nil, "Add a check that PATH exists (repeatable)")
	flags.DurationVar(&opts.checkTimeout, "check-timeout", 0, "Timeout applied to ad-hoc checks (default 5s)")
	return cmd
}

func runSupervise(cmd *cobra.Command, ctx *context, opts *runOptions, args []string) error {
	switch opts.output {
	case "log", "text", "json":
	default:
		return fmt.Errorf("invalid --output %q: must be log, text or json", opts.output)
	}

	cfg, err := resolveRunConfig(cmd, ctx, opts, args)
	if err != nil {
		return err
	}
	logger, err := ctx.newLogger(cfg.Logging)
	if err != nil {
		return err
	}

	name := cfg.Process.Name
	metricsListener := metrics.NewListener(name)
	tracker := newStatusTracker(name, cfg.Process.Command, cfg.Supervise.RestartBudget())

	observers := []func(string) func(time.Duration, error){metricsListener.CheckObserver}
	var sinks []supervisor.Listener
	if spec := cfg.Notify.Influx; spec != nil {
		recorder := influxnotify.Connect(*spec, name, logger)
		defer recorder.Close()
		observers = append(observers, recorder.CheckObserver)
		sinks = append(sinks, recorder)
	}
	if spec := cfg.Notify.MQTT; spec != nil {
		notifier := mqttnotify.Connect(*spec, name, logger)
		defer notifier.Close()
		sinks = append(sinks, notifier.Listener())
	}

	sup, err := buildSupervisor(cfg, logger, chainObservers(observers...))
	if err != nil {
		return err
	}
	sup.WithListener(tracker).WithListener(metricsListener)
	for _, sink := range sinks {
		sup.WithListener(sink)
	}

	var drain func()
	switch opts.output {
	case "log":
		sup.WithListener(logging.NewListener(logger, name))
	default:
		events := make(chan supervisor.Event, 16)
		sup.WithListener(supervisor.NewEventSink(name, events))
		drain = streamEvents(cmd, opts.output, events)
	}

	runCtx := cmd.Context()
	if runCtx == nil {
		runCtx = stdcontext.Background()
	}

	stopServer, err := startAPIServer(runCtx, cfg.Metrics.Addr, tracker, logger)
	if err != nil {
		if drain != nil {
			drain()
		}
		return err
	}

	var stopCapture func()
	if cfg.Process.CaptureOutput {
		stopCapture = captureOutput(sup, logger.With("process", name))
	}

	logSupervising(logger, sup)

	runErr := sup.Run(runCtx)

	if stopCapture != nil {
		stopCapture()
	}
	if drain != nil {
		drain()
	}
	if stopServer != nil {
		if err := stopServer(); err != nil {
			logger.Warn("status server shutdown failed", "error", err)
		}
	}

	switch {
	case runErr == nil:
		return fmt.Errorf("%s: %w", name, ErrBudgetExhausted)
	case errors.Is(runErr, stdcontext.Canceled):
		logger.Info("supervision cancelled", "process", name)
		return nil
	default:
		return runErr
	}
}

// streamEvents prints events until the returned drain function closes the
// channel and waits for the printer to finish.
func streamEvents(cmd *cobra.Command, format string, events chan supervisor.Event) func() {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	done := make(chan struct{})
	go func() {
		defer close(done)
		enc := json.NewEncoder(out)
		for evt := range events {
			if format == "json" {
				cliutil.EncodeEvent(enc, errOut, evt)
				continue
			}
			fmt.Fprintln(out, cliutil.FormatEvent(evt))
		}
	}()
	return func() {
		close(events)
		<-done
	}
}

// captureOutput routes the process output into logger until the returned
// function flushes the remaining lines.
func captureOutput(sup *supervisor.Supervisor, logger *logging.Logger) func() {
	mux := logmux.New(256)
	stdout := mux.Writer(logmux.StreamStdout)
	stderr := mux.Writer(logmux.StreamStderr)
	sup.WithOutput(stdout, stderr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range mux.Output() {
			attrs := []any{"stream", string(line.Stream), "line", line.Text}
			if line.Level == "warn" {
				logger.Warn("process output", attrs...)
				continue
			}
			logger.Info("process output", attrs...)
		}
	}()
	return func() {
		_ = stdout.Close()
		_ = stderr.Close()
		mux.Close()
		<-done
	}
}

func resolveRunConfig(cmd *cobra.Command, ctx *context, opts *runOptions, args []string) (*config.Config, error) {
	var cfg *config.Config
	if len(args) > 0 {
		if ctx.configFile != "" {
			return nil, errors.New("--file cannot be combined with a command after --")
		}
		cfg = &config.Config{Process: config.ProcessSpec{Command: args[0], Args: args[1:]}}
		if wd, err := os.Getwd(); err == nil {
			cfg.Process.Workdir = wd
		}
		if err := config.ApplyEnvOverrides(cfg, os.LookupEnv); err != nil {
			return nil, err
		}
	} else {
		loaded, err := ctx.loadConfig()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := opts.apply(cmd, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// apply layers explicitly set flags over cfg and appends ad-hoc checks.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("check-interval") {
		cfg.Supervise.CheckInterval = config.NewDuration(o.checkInterval)
	}
	if flags.Changed("backoff") {
		cfg.Supervise.Backoff = config.NewDuration(o.backoff)
	}
	if flags.Changed("stop-timeout") {
		cfg.Process.StopTimeout = config.NewDuration(o.stopTimeout)
	}
	if flags.Changed("restarts") {
		restarts, err := parseRestarts(o.restarts)
		if err != nil {
			return err
		}
		cfg.Supervise.Restarts = restarts
	}
	if flags.Changed("name") {
		cfg.Process.Name = o.name
	}
	if flags.Changed("capture-output") {
		cfg.Process.CaptureOutput = o.capture
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = o.metricsAddr
	}

	checks, err := o.adHocChecks()
	if err != nil {
		return err
	}
	cfg.Checks = append(cfg.Checks, checks...)
	return nil
}

func (o *runOptions) adHocChecks() ([]*config.CheckSpec, error) {
	var checks []*config.CheckSpec
	add := func(spec *config.CheckSpec) {
		if o.checkTimeout > 0 {
			spec.Timeout = config.NewDuration(o.checkTimeout)
		}
		checks = append(checks, spec)
	}

	if o.checkRunning {
		add(&config.CheckSpec{Name: "running", Running: &config.RunningCheck{}})
	}
	for _, url := range o.checkHTTP {
		add(&config.CheckSpec{Name: "http " + url, HTTP: &config.HTTPCheckSpec{URL: url}})
	}
	for _, target := range o.checkTCP {
		spec := &config.TCPCheckSpec{}
		if strings.Contains(target, ":") {
			spec.Address = target
		} else {
			spec.Port = target
		}
		add(&config.CheckSpec{Name: "tcp " + target, TCP: spec})
	}
	for _, path := range o.checkFile {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("--check-file %q: %w", path, err)
		}
		add(&config.CheckSpec{Name: "file " + path, File: &config.FileCheckSpec{Path: abs}})
	}
	return checks, nil
}

// parseRestarts returns nil for an unlimited budget.
func parseRestarts(value string) (*int, error) {
	value = strings.TrimSpace(value)
	if strings.EqualFold(value, "unlimited") {
		return nil, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid --restarts %q: must be a count or \"unlimited\"", value)
	}
	if n < 0 {
		return nil, nil
	}
	return &n, nil
}

func buildSupervisor(cfg *config.Config, logger *logging.Logger, observe func(check string) func(time.Duration, error)) (*supervisor.Supervisor, error) {
	p := cfg.Process
	sup := supervisor.New(p.Command, p.Args...).
		WithName(p.Name).
		WithEnv(p.Env).
		WithWorkdir(p.Workdir).
		WithStopTimeout(p.StopTimeout.Duration).
		WithCheckInterval(cfg.Supervise.CheckInterval.Duration).
		WithBackoffTime(cfg.Supervise.Backoff.Duration).
		WithRestartBudget(cfg.Supervise.RestartBudget()).
		WithLogger(logger.With("process", p.Name))

	for _, check := range cfg.Checks {
		prober, err := probe.New(check, p.Workdir)
		if err != nil {
			return nil, err
		}
		opts := probe.Options{
			Timeout:          check.Timeout.Duration,
			FailureThreshold: check.FailureThreshold,
			Logger:           logger.With("process", p.Name),
		}
		if observe != nil {
			opts.Observe = observe(check.Name)
		}
		sup.AddTest(check.Name, probe.Predicate(check.Name, prober, opts))
	}
	return sup, nil
}

func logSupervising(logger *logging.Logger, sup *supervisor.Supervisor) {
	command, args := sup.Command()
	logger.Info("supervising process",
		"process", sup.Name(),
		"command", command,
		"args", cliutil.RedactArgs(args),
		"checks", sup.Tests(),
		"check_interval", sup.CheckInterval().String(),
		"backoff", sup.BackoffTime().String(),
		"restart_budget", sup.RestartBudget(),
	)
}

// chainObservers fans a check observation out to every observer.
func chainObservers(observers ...func(check string) func(time.Duration, error)) func(check string) func(time.Duration, error) {
	return func(check string) func(time.Duration, error) {
		fns := make([]func(time.Duration, error), 0, len(observers))
		for _, observe := range observers {
			fns = append(fns, observe(check))
		}
		return func(d time.Duration, err error) {
			for _, fn := range fns {
				fn(d, err)
			}
		}
	}
}

// startAPIServer serves metrics and status on addr until the returned stop
// function is called or ctx ends. An empty addr disables the server.
func startAPIServer(ctx stdcontext.Context, addr string, ctrl api.Controller, logger *logging.Logger) (func() error, error) {
	if addr == "" {
		return nil, nil
	}
	server, err := newAPIServer(apihttp.Config{Addr: addr, Controller: ctrl})
	if err != nil {
		return nil, err
	}
	serverCtx, cancel := stdcontext.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(serverCtx)
	}()

	readyTimer := time.NewTimer(200 * time.Millisecond)
	defer readyTimer.Stop()
	select {
	case err := <-errCh:
		cancel()
		if err == nil {
			err = errors.New("status server exited")
		}
		return nil, fmt.Errorf("status server: %w", err)
	case <-readyTimer.C:
	case <-ctx.Done():
		cancel()
		err := <-errCh
		if err != nil && !errors.Is(err, stdcontext.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return nil, err
		}
		return nil, ctx.Err()
	}
	logger.Info("status server listening", "addr", server.Addr())
	return func() error {
		cancel()
		err := <-errCh
		if err != nil && !errors.Is(err, stdcontext.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, nil
}
