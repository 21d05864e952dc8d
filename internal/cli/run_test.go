package cli

import (
	"bufio"
	"bytes"
	stdcontext "context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	stdruntime "runtime"
	"strings"
	"testing"
	"time"

	apihttp "github.com/Paintersrp/warden/internal/api/http"
	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/logging"
)

func TestParseRestarts(t *testing.T) {
	cases := []struct {
		input     string
		unlimited bool
		want      int
		wantErr   bool
	}{
		{input: "unlimited", unlimited: true},
		{input: "Unlimited", unlimited: true},
		{input: "-1", unlimited: true},
		{input: "0", want: 0},
		{input: " 5 ", want: 5},
		{input: "five", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.input, func(t *testing.T) {
			got, err := parseRestarts(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRestarts(%q) returned error: %v", tc.input, err)
			}
			if tc.unlimited {
				if got != nil {
					t.Fatalf("expected unlimited for %q, got %d", tc.input, *got)
				}
				return
			}
			if got == nil || *got != tc.want {
				t.Fatalf("parseRestarts(%q) = %v, want %d", tc.input, got, tc.want)
			}
		})
	}
}

func TestAdHocChecksOrderAndKinds(t *testing.T) {
	opts := &runOptions{
		checkRunning: true,
		checkHTTP:    []string{"http://localhost:8080/healthz"},
		checkTCP:     []string{"localhost:5432", "6379/tcp"},
		checkFile:    []string{"ready.flag"},
		checkTimeout: 2 * time.Second,
	}
	checks, err := opts.adHocChecks()
	if err != nil {
		t.Fatalf("adHocChecks returned error: %v", err)
	}

	wantNames := []string{"running", "http http://localhost:8080/healthz", "tcp localhost:5432", "tcp 6379/tcp", "file ready.flag"}
	if len(checks) != len(wantNames) {
		t.Fatalf("got %d checks, want %d", len(checks), len(wantNames))
	}
	for i, name := range wantNames {
		if checks[i].Name != name {
			t.Fatalf("check %d name = %q, want %q", i, checks[i].Name, name)
		}
		if checks[i].Timeout.Duration != 2*time.Second {
			t.Fatalf("check %d timeout not applied: %v", i, checks[i].Timeout.Duration)
		}
	}
	if checks[2].TCP.Address != "localhost:5432" || checks[3].TCP.Port != "6379/tcp" {
		t.Fatalf("tcp targets misclassified: %+v %+v", checks[2].TCP, checks[3].TCP)
	}
	if !filepath.IsAbs(checks[4].File.Path) {
		t.Fatalf("file path must be absolute, got %q", checks[4].File.Path)
	}
}

func TestBuildSupervisorFromConfig(t *testing.T) {
	restarts := 3
	cfg := &config.Config{
		Process: config.ProcessSpec{Command: "/usr/bin/api", Args: []string{"--port", "8080"}},
		Supervise: config.SuperviseSpec{
			CheckInterval: config.NewDuration(time.Second),
			Backoff:       config.NewDuration(0),
			Restarts:      &restarts,
		},
		Checks: []*config.CheckSpec{
			{Name: "alive", Running: &config.RunningCheck{}},
			{Name: "web", HTTP: &config.HTTPCheckSpec{URL: "http://localhost:8080"}},
		},
	}
	cfg.ApplyDefaults()

	var observed []string
	observe := func(check string) func(time.Duration, error) {
		observed = append(observed, check)
		return func(time.Duration, error) {}
	}
	logger := logging.NewWithWriter(config.LoggingSpec{}, "test", io.Discard)
	sup, err := buildSupervisor(cfg, logger, observe)
	if err != nil {
		t.Fatalf("buildSupervisor returned error: %v", err)
	}

	if got := sup.Name(); got != "api" {
		t.Fatalf("name = %q, want api", got)
	}
	if sup.CheckInterval() != time.Second || sup.BackoffTime() != 0 || sup.RestartBudget() != 3 {
		t.Fatalf("timing not applied: interval=%v backoff=%v budget=%d", sup.CheckInterval(), sup.BackoffTime(), sup.RestartBudget())
	}
	tests := sup.Tests()
	if len(tests) != 2 || tests[0] != "alive" || tests[1] != "web" {
		t.Fatalf("tests = %v, want [alive web]", tests)
	}
	if len(observed) != 2 {
		t.Fatalf("expected an observer per check, got %v", observed)
	}
}

func TestLogSupervisingRedactsArgs(t *testing.T) {
	cfg := &config.Config{
		Process: config.ProcessSpec{
			Name:    "api",
			Command: "/usr/bin/api",
			Args:    []string{"serve", "ACCESS_TOKEN=xyz"},
		},
		Checks: []*config.CheckSpec{{Name: "alive", Running: &config.RunningCheck{}}},
	}
	cfg.ApplyDefaults()

	var buf bytes.Buffer
	logger := logging.NewWithWriter(config.LoggingSpec{Format: "json"}, "test", &buf)
	sup, err := buildSupervisor(cfg, logging.NewWithWriter(config.LoggingSpec{}, "test", io.Discard), nil)
	if err != nil {
		t.Fatalf("buildSupervisor returned error: %v", err)
	}
	logSupervising(logger, sup)

	var record struct {
		Msg     string   `json:"msg"`
		Process string   `json:"process"`
		Command string   `json:"command"`
		Args    []string `json:"args"`
		Checks  []string `json:"checks"`
	}
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if record.Msg != "supervising process" || record.Process != "api" || record.Command != "/usr/bin/api" {
		t.Fatalf("unexpected log record: %+v", record)
	}
	if strings.Join(record.Args, " ") != "serve ACCESS_TOKEN=[redacted]" {
		t.Fatalf("args not redacted: %v", record.Args)
	}
	if strings.Join(record.Checks, ",") != "alive" {
		t.Fatalf("checks = %v, want [alive]", record.Checks)
	}
}

func TestRunRejectsFileWithCommand(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--file", "warden.yaml", "--", "sleep", "1"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--file cannot be combined") {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestRunRejectsInvalidOutput(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--output", "xml", "--", "sleep", "1"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid --output") {
		t.Fatalf("expected output error, got %v", err)
	}
}

func TestRunLaunchFailure(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--log-level", "error", "--check-interval", "10ms", "--", "/nonexistent/warden-test-binary"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "warden-test-binary") {
		t.Fatalf("expected launch error, got %v", err)
	}
}

func TestRunStreamsJSONEventsUntilBudgetExhausted(t *testing.T) {
	if stdruntime.GOOS == "windows" {
		t.Skip("sleep binary not available on windows")
	}

	missing := filepath.Join(t.TempDir(), "never-created")
	cmd := NewRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"run",
		"--log-level", "error",
		"--output", "json",
		"--check-interval", "10ms",
		"--backoff", "1ms",
		"--restarts", "1",
		"--name", "sleeper",
		"--check-file", missing,
		"--", "sleep", "5",
	})

	err := cmd.Execute()
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}

	var types []string
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var record struct {
			Type    string `json:"type"`
			Process string `json:"process"`
			Attempt int    `json:"attempt"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("invalid JSON line %q: %v", scanner.Text(), err)
		}
		if record.Process != "sleeper" {
			t.Fatalf("unexpected process label %q", record.Process)
		}
		types = append(types, record.Type)
	}

	want := []string{"launched", "round_start", "test_error", "restart", "launched", "round_start", "test_error", "no_restart"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("event sequence mismatch:\n got %v\nwant %v", types, want)
	}
}

func TestStartAPIServerServesStatus(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	orig := newAPIServer
	newAPIServer = func(cfg apihttp.Config) (*apihttp.Server, error) {
		cfg.Listener = ln
		return apihttp.NewServer(cfg)
	}
	t.Cleanup(func() { newAPIServer = orig })

	tracker := newStatusTracker("api", "/usr/bin/api", -1)
	tracker.OnLaunch(77)

	logger := logging.NewWithWriter(config.LoggingSpec{}, "test", io.Discard)
	stop, err := startAPIServer(stdcontext.Background(), ln.Addr().String(), tracker, logger)
	if err != nil {
		t.Fatalf("startAPIServer returned error: %v", err)
	}

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/status")
	if err != nil {
		_ = stop()
		t.Fatalf("GET status: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"pid":77`) {
		_ = stop()
		t.Fatalf("unexpected status response %d: %s", resp.StatusCode, body)
	}

	if err := stop(); err != nil {
		t.Fatalf("stop returned error: %v", err)
	}
}

func TestStartAPIServerDisabled(t *testing.T) {
	logger := logging.NewWithWriter(config.LoggingSpec{}, "test", io.Discard)
	stop, err := startAPIServer(stdcontext.Background(), "", newStatusTracker("api", "api", -1), logger)
	if err != nil || stop != nil {
		t.Fatalf("expected no server for empty addr, got stop=%v err=%v", stop != nil, err)
	}
}

func TestStatusCommandPrintsReport(t *testing.T) {
	tracker, _ := newTestTracker(2)
	tracker.OnLaunch(321)
	tracker.OnTestRoundStart()
	tracker.OnTestOK("alive")
	tracker.OnAllTestsPassing()

	addr := serveStatus(t, tracker)

	cmd := NewRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "--addr", addr, "--history", "5"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("status returned error: %v", err)
	}
	text := out.String()
	for _, want := range []string{"PROCESS", "api", "Healthy", "321", "alive", "History:", "tests_passing"} {
		if !strings.Contains(text, want) {
			t.Fatalf("status output missing %q:\n%s", want, text)
		}
	}
}

func TestStatusCommandNotStarted(t *testing.T) {
	addr := serveStatus(t, newStatusTracker("api", "api", -1))

	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "--addr", addr})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "process not started") {
		t.Fatalf("expected not started error, got %v", err)
	}
}

// serveStatus runs the status server for ctrl on a loopback port until the
// test ends and returns its base URL.
func serveStatus(t *testing.T, ctrl *statusTracker) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server, err := apihttp.NewServer(apihttp.Config{Controller: ctrl, Listener: ln})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("status server: %v", err)
		}
	})
	return "http://" + server.Addr()
}

func TestStatusURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:9464":         "http://127.0.0.1:9464/api/v1/status",
		":9464":                  "http://127.0.0.1:9464/api/v1/status",
		"0.0.0.0:9464":           "http://127.0.0.1:9464/api/v1/status",
		"http://warden.local/":   "http://warden.local/api/v1/status",
		"https://warden.local:1": "https://warden.local:1/api/v1/status",
	}
	for input, want := range cases {
		if got := statusURL(input); got != want {
			t.Fatalf("statusURL(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version returned error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "warden "+version+"\n") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}

func TestRootRejectsInvalidLogLevel(t *testing.T) {
	_, ctx := newRootCommand()
	ctx.logLevel = "trace"
	if _, err := ctx.newLogger(config.LoggingSpec{}); err == nil {
		t.Fatalf("expected invalid log level error")
	}
	ctx.logLevel = ""
	ctx.logFormat = "yaml"
	if _, err := ctx.newLogger(config.LoggingSpec{}); err == nil {
		t.Fatalf("expected invalid log format error")
	}
}

func TestCaptureOutputLogsProcessLines(t *testing.T) {
	if stdruntime.GOOS == "windows" {
		t.Skip("sh not available on windows")
	}

	var buf bytes.Buffer
	logger := logging.NewWithWriter(config.LoggingSpec{Format: "json"}, "test", &buf)
	restarts := 0
	cfg := &config.Config{
		Process: config.ProcessSpec{Command: "sh", Args: []string{"-c", "echo hello; echo oops >&2; sleep 5"}},
		Supervise: config.SuperviseSpec{
			CheckInterval: config.NewDuration(100 * time.Millisecond),
			Restarts:      &restarts,
		},
		Checks: []*config.CheckSpec{
			{Name: "missing", File: &config.FileCheckSpec{Path: filepath.Join(t.TempDir(), "absent")}},
		},
	}
	cfg.ApplyDefaults()

	sup, err := buildSupervisor(cfg, logger, nil)
	if err != nil {
		t.Fatalf("buildSupervisor: %v", err)
	}
	stop := captureOutput(sup, logger)
	if err := sup.Run(stdcontext.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	stop()

	out := buf.String()
	for _, want := range []string{`"stream":"stdout","line":"hello"`, `"stream":"stderr","line":"oops"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in log output:\n%s", want, out)
		}
	}
}

func TestChainObserversFansOut(t *testing.T) {
	var calls []string
	record := func(tag string) func(string) func(time.Duration, error) {
		return func(check string) func(time.Duration, error) {
			return func(d time.Duration, err error) {
				calls = append(calls, tag+":"+check+":"+d.String())
			}
		}
	}
	observe := chainObservers(record("a"), record("b"))("web")
	observe(time.Second, nil)
	if strings.Join(calls, ",") != "a:web:1s,b:web:1s" {
		t.Fatalf("unexpected calls %v", calls)
	}
}
