package influxnotify

import (
	"context"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/notify"
	"github.com/Paintersrp/warden/internal/supervisor"
)

const (
	pingTimeout = 5 * time.Second
	batchSize   = 100

	// MeasurementCheck holds one point per health check execution.
	MeasurementCheck = "warden_check"
	// MeasurementEvent holds one point per lifecycle event.
	MeasurementEvent = "warden_event"
)

// PointWriter is the subset of the InfluxDB non-blocking write API in use.
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Recorder writes check results and lifecycle events as InfluxDB points. It
// implements supervisor.Listener and supervisor.LaunchListener.
type Recorder struct {
	writer  PointWriter
	process string
	now     func() time.Time
	closeFn func()

	mu      sync.Mutex
	attempt int
}

// Connect creates a client for cfg. A failed ping is logged and writes are
// still attempted; the client buffers and retries them.
func Connect(cfg config.InfluxSpec, process string, logger notify.Logger) *Recorder {
	logger = notify.OrNoop(logger)
	flush := cfg.FlushInterval.Duration
	if flush <= 0 {
		flush = config.DefaultFlushInterval
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(uint(flush.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if ok, err := client.Ping(ctx); err != nil || !ok {
		logger.Warn("influxdb unreachable; writes will be retried", "url", cfg.URL, "error", err)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn("influxdb write failed", "url", cfg.URL, "error", err)
		}
	}()

	r := New(writeAPI, process)
	r.closeFn = func() {
		client.Close()
	}
	return r
}

// New returns a recorder writing through w.
func New(w PointWriter, process string) *Recorder {
	return &Recorder{writer: w, process: process, now: time.Now}
}

// Close flushes buffered points and releases the client.
func (r *Recorder) Close() {
	r.writer.Flush()
	if r.closeFn != nil {
		r.closeFn()
		r.closeFn = nil
	}
}

// CheckObserver returns a callback that writes one point per execution of
// the named check, suitable for probe.Options.Observe.
func (r *Recorder) CheckObserver(check string) func(time.Duration, error) {
	return func(latency time.Duration, err error) {
		fields := map[string]interface{}{
			"ok":         err == nil,
			"latency_ms": float64(latency) / float64(time.Millisecond),
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		tags := map[string]string{"process": r.process, "check": check}
		r.writer.WritePoint(influxdb2.NewPoint(MeasurementCheck, tags, fields, r.now()))
	}
}

func (r *Recorder) event(t supervisor.EventType, pid int) {
	r.mu.Lock()
	if t == supervisor.EventTypeLaunched {
		r.attempt++
	}
	attempt := r.attempt
	r.mu.Unlock()

	fields := map[string]interface{}{"attempt": attempt}
	if pid > 0 {
		fields["pid"] = pid
	}
	tags := map[string]string{"process": r.process, "type": string(t)}
	r.writer.WritePoint(influxdb2.NewPoint(MeasurementEvent, tags, fields, r.now()))
}

func (r *Recorder) OnLaunch(pid int) { r.event(supervisor.EventTypeLaunched, pid) }

// Rounds and individual results are covered by check points.
func (r *Recorder) OnTestRoundStart() {}
func (r *Recorder) OnTestOK(string)   {}

func (r *Recorder) OnTestError(string) { r.event(supervisor.EventTypeTestError, 0) }

func (r *Recorder) OnAllTestsPassing() { r.event(supervisor.EventTypeTestsPassing, 0) }

func (r *Recorder) OnRestart() { r.event(supervisor.EventTypeRestart, 0) }

func (r *Recorder) OnNoRestart() { r.event(supervisor.EventTypeNoRestart, 0) }

var (
	_ supervisor.Listener       = (*Recorder)(nil)
	_ supervisor.LaunchListener = (*Recorder)(nil)
)
