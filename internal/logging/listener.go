package logging

import (
	"time"

	"github.com/docker/go-units"

	"github.com/Paintersrp/warden/internal/supervisor"
)

// Listener logs every supervision hook. Passing rounds log at debug so a
// healthy process stays quiet at the default level.
type Listener struct {
	logger   *Logger
	process  string
	pid      int
	launched time.Time
	now      func() time.Time
}

// NewListener returns a listener that logs events for process.
func NewListener(logger *Logger, process string) *Listener {
	return &Listener{
		logger:  logger.With("process", process),
		process: process,
		now:     time.Now,
	}
}

func (l *Listener) OnLaunch(pid int) {
	l.pid = pid
	l.launched = l.now()
	l.logger.Info("process launched", "pid", pid)
}

func (l *Listener) OnTestRoundStart() {
	l.logger.Debug("health check round started", "pid", l.pid)
}

func (l *Listener) OnTestOK(name string) {
	l.logger.Debug("check passed", "check", name)
}

func (l *Listener) OnTestError(name string) {
	l.logger.Warn("check failed", "check", name, "pid", l.pid)
}

func (l *Listener) OnAllTestsPassing() {
	l.logger.Debug("all checks passing", "pid", l.pid)
}

func (l *Listener) OnRestart() {
	l.logger.Warn("restarting process", "pid", l.pid, "uptime", l.uptime())
}

func (l *Listener) OnNoRestart() {
	l.logger.Error("restart budget exhausted; supervision stopped", "pid", l.pid, "uptime", l.uptime())
}

func (l *Listener) uptime() string {
	if l.launched.IsZero() {
		return "unknown"
	}
	return units.HumanDuration(l.now().Sub(l.launched))
}

var (
	_ supervisor.Listener       = (*Listener)(nil)
	_ supervisor.LaunchListener = (*Listener)(nil)
)
