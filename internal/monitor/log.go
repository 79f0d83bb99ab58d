package monitor

import (
	"log/slog"
	"sync"
)

// Log reports lifecycle signals as structured log lines. Per-element signals
// are logged at debug level; every `every` ended elements an info progress
// line is written.
type Log struct {
	logger *slog.Logger
	every  int

	mu      sync.Mutex
	started int
	ended   int
}

// NewLog creates a log monitor. every <= 0 disables progress lines.
func NewLog(logger *slog.Logger, plugin string, every int) *Log {
	return &Log{
		logger: logger.With("plugin", plugin),
		every:  every,
	}
}

func (l *Log) ReportElementStarted(id string) {
	l.mu.Lock()
	l.started++
	l.mu.Unlock()
	l.logger.Debug("element started", "profile_id", id)
}

func (l *Log) ReportElementEnded(id string) {
	l.mu.Lock()
	l.ended++
	ended := l.ended
	l.mu.Unlock()

	l.logger.Debug("element ended", "profile_id", id)
	if l.every > 0 && ended%l.every == 0 {
		l.logger.Info("geo-fix progress", "elements_ended", ended)
	}
}

func (l *Log) ReportCompleted() {
	started, ended := l.counts()
	l.logger.Info("plugin completed", "elements_started", started, "elements_ended", ended)
}

func (l *Log) ReportErrored() {
	started, ended := l.counts()
	l.logger.Error("plugin errored",
		"elements_started", started,
		"elements_ended", ended,
		"elements_unfinished", started-ended,
	)
}

func (l *Log) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started, l.ended
}
