package monitor

import (
	"sync"
	"time"

	"github.com/couchcryptid/profile-geofix/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Metrics records lifecycle signals as Prometheus series.
type Metrics struct {
	metrics *observability.Metrics
	clock   clockwork.Clock

	mu     sync.Mutex
	starts map[string]time.Time
}

// NewMetrics creates a metrics monitor. A nil clock uses real time.
func NewMetrics(m *observability.Metrics, clock clockwork.Clock) *Metrics {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Metrics{
		metrics: m,
		clock:   clock,
		starts:  make(map[string]time.Time),
	}
}

func (m *Metrics) ReportElementStarted(id string) {
	m.mu.Lock()
	m.starts[id] = m.clock.Now()
	m.mu.Unlock()

	m.metrics.ElementsStarted.Inc()
	m.metrics.ElementsInFlight.Inc()
}

func (m *Metrics) ReportElementEnded(id string) {
	m.mu.Lock()
	start, ok := m.starts[id]
	delete(m.starts, id)
	m.mu.Unlock()

	m.metrics.ElementsEnded.Inc()
	if ok {
		m.metrics.ElementsInFlight.Dec()
		m.metrics.ElementDuration.Observe(m.clock.Since(start).Seconds())
	}
}

func (m *Metrics) ReportCompleted() {
	m.release()
	m.metrics.StageTerminations.WithLabelValues("completed").Inc()
}

func (m *Metrics) ReportErrored() {
	m.release()
	m.metrics.StageTerminations.WithLabelValues("errored").Inc()
}

// release drops elements that were started but will never end.
func (m *Metrics) release() {
	m.mu.Lock()
	n := len(m.starts)
	clear(m.starts)
	m.mu.Unlock()

	m.metrics.ElementsInFlight.Sub(float64(n))
}
