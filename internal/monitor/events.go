package monitor

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Event types published by Events.
const (
	EventElementStarted = "element_started"
	EventElementEnded   = "element_ended"
	EventCompleted      = "completed"
	EventErrored        = "errored"
)

// Publisher sends a payload to a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the wire form of one lifecycle signal.
type Event struct {
	RunID     string    `json:"run_id"`
	Plugin    string    `json:"plugin"`
	Type      string    `json:"type"`
	ElementID string    `json:"element_id,omitempty"`
	At        time.Time `json:"at"`
}

// EventsConfig configures an Events monitor.
type EventsConfig struct {
	SubjectPrefix string
	Plugin        string
	// RunID identifies this process run; a random UUID when empty.
	RunID string
	// Clock stamps events; real time when nil.
	Clock clockwork.Clock
}

// Events publishes lifecycle signals as JSON to subjects of the form
// <prefix>.<plugin>.<type>. Publish failures are logged and dropped.
type Events struct {
	pub    Publisher
	prefix string
	plugin string
	runID  string
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewEvents creates an event-publishing monitor.
func NewEvents(pub Publisher, cfg EventsConfig, logger *slog.Logger) *Events {
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Events{
		pub:    pub,
		prefix: cfg.SubjectPrefix,
		plugin: cfg.Plugin,
		runID:  runID,
		clock:  clock,
		logger: logger,
	}
}

// RunID returns the identifier stamped on every event.
func (e *Events) RunID() string { return e.runID }

func (e *Events) ReportElementStarted(id string) { e.publish(EventElementStarted, id) }
func (e *Events) ReportElementEnded(id string)   { e.publish(EventElementEnded, id) }
func (e *Events) ReportCompleted()               { e.publish(EventCompleted, "") }
func (e *Events) ReportErrored()                 { e.publish(EventErrored, "") }

func (e *Events) subject(eventType string) string {
	if e.prefix == "" {
		return e.plugin + "." + eventType
	}
	return e.prefix + "." + e.plugin + "." + eventType
}

func (e *Events) publish(eventType, elementID string) {
	data, err := json.Marshal(Event{
		RunID:     e.runID,
		Plugin:    e.plugin,
		Type:      eventType,
		ElementID: elementID,
		At:        e.clock.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("encode lifecycle event failed", "type", eventType, "error", err)
		return
	}
	subject := e.subject(eventType)
	if err := e.pub.Publish(subject, data); err != nil {
		e.logger.Warn("publish lifecycle event failed",
			"subject", subject,
			"element_id", elementID,
			"error", err,
		)
	}
}
