package runlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// EventType is the type field of an event-log line. EventRecorder sets
// EventError for error-level messages and the level name itself (info,
// warn, debug) otherwise; it does not produce the other lifecycle
// constants below.
type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventCategoryStarted  EventType = "category_started"
	EventCategoryFinished EventType = "category_finished"
	EventProductCommitted EventType = "product_committed"
	EventError            EventType = "error"
	EventRunFinished      EventType = "run_finished"
)

// Event is one line of the JSON event log.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// EventRecorder implements logging.EventEmitter, appending one JSON
// line per logged message to an event-log file alongside the run's
// human-readable log, so a run can be replayed/audited independently
// of the text log's formatting.
type EventRecorder struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewEventRecorder opens (or creates) the event log at path.
func NewEventRecorder(path string) (*EventRecorder, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("runlog: open event log: %w", err)
	}
	return &EventRecorder{path: path, f: f}, nil
}

// Emit implements logging.EventEmitter.
func (r *EventRecorder) Emit(level string, message string, fields map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := Event{Type: eventTypeForLevel(level), Timestamp: time.Now(), Message: message, Fields: fields}
	line, err := json.Marshal(ev)
	if err != nil {
		return
	}
	r.f.Write(append(line, '\n'))
}

func eventTypeForLevel(level string) EventType {
	if level == "error" {
		return EventError
	}
	return EventType(level)
}

// Close releases the underlying file handle.
func (r *EventRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
