package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	// Poller events
	EventJobClaimed       EventType = "job.claimed"
	EventJobClaimConflict EventType = "job.claim_conflict"

	// Job lifecycle events, one per status transition
	EventJobTransition EventType = "job.transition"

	// Control events
	EventPauseRequested   EventType = "job.pause_requested"
	EventResumeRequested  EventType = "job.resume_requested"
	EventCancelRequested  EventType = "job.cancel_requested"
	EventCancelForced     EventType = "job.cancel_forced"
	EventCapacityRejected EventType = "job.capacity_rejected"
)

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event is one entry of the agent's job event history
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Severity  EventSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
	RequestID string        `json:"request_id,omitempty"`

	JobID string `json:"job_id,omitempty"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`

	Description string                 `json:"description"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// EventStream keeps a bounded in-memory history of job events and fans
// them out to watchers
type EventStream struct {
	logger   *zap.Logger
	events   []Event
	mu       sync.RWMutex
	maxSize  int
	watchers []chan Event
}

// EventStreamConfig holds configuration for the event stream
type EventStreamConfig struct {
	MaxSize int // Maximum number of events to keep in memory
}

// NewEventStream creates a new event stream
func NewEventStream(cfg EventStreamConfig, logger *zap.Logger) *EventStream {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 1000
	}

	return &EventStream{
		logger:   logger,
		events:   make([]Event, 0, cfg.MaxSize),
		maxSize:  cfg.MaxSize,
		watchers: make([]chan Event, 0),
	}
}

// RecordEvent records a new event to the stream
func (es *EventStream) RecordEvent(ctx context.Context, event Event) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = GenerateRequestID()
	}
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	es.events = append(es.events, event)

	// Trim if exceeds max size (FIFO)
	if len(es.events) > es.maxSize {
		es.events = es.events[len(es.events)-es.maxSize:]
	}

	es.logEvent(event)

	for _, ch := range es.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// logEvent logs the event using structured logging
func (es *EventStream) logEvent(event Event) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	}
	if event.JobID != "" {
		fields = append(fields, zap.String("job_id", event.JobID))
	}
	if event.From != "" || event.To != "" {
		fields = append(fields, zap.String("from", event.From), zap.String("to", event.To))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}

	switch event.Severity {
	case SeverityWarning:
		es.logger.Warn(event.Description, fields...)
	case SeverityError:
		es.logger.Error(event.Description, fields...)
	default:
		es.logger.Info(event.Description, fields...)
	}
}

// GetEvents retrieves events with optional filtering
func (es *EventStream) GetEvents(filter EventFilter) []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()

	result := make([]Event, 0)
	for _, event := range es.events {
		if filter.Matches(event) {
			result = append(result, event)
		}
	}

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result
}

// Watch creates a channel that receives new events
func (es *EventStream) Watch() chan Event {
	es.mu.Lock()
	defer es.mu.Unlock()

	ch := make(chan Event, 100)
	es.watchers = append(es.watchers, ch)

	return ch
}

// Unwatch removes a watcher channel
func (es *EventStream) Unwatch(ch chan Event) {
	es.mu.Lock()
	defer es.mu.Unlock()

	for i, watcher := range es.watchers {
		if watcher == ch {
			es.watchers = append(es.watchers[:i], es.watchers[i+1:]...)
			close(ch)
			break
		}
	}
}

// Export exports events as JSON
func (es *EventStream) Export() ([]byte, error) {
	es.mu.RLock()
	defer es.mu.RUnlock()

	return json.MarshalIndent(es.events, "", "  ")
}

// EventFilter defines filtering criteria for events
type EventFilter struct {
	Types     []EventType
	JobID     string
	StartTime time.Time
	Limit     int
}

// Matches checks if an event matches the filter
func (f EventFilter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.JobID != "" && event.JobID != f.JobID {
		return false
	}
	if !f.StartTime.IsZero() && event.Timestamp.Before(f.StartTime) {
		return false
	}

	return true
}

// NewTransitionEvent creates a job status transition event
func NewTransitionEvent(jobID, from, to, errMsg string) Event {
	severity := SeverityInfo
	if errMsg != "" {
		severity = SeverityError
	}
	return Event{
		Type:        EventJobTransition,
		Severity:    severity,
		JobID:       jobID,
		From:        from,
		To:          to,
		Description: fmt.Sprintf("Job %s moved from %s to %s", jobID, from, to),
		Error:       errMsg,
	}
}

// NewJobEvent creates a non-transition job event
func NewJobEvent(eventType EventType, jobID, description string) Event {
	severity := SeverityInfo
	switch eventType {
	case EventJobClaimConflict, EventCancelForced, EventCapacityRejected:
		severity = SeverityWarning
	}
	return Event{
		Type:        eventType,
		Severity:    severity,
		JobID:       jobID,
		Description: description,
	}
}
