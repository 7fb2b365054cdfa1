// Package events provides run event types and publishing infrastructure.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventState indicates a full run snapshot after a transition.
	EventState EventType = "state"
	// EventStatus indicates the status message changed.
	EventStatus EventType = "status"
	// EventResult indicates a step result was appended.
	EventResult EventType = "result"
	// EventCommand indicates a command was sent to the engine.
	EventCommand EventType = "command"
	// EventWarning indicates a non-fatal protocol problem.
	EventWarning EventType = "warning"
	// EventComplete indicates the run finished normally.
	EventComplete EventType = "complete"
	// EventError indicates the run failed.
	EventError EventType = "error"
)

// Event represents a published event.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Data      any       `json:"data"`
	Time      time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, sessionID string, data any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
		Time:      time.Now(),
	}
}

// StatusData carries the new status message.
type StatusData struct {
	Message string `json:"message"`
}

// ResultData carries one appended step result and its position in the run.
type ResultData struct {
	Index  int    `json:"index"`
	Step   int    `json:"step"`
	Prompt string `json:"prompt"`
	Result string `json:"result"`
}

// CommandData carries an outbound command.
type CommandData struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// WarningData represents a non-fatal warning.
type WarningData struct {
	Message string `json:"message"`
}

// ErrorData represents error information.
type ErrorData struct {
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// CompleteData represents run completion information.
type CompleteData struct {
	Status   string `json:"status"` // completed, errored
	Results  int    `json:"results"`
	Duration string `json:"duration,omitempty"`
}
