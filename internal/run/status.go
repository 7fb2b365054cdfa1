package run

import (
	"fmt"
	"strconv"
)

// Status is the lifecycle state of a run session.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusRunning
	StatusCompleted
	StatusErrored
)

var statusNames = map[Status]string{
	StatusIdle:       "idle",
	StatusConnecting: "connecting",
	StatusRunning:    "running",
	StatusCompleted:  "completed",
	StatusErrored:    "errored",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown run status %q", text)
}

// Status messages set by the orchestrator itself. Engine status events and
// engine errors supply the rest.
const (
	MessageConnecting      = "connecting"
	MessageStarted         = "started"
	MessageConnectionError = "connection error"
	MessageFinished        = "finished"

	errorPrefix = "Error: "
)
