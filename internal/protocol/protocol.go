// Package protocol defines the message vocabulary spoken between a run client
// and an execution engine over the streaming channel.
//
// Every frame is a single text payload holding one JSON object with a "type"
// discriminator. Engine-to-client frames decode into Event, client-to-engine
// frames decode into Command.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// EventType discriminates inbound (engine to client) messages.
type EventType string

const (
	// EventStatus carries progress text.
	EventStatus EventType = "status"
	// EventResult reports one finished step.
	EventResult EventType = "result"
	// EventNextStep asks the client for the previous result as input.
	EventNextStep EventType = "nextStep"
	// EventError reports a failed run. Terminal.
	EventError EventType = "error"
)

// Known reports whether t is part of the inbound vocabulary.
func (t EventType) Known() bool {
	switch t {
	case EventStatus, EventResult, EventNextStep, EventError:
		return true
	}
	return false
}

// CommandType discriminates outbound (client to engine) messages.
type CommandType string

// CommandStepInput forwards the most recent result as the next step's input.
const CommandStepInput CommandType = "stepInput"

// MalformedMessage is the generic text used when an inbound frame cannot be decoded.
const MalformedMessage = "malformed message from engine"

var (
	// ErrMalformed is returned for frames that are not a single well-typed JSON object.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnknownType is returned for well-formed frames whose type is not recognized.
	ErrUnknownType = errors.New("unknown message type")
)

// Event is the tagged union of inbound messages. Which fields are meaningful
// depends on Type: Message for status and error; Step, Prompt and Result for
// result; nothing for nextStep.
type Event struct {
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
	Step    int       `json:"step,omitempty"`
	Prompt  string    `json:"prompt,omitempty"`
	Result  string    `json:"result,omitempty"`
}

// Status builds a status event.
func Status(message string) Event {
	return Event{Type: EventStatus, Message: message}
}

// Result builds a result event.
func Result(step int, prompt, result string) Event {
	return Event{Type: EventResult, Step: step, Prompt: prompt, Result: result}
}

// NextStep builds a nextStep event.
func NextStep() Event {
	return Event{Type: EventNextStep}
}

// Failure builds an error event.
func Failure(message string) Event {
	return Event{Type: EventError, Message: message}
}

// Command is the tagged union of outbound messages.
type Command struct {
	Type    CommandType `json:"type"`
	Content string      `json:"content"`
}

// StepInput builds the chained-input command.
func StepInput(content string) Command {
	return Command{Type: CommandStepInput, Content: content}
}

// ParseEvent decodes one inbound frame.
//
// It returns ErrMalformed when the payload is not a JSON object or a known
// type carries fields of the wrong JSON type, and ErrUnknownType (wrapped with
// the offending type) when the discriminator is missing or unrecognized.
func ParseEvent(data []byte) (Event, error) {
	typ, err := discriminator(data)
	if err != nil {
		return Event{}, err
	}
	et := EventType(typ)
	if !et.Known() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ev, nil
}

// ParseCommand decodes one outbound frame. Used by the engine side.
func ParseCommand(data []byte) (Command, error) {
	typ, err := discriminator(data)
	if err != nil {
		return Command{}, err
	}
	if CommandType(typ) != CommandStepInput {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return cmd, nil
}

// Encode serializes an Event or Command into a frame payload.
func Encode(msg any) ([]byte, error) {
	switch msg.(type) {
	case Event, Command:
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", msg)
	}
	return json.Marshal(msg)
}

// discriminator validates the payload shape and extracts "type".
func discriminator(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", ErrMalformed
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return "", fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	typ := doc.Get("type")
	if typ.Type != gjson.String {
		return "", fmt.Errorf("%w: missing type", ErrUnknownType)
	}
	return typ.String(), nil
}
