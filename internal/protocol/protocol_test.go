package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Event
		wantErr error
	}{
		{
			name:  "status",
			frame: `{"type":"status","message":"connecting..."}`,
			want:  Status("connecting..."),
		},
		{
			name:  "result",
			frame: `{"type":"result","step":1,"prompt":"Write a title","result":"My Title"}`,
			want:  Result(1, "Write a title", "My Title"),
		},
		{
			name:  "next step",
			frame: `{"type":"nextStep"}`,
			want:  NextStep(),
		},
		{
			name:  "error",
			frame: `{"type":"error","message":"rate limited"}`,
			want:  Failure("rate limited"),
		},
		{
			name:  "extra fields are ignored",
			frame: `{"type":"status","message":"ok","progress":50}`,
			want:  Status("ok"),
		},
		{
			name:    "unknown type",
			frame:   `{"type":"heartbeat"}`,
			wantErr: ErrUnknownType,
		},
		{
			name:    "missing type",
			frame:   `{"message":"hi"}`,
			wantErr: ErrUnknownType,
		},
		{
			name:    "non string type",
			frame:   `{"type":5}`,
			wantErr: ErrUnknownType,
		},
		{
			name:    "invalid json",
			frame:   `{"type":"status"`,
			wantErr: ErrMalformed,
		},
		{
			name:    "array payload",
			frame:   `[{"type":"status"}]`,
			wantErr: ErrMalformed,
		},
		{
			name:    "wrong field type",
			frame:   `{"type":"result","step":"one","prompt":"p","result":"r"}`,
			wantErr: ErrMalformed,
		},
		{
			name:    "empty frame",
			frame:   ``,
			wantErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEvent([]byte(tt.frame))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"stepInput","content":"My Title"}`))
	require.NoError(t, err)
	assert.Equal(t, StepInput("My Title"), cmd)

	_, err = ParseCommand([]byte(`{"type":"pause"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = ParseCommand([]byte(`nope`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncode(t *testing.T) {
	data, err := Encode(StepInput("My Title"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stepInput","content":"My Title"}`, string(data))

	// Empty content is still sent; the engine decides what it means.
	data, err = Encode(StepInput(""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stepInput","content":""}`, string(data))

	data, err = Encode(NextStep())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"nextStep"}`, string(data))

	_, err = Encode(map[string]string{"type": "status"})
	assert.Error(t, err)
}

func TestEventTypeKnown(t *testing.T) {
	for _, et := range []EventType{EventStatus, EventResult, EventNextStep, EventError} {
		assert.True(t, et.Known(), et)
	}
	assert.False(t, EventType("stepInput").Known())
	assert.False(t, EventType("").Known())
}
