// Package run drives workflow runs: it owns the run session, consumes the
// engine's event stream from a channel.Conn, relays each step's output as the
// next step's input when the engine asks for it, and resolves the session to
// Completed or Errored.
package run

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/randalmurphal/stepflow/internal/channel"
	"github.com/randalmurphal/stepflow/internal/events"
	"github.com/randalmurphal/stepflow/internal/metrics"
	"github.com/randalmurphal/stepflow/internal/protocol"
)

const (
	chainingViolationMessage = "next step requested before any result"
	idleTimeoutMessage       = "engine idle timeout"
)

// ErrInvalidRef is returned by Start for a workflow reference without an id.
var ErrInvalidRef = errors.New("workflow id must be positive")

// Ref identifies the workflow to run. Only the id and display name are needed.
type Ref struct {
	ID   int64
	Name string
}

// Snapshot is a point-in-time copy of a run session.
type Snapshot struct {
	SessionID      string       `json:"session_id,omitempty"`
	WorkflowID     int64        `json:"workflow_id,omitempty"`
	WorkflowName   string       `json:"workflow_name,omitempty"`
	Status         Status       `json:"status"`
	StatusMessage  string       `json:"status_message"`
	LastStepOutput string       `json:"last_step_output,omitempty"`
	HasOutput      bool         `json:"has_output"`
	Results        []StepResult `json:"results"`
	Error          string       `json:"error,omitempty"`
	StartedAt      time.Time    `json:"started_at,omitempty"`
	FinishedAt     time.Time    `json:"finished_at,omitempty"`
}

// Duration returns how long the session ran, or zero while it is still live.
func (s Snapshot) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// session is one run attempt. All fields are guarded by Orchestrator.mu.
type session struct {
	id      string
	ref     Ref
	conn    channel.Conn
	status  Status
	message string

	lastOutput string
	hasOutput  bool
	results    *Accumulator

	errText      string
	startedAt    time.Time
	finishedAt   time.Time
	lastActivity time.Time

	// done is closed when the session turns terminal or is discarded.
	done  chan struct{}
	ended bool
}

func (s *session) end() {
	if !s.ended {
		s.ended = true
		close(s.done)
	}
}

// Orchestrator owns at most one run session at a time.
type Orchestrator struct {
	opener      channel.Opener
	publisher   events.Publisher
	logger      *slog.Logger
	clock       clockwork.Clock
	idleTimeout time.Duration
	strict      bool

	mu      sync.Mutex
	current *session
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher sets the event publisher observers subscribe to.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock sets the clock used for timestamps and the idle timeout.
func WithClock(clock clockwork.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = clock
	}
}

// WithIdleTimeout errors a session that receives nothing from the engine for d.
// Zero disables the timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.idleTimeout = d
	}
}

// WithStrictChaining makes a nextStep request before any result a protocol
// error instead of a dropped request.
func WithStrictChaining(strict bool) Option {
	return func(o *Orchestrator) {
		o.strict = strict
	}
}

// New creates an idle orchestrator that opens run channels with opener.
func New(opener channel.Opener, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		opener:    opener,
		publisher: events.NewNopPublisher(),
		logger:    slog.Default(),
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start discards any previous session, then opens a channel for ref and
// returns the new session id. ctx bounds the connection attempt only; use
// Close to end a live run.
func (o *Orchestrator) Start(ctx context.Context, ref Ref) (string, error) {
	if ref.ID <= 0 {
		return "", ErrInvalidRef
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if prev := o.current; prev != nil {
		o.discard(prev)
	}

	now := o.clock.Now()
	s := &session{
		id:           uuid.NewString(),
		ref:          ref,
		status:       StatusConnecting,
		message:      MessageConnecting,
		results:      NewAccumulator(),
		startedAt:    now,
		lastActivity: now,
		done:         make(chan struct{}),
	}
	o.current = s
	s.conn = o.opener.Open(ctx, ref.ID)

	metrics.RunsStartedTotal.Inc()
	o.logger.Info("run started", "session", s.id, "workflow_id", ref.ID, "workflow", ref.Name, "channel", s.conn.ID())
	o.publishState(s)

	go o.pump(s)
	if o.idleTimeout > 0 {
		go o.watchIdle(s)
	}
	return s.id, nil
}

// Snapshot returns a copy of the current session, or an Idle snapshot when
// there is none.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return Snapshot{Status: StatusIdle, Results: []StepResult{}}
	}
	return snapshotOf(o.current)
}

// Wait blocks until the session that is current when Wait is called becomes
// terminal or is replaced, and returns its final snapshot.
func (o *Orchestrator) Wait(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	s := o.current
	o.mu.Unlock()
	if s == nil {
		return Snapshot{Status: StatusIdle, Results: []StepResult{}}, nil
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		o.mu.Lock()
		defer o.mu.Unlock()
		return snapshotOf(s), ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return snapshotOf(s), nil
}

// Close releases the current session's channel and returns to Idle. In-flight
// results for the closed channel are dropped. Safe to call at any time.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		o.discard(o.current)
		o.current = nil
	}
	return nil
}

// discard closes a session's channel without a transition. Caller holds mu.
func (o *Orchestrator) discard(s *session) {
	if !s.status.Terminal() {
		o.logger.Info("run discarded", "session", s.id, "status", s.status)
	}
	s.end()
	_ = s.conn.Close()
}

// pump feeds one session's signals into apply, in channel order.
func (o *Orchestrator) pump(s *session) {
	signals := s.conn.Signals()
	for {
		select {
		case <-s.done:
			return
		case sig, ok := <-signals:
			if !ok {
				o.streamEnded(s)
				return
			}
			o.apply(s, sig)
		}
	}
}

// streamEnded handles a signal stream that stopped without a terminal signal.
func (o *Orchestrator) streamEnded(s *session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != s || s.status.Terminal() {
		return
	}
	o.fail(s, MessageConnectionError, "channel closed without a terminal signal")
}

// apply runs one transition. It reports whether the signal was accepted:
// signals for a superseded session or a terminal session are dropped.
func (o *Orchestrator) apply(s *session, sig channel.Signal) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.current != s || s.status.Terminal() {
		o.logger.Debug("dropping signal", "session", s.id, "signal", sig.Kind, "status", s.status)
		return false
	}
	s.lastActivity = o.clock.Now()

	switch sig.Kind {
	case channel.SignalOpen:
		if s.status != StatusConnecting {
			return false
		}
		s.status = StatusRunning
		o.setMessage(s, MessageStarted)

	case channel.SignalError:
		errText := ""
		if sig.Err != nil {
			errText = sig.Err.Error()
		}
		o.logger.Warn("run connection error", "session", s.id, "error", errText)
		o.fail(s, MessageConnectionError, errText)
		return true

	case channel.SignalClosed:
		o.complete(s, sig)
		return true

	case channel.SignalEvent:
		if s.status != StatusRunning {
			return false
		}
		o.handleEvent(s, sig.Event)
		return true
	}

	o.publishState(s)
	return true
}

// handleEvent applies one engine event to a running session. Caller holds mu.
func (o *Orchestrator) handleEvent(s *session, ev protocol.Event) {
	switch ev.Type {
	case protocol.EventStatus:
		o.setMessage(s, ev.Message)
		o.publishState(s)

	case protocol.EventResult:
		r := StepResult{Step: ev.Step, Prompt: ev.Prompt, Result: ev.Result}
		idx := s.results.Append(r)
		s.lastOutput = ev.Result
		s.hasOutput = true
		metrics.RunStepResultsTotal.Inc()
		o.logger.Debug("step result", "session", s.id, "step", ev.Step, "index", idx)
		o.publisher.Publish(events.NewEvent(events.EventResult, s.id, events.ResultData{
			Index:  idx,
			Step:   r.Step,
			Prompt: r.Prompt,
			Result: r.Result,
		}))
		o.publishState(s)

	case protocol.EventNextStep:
		o.chain(s)

	case protocol.EventError:
		o.fail(s, errorPrefix+ev.Message, "")
	}
}

// chain answers a nextStep request with the last step output. Caller holds mu.
func (o *Orchestrator) chain(s *session) {
	if !s.hasOutput {
		metrics.RunChainingViolationsTotal.Inc()
		if o.strict {
			o.logger.Warn("next step requested before any result", "session", s.id)
			o.fail(s, errorPrefix+chainingViolationMessage, "")
			return
		}
		o.logger.Warn("dropping next step request: no result to forward", "session", s.id)
		o.publisher.Publish(events.NewEvent(events.EventWarning, s.id, events.WarningData{
			Message: chainingViolationMessage,
		}))
		return
	}

	cmd := protocol.StepInput(s.lastOutput)
	err := s.conn.Send(cmd)
	metrics.RecordCommand(string(cmd.Type), err)
	data := events.CommandData{Type: string(cmd.Type), Content: cmd.Content}
	if err != nil {
		o.logger.Warn("send step input failed", "session", s.id, "error", err)
		data.Error = err.Error()
	}
	o.publisher.Publish(events.NewEvent(events.EventCommand, s.id, data))
}

func (o *Orchestrator) setMessage(s *session, msg string) {
	s.message = msg
	o.publisher.Publish(events.NewEvent(events.EventStatus, s.id, events.StatusData{Message: msg}))
}

// complete moves s to Completed after the engine closed the channel. Caller holds mu.
func (o *Orchestrator) complete(s *session, sig channel.Signal) {
	s.status = StatusCompleted
	o.setMessage(s, MessageFinished)
	o.finish(s)
	o.logger.Info("run finished", "session", s.id, "results", s.results.Len(), "close_code", sig.Code)
	o.publisher.Publish(events.NewEvent(events.EventComplete, s.id, events.CompleteData{
		Status:   s.status.String(),
		Results:  s.results.Len(),
		Duration: s.finishedAt.Sub(s.startedAt).String(),
	}))
	o.publishState(s)
}

// fail moves s to Errored with the given status message. Caller holds mu.
func (o *Orchestrator) fail(s *session, msg, cause string) {
	s.status = StatusErrored
	s.errText = cause
	o.setMessage(s, msg)
	o.finish(s)
	o.logger.Info("run errored", "session", s.id, "status", msg, "cause", cause)
	o.publisher.Publish(events.NewEvent(events.EventError, s.id, events.ErrorData{Message: msg, Cause: cause}))
	o.publisher.Publish(events.NewEvent(events.EventComplete, s.id, events.CompleteData{
		Status:   s.status.String(),
		Results:  s.results.Len(),
		Duration: s.finishedAt.Sub(s.startedAt).String(),
	}))
	o.publishState(s)
}

// finish releases the channel of a session that just turned terminal.
func (o *Orchestrator) finish(s *session) {
	s.finishedAt = o.clock.Now()
	metrics.RecordRunFinished(s.status.String(), s.finishedAt.Sub(s.startedAt))
	s.end()
	_ = s.conn.Close()
}

func (o *Orchestrator) publishState(s *session) {
	o.publisher.Publish(events.NewEvent(events.EventState, s.id, snapshotOf(s)))
}

// watchIdle errors s when no signal arrives for the idle timeout.
func (o *Orchestrator) watchIdle(s *session) {
	timer := o.clock.NewTimer(o.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-timer.Chan():
		}

		o.mu.Lock()
		if o.current != s || s.status.Terminal() {
			o.mu.Unlock()
			return
		}
		idle := o.clock.Since(s.lastActivity)
		if idle >= o.idleTimeout {
			o.logger.Warn("engine idle timeout", "session", s.id, "idle", idle)
			o.fail(s, errorPrefix+idleTimeoutMessage, "no signal for "+idle.String())
			o.mu.Unlock()
			return
		}
		timer.Reset(o.idleTimeout - idle)
		o.mu.Unlock()
	}
}

func snapshotOf(s *session) Snapshot {
	return Snapshot{
		SessionID:      s.id,
		WorkflowID:     s.ref.ID,
		WorkflowName:   s.ref.Name,
		Status:         s.status,
		StatusMessage:  s.message,
		LastStepOutput: s.lastOutput,
		HasOutput:      s.hasOutput,
		Results:        s.results.Results(),
		Error:          s.errText,
		StartedAt:      s.startedAt,
		FinishedAt:     s.finishedAt,
	}
}
