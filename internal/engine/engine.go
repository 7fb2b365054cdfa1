// Package engine is the reference execution engine: it serves the run
// endpoint, executes a workflow's steps in order and streams status, results
// and next-step requests to the client over a websocket.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	sferrors "github.com/randalmurphal/stepflow/internal/errors"
	"github.com/randalmurphal/stepflow/internal/metrics"
	"github.com/randalmurphal/stepflow/internal/protocol"
	"github.com/randalmurphal/stepflow/internal/workflow"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Time to wait for the client's close reply before dropping the socket.
	closeGrace = 2 * time.Second

	// StatusComplete is the last status message of a successful run.
	StatusComplete = "workflow complete"
)

var errInputTimeout = errors.New("timed out waiting for step input")

// Source loads workflows for a run.
type Source interface {
	GetWorkflow(ctx context.Context, id int64) (*workflow.Workflow, error)
}

// Engine serves run sessions.
type Engine struct {
	source       Source
	executor     Executor
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	inputTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithExecutor sets the step executor. Defaults to EchoExecutor.
func WithExecutor(exec Executor) Option {
	return func(e *Engine) {
		e.executor = exec
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithInputTimeout bounds how long a session waits for stepInput after a
// nextStep request. Zero waits until the client goes away.
func WithInputTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.inputTimeout = d
	}
}

// New creates an Engine reading workflows from source.
func New(source Source, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		source:   source,
		executor: EchoExecutor{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: slog.Default(),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Shutdown cancels every active session. Sessions report an error to their
// client and close.
func (e *Engine) Shutdown() {
	e.cancel()
}

// Serve upgrades the request and runs workflowID over the connection. It
// returns once the session has ended.
func (e *Engine) Serve(w http.ResponseWriter, r *http.Request, workflowID int64) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s := &session{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, 16),
		inputs:    make(chan string, 16),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
	s.logger = e.logger.With("session", s.id, "workflow_id", workflowID)

	metrics.EngineSessionsActive.Inc()
	defer metrics.EngineSessionsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	go s.readPump()
	go s.writePump()
	go func() {
		select {
		case <-s.readDone:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.logger.Info("run session started")
	start := time.Now()
	e.run(ctx, s, workflowID)
	s.finish(websocket.CloseNormalClosure, "")
	<-s.writeDone
	s.logger.Info("run session ended", "duration", time.Since(start))
}

func (e *Engine) run(ctx context.Context, s *session, workflowID int64) {
	wf, err := e.source.GetWorkflow(ctx, workflowID)
	if err != nil {
		s.logger.Warn("load workflow failed", "error", err)
		s.fail(describe(err))
		return
	}

	steps := wf.SortedSteps()
	if len(steps) == 0 {
		s.fail(fmt.Sprintf("workflow %d has no steps", workflowID))
		return
	}

	var input string
	for i, step := range steps {
		if i > 0 {
			if !s.emit(protocol.NextStep()) {
				return
			}
			input, err = s.awaitInput(ctx, e.inputTimeout)
			if errors.Is(err, errInputTimeout) {
				s.fail(err.Error())
				return
			}
			if e.ctx.Err() != nil {
				s.fail("engine shutting down")
				return
			}
			if err != nil {
				s.logger.Info("client gone before step input", "step", step.StepNumber)
				return
			}
		}

		if !s.emit(protocol.Status(fmt.Sprintf("Running step %d of %d", i+1, len(steps)))) {
			return
		}

		start := time.Now()
		out, err := e.executor.Execute(ctx, Request{Step: step.StepNumber, Prompt: step.Prompt, Input: input})
		metrics.RecordExecutorCall(e.executor.Name(), time.Since(start), err)
		if err != nil {
			s.logger.Warn("step failed", "step", step.StepNumber, "error", err)
			s.fail(fmt.Sprintf("step %d failed: %v", step.StepNumber, err))
			return
		}

		if !s.emit(protocol.Result(step.StepNumber, step.Prompt, out)) {
			return
		}
	}

	s.emit(protocol.Status(StatusComplete))
	s.finish(websocket.CloseNormalClosure, StatusComplete)
}

func describe(err error) string {
	if e := sferrors.AsError(err); e != nil {
		return e.What
	}
	return err.Error()
}

// session is one client connection. Only the run goroutine calls emit, fail
// and finish.
type session struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	send      chan []byte
	inputs    chan string
	readDone  chan struct{}
	writeDone chan struct{}

	finishOnce sync.Once
	closeCode  int
	closeText  string
}

// emit queues ev for the write pump. It reports false once the connection is gone.
func (s *session) emit(ev protocol.Event) bool {
	data, err := protocol.Encode(ev)
	if err != nil {
		s.logger.Error("encode event", "type", ev.Type, "error", err)
		return false
	}
	select {
	case s.send <- data:
		return true
	case <-s.writeDone:
		return false
	}
}

func (s *session) fail(message string) {
	s.emit(protocol.Failure(message))
	s.finish(websocket.CloseInternalServerErr, "run failed")
}

// finish closes the send queue; the write pump then sends the close frame.
func (s *session) finish(code int, text string) {
	s.finishOnce.Do(func() {
		s.closeCode = code
		s.closeText = text
		close(s.send)
	})
}

func (s *session) awaitInput(ctx context.Context, timeout time.Duration) (string, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case content := <-s.inputs:
		return content, nil
	case <-s.readDone:
		return "", errors.New("connection closed")
	case <-ctx.Done():
		return "", ctx.Err()
	case <-expired:
		return "", errInputTimeout
	}
}

// readPump reads commands from the client.
func (s *session) readPump() {
	defer close(s.readDone)

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		cmd, err := protocol.ParseCommand(message)
		if err != nil {
			s.logger.Warn("ignoring client frame", "error", err)
			continue
		}
		select {
		case s.inputs <- cmd.Content:
		default:
			s.logger.Warn("dropping step input: queue full")
		}
	}
}

// writePump is the only goroutine that writes to the connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writeDone)
	}()

	for {
		select {
		case <-s.readDone:
			return
		case message, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(s.closeCode, s.closeText)
				if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
					return
				}
				select {
				case <-s.readDone:
				case <-time.After(closeGrace):
				}
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
