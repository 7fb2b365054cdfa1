// Package channel owns the duplex streaming connection used for one workflow
// run and presents it as an ordered stream of typed signals plus a command sink.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/randalmurphal/stepflow/internal/protocol"
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

	// DefaultPathPrefix is the first path segment of the run endpoint.
	DefaultPathPrefix = "api"
)

var (
	// ErrNotOpen is returned by Send before the connection is established.
	ErrNotOpen = errors.New("channel not open")
	// ErrClosed is returned by Send after the channel has been closed.
	ErrClosed = errors.New("channel closed")
	// ErrWriteFailed is returned by Send once the connection can no longer be
	// written to. The read side reports the failure as a SignalError.
	ErrWriteFailed = errors.New("channel write failed")
)

// SignalKind enumerates what a Signal reports.
type SignalKind int

const (
	// SignalOpen reports that the connection is established.
	SignalOpen SignalKind = iota
	// SignalEvent carries one inbound protocol event.
	SignalEvent
	// SignalClosed reports that the peer closed the connection.
	SignalClosed
	// SignalError reports a transport failure.
	SignalError
)

func (k SignalKind) String() string {
	switch k {
	case SignalOpen:
		return "open"
	case SignalEvent:
		return "event"
	case SignalClosed:
		return "closed"
	case SignalError:
		return "error"
	default:
		return "signal(" + strconv.Itoa(int(k)) + ")"
	}
}

// Signal is one item of a channel's inbound stream.
type Signal struct {
	Kind SignalKind

	// Event is set for SignalEvent.
	Event protocol.Event

	// Code and Reason are set for SignalClosed.
	Code   int
	Reason string

	// Err is set for SignalError.
	Err error
}

// Conn is one live run channel.
//
// Signals delivers, in wire order, at most one SignalOpen followed by events
// and at most one terminal SignalClosed or SignalError, then is closed. After
// Close no further signal is delivered.
type Conn interface {
	ID() string
	Signals() <-chan Signal
	Send(cmd protocol.Command) error
	Close() error
}

// Opener creates run channels. Open must not block on the network.
type Opener interface {
	Open(ctx context.Context, workflowID int64) Conn
}

// StreamURL derives the run endpoint for workflowID from the configured base
// endpoint: http becomes ws, https becomes wss, and /<prefix>/workflows/{id}/run
// is appended to the base path.
func StreamURL(base, prefix string, workflowID int64) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", base)
	}
	if prefix == "" {
		prefix = DefaultPathPrefix
	}

	segments := []string{strings.TrimRight(u.Path, "/"), strings.Trim(prefix, "/"), "workflows", strconv.FormatInt(workflowID, 10), "run"}
	u.Path = strings.Join(segments, "/")
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Dialer opens websocket run channels against one base endpoint.
type Dialer struct {
	baseURL    string
	prefix     string
	dialer     *websocket.Dialer
	bufferSize int
	logger     *slog.Logger
}

// DialerOption configures a Dialer.
type DialerOption func(*Dialer)

// WithPathPrefix overrides the first path segment of the run endpoint.
func WithPathPrefix(prefix string) DialerOption {
	return func(d *Dialer) {
		d.prefix = prefix
	}
}

// WithWebsocketDialer replaces the underlying gorilla dialer.
func WithWebsocketDialer(wd *websocket.Dialer) DialerOption {
	return func(d *Dialer) {
		d.dialer = wd
	}
}

// WithSignalBuffer sets the capacity of each channel's signal queue.
func WithSignalBuffer(n int) DialerOption {
	return func(d *Dialer) {
		d.bufferSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) DialerOption {
	return func(d *Dialer) {
		d.logger = logger
	}
}

// NewDialer validates baseURL and returns a Dialer for it.
func NewDialer(baseURL string, opts ...DialerOption) (*Dialer, error) {
	d := &Dialer{
		baseURL:    baseURL,
		prefix:     DefaultPathPrefix,
		dialer:     websocket.DefaultDialer,
		bufferSize: 64,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if _, err := StreamURL(baseURL, d.prefix, 1); err != nil {
		return nil, err
	}
	return d, nil
}

// Open starts connecting to the run endpoint of workflowID and returns at once.
// Connection failures arrive as a SignalError on the returned Conn.
func (d *Dialer) Open(ctx context.Context, workflowID int64) Conn {
	c := &Channel{
		id:      uuid.NewString(),
		signals: make(chan Signal, d.bufferSize),
		send:      make(chan []byte, d.bufferSize),
		done:      make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	c.logger = d.logger.With("channel", c.id, "workflow_id", workflowID)

	target, err := StreamURL(d.baseURL, d.prefix, workflowID)
	if err != nil {
		go c.fail(err)
		return c
	}
	go c.connect(ctx, d.dialer, target)
	return c
}

// Channel is the websocket implementation of Conn.
type Channel struct {
	id        string
	signals   chan Signal
	send      chan []byte
	done      chan struct{}
	writeDone chan struct{} // closed when the write pump exits
	logger    *slog.Logger

	closeOnce sync.Once

	mu       sync.Mutex // protects conn and writeErr
	conn     *websocket.Conn
	writeErr error
}

// ID returns the channel identity.
func (c *Channel) ID() string {
	return c.id
}

// Signals returns the ordered inbound stream.
func (c *Channel) Signals() <-chan Signal {
	return c.signals
}

// Send queues a command for the write pump.
func (c *Channel) Send(cmd protocol.Command) error {
	data, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	open := c.conn != nil
	c.mu.Unlock()
	if !open {
		return ErrNotOpen
	}

	select {
	case <-c.writeDone:
		return c.writeFailure()
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-c.writeDone:
		return c.writeFailure()
	}
}

// writeFailure is the Send error after the write pump has stopped.
func (c *Channel) writeFailure() error {
	if c.closed() {
		return ErrClosed
	}
	if err := c.writeError(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return ErrWriteFailed
}

func (c *Channel) writeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeErr
}

// Close closes the connection. Safe to call more than once and from any goroutine.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
	})
	return nil
}

func (c *Channel) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// emit delivers sig unless the channel has been closed locally.
func (c *Channel) emit(sig Signal) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.signals <- sig:
		return true
	case <-c.done:
		return false
	}
}

func (c *Channel) fail(err error) {
	defer close(c.signals)
	c.emit(Signal{Kind: SignalError, Err: err})
}

func (c *Channel) connect(ctx context.Context, dialer *websocket.Dialer, target string) {
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		c.logger.Debug("websocket dial failed", "url", target, "error", err)
		c.fail(fmt.Errorf("websocket dial: %w", err))
		return
	}

	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		_ = conn.Close()
		close(c.signals)
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("websocket connected", "url", target)
	if !c.emit(Signal{Kind: SignalOpen}) {
		close(c.signals)
		return
	}

	go c.writePump(conn)
	c.readPump(conn)
}

// readPump is the only goroutine that reads from conn and the only writer of
// c.signals, which keeps delivery in wire order.
func (c *Channel) readPump(conn *websocket.Conn) {
	defer func() {
		close(c.signals)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if c.closed() {
				return
			}
			if werr := c.writeError(); werr != nil {
				// The write pump closed conn; report its error, not the read's.
				c.emit(Signal{Kind: SignalError, Err: fmt.Errorf("websocket write: %w", werr)})
				return
			}
			c.emit(classifyReadError(err))
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		sig, ok := c.decode(msgType, data)
		if !ok {
			continue
		}
		if !c.emit(sig) {
			return
		}
	}
}

func (c *Channel) decode(msgType int, data []byte) (Signal, bool) {
	if msgType != websocket.TextMessage {
		c.logger.Warn("non-text frame from engine", "message_type", msgType)
		return Signal{Kind: SignalEvent, Event: protocol.Failure(protocol.MalformedMessage)}, true
	}

	ev, err := protocol.ParseEvent(data)
	switch {
	case err == nil:
		return Signal{Kind: SignalEvent, Event: ev}, true
	case errors.Is(err, protocol.ErrUnknownType):
		c.logger.Debug("ignoring unknown frame", "error", err)
		return Signal{}, false
	default:
		c.logger.Warn("malformed frame from engine", "error", err, "size", len(data))
		return Signal{Kind: SignalEvent, Event: protocol.Failure(protocol.MalformedMessage)}, true
	}
}

// classifyReadError maps a read failure to a terminal signal. A close frame
// from the peer is a clean close; anything else is a transport error.
func classifyReadError(err error) Signal {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		return Signal{Kind: SignalClosed, Code: ce.Code, Reason: ce.Text}
	}
	return Signal{Kind: SignalError, Err: err}
}

// writePump is the only goroutine that writes data frames to conn. A failed
// write closes conn so the read pump ends the stream with a SignalError.
func (c *Channel) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writeDone)
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("websocket write failed", "error", err)
				c.abort(conn, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("websocket ping failed", "error", err)
				c.abort(conn, err)
				return
			}
		}
	}
}

// abort records a write failure and drops the connection.
func (c *Channel) abort(conn *websocket.Conn, err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
	_ = conn.Close()
}
