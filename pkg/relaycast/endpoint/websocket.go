package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteWait        = 10 * time.Second
)

// SocketOption configures a socket-backed endpoint.
type SocketOption func(*socketCore)

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) SocketOption {
	return func(s *socketCore) {
		if d != nil {
			s.dialer = d
		}
	}
}

// WithHeaders sets extra headers sent during the websocket handshake.
func WithHeaders(h http.Header) SocketOption {
	return func(s *socketCore) {
		s.headers = h
	}
}

// WithSocketLogger sets the endpoint logger.
func WithSocketLogger(logger zerolog.Logger) SocketOption {
	return func(s *socketCore) {
		s.logger = logger
	}
}

// socketCore is the websocket machinery shared by the plain socket and
// flash endpoints: dialing, the read loop, event decode, heartbeats and
// close notification.  The two endpoints differ only in their kind name
// and in the flash polyfill steps that run before dialing.
type socketCore struct {
	kind    string
	url     string
	sid     string
	dialer  *websocket.Dialer
	headers http.Header
	logger  zerolog.Logger
	metrics *Metrics

	mu           sync.Mutex
	conn         *websocket.Conn
	open         bool
	deliberate   bool
	closeNotify  int // close notifications fired for the current connection
	done         chan struct{}
	eventHandler EventHandler
	closeHandler CloseHandler

	writeMu sync.Mutex
}

func newSocketCore(kind, url, sid string, opts ...SocketOption) *socketCore {
	s := &socketCore{
		kind: kind,
		url:  url,
		sid:  sid,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		logger:  zerolog.Nop(),
		metrics: NewMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("endpoint", kind).Logger()
	return s
}

func (s *socketCore) Name() string      { return s.kind }
func (s *socketCore) Metrics() *Metrics { return s.metrics }

func (s *socketCore) SetEventHandler(h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventHandler = h
}

func (s *socketCore) SetCloseHandler(h CloseHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHandler = h
}

func (s *socketCore) dialURL() string {
	return s.url + "?sid=" + s.sid
}

// Connect dials the socket and starts the read loop.  Reconnecting a
// previously closed core is allowed; each connection gets a fresh
// close-notification budget.
func (s *socketCore) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, resp, err := s.dialer.DialContext(ctx, s.dialURL(), s.headers)
	if err != nil {
		s.metrics.Inc(s.kind + "_error_event")
		if resp != nil {
			return fmt.Errorf("%s dial failed with status %d: %w", s.kind, resp.StatusCode, err)
		}
		return fmt.Errorf("%s dial failed: %w", s.kind, err)
	}

	done := make(chan struct{})

	s.mu.Lock()
	s.conn = conn
	s.open = true
	s.deliberate = false
	s.closeNotify = 0
	s.done = done
	s.mu.Unlock()

	s.metrics.Inc(s.kind + "_open_event")
	s.logger.Debug().Str("url", s.url).Msg("socket open")

	go s.readLoop(conn, done)
	return nil
}

func (s *socketCore) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.finish(err)
			return
		}
		s.handleFrame(data)
	}
}

func (s *socketCore) handleFrame(data []byte) {
	s.metrics.Inc(s.kind + "_message_event")

	ev, err := DecodeEvent(data)
	if err != nil {
		s.logger.Error().Err(err).Msg("undecodable socket frame")
		return
	}

	if IsHeartbeatAck(ev) {
		s.metrics.Inc("heartbeat_in")
		return
	}

	s.mu.Lock()
	h := s.eventHandler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// finish records the end of the current connection and fires the close
// handler at most once, and only when the close was not requested.
func (s *socketCore) finish(err error) {
	s.mu.Lock()
	s.open = false
	s.conn = nil
	deliberate := s.deliberate
	notify := s.closeHandler
	first := s.closeNotify == 0
	s.closeNotify++
	s.mu.Unlock()

	if deliberate || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.metrics.Inc(s.kind + "_close_event")
		err = nil
	} else {
		s.metrics.Inc(s.kind + "_error_event")
	}

	if deliberate || !first || notify == nil {
		return
	}
	notify(err)
}

// Write frames the command and sends it as one text message.
func (s *socketCore) Write(cmd Command) error {
	frame, err := cmd.WireMessage()
	if err != nil {
		return err
	}
	return s.writeFrame(frame)
}

// Heartbeat sends the fixed heartbeat frame.
func (s *socketCore) Heartbeat() error {
	if err := s.writeFrame([]byte(HeartbeatFrame)); err != nil {
		return err
	}
	s.metrics.Inc("heartbeat_out")
	return nil
}

func (s *socketCore) writeFrame(frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	open := s.open
	s.mu.Unlock()

	if conn == nil || !open {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Disconnect closes the socket and waits for the read loop to drain.
func (s *socketCore) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	done := s.done
	s.deliberate = true
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWriteWait))
	s.writeMu.Unlock()

	err := conn.Close()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *socketCore) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *socketCore) IsClosed() bool {
	return !s.IsOpen()
}

// WebSocket is the native websocket endpoint, the preferred tier.
type WebSocket struct {
	*socketCore
}

// NewWebSocket creates a websocket endpoint against one broker URL.
func NewWebSocket(url, sid string, opts ...SocketOption) *WebSocket {
	return &WebSocket{socketCore: newSocketCore(KindWebSocket, url, sid, opts...)}
}
