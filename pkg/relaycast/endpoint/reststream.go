package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	streamCreatePath   = "/api/v2/stream/create.json"
	formContentType    = "application/x-www-form-urlencoded"
	defaultInitTimeout = 5 * time.Second
	streamReadChunk    = 4096
)

// StreamOption configures a rest stream endpoint.
type StreamOption func(*RestStream)

// WithHTTPClient replaces the HTTP client used for the stream and for
// discrete command requests.
func WithHTTPClient(c *http.Client) StreamOption {
	return func(r *RestStream) {
		if c != nil {
			r.client = c
		}
	}
}

// WithStreamLogger sets the endpoint logger.
func WithStreamLogger(logger zerolog.Logger) StreamOption {
	return func(r *RestStream) {
		r.logger = logger
	}
}

// WithInitTimeout overrides how long Connect waits for the broker's
// stream initialization marker.
func WithInitTimeout(d time.Duration) StreamOption {
	return func(r *RestStream) {
		if d > 0 {
			r.initTimeout = d
		}
	}
}

// RestStream is the HTTP fallback endpoint, the last tier.  Inbound
// traffic rides one long-lived POST whose body is tokenized into JSON
// objects as bytes arrive.  Outbound commands are discrete GET or POST
// requests whose responses feed back into the same event path.  The
// commands that were waiting for a connection are compacted into the
// stream create body itself, so the broker processes them as part of
// opening the stream.
type RestStream struct {
	url         string
	sid         string
	client      *http.Client
	logger      zerolog.Logger
	metrics     *Metrics
	preamble    []Command
	initTimeout time.Duration

	mu           sync.Mutex
	open         bool
	deliberate   bool
	cancel       context.CancelFunc
	eventHandler EventHandler
	closeHandler CloseHandler
}

// NewRestStream creates a stream endpoint against one broker base URL.
// The preamble commands are folded into the stream create request.
func NewRestStream(baseURL, sid string, preamble []Command, opts ...StreamOption) *RestStream {
	r := &RestStream{
		url:         strings.TrimSuffix(baseURL, "/"),
		sid:         sid,
		client:      http.DefaultClient,
		logger:      zerolog.Nop(),
		metrics:     NewMetrics(),
		preamble:    preamble,
		initTimeout: defaultInitTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("endpoint", KindStream).Logger()
	return r
}

func (r *RestStream) Name() string      { return KindStream }
func (r *RestStream) Metrics() *Metrics { return r.metrics }

func (r *RestStream) SetEventHandler(h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventHandler = h
}

func (r *RestStream) SetCloseHandler(h CloseHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeHandler = h
}

// Connect opens the stream and blocks until the broker sends its
// initialization marker, the timeout passes, or ctx is done.
func (r *RestStream) Connect(ctx context.Context) error {
	return r.connectStream(ctx)
}

func (r *RestStream) connectStream(ctx context.Context) error {
	initCh := make(chan error, 1)
	streamCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.cancel = cancel
	r.deliberate = false
	r.mu.Unlock()

	go r.run(streamCtx, initCh)

	timer := time.NewTimer(r.initTimeout)
	defer timer.Stop()

	select {
	case err := <-initCh:
		if err != nil {
			cancel()
			return err
		}
	case <-timer.C:
		cancel()
		return fmt.Errorf("stream not initialized within %s", r.initTimeout)
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}

	r.mu.Lock()
	r.open = true
	r.mu.Unlock()
	r.metrics.Inc("stream_open_event")
	r.logger.Debug().Str("url", r.url).Msg("stream open")
	return nil
}

// run owns one stream request from create to teardown.
func (r *RestStream) run(ctx context.Context, initCh chan error) {
	body := r.streamBody()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+streamCreatePath, strings.NewReader(body))
	if err != nil {
		r.streamEnded(err, initCh)
		return
	}
	req.Header.Set("Content-Type", formContentType)

	resp, err := r.client.Do(req)
	if err != nil {
		r.streamEnded(err, initCh)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.streamEnded(fmt.Errorf("stream create returned status %d", resp.StatusCode), initCh)
		return
	}

	tok := NewTokenizer(func(raw json.RawMessage) {
		r.handleStreamObject(raw, initCh)
	}, r.logger)

	buf := make([]byte, streamReadChunk)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			tok.Append(buf[:n])
		}
		if err != nil {
			r.streamEnded(err, initCh)
			return
		}
	}
}

// streamBody builds the form body for stream create, folding the
// preamble commands into the cmdList batch.
func (r *RestStream) streamBody() string {
	parts := make([]string, 0, len(r.preamble))
	for _, cmd := range r.preamble {
		frame, err := cmd.WireMessage()
		if err != nil {
			r.logger.Error().Err(err).Msg("dropping unencodable preamble command")
			continue
		}
		parts = append(parts, string(frame))
	}
	cmdList := "[" + strings.Join(parts, ",") + "]"
	return "sid=" + url.QueryEscape(r.sid) + "&cmdList=" + url.QueryEscape(cmdList)
}

func (r *RestStream) handleStreamObject(raw json.RawMessage, initCh chan error) {
	var marker struct {
		StreamInitialized *string `json:"streaminitialized"`
	}
	if err := json.Unmarshal(raw, &marker); err == nil && marker.StreamInitialized != nil {
		select {
		case initCh <- nil:
		default:
		}
		return
	}

	r.metrics.Inc("stream_message_event")

	ev, err := DecodeEvent(raw)
	if err != nil {
		r.logger.Error().Err(err).Msg("undecodable stream object")
		return
	}
	r.dispatch(ev)
}

func (r *RestStream) dispatch(ev Event) {
	r.mu.Lock()
	h := r.eventHandler
	r.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// streamEnded records the end of a stream request.  A stream lost
// mid-life is recreated once per failure; only when that also fails
// does the owner hear about it.
func (r *RestStream) streamEnded(err error, initCh chan error) {
	select {
	case initCh <- err:
	default:
	}

	r.mu.Lock()
	deliberate := r.deliberate
	wasOpen := r.open
	r.open = false
	notify := r.closeHandler
	r.mu.Unlock()

	if deliberate {
		r.metrics.Inc("stream_close_event")
		return
	}

	r.metrics.Inc("stream_error_event")
	if !wasOpen {
		// Connect-time failure is reported through initCh.
		return
	}

	r.logger.Warn().Err(err).Msg("stream lost, recreating")
	r.metrics.Inc("stream_reopen")
	if rerr := r.connectStream(context.Background()); rerr != nil {
		if notify != nil {
			notify(err)
		}
	}
}

// Write issues the command as its own HTTP request.  The call never
// blocks on the network; failures surface as onerror events keyed by
// the command's correlation key.
func (r *RestStream) Write(cmd Command) error {
	r.metrics.Inc("stream_write")
	go r.execute(cmd)
	return nil
}

func (r *RestStream) execute(cmd Command) {
	params, err := cmd.EncodedParams()
	if err != nil {
		r.dispatchCommandError(cmd, err)
		return
	}

	var resp *http.Response
	switch cmd.Action() {
	case http.MethodGet:
		resp, err = r.client.Get(r.url + cmd.CommandPath() + "?" + params)
	default:
		resp, err = r.client.Post(r.url+cmd.CommandPath(), formContentType, strings.NewReader(params))
	}
	if err != nil {
		r.dispatchCommandError(cmd, err)
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		r.dispatchCommandError(cmd, err)
		return
	}
	if resp.StatusCode != http.StatusOK {
		r.dispatchCommandError(cmd, fmt.Errorf("command returned status %d", resp.StatusCode))
		return
	}

	ev, err := DecodeEvent(data)
	if err != nil {
		r.dispatchCommandError(cmd, err)
		return
	}
	r.dispatch(ev)
}

func (r *RestStream) dispatchCommandError(cmd Command, err error) {
	msg, _ := json.Marshal(map[string]string{"error": err.Error()})
	r.dispatch(Event{
		Type: "onerror",
		Key:  EventKey(cmd.EventKey()),
		Msg:  msg,
	})
}

// Heartbeat has no wire form on the stream tier.  The outbound counter
// bumps as usual and a live stream acknowledges itself, so stability
// accounting works the same across all tiers.
func (r *RestStream) Heartbeat() error {
	r.metrics.Inc("heartbeat_out")

	r.mu.Lock()
	open := r.open
	r.mu.Unlock()

	if !open {
		return ErrNotConnected
	}
	r.metrics.Inc("heartbeat_in")
	return nil
}

// Disconnect deliberately aborts the stream request.
func (r *RestStream) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	r.deliberate = true
	r.open = false
	cancel := r.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

func (r *RestStream) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func (r *RestStream) IsClosed() bool {
	return !r.IsOpen()
}
