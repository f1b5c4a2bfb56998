package relaycast

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycast/go-relaycast-client/pkg/relaycast/endpoint"
)

// fakeEndpoint stands in for a transport during connection tests.
type fakeEndpoint struct {
	kind     string
	url      string
	preamble []endpoint.Command
	metrics  *endpoint.Metrics
	failing  bool

	mu           sync.Mutex
	open         bool
	connects     int
	written      []endpoint.Command
	eventHandler endpoint.EventHandler
	closeHandler endpoint.CloseHandler
}

func (f *fakeEndpoint) Name() string               { return f.kind }
func (f *fakeEndpoint) Metrics() *endpoint.Metrics { return f.metrics }

func (f *fakeEndpoint) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failing {
		return assert.AnError
	}
	f.open = true
	return nil
}

func (f *fakeEndpoint) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeEndpoint) Write(cmd endpoint.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, cmd)
	return nil
}

func (f *fakeEndpoint) Heartbeat() error {
	f.metrics.Inc("heartbeat_out")
	return nil
}

func (f *fakeEndpoint) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeEndpoint) IsClosed() bool { return !f.IsOpen() }

func (f *fakeEndpoint) SetEventHandler(h endpoint.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventHandler = h
}

func (f *fakeEndpoint) SetCloseHandler(h endpoint.CloseHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeHandler = h
}

func (f *fakeEndpoint) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeEndpoint) markDead() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
}

// fakeFactory builds fake endpoints and records them in creation order.
type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeEndpoint
	failing map[string]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{failing: make(map[string]bool)}
}

func (f *fakeFactory) failKind(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[kind] = true
}

func (f *fakeFactory) build(kind, url string, preamble []endpoint.Command) endpoint.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep := &fakeEndpoint{
		kind:     kind,
		url:      url,
		preamble: preamble,
		metrics:  endpoint.NewMetrics(),
		failing:  f.failing[kind],
	}
	f.created = append(f.created, ep)
	return ep
}

func (f *fakeFactory) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, len(f.created))
	for i, ep := range f.created {
		kinds[i] = ep.kind
	}
	return kinds
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// sessionServer serves session create with a fixed endpoint offer and
// counts how many sessions it hands out.
func sessionServer(t *testing.T, eps EndpointList) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var creates atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creates.Add(1)
		reply := map[string]any{
			"sid":       "sess-1",
			"stime":     1700000000000,
			"ssl":       false,
			"endpoints": eps,
		}
		data, _ := json.Marshal(reply)
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv, &creates
}

func newTestConnection(t *testing.T, baseURL string, caps *endpoint.Capabilities) (*Connection, *fakeFactory, *Dispatcher) {
	t.Helper()
	cfg := Config{
		APIKey:       testAPIKey,
		BaseURL:      baseURL,
		Capabilities: caps,
	}
	d := NewDispatcher(zerolog.Nop())
	conn := NewConnection(cfg, d)
	factory := newFakeFactory()
	conn.newEndpoint = factory.build
	conn.fallbackDelay = time.Millisecond
	return conn, factory, d
}

func TestConnectionOpenPrefersWebSocket(t *testing.T) {
	srv, _ := sessionServer(t, EndpointList{
		Socket: []string{"ws://s1"},
		Flash:  []string{"ws://f1"},
		Rest:   []string{"http://r1"},
	})

	conn, factory, _ := newTestConnection(t, srv.URL, nil)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close(context.Background())

	assert.Equal(t, []string{endpoint.KindWebSocket}, factory.kinds())
	assert.Equal(t, "ws://s1/api/v2/feed/ws", factory.created[0].url)
	assert.Equal(t, "sess-1", conn.SessionID())
	assert.True(t, conn.IsOpen())
	assert.False(t, conn.UsesPreamble())
}

func TestConnectionWalksTiersInOrder(t *testing.T) {
	srv, _ := sessionServer(t, EndpointList{
		Socket: []string{"ws://s1", "ws://s2"},
		Flash:  []string{"ws://f1"},
		Rest:   []string{"http://r1"},
	})

	conn, factory, _ := newTestConnection(t, srv.URL, nil)
	factory.failKind(endpoint.KindWebSocket)
	factory.failKind(endpoint.KindFlashSocket)

	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close(context.Background())

	assert.Equal(t, []string{
		endpoint.KindWebSocket, endpoint.KindWebSocket,
		endpoint.KindFlashSocket,
		endpoint.KindStream,
	}, factory.kinds())
	assert.Equal(t, endpoint.KindStream, conn.Endpoint().Name())
	assert.True(t, conn.UsesPreamble())
	assert.Equal(t, 2, conn.Metrics().Get("socket_attempts"))
	assert.Equal(t, 1, conn.Metrics().Get("flash_attempts"))
	assert.Equal(t, 1, conn.Metrics().Get("rest_attempts"))
}

func TestConnectionDisabledTiersStillConsumeAttempts(t *testing.T) {
	srv, _ := sessionServer(t, EndpointList{
		Socket: []string{"ws://s1", "ws://s2"},
		Flash:  []string{"ws://f1"},
		Rest:   []string{"http://r1"},
	})

	caps := &endpoint.Capabilities{
		ForceWebSocketOff:   true,
		ForceFlashSocketOff: true,
	}
	conn, factory, _ := newTestConnection(t, srv.URL, caps)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close(context.Background())

	// Only the stream endpoint is ever constructed, but the disabled
	// tiers' attempt counters are spent so the walk terminates.
	assert.Equal(t, []string{endpoint.KindStream}, factory.kinds())
	assert.Equal(t, 2, conn.Metrics().Get("socket_attempts"))
	assert.Equal(t, 1, conn.Metrics().Get("flash_attempts"))
}

func TestConnectionOpenExhaustsEndpoints(t *testing.T) {
	srv, _ := sessionServer(t, EndpointList{
		Socket: []string{"ws://s1"},
	})

	conn, factory, _ := newTestConnection(t, srv.URL, nil)
	factory.failKind(endpoint.KindWebSocket)

	err := conn.Open(context.Background())
	require.Error(t, err)

	var cerr *ClientError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrCodeExhausted, cerr.Code)
}

func TestConnectionOpenInvalidKeyFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error":"Invalid API Key"}`)
	}))
	defer srv.Close()

	conn, _, _ := newTestConnection(t, srv.URL, nil)
	err := conn.Open(context.Background())
	require.ErrorIs(t, err, ErrInvalidAPIKey)
	assert.Equal(t, 1, conn.Metrics().Get("session_create_attempts"))
}

func TestConnectionOpenSessionRetryCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	conn, _, _ := newTestConnection(t, srv.URL, nil)
	err := conn.Open(context.Background())
	require.Error(t, err)

	var cerr *ClientError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrCodeSession, cerr.Code)
	assert.Equal(t, MaxSessionAttempts+1, conn.Metrics().Get("session_create_attempts"))
}

func TestConnectionSendRegistersCommand(t *testing.T) {
	srv, _ := sessionServer(t, EndpointList{Socket: []string{"ws://s1"}})
	conn, factory, d := newTestConnection(t, srv.URL, nil)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close(context.Background())

	cmd := NewCommand(http.MethodPost, "/feed/message/create.json", nil)
	require.NoError(t, conn.Send(cmd))

	key := cmd.EventKey()
	require.NotEmpty(t, key)
	assert.Equal(t, "sess-1", cmd.Param("sid"))
	assert.Equal(t, key, cmd.Param("eventKey"))
	assert.Equal(t, 1, d.listenerCount(key))
	require.Len(t, factory.created[0].written, 1)

	// One response completes the command and drops its registration.
	d.Dispatch(Event{Type: EventResponse, Key: key})
	assert.Equal(t, 0, d.listenerCount(key))
}

func TestConnectionSendWithoutEndpoint(t *testing.T) {
	conn, _, _ := newTestConnection(t, "http://unreachable.invalid", nil)

	var raised error
	conn.OnError = func(err error) { raised = err }

	err := conn.Send(NewCommand(http.MethodPost, "/feed/message/create.json", nil))
	require.Error(t, err)

	var cerr *ClientError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ErrCodeTransport, cerr.Code)
	assert.Equal(t, err, raised)
}

func TestConnectionStreamPreamble(t *testing.T) {
	srv, _ := sessionServer(t, EndpointList{Rest: []string{"http://r1"}})
	conn, factory, d := newTestConnection(t, srv.URL, nil)

	staged := NewCommand(http.MethodPost, "/feed/session/create.json", nil)
	conn.OnPreamble = func() []*Command { return []*Command{staged} }

	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close(context.Background())

	require.Len(t, factory.created[0].preamble, 1)
	assert.NotEmpty(t, staged.EventKey())
	assert.Equal(t, "sess-1", staged.Param("sid"))
	assert.Equal(t, 1, d.listenerCount(staged.EventKey()))
}

func TestConnectionFallbackRetriesStableEndpoint(t *testing.T) {
	srv, _ := sessionServer(t, EndpointList{
		Socket: []string{"ws://s1"},
		Flash:  []string{"ws://f1"},
	})
	conn, factory, _ := newTestConnection(t, srv.URL, nil)
	require.NoError(t, conn.Open(context.Background()))

	ep := factory.created[0]
	ep.metrics.Set("heartbeat_in", 2)
	ep.metrics.Set("heartbeat_out", 2)
	ep.markDead()

	done := make(chan error, 1)
	conn.Fallback(func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fallback never completed")
	}

	// Same endpoint instance, reconnected; no new endpoint was built.
	assert.Equal(t, 2, ep.connectCount())
	assert.Equal(t, 1, factory.count())
	assert.True(t, conn.IsOpen())
}

func TestConnectionFallbackDegradesUnstableEndpoint(t *testing.T) {
	srv, _ := sessionServer(t, EndpointList{
		Socket: []string{"ws://s1"},
		Flash:  []string{"ws://f1"},
	})
	conn, factory, _ := newTestConnection(t, srv.URL, nil)
	require.NoError(t, conn.Open(context.Background()))

	// No heartbeats ever flowed: the endpoint was never stable.
	factory.created[0].markDead()

	done := make(chan error, 1)
	conn.Fallback(func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fallback never completed")
	}

	assert.Equal(t, []string{endpoint.KindWebSocket, endpoint.KindFlashSocket}, factory.kinds())
	assert.Equal(t, endpoint.KindFlashSocket, conn.Endpoint().Name())
}

func TestConnectionFallbackRebuildsSession(t *testing.T) {
	srv, creates := sessionServer(t, EndpointList{Socket: []string{"ws://s1"}})
	conn, factory, _ := newTestConnection(t, srv.URL, nil)
	require.NoError(t, conn.Open(context.Background()))

	reconnected := make(chan struct{}, 1)
	conn.OnReconnected = func() { reconnected <- struct{}{} }

	// The walk is spent and the endpoint never stabilized, so the only
	// way forward is a fresh session.
	factory.created[0].markDead()

	done := make(chan error, 1)
	conn.Fallback(func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fallback never completed")
	}

	select {
	case <-reconnected:
	case <-time.After(time.Second):
		t.Fatal("session rebuild must announce reconnection")
	}

	assert.Equal(t, int32(2), creates.Load())
	assert.Equal(t, 2, factory.count())
	assert.True(t, conn.IsOpen())
}

func TestConnectionCloseIsDeliberate(t *testing.T) {
	srv, _ := sessionServer(t, EndpointList{Socket: []string{"ws://s1"}})
	conn, factory, _ := newTestConnection(t, srv.URL, nil)
	require.NoError(t, conn.Open(context.Background()))

	closed := false
	conn.OnClose = func() { closed = true }

	require.NoError(t, conn.Close(context.Background()))
	assert.True(t, closed)
	assert.True(t, factory.created[0].IsClosed())
	assert.True(t, conn.IsClosed())
}
