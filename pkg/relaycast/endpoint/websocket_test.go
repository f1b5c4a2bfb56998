package endpoint

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCommand struct {
	frame  string
	action string
	path   string
	params string
	key    string
}

func (c testCommand) WireMessage() ([]byte, error)  { return []byte(c.frame), nil }
func (c testCommand) Action() string                { return c.action }
func (c testCommand) CommandPath() string           { return c.path }
func (c testCommand) EncodedParams() (string, error) { return c.params, nil }
func (c testCommand) EventKey() string              { return c.key }

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsServer upgrades each request and hands the connection to fn.
func wsServer(t *testing.T, fn func(*websocket.Conn, *http.Request)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(conn, r)
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWebSocketConnectAndReceive(t *testing.T) {
	srv, wsURL := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		assert.Equal(t, "s-123", r.URL.Query().Get("sid"))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"eventType":"onresponse","eventKey":5,"msg":{"ok":true}}`))

		// Echo a heartbeat ack for every heartbeat received.
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(data), "heartbeat") {
				conn.WriteMessage(websocket.TextMessage, []byte(`{"eventKey":0,"msg":{"message":"hb"}}`))
			}
		}
	})
	defer srv.Close()

	events := make(chan Event, 4)
	ep := NewWebSocket(wsURL, "s-123")
	ep.SetEventHandler(func(ev Event) { events <- ev })

	require.NoError(t, ep.Connect(context.Background()))
	assert.True(t, ep.IsOpen())
	assert.Equal(t, KindWebSocket, ep.Name())
	assert.Equal(t, 1, ep.Metrics().Get("socket_open_event"))

	ev := waitEvent(t, events)
	assert.Equal(t, "onresponse", ev.Type)
	assert.Equal(t, "5", ev.Key.String())

	// Heartbeat acks feed the stability counters, not the handler.
	require.NoError(t, ep.Heartbeat())
	require.Eventually(t, func() bool {
		return ep.Metrics().Get("heartbeat_in") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ep.Metrics().Get("heartbeat_out"))

	require.NoError(t, ep.Disconnect(context.Background()))
	assert.True(t, ep.IsClosed())
}

func TestWebSocketWrite(t *testing.T) {
	frames := make(chan string, 1)
	srv, wsURL := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		_, data, err := conn.ReadMessage()
		if err == nil {
			frames <- string(data)
		}
	})
	defer srv.Close()

	ep := NewWebSocket(wsURL, "sid")
	require.NoError(t, ep.Connect(context.Background()))
	defer ep.Disconnect(context.Background())

	cmd := testCommand{frame: `{"cmd":"POST /api/v2/feed/session/create.json","params":{}}`}
	require.NoError(t, ep.Write(cmd))

	select {
	case frame := <-frames:
		assert.JSONEq(t, cmd.frame, frame)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestWebSocketWriteWhileClosed(t *testing.T) {
	ep := NewWebSocket("ws://127.0.0.1:0", "sid")
	err := ep.Write(testCommand{frame: "{}"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, ep.Heartbeat(), ErrNotConnected)
}

func TestWebSocketUnexpectedCloseNotifiesOnce(t *testing.T) {
	srv, wsURL := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		// Drop the connection without a close handshake.
		conn.UnderlyingConn().Close()
	})
	defer srv.Close()

	closes := make(chan error, 4)
	ep := NewWebSocket(wsURL, "sid")
	ep.SetCloseHandler(func(err error) { closes <- err })

	require.NoError(t, ep.Connect(context.Background()))

	select {
	case err := <-closes:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close handler never fired")
	}
	assert.True(t, ep.IsClosed())
	assert.Equal(t, 1, ep.Metrics().Get("socket_error_event"))

	// No second notification.
	select {
	case <-closes:
		t.Fatal("close handler fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebSocketDeliberateDisconnectDoesNotNotify(t *testing.T) {
	srv, wsURL := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	closes := make(chan error, 1)
	ep := NewWebSocket(wsURL, "sid")
	ep.SetCloseHandler(func(err error) { closes <- err })

	require.NoError(t, ep.Connect(context.Background()))
	require.NoError(t, ep.Disconnect(context.Background()))

	select {
	case <-closes:
		t.Fatal("deliberate disconnect must not notify")
	case <-time.After(200 * time.Millisecond):
	}
	assert.True(t, ep.IsClosed())
}

func TestWebSocketReconnectSameInstance(t *testing.T) {
	srv, wsURL := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	ep := NewWebSocket(wsURL, "sid")
	require.NoError(t, ep.Connect(context.Background()))
	require.NoError(t, ep.Disconnect(context.Background()))
	require.True(t, ep.IsClosed())

	require.NoError(t, ep.Connect(context.Background()))
	assert.True(t, ep.IsOpen())
	assert.Equal(t, 2, ep.Metrics().Get("socket_open_event"))

	ep.Disconnect(context.Background())
}

func TestFlashSocketLoadsPolyfills(t *testing.T) {
	srv, wsURL := wsServer(t, func(conn *websocket.Conn, r *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	var loaded []string
	caps := &Capabilities{
		LoadScript: func(path string) error {
			loaded = append(loaded, path)
			return nil
		},
	}

	ep := NewFlashSocket(wsURL, "sid", caps)
	require.NoError(t, ep.Connect(context.Background()))
	defer ep.Disconnect(context.Background())

	assert.Equal(t, []string{FlashObjectLib, FlashSocketLib}, loaded)
	assert.Equal(t, KindFlashSocket, ep.Name())
	assert.Equal(t, 1, ep.Metrics().Get("flash_open_event"))
}

func TestFlashSocketFailedPolyfillLoad(t *testing.T) {
	caps := &Capabilities{
		LoadScript: func(path string) error {
			return assert.AnError
		},
	}

	ep := NewFlashSocket("ws://127.0.0.1:0", "sid", caps)
	err := ep.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}
