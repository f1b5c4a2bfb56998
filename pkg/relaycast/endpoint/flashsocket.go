package endpoint

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Support libraries the flash tier loads, in order, before dialing.
const (
	FlashObjectLib = "lib/swfobject.js"
	FlashSocketLib = "lib/web_socket.js"
)

const (
	flashClosePolls    = 5
	flashClosePollWait = time.Second
)

// ErrCloseTimedOut is returned when a flash endpoint never confirms a
// deliberate close.  The endpoint force-clears its handlers in that
// case so a wedged polyfill cannot deliver events to a dead owner.
var ErrCloseTimedOut = errors.New("close timed out")

// FlashSocket is the polyfill websocket endpoint, attempted when the
// native tier is unavailable.  Once its support libraries are loaded it
// behaves exactly like the websocket endpoint.
type FlashSocket struct {
	*socketCore
	caps *Capabilities
}

// NewFlashSocket creates a flash endpoint against one broker URL.
func NewFlashSocket(url, sid string, caps *Capabilities, opts ...SocketOption) *FlashSocket {
	return &FlashSocket{
		socketCore: newSocketCore(KindFlashSocket, url, sid, opts...),
		caps:       caps,
	}
}

// Connect loads the polyfill libraries one after another, then dials.
// A failed load step fails the whole attempt.
func (f *FlashSocket) Connect(ctx context.Context) error {
	if f.caps != nil && f.caps.LoadScript != nil {
		for _, lib := range []string{FlashObjectLib, FlashSocketLib} {
			if err := f.caps.LoadScript(lib); err != nil {
				f.metrics.Inc(f.kind + "_error_event")
				return fmt.Errorf("loading %s: %w", lib, err)
			}
		}
	}
	return f.socketCore.Connect(ctx)
}

// Disconnect closes the socket, then polls for close confirmation.
// Flash polyfills are known to swallow close events, so after the poll
// budget runs out the endpoint is forcibly marked closed and stripped
// of its handlers.
func (f *FlashSocket) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.deliberate = true
	f.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.Close()

	for i := 0; i < flashClosePolls; i++ {
		if f.IsClosed() {
			return nil
		}
		select {
		case <-time.After(flashClosePollWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	f.open = false
	f.conn = nil
	f.eventHandler = nil
	f.closeHandler = nil
	f.mu.Unlock()

	f.logger.Error().Msg("flash socket never confirmed close, forcing teardown")
	return ErrCloseTimedOut
}
