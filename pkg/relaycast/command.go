package relaycast

import (
	"encoding/json"
	"net/url"
	"sync"
)

// Command is a correlatable request to the broker.  Commands are
// registered with the dispatcher under a minted correlation key before
// they are written, and are automatically unregistered after exactly
// one response or error comes back.
type Command struct {
	mu     sync.Mutex
	action string
	path   string
	params map[string]any
	key    string

	// OnResponse receives the msg payload of the onresponse event.
	OnResponse func(msg json.RawMessage)

	// OnError receives the msg payload of the onerror event.
	OnError func(msg json.RawMessage)
}

// NewCommand creates a command for an HTTP-style action and path.
// The path is relative to the API root, e.g. "/feed/message/create.json".
func NewCommand(action, path string, params map[string]any) *Command {
	if params == nil {
		params = make(map[string]any)
	}
	return &Command{
		action: action,
		path:   path,
		params: params,
	}
}

// Action returns the HTTP method, GET or POST.
func (c *Command) Action() string {
	return c.action
}

// CommandPath returns the request path including the API root.
func (c *Command) CommandPath() string {
	return APICommandRoot + c.path
}

// AddParam sets one request parameter.
func (c *Command) AddParam(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params[name] = value
}

// Param returns one request parameter.
func (c *Command) Param(name string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params[name]
}

// EventKey returns the correlation key, empty until registration.
func (c *Command) EventKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

func (c *Command) setEventKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
}

// WireMessage returns the socket frame form of the command:
// {"cmd":"<METHOD> <path>","params":{...}}.
func (c *Command) WireMessage() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.Marshal(struct {
		Cmd    string         `json:"cmd"`
		Params map[string]any `json:"params"`
	}{
		Cmd:    c.action + " " + APICommandRoot + c.path,
		Params: c.params,
	})
}

// EncodedParams returns the url-escaped JSON parameter payload used by
// the stream endpoint: a query string for GET, a form body for POST.
func (c *Command) EncodedParams() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(c.params)
	if err != nil {
		return "", err
	}
	return "params=" + url.QueryEscape(string(data)), nil
}

// HandleEvent routes the single response or error to the callbacks.
func (c *Command) HandleEvent(ev Event) {
	switch ev.Type {
	case EventResponse:
		if c.OnResponse != nil {
			c.OnResponse(ev.Msg)
		}
	case EventError:
		if c.OnError != nil {
			c.OnError(ev.Msg)
		}
	}
}

// CompletesAfterResponse marks commands for one-shot unregistration.
func (c *Command) CompletesAfterResponse() bool {
	return true
}

// Send writes the command over an open connection.
func (c *Command) Send(conn *Connection) error {
	return conn.Send(c)
}
