package relaycast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

const (
	sessionCreatePath = "/session/create.json"
	socketFeedPath    = "/feed/ws"
	apiKeyLength      = 36
)

// ErrInvalidAPIKey marks a session failure that no retry can fix.
var ErrInvalidAPIKey = errors.New("invalid api key")

// EndpointList holds the broker URLs offered for each transport tier,
// each in preference order.
type EndpointList struct {
	Socket []string `json:"socket"`
	Flash  []string `json:"flash"`
	Rest   []string `json:"rest"`
}

// SessionData is the broker's session create reply.
type SessionData struct {
	SID       string       `json:"sid"`
	STime     int64        `json:"stime"`
	Endpoints EndpointList `json:"endpoints"`
	SSL       bool         `json:"ssl"`
}

// Session exchanges an API key for a broker session descriptor and
// derives per-tier endpoint URLs from it.
type Session struct {
	apiKey  string
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
	data    *SessionData
}

// NewSession creates an unestablished session.
func NewSession(apiKey, baseURL string, client *http.Client, logger zerolog.Logger) *Session {
	if client == nil {
		client = http.DefaultClient
	}
	return &Session{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  logger.With().Str("component", "session").Logger(),
	}
}

// Create performs the session bootstrap.  The key format is checked
// before any network traffic; a malformed or rejected key returns an
// error wrapping ErrInvalidAPIKey, which callers must treat as
// non-retryable.
func (s *Session) Create(ctx context.Context) error {
	if len(s.apiKey) != apiKeyLength {
		return fmt.Errorf("api key must be %d characters: %w", apiKeyLength, ErrInvalidAPIKey)
	}

	body := url.Values{"apiKey": {s.apiKey}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+APICommandRoot+sessionCreatePath, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("session create request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading session create reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return classifySessionError(fmt.Sprintf("session create returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(payload))))
	}

	var reply struct {
		SessionData
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &reply); err != nil {
		return fmt.Errorf("decoding session create reply: %w", err)
	}
	if reply.Error != "" {
		return classifySessionError(reply.Error)
	}
	if reply.SID == "" {
		return errors.New("session create reply missing sid")
	}

	s.data = &reply.SessionData
	s.logger.Debug().Str("sid", reply.SID).Msg("session established")
	return nil
}

// classifySessionError tags broker rejections of the key itself as
// non-retryable.
func classifySessionError(message string) error {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "invalid") && strings.Contains(lower, "api key") {
		return fmt.Errorf("%s: %w", message, ErrInvalidAPIKey)
	}
	return errors.New(message)
}

// ID returns the session identifier, empty before Create succeeds.
func (s *Session) ID() string {
	if s.data == nil {
		return ""
	}
	return s.data.SID
}

// ServerTime returns the broker timestamp from session create, in
// epoch milliseconds.
func (s *Session) ServerTime() int64 {
	if s.data == nil {
		return 0
	}
	return s.data.STime
}

// IsSecure reports whether the broker requires TLS endpoints.
func (s *Session) IsSecure() bool {
	return s.data != nil && s.data.SSL
}

// Endpoints returns the offered endpoint URL lists.
func (s *Session) Endpoints() EndpointList {
	if s.data == nil {
		return EndpointList{}
	}
	return s.data.Endpoints
}

// SocketURL derives the websocket dial URL for one offered socket URL.
func (s *Session) SocketURL(base string) string {
	return strings.TrimSuffix(base, "/") + APICommandRoot + socketFeedPath
}

// StreamURL returns the base URL the stream endpoint builds on.
func (s *Session) StreamURL(base string) string {
	return strings.TrimSuffix(base, "/")
}
