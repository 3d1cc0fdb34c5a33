// Package testhelpers provides common utilities and helper functions for testing the GoChat server.
//
// This package contains reusable test utilities that are shared across unit and integration tests.
// It provides functions for configuring test servers, minting admission tokens, dialing the
// WebSocket endpoint, and reading event envelopes to reduce code duplication in test files.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/gochat/internal/server"
	"github.com/gorilla/websocket"
)

// TestSecret signs every token minted for tests.
const TestSecret = "gochat-test-secret"

// CreateTestServer creates a test HTTP server with the given handler.
// It returns a running httptest.Server that should be closed after use.
func CreateTestServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// ConfigureServer applies a test configuration: the test signing secret and
// an origin allowlist including the test server's own URL. The previous
// configuration is restored to defaults when the test finishes.
func ConfigureServer(t *testing.T, baseURL string, customize func(cfg *server.Config)) {
	t.Helper()

	cfg := server.NewConfig()
	cfg.JWTSecret = TestSecret
	cfg.AllowedOrigins = append([]string{baseURL}, cfg.AllowedOrigins...)
	if customize != nil {
		customize(cfg)
	}
	server.SetConfig(cfg)
	t.Cleanup(func() {
		server.SetConfig(nil)
	})
}

// MintToken issues a valid admission token for the given username.
func MintToken(t *testing.T, username string) string {
	t.Helper()
	return mintToken(t, username, time.Hour)
}

// MintExpiredToken issues a token whose expiry is already in the past.
func MintExpiredToken(t *testing.T, username string) string {
	t.Helper()
	return mintToken(t, username, -time.Hour)
}

func mintToken(t *testing.T, username string, ttl time.Duration) string {
	t.Helper()

	identity := server.Identity{UserID: "user-" + username, Username: username}
	token, err := server.MintToken(TestSecret, identity, ttl)
	if err != nil {
		t.Fatalf("Failed to mint token for %s: %v", username, err)
	}
	return token
}

// WebSocketURL converts a test server base URL into its /ws endpoint URL.
func WebSocketURL(baseURL string) string {
	return "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
}

// TryDial attempts a WebSocket connection with the given token, passing the
// base URL as the Origin header. It returns the dial results unjudged so
// callers can assert on refusals.
func TryDial(baseURL, token string) (*websocket.Conn, *http.Response, error) {
	wsURL := WebSocketURL(baseURL)
	if token != "" {
		wsURL += "?token=" + url.QueryEscape(token)
	}
	header := http.Header{}
	header.Set("Origin", baseURL)
	return websocket.DefaultDialer.Dial(wsURL, header)
}

// Dial connects to the test server's WebSocket endpoint with the given
// token and fails the test if the connection is refused. The connection is
// closed automatically when the test finishes.
func Dial(t *testing.T, baseURL, token string) *websocket.Conn {
	t.Helper()

	conn, resp, err := TryDial(baseURL, token)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEvent writes one event envelope to the connection.
func SendEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()

	envelope := map[string]any{"event": event}
	if data != nil {
		envelope["data"] = data
	}
	if err := conn.WriteJSON(envelope); err != nil {
		t.Fatalf("Failed to send %q event: %v", event, err)
	}
}

// EventReader reads event envelopes from a connection, transparently
// splitting the newline-coalesced frames the write pump may produce.
//
// Frames are pulled off the connection by a background goroutine so that a
// Next timeout never sets a read deadline on the connection: in
// gorilla/websocket a read that fails with a deadline timeout poisons the
// connection permanently, which would make every read after an elapsed
// ExpectNone window fail.
type EventReader struct {
	conn    *websocket.Conn
	pending [][]byte
	frames  chan []byte
	readErr chan error
}

// NewEventReader wraps a connection for envelope-at-a-time reading.
func NewEventReader(conn *websocket.Conn) *EventReader {
	r := &EventReader{
		conn:    conn,
		frames:  make(chan []byte),
		readErr: make(chan error, 1),
	}
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				r.readErr <- err
				return
			}
			r.frames <- raw
		}
	}()
	return r
}

// Next returns the next envelope, waiting up to timeout for one to arrive.
func (r *EventReader) Next(timeout time.Duration) (server.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(r.pending) == 0 {
		select {
		case raw := <-r.frames:
			for _, part := range bytes.Split(raw, []byte{'\n'}) {
				if len(bytes.TrimSpace(part)) > 0 {
					r.pending = append(r.pending, part)
				}
			}
		case err := <-r.readErr:
			// Leave the error readable for subsequent calls.
			r.readErr <- err
			return server.Envelope{}, err
		case <-timer.C:
			return server.Envelope{}, fmt.Errorf("timed out after %v waiting for an event", timeout)
		}
	}

	raw := r.pending[0]
	r.pending = r.pending[1:]

	var envelope server.Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return server.Envelope{}, fmt.Errorf("malformed envelope %q: %w", raw, err)
	}
	return envelope, nil
}

// Expect reads envelopes until one with the given event name arrives,
// failing the test if it does not show up within the timeout. Envelopes
// for other events are skipped, which keeps tests robust against
// interleaved broadcasts.
func (r *EventReader) Expect(t *testing.T, event string, timeout time.Duration) server.Envelope {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for %q event", event)
		}
		envelope, err := r.Next(remaining)
		if err != nil {
			t.Fatalf("Error waiting for %q event: %v", event, err)
		}
		if envelope.Event == event {
			return envelope
		}
		t.Logf("Skipping %q event while waiting for %q", envelope.Event, event)
	}
}

// ExpectNone asserts that no envelope with the given event name arrives
// within the wait window.
func (r *EventReader) ExpectNone(t *testing.T, event string, wait time.Duration) {
	t.Helper()

	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		envelope, err := r.Next(remaining)
		if err != nil {
			return
		}
		if envelope.Event == event {
			t.Fatalf("Expected no %q event, but received one: %s", event, envelope.Data)
		}
	}
}

// DecodeData unmarshals an envelope's data into the given payload struct.
func DecodeData(t *testing.T, envelope server.Envelope, payload any) {
	t.Helper()

	if err := json.Unmarshal(envelope.Data, payload); err != nil {
		t.Fatalf("Failed to decode %q payload: %v", envelope.Event, err)
	}
}

// ExpectError waits for an error event and returns its payload.
func (r *EventReader) ExpectError(t *testing.T, timeout time.Duration) server.ErrorPayload {
	t.Helper()

	envelope := r.Expect(t, server.EventError, timeout)
	var payload server.ErrorPayload
	DecodeData(t, envelope, &payload)
	return payload
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
