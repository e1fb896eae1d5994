// Package testhelpers provides shared utilities for the relay's HTTP and
// WebSocket tests: starting servers, dialling the chat endpoint and reading
// frames with deadlines.
package testhelpers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultOrigin is the origin sent by ConnectWebSocket.
const DefaultOrigin = "http://localhost:8080"

// ReadTimeout bounds every frame read in the helpers below.
const ReadTimeout = 2 * time.Second

// CreateTestServer starts a test HTTP server for handler and closes it when
// the test ends.
func CreateTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// WebSocketURL converts a test server URL into a ws:// URL for path. A
// non-empty token is passed as the token query parameter.
func WebSocketURL(baseURL, path, token string) string {
	u := "ws" + strings.TrimPrefix(baseURL, "http") + path
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest executes an HTTP request with a 5-second timeout and fails the
// test if it cannot be made. The body is closed when the test ends.
func MakeRequest(t *testing.T, method, rawURL string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(method, rawURL, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

// ConnectWebSocket dials rawURL with the given Origin header. The handshake
// response is returned so callers can inspect rejected upgrades.
func ConnectWebSocket(rawURL, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(rawURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials rawURL with DefaultOrigin and closes the connection when
// the test ends.
func MustConnect(t *testing.T, rawURL string) *websocket.Conn {
	t.Helper()

	conn, _, err := ConnectWebSocket(rawURL, DefaultOrigin)
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", rawURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendFrame writes frame as a JSON text message.
func SendFrame(conn *websocket.Conn, frame map[string]any) error {
	return conn.WriteJSON(frame)
}

// SendRawMessage sends a raw message over the WebSocket connection.
func SendRawMessage(conn *websocket.Conn, messageType int, data []byte) error {
	return conn.WriteMessage(messageType, data)
}

// ReadFrame reads and decodes one frame, waiting at most timeout.
func ReadFrame(conn *websocket.Conn, timeout time.Duration) (map[string]any, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// ExpectFrame reads the next frame and fails the test unless it has wantType.
func ExpectFrame(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()

	frame, err := ReadFrame(conn, ReadTimeout)
	if err != nil {
		t.Fatalf("Expected %s frame, read failed: %v", wantType, err)
	}
	if got := frame["type"]; got != wantType {
		t.Fatalf("Expected %s frame, got %v (%v)", wantType, got, frame)
	}
	return frame
}

// ExpectNoFrame fails the test if a frame arrives within timeout. The
// connection is unusable for reads afterwards.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()

	frame, err := ReadFrame(conn, timeout)
	if err == nil {
		t.Fatalf("Expected no frame, got %v", frame)
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("Expected read timeout, got %v", err)
	}
}

// ExpectClose reads until the server closes the connection and returns the
// close code and reason.
func ExpectClose(t *testing.T, conn *websocket.Conn) (int, string) {
	t.Helper()

	deadline := time.Now().Add(ReadTimeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("Failed to set read deadline: %v", err)
		}
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return closeErr.Code, closeErr.Text
		}
		t.Fatalf("Expected close frame, got %v", err)
	}
}

// Authenticate dials the chat endpoint with token and consumes AUTH_SUCCESS.
func Authenticate(t *testing.T, baseURL, path, token string) *websocket.Conn {
	t.Helper()

	conn := MustConnect(t, WebSocketURL(baseURL, path, token))
	ExpectFrame(t, conn, "AUTH_SUCCESS")
	return conn
}

// JoinRoom sends JOIN_ROOM and consumes the JOINED_ROOM acknowledgement.
func JoinRoom(t *testing.T, conn *websocket.Conn, roomID string) map[string]any {
	t.Helper()

	if err := SendFrame(conn, map[string]any{"type": "JOIN_ROOM", "roomId": roomID}); err != nil {
		t.Fatalf("Failed to send JOIN_ROOM: %v", err)
	}
	return ExpectFrame(t, conn, "JOINED_ROOM")
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
