package server_test

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/testhelpers"
)

func TestConnectionSendAfterClose(t *testing.T) {
	conn := newTestConn()

	conn.Close(websocket.CloseNormalClosure, "bye")
	conn.Close(websocket.CloseGoingAway, "again")

	err := conn.Send(chat("general", "alice", "late"))
	assert.ErrorIs(t, err, server.ErrConnectionClosed)

	code, reason, closed := conn.CloseStatus()
	assert.True(t, closed)
	assert.Equal(t, websocket.CloseNormalClosure, code)
	assert.Equal(t, "bye", reason)

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed")
	}
	_, ok := <-conn.Inbound()
	assert.False(t, ok, "inbound should end when a transportless connection closes")
}

func TestConnectionSendBufferFull(t *testing.T) {
	conn := newTestConn(func(c *server.Config) { c.SendBufferSize = 2 })

	require.NoError(t, conn.Send(chat("general", "alice", "1")))
	require.NoError(t, conn.Send(chat("general", "alice", "2")))
	assert.ErrorIs(t, conn.Send(chat("general", "alice", "3")), server.ErrSendBufferFull)
	assert.Len(t, conn.Outbound(), 2)
}

func TestConnectionIdentity(t *testing.T) {
	params := url.Values{"token": {"secret"}}
	a := server.NewConnection(nil, "10.0.0.1:1234", params, server.DefaultConfig(), nil)
	b := server.NewConnection(nil, "10.0.0.2:1234", nil, server.DefaultConfig(), nil)

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, "10.0.0.1:1234", a.Addr())
	assert.Equal(t, "secret", a.Param("token"))
	assert.Empty(t, b.Param("token"))
	assert.Empty(t, a.UserID())
	assert.Empty(t, a.RoomID())
}

// pumpServer upgrades each request into a started Connection and hands it to
// the test.
func pumpServer(t *testing.T, cfg server.Config) (string, <-chan *server.Connection) {
	t.Helper()

	conns := make(chan *server.Connection, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := testhelpers.CreateTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := server.NewConnection(ws, r.RemoteAddr, r.URL.Query(), cfg, slog.New(slog.DiscardHandler))
		conn.Start()
		conns <- conn
	}))
	return testhelpers.WebSocketURL(srv.URL, "/", ""), conns
}

func acceptConn(t *testing.T, conns <-chan *server.Connection) *server.Connection {
	t.Helper()
	select {
	case conn := <-conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept connection")
		return nil
	}
}

func TestConnectionPumpsDeliverFramesAndClose(t *testing.T) {
	wsURL, conns := pumpServer(t, server.DefaultConfig())
	client := testhelpers.MustConnect(t, wsURL)
	conn := acceptConn(t, conns)

	require.NoError(t, testhelpers.SendRawMessage(client, websocket.TextMessage, []byte(`{"type":"PING"}`)))
	select {
	case raw := <-conn.Inbound():
		assert.JSONEq(t, `{"type":"PING"}`, string(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("inbound frame not delivered")
	}

	require.NoError(t, conn.Send(chat("general", "alice", "one")))
	require.NoError(t, conn.Send(chat("general", "alice", "two")))
	conn.Close(websocket.ClosePolicyViolation, "Authentication failed")

	first := testhelpers.ExpectFrame(t, client, "MESSAGE")
	second := testhelpers.ExpectFrame(t, client, "MESSAGE")
	assert.Equal(t, "one", first["content"])
	assert.Equal(t, "two", second["content"])

	code, reason := testhelpers.ExpectClose(t, client)
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	assert.Equal(t, "Authentication failed", reason)

	select {
	case _, ok := <-conn.Inbound():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound not closed after transport close")
	}
}

func TestConnectionEndsInputWhenPeerLeaves(t *testing.T) {
	wsURL, conns := pumpServer(t, server.DefaultConfig())
	client := testhelpers.MustConnect(t, wsURL)
	conn := acceptConn(t, conns)

	require.NoError(t, testhelpers.CloseWebSocket(client))

	select {
	case _, ok := <-conn.Inbound():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound not closed after peer left")
	}
	conn.Close(websocket.CloseNormalClosure, "")
}

func TestConnectionRejectsOversizedFrames(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.MaxMessageSize = 64
	wsURL, conns := pumpServer(t, cfg)
	client := testhelpers.MustConnect(t, wsURL)
	conn := acceptConn(t, conns)

	big := `{"type":"MESSAGE","content":"` + strings.Repeat("x", 128) + `"}`
	require.NoError(t, testhelpers.SendRawMessage(client, websocket.TextMessage, []byte(big)))

	select {
	case _, ok := <-conn.Inbound():
		assert.False(t, ok, "oversized frame must not be delivered")
	case <-time.After(2 * time.Second):
		t.Fatal("inbound not closed after oversized frame")
	}
	conn.Close(websocket.CloseMessageTooBig, "")
}
