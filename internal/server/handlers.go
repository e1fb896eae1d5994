package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketHandler upgrades the request, registers the connection and runs its
// session until the peer goes away or the server shuts down.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if !s.Ready() || !s.hub.Accepting() {
		http.Error(w, "Server is shutting down.", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConnection(ws, r.RemoteAddr, r.URL.Query(), s.config, s.logger)
	if !s.hub.Register(conn) {
		deadline := time.Now().Add(s.config.WriteTimeout)
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = ws.Close()
		return
	}

	conn.Start()
	session := NewSession(conn, s.hub, s.verifier, s.config, s.logger)
	go session.Run(s.hub.Context())
}

// HealthHandler is a plain text liveness check.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat relay is running!")
}

// Status is the body of GET /health.
type Status struct {
	Status             string `json:"status"`
	Ready              bool   `json:"ready"`
	VerifierConfigured bool   `json:"verifierConfigured"`
	Rooms              int    `json:"rooms"`
	Connections        int    `json:"connections"`
}

// StatusHandler reports readiness and registry counters as JSON. It answers
// 503 once shutdown has begun.
func (s *Server) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	status := Status{
		Status:             "UP",
		Ready:              s.Ready(),
		VerifierConfigured: s.verifier.Enabled(),
		Rooms:              len(s.hub.RoomIDs()),
		Connections:        s.hub.ConnectionCount(),
	}

	code := http.StatusOK
	if !status.Ready {
		status.Status = "DOWN"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Warn("error writing status response", "error", err)
	}
}

// TestPageHandler serves a small HTML client for trying the relay by hand.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Chat Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages { border: 1px solid #ccc; height: 300px; padding: 10px; overflow-y: scroll; margin: 10px 0; background-color: #f9f9f9; }
        input[type="text"] { width: 200px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; }
    </style>
</head>
<body>
    <h1>Chat Relay Test</h1>
    <div>
        <input type="text" id="token" placeholder="Token">
        <button onclick="connect()">Connect</button>
    </div>
    <div>
        <input type="text" id="room" placeholder="Room">
        <button onclick="join()">Join</button>
        <button onclick="leave()">Leave</button>
    </div>
    <div>
        <input type="text" id="content" placeholder="Type a message...">
        <button onclick="sendMessage()">Send</button>
    </div>
    <div id="messages"></div>

    <script>
        let ws = null;
        const messages = document.getElementById('messages');

        function log(text) {
            const line = document.createElement('div');
            line.textContent = text;
            messages.appendChild(line);
            messages.scrollTop = messages.scrollHeight;
        }

        function connect() {
            const token = encodeURIComponent(document.getElementById('token').value);
            ws = new WebSocket('ws://' + location.host + '/chat?token=' + token);
            ws.onopen = () => log('connected');
            ws.onmessage = (event) => {
                const msg = JSON.parse(event.data);
                log('[' + msg.type + '] ' + msg.senderId + ': ' + (msg.content || ''));
            };
            ws.onclose = (event) => log('closed ' + event.code + ' ' + event.reason);
        }

        function send(frame) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify(frame));
            }
        }

        function join() { send({type: 'JOIN_ROOM', roomId: document.getElementById('room').value}); }
        function leave() { send({type: 'LEAVE_ROOM', roomId: document.getElementById('room').value}); }
        function sendMessage() {
            const input = document.getElementById('content');
            send({type: 'MESSAGE', content: input.value});
            input.value = '';
        }
    </script>
</body>
</html>`
