// Package server exposes HTTP handlers, including the authenticated
// WebSocket upgrade, health checks, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler admits and upgrades WebSocket connections. Every attempt
// must present a bearer token that the configured verifier resolves to an
// identity; verification happens exactly once, before the upgrade, and is
// never re-run mid-session. A refused attempt gets an HTTP 401 with the
// error payload and no session state is ever created for it.
func WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity, err := currentVerifier().Verify(bearerToken(r))
	if err != nil {
		writeAdmissionRefusal(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := NewClient(conn, hub, r.RemoteAddr, identity)

	// Register the client with the hub; the hub will launch the pump goroutines.
	client.hub.register <- client
}

// writeAdmissionRefusal rejects a connection attempt before the upgrade.
// Token failures are the caller's problem (401); a verifier that cannot
// classify its own failure reads as infrastructure trouble (503).
func writeAdmissionRefusal(w http.ResponseWriter, r *http.Request, err error) {
	code := authFailureCode(err)
	status := http.StatusUnauthorized
	if code == CodeAuthFailed {
		status = http.StatusServiceUnavailable
	}

	log.Printf("Refused connection from %s: %s", r.RemoteAddr, code)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(ErrorPayload{
		Message: err.Error(),
		Code:    code,
	}); encodeErr != nil {
		log.Printf("Error writing refusal response: %v", encodeErr)
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat server is running!")
}

// TestPageHandler serves an HTML test page for exercising the room
// protocol. It provides a simple interface to connect with a token, list
// and join rooms, and exchange messages and typing signals.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>GoChat Rooms Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #events {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 260px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat Rooms Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="Bearer token...">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px;">
        <input type="text" id="roomInput" placeholder="Room name..." disabled>
        <button id="joinButton" onclick="joinRoom()" disabled>Join</button>
        <button id="leaveButton" onclick="send('leave_room')" disabled>Leave</button>
        <button id="roomsButton" onclick="send('get_rooms')" disabled>Rooms</button>
    </div>
    <div style="margin-top: 10px;">
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="events"></div>

    <script>
        let ws = null;
        let typing = false;
        const eventsDiv = document.getElementById('events');
        const controls = ['roomInput', 'joinButton', 'leaveButton', 'roomsButton', 'messageInput', 'sendButton'];

        function addEvent(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'black';
            el.textContent = text;
            eventsDiv.appendChild(el);
            eventsDiv.scrollTop = eventsDiv.scrollHeight;
        }

        function updateStatus(connected) {
            const statusDiv = document.getElementById('status');
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            document.getElementById('connectButton').textContent = connected ? 'Disconnect' : 'Connect';
            controls.forEach(id => document.getElementById(id).disabled = !connected);
        }

        function send(event, data) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({event: event, data: data}));
            }
        }

        function joinRoom() {
            send('join_room', {roomName: document.getElementById('roomInput').value});
        }

        function sendMessage() {
            const input = document.getElementById('messageInput');
            send('send_message', {text: input.value});
            send('stop_typing');
            typing = false;
            input.value = '';
        }

        function connect() {
            const token = document.getElementById('tokenInput').value.trim();
            ws = new WebSocket('ws://' + location.host + '/ws?token=' + encodeURIComponent(token));

            ws.onopen = function() { updateStatus(true); addEvent('Connected'); };
            ws.onclose = function() { updateStatus(false); addEvent('Connection closed'); ws = null; };
            ws.onerror = function() { addEvent('Connection error', 'red'); };
            ws.onmessage = function(e) {
                e.data.split('\n').forEach(function(line) {
                    const msg = JSON.parse(line);
                    if (msg.event === 'new_message') {
                        addEvent(msg.data.sender + ': ' + msg.data.text, 'green');
                    } else if (msg.event === 'error') {
                        addEvent(msg.data.code + ': ' + msg.data.message, 'red');
                    } else {
                        addEvent(msg.event + ' ' + JSON.stringify(msg.data), 'gray');
                    }
                });
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) { ws.close(); } else { connect(); }
        }

        document.getElementById('messageInput').addEventListener('keypress', function(e) {
            if (e.key === 'Enter') { sendMessage(); return; }
            if (!typing) { typing = true; send('typing'); }
        });
        document.getElementById('roomInput').addEventListener('keypress', function(e) {
            if (e.key === 'Enter') { joinRoom(); }
        });
    </script>
</body>
</html>`
	if _, err := fmt.Fprint(w, html); err != nil {
		log.Printf("Error writing HTML response: %v", err)
	}
}
