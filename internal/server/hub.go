// Package server coordinates client registration, room membership, and
// event fan-out for the GoChat WebSocket system via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// frame is one decoded client event awaiting dispatch on the hub loop.
type frame struct {
	client   *Client
	envelope Envelope
}

// Hub owns all WebSocket client connections and the room directory, and
// dispatches every client event. Registration, unregistration, and event
// handling all run on the single Run goroutine, so each membership
// transition and its broadcasts are atomic with respect to every other
// connection.
type Hub struct {
	clients    map[*Client]bool
	rooms      *RoomDirectory
	register   chan *Client
	unregister chan *Client
	frames     chan frame
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates and initializes a new Hub instance with all necessary
// channels, an empty client map, and an empty room directory. The returned
// Hub is ready to manage WebSocket connections.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      NewRoomDirectory(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		frames:     make(chan frame),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// GetRegisterChan returns the channel used for registering new clients to the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients from the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock during the entire send operation to prevent race conditions
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	// Check if client is still registered and not closed
	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	// Try to send the message (channel might be closed, so we need to recover from panic)
	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling client registration,
// unregistration, and event dispatch. This method should be called in a
// separate goroutine as it runs indefinitely.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				log.Printf("Received nil client registration; skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mutex.Unlock()
			log.Printf("Client %s registered from %s. Total clients: %d",
				client.identity.Username, client.addr, clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.dropClient(client, "disconnected")

		case f := <-h.frames:
			h.dispatchFrame(f)
		}
	}
}

var hub = NewHub()

// dispatchFrame isolates one event's handling so a panic while processing
// a single connection's event cannot take down the loop or leave the room
// directory mid-transition for everyone else.
func (h *Hub) dispatchFrame(f frame) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic handling %q from %s: %v",
				f.envelope.Event, f.client.addr, r)
		}
	}()
	h.handleFrame(f)
}

func (h *Hub) handleFrame(f frame) {
	c := f.client

	switch f.envelope.Event {
	case EventGetRooms:
		h.handleGetRooms(c)
	case EventCreateRoom:
		h.handleCreateRoom(c, f.envelope.Data)
	case EventJoinRoom:
		h.handleJoinRoom(c, f.envelope.Data)
	case EventLeaveRoom:
		h.handleLeaveRoom(c)
	case EventSendMessage:
		h.handleSendMessage(c, f.envelope.Data)
	case EventTyping:
		h.handleTyping(c, EventUserTyping)
	case EventStopTyping:
		h.handleTyping(c, EventUserStopTyping)
	default:
		h.sendError(c, newProtocolError(CodeUnknownEvent,
			fmt.Sprintf("unknown event %q", f.envelope.Event)))
	}
}

func (h *Hub) handleGetRooms(c *Client) {
	h.sendEvent(c, EventRoomsList, RoomsListPayload{Rooms: h.rooms.Names()})
}

func (h *Hub) handleCreateRoom(c *Client, data json.RawMessage) {
	var payload RoomNamePayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			h.sendError(c, newProtocolError(CodeInvalidRoomName, "room name must be a string"))
			return
		}
	}

	name, err := h.rooms.Create(payload.RoomName)
	if err != nil {
		h.sendError(c, err)
		return
	}

	log.Printf("Room %q created by %s", name, c.identity.Username)

	// Everyone hears about a new room; it has no members yet.
	h.broadcastAll(EventRoomCreated, RoomCreatedPayload{
		RoomName:  name,
		CreatedBy: c.identity.Username,
		Timestamp: time.Now(),
	})
	h.sendEvent(c, EventRoomCreateSuccess, RoomCreateSuccessPayload{RoomName: name})
}

func (h *Hub) handleJoinRoom(c *Client, data json.RawMessage) {
	var payload RoomNamePayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			h.sendError(c, newProtocolError(CodeMissingRoomName, "room name is required"))
			return
		}
	}

	result, err := h.rooms.Join(c, payload.RoomName)
	if err != nil {
		h.sendError(c, err)
		return
	}

	h.emitLeave(c, result.Left, true)

	if result.Created {
		log.Printf("Room %q auto-created on join by %s", result.RoomName, c.identity.Username)
	}

	// A rejoin changed nothing for the other members, so they hear nothing.
	if !result.Rejoined {
		h.broadcastRoom(result.Members, EventUserJoined, UserJoinedPayload{
			Username:  c.identity.Username,
			RoomName:  result.RoomName,
			UserCount: result.UserCount,
		}, c)
	}
	h.sendEvent(c, EventJoinedRoom, JoinedRoomPayload{
		RoomName:       result.RoomName,
		Users:          result.Usernames,
		UserCount:      result.UserCount,
		WelcomeMessage: fmt.Sprintf("Welcome to %s, %s!", result.RoomName, c.identity.Username),
	})
}

func (h *Hub) handleLeaveRoom(c *Client) {
	result, err := h.rooms.Leave(c)
	if err != nil {
		h.sendError(c, err)
		return
	}
	h.emitLeave(c, &result, true)
}

func (h *Hub) handleSendMessage(c *Client, data json.RawMessage) {
	if c.room == "" {
		h.sendError(c, newProtocolError(CodeNotInRoom, "join a room before sending messages"))
		return
	}

	var payload SendMessagePayload
	if len(data) == 0 {
		h.sendError(c, newProtocolError(CodeInvalidMessage, "message text is required"))
		return
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		h.sendError(c, newProtocolError(CodeInvalidMessage, "message text must be a string"))
		return
	}

	text := strings.TrimSpace(payload.Text)
	if text == "" {
		h.sendError(c, newProtocolError(CodeEmptyMessage, "message must not be empty"))
		return
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		h.sendError(c, newProtocolError(CodeMessageTooLong,
			fmt.Sprintf("message must not exceed %d characters", MaxMessageLength)))
		return
	}

	room, exists := h.rooms.Room(c.room)
	if !exists {
		h.sendError(c, newProtocolError(CodeNotInRoom, "join a room before sending messages"))
		return
	}

	// The message exists only for this fan-out; it is never stored. The
	// sender receives its own copy as the delivery confirmation.
	h.broadcastRoom(room.Members(), EventNewMessage, NewMessagePayload{
		MessageID: uuid.NewString(),
		Text:      text,
		Sender:    c.identity.Username,
		SenderID:  c.identity.UserID,
		RoomName:  c.room,
		Timestamp: time.Now(),
	}, nil)
}

// handleTyping relays a presence signal to the other members of the
// sender's room. A roomless sender is a silent no-op, not an error.
func (h *Hub) handleTyping(c *Client, event string) {
	if c.room == "" {
		return
	}
	room, exists := h.rooms.Room(c.room)
	if !exists {
		return
	}
	h.broadcastRoom(room.Members(), event, TypingPayload{
		Username: c.identity.Username,
		RoomName: c.room,
	}, c)
}

// emitLeave publishes the side effects of a completed leave transition:
// user_left to the remaining members, room_deleted to everyone when the
// room emptied, and (for explicit leaves only) left_room to the leaver.
func (h *Hub) emitLeave(c *Client, result *LeaveResult, confirm bool) {
	if result == nil {
		return
	}

	h.broadcastRoom(result.Remaining, EventUserLeft, UserLeftPayload{
		Username:  result.Username,
		RoomName:  result.RoomName,
		UserCount: result.UserCount,
	}, nil)

	if result.Deleted {
		log.Printf("Room %q deleted: empty", result.RoomName)
		h.broadcastAll(EventRoomDeleted, RoomDeletedPayload{
			RoomName: result.RoomName,
			Reason:   "empty",
		})
	}

	if confirm {
		h.sendEvent(c, EventLeftRoom, LeftRoomPayload{RoomName: result.RoomName})
	}
}

// sendEvent delivers an event to a single client.
func (h *Hub) sendEvent(c *Client, event string, data any) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		log.Printf("Error encoding %q event: %v", event, err)
		return
	}
	if !h.safeSend(c, payload) {
		h.dropClient(c, "full send buffer")
	}
}

// sendError reports a validation or state failure to the acting client.
// The connection stays open; other connections never see the error.
func (h *Hub) sendError(c *Client, err error) {
	payload := ErrorPayload{Message: err.Error(), Code: CodeUnknownEvent}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		payload.Code = protoErr.Code
	}
	h.sendEvent(c, EventError, payload)
}

// broadcastAll delivers an event to every registered client.
func (h *Hub) broadcastAll(event string, data any) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		log.Printf("Error encoding %q event: %v", event, err)
		return
	}

	var failed []*Client
	for _, client := range h.getClientSnapshot() {
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}
	h.evictClients(failed)
}

// broadcastRoom delivers an event to the given room members, skipping
// exclude when non-nil. Delivery is fire-and-forget: a member that is
// already gone by fan-out time simply does not receive the event.
func (h *Hub) broadcastRoom(members []*Client, event string, data any, exclude *Client) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		log.Printf("Error encoding %q event: %v", event, err)
		return
	}

	var failed []*Client
	for _, member := range members {
		if exclude != nil && member == exclude {
			continue
		}
		if !h.safeSend(member, payload) {
			failed = append(failed, member)
		}
	}
	h.evictClients(failed)
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) evictClients(clients []*Client) {
	for _, client := range clients {
		h.dropClient(client, "full send buffer")
	}
}

// dropClient removes a client from the registry and runs the disconnect
// cleanup for its room membership. It is idempotent: dropping an already
// removed client does nothing, so a disconnect observed twice never emits
// duplicate user_left or room_deleted events.
func (h *Hub) dropClient(client *Client, reason string) {
	h.mutex.Lock()
	_, registered := h.clients[client]
	if registered {
		delete(h.clients, client)
		client.closed = true
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if !registered {
		return
	}

	// Close the channel after releasing the lock
	close(client.send)
	log.Printf("Client %s from %s removed (%s). Total clients: %d",
		client.identity.Username, client.addr, reason, clientCount)

	// Same cleanup path as an explicit leave, minus the confirmation to
	// the now-gone connection.
	h.emitLeave(client, h.rooms.Disconnect(client), false)
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	log.Println("Shutting down all client connections...")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	// Close all client connections
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing client connection from %s: %v", client.addr, err)
				}
			}
		}
	}

	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	log.Println("Initiating hub shutdown...")

	// Signal shutdown
	h.cancel()

	// Wait for Run() to complete
	<-h.done

	// Wait for all client goroutines to finish with timeout
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
