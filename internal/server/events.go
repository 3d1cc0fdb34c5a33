// Package server defines the JSON event protocol spoken between clients and
// the hub: the envelope shape, per-event payloads, and error codes.
package server

import (
	"encoding/json"
	"strings"
	"time"
)

// Client-originated event names.
const (
	EventGetRooms    = "get_rooms"
	EventCreateRoom  = "create_room"
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
	EventStopTyping  = "stop_typing"
)

// Server-originated event names.
const (
	EventRoomsList         = "rooms_list"
	EventRoomCreated       = "room_created"
	EventRoomCreateSuccess = "room_create_success"
	EventRoomDeleted       = "room_deleted"
	EventJoinedRoom        = "joined_room"
	EventUserJoined        = "user_joined"
	EventLeftRoom          = "left_room"
	EventUserLeft          = "user_left"
	EventNewMessage        = "new_message"
	EventUserTyping        = "user_typing"
	EventUserStopTyping    = "user_stop_typing"
	EventError             = "error"
)

// Error codes delivered in error events and admission refusals.
const (
	CodeNoToken         = "NO_TOKEN"
	CodeTokenExpired    = "TOKEN_EXPIRED"
	CodeTokenInvalid    = "TOKEN_INVALID"
	CodeAuthFailed      = "AUTH_FAILED"
	CodeInvalidRoomName = "INVALID_ROOM_NAME"
	CodeEmptyRoomName   = "EMPTY_ROOM_NAME"
	CodeRoomNameTooLong = "ROOM_NAME_TOO_LONG"
	CodeRoomExists      = "ROOM_EXISTS"
	CodeMissingRoomName = "MISSING_ROOM_NAME"
	CodeNotInRoom       = "NOT_IN_ROOM"
	CodeInvalidMessage  = "INVALID_MESSAGE"
	CodeEmptyMessage    = "EMPTY_MESSAGE"
	CodeMessageTooLong  = "MESSAGE_TOO_LONG"
	CodeUnknownEvent    = "UNKNOWN_EVENT"
)

// Validation limits enforced by the event handlers, counted in characters
// rather than bytes so multibyte input keeps its full allowance.
const (
	MaxRoomNameLength = 50
	MaxMessageLength  = 1000
)

// Envelope is the framing shared by every inbound and outbound event:
// a tag naming the event and an event-specific data object.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ProtocolError is a validation or state failure attributable to a single
// client event. It carries the wire code reported back to the sender.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

func newProtocolError(code, message string) *ProtocolError {
	return &ProtocolError{Code: code, Message: message}
}

// RoomNamePayload is the inbound data for create_room and join_room.
type RoomNamePayload struct {
	RoomName string `json:"roomName"`
}

// SendMessagePayload is the inbound data for send_message.
type SendMessagePayload struct {
	Text string `json:"text"`
}

// RoomsListPayload answers a get_rooms request.
type RoomsListPayload struct {
	Rooms []string `json:"rooms"`
}

// RoomCreatedPayload is broadcast to every connection when a room is
// created explicitly via create_room.
type RoomCreatedPayload struct {
	RoomName  string    `json:"roomName"`
	CreatedBy string    `json:"createdBy"`
	Timestamp time.Time `json:"timestamp"`
}

// RoomCreateSuccessPayload confirms create_room to its sender.
type RoomCreateSuccessPayload struct {
	RoomName string `json:"roomName"`
}

// RoomDeletedPayload is broadcast to every connection when a room's last
// member leaves and the room is removed from the directory.
type RoomDeletedPayload struct {
	RoomName string `json:"roomName"`
	Reason   string `json:"reason"`
}

// JoinedRoomPayload is the sender-only reply to a successful join_room.
type JoinedRoomPayload struct {
	RoomName       string   `json:"roomName"`
	Users          []string `json:"users"`
	UserCount      int      `json:"userCount"`
	WelcomeMessage string   `json:"welcomeMessage"`
}

// UserJoinedPayload notifies the existing members of a room that a new
// member arrived.
type UserJoinedPayload struct {
	Username  string `json:"username"`
	RoomName  string `json:"roomName"`
	UserCount int    `json:"userCount"`
}

// LeftRoomPayload confirms leave_room to its sender.
type LeftRoomPayload struct {
	RoomName string `json:"roomName"`
}

// UserLeftPayload notifies the remaining members of a room that a member
// left or disconnected.
type UserLeftPayload struct {
	Username  string `json:"username"`
	RoomName  string `json:"roomName"`
	UserCount int    `json:"userCount"`
}

// NewMessagePayload carries one chat message to every member of a room,
// the sender included. The sender's own copy doubles as its delivery
// confirmation, so all clients render the identical server-built object.
type NewMessagePayload struct {
	MessageID string    `json:"messageId"`
	Text      string    `json:"text"`
	Sender    string    `json:"sender"`
	SenderID  string    `json:"senderId"`
	RoomName  string    `json:"roomName"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingPayload carries user_typing and user_stop_typing notifications to
// the other members of the sender's room.
type TypingPayload struct {
	Username string `json:"username"`
	RoomName string `json:"roomName"`
}

// ErrorPayload reports a failure to the connection that caused it. Errors
// never propagate to other connections and never close the connection.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// encodeEvent marshals an outbound event into its wire envelope.
func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
