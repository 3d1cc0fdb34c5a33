// Package integration contains end-to-end tests that exercise the GoChat
// server over real WebSocket connections: admission, the room lifecycle,
// message fan-out, and presence signals.
package integration

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/gochat/internal/server"
	"github.com/Tyrowin/gochat/test/testhelpers"
	"github.com/gorilla/websocket"
)

const eventTimeout = 3 * time.Second

// startRelayServer starts the hub and an HTTP test server with the real
// routes, configured with the test signing secret and a rate limit burst
// high enough that tests never trip it.
func startRelayServer(t *testing.T) string {
	t.Helper()

	server.StartHub()
	ts := testhelpers.CreateTestServer(server.SetupRoutes())
	t.Cleanup(ts.Close)

	testhelpers.ConfigureServer(t, ts.URL, func(cfg *server.Config) {
		cfg.RateLimit.Burst = 100
	})
	return ts.URL
}

// connectUser dials the relay with a freshly minted token for username and
// wraps the connection in an event reader.
func connectUser(t *testing.T, baseURL, username string) (*websocket.Conn, *testhelpers.EventReader) {
	t.Helper()

	conn := testhelpers.Dial(t, baseURL, testhelpers.MintToken(t, username))
	return conn, testhelpers.NewEventReader(conn)
}

// TestAdmission verifies the connection gate: a valid token upgrades, while
// missing, expired, and garbage tokens are refused before the upgrade with
// an HTTP error carrying the matching refusal code.
func TestAdmission(t *testing.T) {
	baseURL := startRelayServer(t)

	conn, _, err := testhelpers.TryDial(baseURL, testhelpers.MintToken(t, "alice"))
	if err != nil {
		t.Fatalf("Valid token was refused: %v", err)
	}
	_ = conn.Close()

	tests := []struct {
		name         string
		token        string
		expectedCode string
	}{
		{name: "missing token", token: "", expectedCode: "NO_TOKEN"},
		{name: "expired token", token: testhelpers.MintExpiredToken(t, "alice"), expectedCode: "TOKEN_EXPIRED"},
		{name: "garbage token", token: "not-a-token", expectedCode: "TOKEN_INVALID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := testhelpers.TryDial(baseURL, tt.token)
			if err == nil {
				_ = conn.Close()
				t.Fatal("Expected the handshake to be refused")
			}
			if resp == nil {
				t.Fatalf("No HTTP response for refused handshake: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("Expected status 401, got %d", resp.StatusCode)
			}

			var payload server.ErrorPayload
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				t.Fatalf("Failed to decode refusal body: %v", err)
			}
			if payload.Code != tt.expectedCode {
				t.Errorf("Expected refusal code %q, got %q", tt.expectedCode, payload.Code)
			}
		})
	}
}

// TestCreateRoom verifies explicit room creation: the creator receives a
// confirmation, every connection receives the announcement, and invalid or
// duplicate names are rejected without side effects.
func TestCreateRoom(t *testing.T) {
	baseURL := startRelayServer(t)

	_, alice := connectUser(t, baseURL, "alice")
	_, bob := connectUser(t, baseURL, "bob")

	conn, creator := connectUser(t, baseURL, "carol")
	testhelpers.SendEvent(t, conn, server.EventCreateRoom, server.RoomNamePayload{RoomName: "  create-lounge  "})

	envelope := creator.Expect(t, server.EventRoomCreateSuccess, eventTimeout)
	var success server.RoomCreateSuccessPayload
	testhelpers.DecodeData(t, envelope, &success)
	if success.RoomName != "create-lounge" {
		t.Errorf("Expected trimmed room name %q, got %q", "create-lounge", success.RoomName)
	}

	// Every connection hears the announcement, members or not.
	for name, reader := range map[string]*testhelpers.EventReader{"alice": alice, "bob": bob} {
		envelope := reader.Expect(t, server.EventRoomCreated, eventTimeout)
		var created server.RoomCreatedPayload
		testhelpers.DecodeData(t, envelope, &created)
		if created.RoomName != "create-lounge" || created.CreatedBy != "carol" {
			t.Errorf("%s saw announcement %+v, want create-lounge by carol", name, created)
		}
	}

	tests := []struct {
		name         string
		roomName     string
		expectedCode string
	}{
		{name: "duplicate name", roomName: "create-lounge", expectedCode: "ROOM_EXISTS"},
		{name: "whitespace name", roomName: "   ", expectedCode: "EMPTY_ROOM_NAME"},
		{name: "name too long", roomName: strings.Repeat("x", 51), expectedCode: "ROOM_NAME_TOO_LONG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testhelpers.SendEvent(t, conn, server.EventCreateRoom, server.RoomNamePayload{RoomName: tt.roomName})
			payload := creator.ExpectError(t, eventTimeout)
			if payload.Code != tt.expectedCode {
				t.Errorf("Expected code %q, got %q (%s)", tt.expectedCode, payload.Code, payload.Message)
			}
		})
	}

	// The failed creates must not have touched the directory.
	testhelpers.SendEvent(t, conn, server.EventGetRooms, nil)
	envelope = creator.Expect(t, server.EventRoomsList, eventTimeout)
	var list server.RoomsListPayload
	testhelpers.DecodeData(t, envelope, &list)
	count := 0
	for _, room := range list.Rooms {
		if room == "create-lounge" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected exactly one create-lounge entry, got %d in %v", count, list.Rooms)
	}
}

// TestJoinLeaveLifecycle walks the full membership lifecycle: auto-creation
// on join, the join confirmation with the member roster, user_joined and
// user_left fan-out, and deletion of the room when its last member leaves.
func TestJoinLeaveLifecycle(t *testing.T) {
	baseURL := startRelayServer(t)

	aliceConn, alice := connectUser(t, baseURL, "alice")
	bobConn, bob := connectUser(t, baseURL, "bob")

	// Joining an unseen room creates it.
	testhelpers.SendEvent(t, aliceConn, server.EventJoinRoom, server.RoomNamePayload{RoomName: "lifecycle-den"})
	envelope := alice.Expect(t, server.EventJoinedRoom, eventTimeout)
	var joined server.JoinedRoomPayload
	testhelpers.DecodeData(t, envelope, &joined)
	if joined.RoomName != "lifecycle-den" || joined.UserCount != 1 {
		t.Errorf("Unexpected join confirmation: %+v", joined)
	}
	if joined.WelcomeMessage == "" {
		t.Error("Expected a welcome message in the join confirmation")
	}

	testhelpers.SendEvent(t, bobConn, server.EventJoinRoom, server.RoomNamePayload{RoomName: "lifecycle-den"})
	envelope = bob.Expect(t, server.EventJoinedRoom, eventTimeout)
	testhelpers.DecodeData(t, envelope, &joined)
	if joined.UserCount != 2 {
		t.Errorf("Expected user count 2, got %d", joined.UserCount)
	}
	if len(joined.Users) != 2 || joined.Users[0] != "alice" || joined.Users[1] != "bob" {
		t.Errorf("Expected roster [alice bob], got %v", joined.Users)
	}

	// The existing member is told, the joiner is not told about itself.
	envelope = alice.Expect(t, server.EventUserJoined, eventTimeout)
	var userJoined server.UserJoinedPayload
	testhelpers.DecodeData(t, envelope, &userJoined)
	if userJoined.Username != "bob" || userJoined.UserCount != 2 {
		t.Errorf("Unexpected user_joined: %+v", userJoined)
	}
	bob.ExpectNone(t, server.EventUserJoined, 300*time.Millisecond)

	// Bob leaves: bob gets the confirmation, alice the departure notice.
	testhelpers.SendEvent(t, bobConn, server.EventLeaveRoom, nil)
	envelope = bob.Expect(t, server.EventLeftRoom, eventTimeout)
	var left server.LeftRoomPayload
	testhelpers.DecodeData(t, envelope, &left)
	if left.RoomName != "lifecycle-den" {
		t.Errorf("Expected left_room for lifecycle-den, got %+v", left)
	}

	envelope = alice.Expect(t, server.EventUserLeft, eventTimeout)
	var userLeft server.UserLeftPayload
	testhelpers.DecodeData(t, envelope, &userLeft)
	if userLeft.Username != "bob" || userLeft.UserCount != 1 {
		t.Errorf("Unexpected user_left: %+v", userLeft)
	}

	// Leaving again is an error.
	testhelpers.SendEvent(t, bobConn, server.EventLeaveRoom, nil)
	if payload := bob.ExpectError(t, eventTimeout); payload.Code != "NOT_IN_ROOM" {
		t.Errorf("Expected NOT_IN_ROOM, got %q", payload.Code)
	}

	// The last member leaving deletes the room, announced to everyone.
	testhelpers.SendEvent(t, aliceConn, server.EventLeaveRoom, nil)
	alice.Expect(t, server.EventLeftRoom, eventTimeout)

	envelope = bob.Expect(t, server.EventRoomDeleted, eventTimeout)
	var deleted server.RoomDeletedPayload
	testhelpers.DecodeData(t, envelope, &deleted)
	if deleted.RoomName != "lifecycle-den" {
		t.Errorf("Expected room_deleted for lifecycle-den, got %+v", deleted)
	}
}

// TestSwitchingRoomsLeavesImplicitly verifies the one-room-per-connection
// rule: joining a second room runs the full leave transition for the first.
func TestSwitchingRoomsLeavesImplicitly(t *testing.T) {
	baseURL := startRelayServer(t)

	aliceConn, alice := connectUser(t, baseURL, "alice")
	bobConn, bob := connectUser(t, baseURL, "bob")

	testhelpers.SendEvent(t, aliceConn, server.EventJoinRoom, server.RoomNamePayload{RoomName: "switch-first"})
	alice.Expect(t, server.EventJoinedRoom, eventTimeout)
	testhelpers.SendEvent(t, bobConn, server.EventJoinRoom, server.RoomNamePayload{RoomName: "switch-first"})
	bob.Expect(t, server.EventJoinedRoom, eventTimeout)
	alice.Expect(t, server.EventUserJoined, eventTimeout)

	testhelpers.SendEvent(t, aliceConn, server.EventJoinRoom, server.RoomNamePayload{RoomName: "switch-second"})

	// Alice's stream: leave confirmation for the old room, then the join
	// confirmation for the new one.
	envelope := alice.Expect(t, server.EventLeftRoom, eventTimeout)
	var left server.LeftRoomPayload
	testhelpers.DecodeData(t, envelope, &left)
	if left.RoomName != "switch-first" {
		t.Errorf("Expected implicit leave of switch-first, got %+v", left)
	}
	envelope = alice.Expect(t, server.EventJoinedRoom, eventTimeout)
	var joined server.JoinedRoomPayload
	testhelpers.DecodeData(t, envelope, &joined)
	if joined.RoomName != "switch-second" {
		t.Errorf("Expected join of switch-second, got %+v", joined)
	}

	// Bob sees the departure.
	envelope = bob.Expect(t, server.EventUserLeft, eventTimeout)
	var userLeft server.UserLeftPayload
	testhelpers.DecodeData(t, envelope, &userLeft)
	if userLeft.Username != "alice" || userLeft.RoomName != "switch-first" {
		t.Errorf("Unexpected user_left: %+v", userLeft)
	}
}

// TestRejoiningCurrentRoom verifies that joining the room you are already
// in changes nothing: no leave runs, the room is not deleted and recreated,
// and other connections hear nothing.
func TestRejoiningCurrentRoom(t *testing.T) {
	baseURL := startRelayServer(t)

	aliceConn, alice := connectUser(t, baseURL, "alice")
	_, watcher := connectUser(t, baseURL, "watcher")

	testhelpers.SendEvent(t, aliceConn, server.EventJoinRoom, server.RoomNamePayload{RoomName: "rejoin-room"})
	alice.Expect(t, server.EventJoinedRoom, eventTimeout)

	testhelpers.SendEvent(t, aliceConn, server.EventJoinRoom, server.RoomNamePayload{RoomName: "rejoin-room"})

	// The very next event must be the join confirmation, with no left_room
	// before it.
	envelope, err := alice.Next(eventTimeout)
	if err != nil {
		t.Fatalf("Error reading rejoin reply: %v", err)
	}
	if envelope.Event != server.EventJoinedRoom {
		t.Fatalf("Expected %q after rejoin, got %q", server.EventJoinedRoom, envelope.Event)
	}
	var joined server.JoinedRoomPayload
	testhelpers.DecodeData(t, envelope, &joined)
	if joined.RoomName != "rejoin-room" || joined.UserCount != 1 {
		t.Errorf("Unexpected rejoin confirmation: %+v", joined)
	}

	// The sole member rejoining must not empty the room.
	watcher.ExpectNone(t, server.EventRoomDeleted, 400*time.Millisecond)
}

// TestSendMessageFanout verifies message delivery to every room member,
// sender included, and the validation failures for bad messages.
func TestSendMessageFanout(t *testing.T) {
	baseURL := startRelayServer(t)

	aliceConn, alice := connectUser(t, baseURL, "alice")
	bobConn, bob := connectUser(t, baseURL, "bob")

	// A roomless sender is rejected.
	testhelpers.SendEvent(t, aliceConn, server.EventSendMessage, server.SendMessagePayload{Text: "hello"})
	if payload := alice.ExpectError(t, eventTimeout); payload.Code != "NOT_IN_ROOM" {
		t.Errorf("Expected NOT_IN_ROOM, got %q", payload.Code)
	}

	testhelpers.SendEvent(t, aliceConn, server.EventJoinRoom, server.RoomNamePayload{RoomName: "fanout-room"})
	alice.Expect(t, server.EventJoinedRoom, eventTimeout)
	testhelpers.SendEvent(t, bobConn, server.EventJoinRoom, server.RoomNamePayload{RoomName: "fanout-room"})
	bob.Expect(t, server.EventJoinedRoom, eventTimeout)

	testhelpers.SendEvent(t, aliceConn, server.EventSendMessage, server.SendMessagePayload{Text: "  hello room  "})

	var senderCopy, memberCopy server.NewMessagePayload
	testhelpers.DecodeData(t, alice.Expect(t, server.EventNewMessage, eventTimeout), &senderCopy)
	testhelpers.DecodeData(t, bob.Expect(t, server.EventNewMessage, eventTimeout), &memberCopy)

	if senderCopy.Text != "hello room" {
		t.Errorf("Expected trimmed text %q, got %q", "hello room", senderCopy.Text)
	}
	if senderCopy.Sender != "alice" || memberCopy.Sender != "alice" {
		t.Errorf("Expected sender alice, got %q and %q", senderCopy.Sender, memberCopy.Sender)
	}
	if senderCopy.MessageID == "" || senderCopy.MessageID != memberCopy.MessageID {
		t.Errorf("Expected both copies to share a message ID, got %q and %q",
			senderCopy.MessageID, memberCopy.MessageID)
	}
	if senderCopy.RoomName != "fanout-room" {
		t.Errorf("Expected room fanout-room, got %q", senderCopy.RoomName)
	}

	tests := []struct {
		name         string
		data         any
		expectedCode string
	}{
		{name: "missing payload", data: nil, expectedCode: "INVALID_MESSAGE"},
		{name: "whitespace text", data: server.SendMessagePayload{Text: "   "}, expectedCode: "EMPTY_MESSAGE"},
		{name: "text too long", data: server.SendMessagePayload{Text: strings.Repeat("a", 1001)}, expectedCode: "MESSAGE_TOO_LONG"},
		{name: "multibyte text too long", data: server.SendMessagePayload{Text: strings.Repeat("界", 1001)}, expectedCode: "MESSAGE_TOO_LONG"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testhelpers.SendEvent(t, aliceConn, server.EventSendMessage, tt.data)
			payload := alice.ExpectError(t, eventTimeout)
			if payload.Code != tt.expectedCode {
				t.Errorf("Expected code %q, got %q (%s)", tt.expectedCode, payload.Code, payload.Message)
			}
			// Rejected messages must not reach the room.
			bob.ExpectNone(t, server.EventNewMessage, 200*time.Millisecond)
		})
	}

	// The length limit counts characters, not bytes: a 1000-character
	// multibyte message is twice that many bytes and still legal.
	wide := strings.Repeat("é", 1000)
	testhelpers.SendEvent(t, aliceConn, server.EventSendMessage, server.SendMessagePayload{Text: wide})
	testhelpers.DecodeData(t, bob.Expect(t, server.EventNewMessage, eventTimeout), &memberCopy)
	if memberCopy.Text != wide {
		t.Errorf("Multibyte message arrived altered: got %d bytes, want %d", len(memberCopy.Text), len(wide))
	}
}

// TestRoomIsolation verifies that messages and presence signals never cross
// room boundaries.
func TestRoomIsolation(t *testing.T) {
	baseURL := startRelayServer(t)

	aliceConn, alice := connectUser(t, baseURL, "alice")
	bobConn, bob := connectUser(t, baseURL, "bob")

	testhelpers.SendEvent(t, aliceConn, server.EventJoinRoom, server.RoomNamePayload{RoomName: "isolation-red"})
	alice.Expect(t, server.EventJoinedRoom, eventTimeout)
	testhelpers.SendEvent(t, bobConn, server.EventJoinRoom, server.RoomNamePayload{RoomName: "isolation-blue"})
	bob.Expect(t, server.EventJoinedRoom, eventTimeout)

	testhelpers.SendEvent(t, aliceConn, server.EventSendMessage, server.SendMessagePayload{Text: "red only"})
	testhelpers.SendEvent(t, aliceConn, server.EventTyping, nil)

	alice.Expect(t, server.EventNewMessage, eventTimeout)
	bob.ExpectNone(t, server.EventNewMessage, 300*time.Millisecond)
	bob.ExpectNone(t, server.EventUserTyping, 100*time.Millisecond)
}

// TestTypingRelay verifies that typing signals reach the other room members
// but never echo back to the sender, and that roomless typing is silently
// ignored rather than rejected.
func TestTypingRelay(t *testing.T) {
	baseURL := startRelayServer(t)

	aliceConn, alice := connectUser(t, baseURL, "alice")
	bobConn, bob := connectUser(t, baseURL, "bob")

	// Roomless typing is a no-op, not an error.
	testhelpers.SendEvent(t, aliceConn, server.EventTyping, nil)
	alice.ExpectNone(t, server.EventError, 300*time.Millisecond)

	testhelpers.SendEvent(t, aliceConn, server.EventJoinRoom, server.RoomNamePayload{RoomName: "typing-room"})
	alice.Expect(t, server.EventJoinedRoom, eventTimeout)
	testhelpers.SendEvent(t, bobConn, server.EventJoinRoom, server.RoomNamePayload{RoomName: "typing-room"})
	bob.Expect(t, server.EventJoinedRoom, eventTimeout)

	testhelpers.SendEvent(t, aliceConn, server.EventTyping, nil)
	envelope := bob.Expect(t, server.EventUserTyping, eventTimeout)
	var typing server.TypingPayload
	testhelpers.DecodeData(t, envelope, &typing)
	if typing.Username != "alice" || typing.RoomName != "typing-room" {
		t.Errorf("Unexpected typing payload: %+v", typing)
	}
	alice.ExpectNone(t, server.EventUserTyping, 300*time.Millisecond)

	testhelpers.SendEvent(t, aliceConn, server.EventStopTyping, nil)
	envelope = bob.Expect(t, server.EventUserStopTyping, eventTimeout)
	testhelpers.DecodeData(t, envelope, &typing)
	if typing.Username != "alice" {
		t.Errorf("Unexpected stop typing payload: %+v", typing)
	}
	alice.ExpectNone(t, server.EventUserStopTyping, 300*time.Millisecond)
}

// TestGetRooms verifies the directory listing reflects joins and deletions.
func TestGetRooms(t *testing.T) {
	baseURL := startRelayServer(t)

	conn, reader := connectUser(t, baseURL, "alice")

	testhelpers.SendEvent(t, conn, server.EventJoinRoom, server.RoomNamePayload{RoomName: "listing-room"})
	reader.Expect(t, server.EventJoinedRoom, eventTimeout)

	testhelpers.SendEvent(t, conn, server.EventGetRooms, nil)
	envelope := reader.Expect(t, server.EventRoomsList, eventTimeout)
	var list server.RoomsListPayload
	testhelpers.DecodeData(t, envelope, &list)
	if !containsRoom(list.Rooms, "listing-room") {
		t.Errorf("Expected listing-room in %v", list.Rooms)
	}

	testhelpers.SendEvent(t, conn, server.EventLeaveRoom, nil)
	reader.Expect(t, server.EventRoomDeleted, eventTimeout)

	testhelpers.SendEvent(t, conn, server.EventGetRooms, nil)
	envelope = reader.Expect(t, server.EventRoomsList, eventTimeout)
	testhelpers.DecodeData(t, envelope, &list)
	if containsRoom(list.Rooms, "listing-room") {
		t.Errorf("Deleted room still listed in %v", list.Rooms)
	}
}

func containsRoom(rooms []string, name string) bool {
	for _, room := range rooms {
		if room == name {
			return true
		}
	}
	return false
}
