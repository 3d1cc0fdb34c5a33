// Package server maintains the room directory: the authoritative mapping
// from room name to member connections, and the membership transitions
// that keep it consistent.
package server

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Room is a named broadcast group. Membership is keyed by connection, with
// the username carried on the connection's identity; two live connections
// sharing a username are distinct members.
type Room struct {
	Name      string
	CreatedAt time.Time
	members   map[*Client]struct{}
}

// UserCount returns the number of member connections.
func (r *Room) UserCount() int {
	return len(r.members)
}

// Members returns a snapshot of the member connections.
func (r *Room) Members() []*Client {
	members := make([]*Client, 0, len(r.members))
	for c := range r.members {
		members = append(members, c)
	}
	return members
}

// Usernames returns the sorted usernames of the current members.
func (r *Room) Usernames() []string {
	names := make([]string, 0, len(r.members))
	for c := range r.members {
		names = append(names, c.identity.Username)
	}
	sort.Strings(names)
	return names
}

// RoomDirectory owns every room and the one-room-per-connection invariant.
// It performs no locking of its own: all access must come from the single
// hub goroutine, so each transition is atomic with respect to every other
// connection's joins, leaves, and disconnects.
type RoomDirectory struct {
	rooms map[string]*Room
}

// NewRoomDirectory returns an empty directory.
func NewRoomDirectory() *RoomDirectory {
	return &RoomDirectory{rooms: make(map[string]*Room)}
}

// LeaveResult reports the side effects of removing a connection from its
// room so the hub can notify the remaining members, and everyone if the
// room emptied and was deleted.
type LeaveResult struct {
	RoomName  string
	Username  string
	Remaining []*Client
	UserCount int
	Deleted   bool
}

// JoinResult reports the side effects of a join: the implicit leave of the
// previous room (if any), whether the room was auto-created, and the new
// room's membership snapshot including the joiner.
type JoinResult struct {
	Left      *LeaveResult
	RoomName  string
	Created   bool
	Rejoined  bool
	Members   []*Client
	Usernames []string
	UserCount int
}

// Create validates and inserts a new, empty room. The name is trimmed
// before validation; creation does not join the creator to the room.
func (d *RoomDirectory) Create(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", newProtocolError(CodeEmptyRoomName, "room name must not be empty")
	}
	if utf8.RuneCountInString(trimmed) > MaxRoomNameLength {
		return "", newProtocolError(CodeRoomNameTooLong,
			fmt.Sprintf("room name must not exceed %d characters", MaxRoomNameLength))
	}
	if _, exists := d.rooms[trimmed]; exists {
		return "", newProtocolError(CodeRoomExists, fmt.Sprintf("room %q already exists", trimmed))
	}

	d.rooms[trimmed] = &Room{
		Name:      trimmed,
		CreatedAt: time.Now(),
		members:   make(map[*Client]struct{}),
	}
	return trimmed, nil
}

// Join moves the connection into the named room, leaving its current room
// first if it has one. Unlike Create, Join accepts names the directory has
// never seen and creates them on the fly.
func (d *RoomDirectory) Join(c *Client, name string) (JoinResult, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return JoinResult{}, newProtocolError(CodeMissingRoomName, "room name is required")
	}

	// Rejoining the current room must not run the leave transition: a sole
	// member's room would empty, be deleted, and be recreated, churning
	// every other connection's directory view for a membership no-op.
	if c.room == trimmed {
		if room, exists := d.rooms[trimmed]; exists {
			return JoinResult{
				RoomName:  trimmed,
				Rejoined:  true,
				Members:   room.Members(),
				Usernames: room.Usernames(),
				UserCount: room.UserCount(),
			}, nil
		}
	}

	result := JoinResult{RoomName: trimmed}

	// A connection is never a member of two rooms: the previous room gets
	// the full leave treatment before the new membership is recorded.
	result.Left = d.Disconnect(c)

	room, exists := d.rooms[trimmed]
	if !exists {
		room = &Room{
			Name:      trimmed,
			CreatedAt: time.Now(),
			members:   make(map[*Client]struct{}),
		}
		d.rooms[trimmed] = room
		result.Created = true
	}

	room.members[c] = struct{}{}
	c.room = trimmed

	result.Members = room.Members()
	result.Usernames = room.Usernames()
	result.UserCount = room.UserCount()
	return result, nil
}

// Leave removes the connection from its current room, deleting the room
// if it emptied. Fails when the connection is not in a room.
func (d *RoomDirectory) Leave(c *Client) (LeaveResult, error) {
	result := d.Disconnect(c)
	if result == nil {
		return LeaveResult{}, newProtocolError(CodeNotInRoom, "you are not in a room")
	}
	return *result, nil
}

// Disconnect runs the leave transition without treating a roomless
// connection as an error; invoked on every unregister, it makes disconnect
// cleanup idempotent. A nil result means there was nothing to clean up.
func (d *RoomDirectory) Disconnect(c *Client) *LeaveResult {
	if c.room == "" {
		return nil
	}

	name := c.room
	c.room = ""

	room, exists := d.rooms[name]
	if !exists {
		return nil
	}
	delete(room.members, c)

	result := &LeaveResult{
		RoomName:  name,
		Username:  c.identity.Username,
		Remaining: room.Members(),
		UserCount: room.UserCount(),
	}

	// Empty rooms never linger in the directory.
	if room.UserCount() == 0 {
		delete(d.rooms, name)
		result.Deleted = true
	}
	return result
}

// Room looks up a room by name.
func (d *RoomDirectory) Room(name string) (*Room, bool) {
	room, exists := d.rooms[name]
	return room, exists
}

// Names returns the sorted names of every room in the directory.
func (d *RoomDirectory) Names() []string {
	names := make([]string, 0, len(d.rooms))
	for name := range d.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of rooms in the directory.
func (d *RoomDirectory) Len() int {
	return len(d.rooms)
}
