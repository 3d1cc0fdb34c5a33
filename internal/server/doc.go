// Package server implements the room-scoped chat relay at the heart of GoChat.
//
// Connections are admitted once through a bearer-token verifier, organized
// into named rooms (at most one per connection), and served by a single hub
// goroutine that owns the room directory and fans typed events out to all
// connections, all room members, or all members except the sender. The
// implementation is organized into specialized files for admission, events,
// rooms, hub management, clients, configuration, routing, and HTTP handlers.
package server
