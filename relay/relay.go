// Package relay propagates room events between gateway instances. Delivery is
// broadcast, not queued: every currently subscribed instance sees every
// published event, and nothing is retained for instances that subscribe
// later. Durable history lives in the event log, not here.
package relay

import (
	"context"
	"time"
)

// Event kinds carried over the relay
const (
	// KindReceiveMessage a chat message accepted by some instance
	KindReceiveMessage = "receive_message"
	// KindUserJoined a user joined a room on some instance
	KindUserJoined = "user_joined"
	// KindUserLeft a user left a room on some instance
	KindUserLeft = "user_left"
)

// Event one room event relayed between instances
type Event struct {
	// Origin ID of the instance which published the event. Subscribers drop
	// events originating from themselves; the origin already delivered the
	// event to its local connections.
	Origin string `json:"origin"`
	// Kind one of KindReceiveMessage, KindUserJoined, KindUserLeft
	Kind string `json:"kind"`
	// RoomName the room the event belongs to
	RoomName string `json:"roomName"`
	// Username the acting user
	Username string `json:"username"`
	// Content the message content, for KindReceiveMessage
	Content string `json:"content,omitempty"`
	// Timestamp server-assigned time of the originating action
	Timestamp time.Time `json:"timestamp"`
}

// EventHandlerCB callback invoked with each event received from other instances
type EventHandlerCB func(event Event)

// Relay cross-instance broadcast channel for room events
type Relay interface {
	// Publish broadcast an event to all other subscribed instances
	Publish(ctxt context.Context, event Event) error
	// Subscribe register the handler for events from other instances. Called
	// once at instance startup.
	Subscribe(handler EventHandlerCB) error
	// Close tear down the subscription
	Close()
}
