// Package eventlog is the durable record of what happened: an append-only,
// partitioned log of domain events backed by NATS JetStream. Real-time
// delivery never waits on it; the persistence consumer drains it on its own
// schedule.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Log topics. Events for one room always land on the same topic partition
// (per-room subject), so per-room ordering holds end to end.
const (
	// TopicRoomEvents carries room lifecycle events
	TopicRoomEvents = "room-events"
	// TopicMessageEvents carries chat message events
	TopicMessageEvents = "message-events"
)

// Event types
const (
	// EventTypeCreateRoom a room was requested to be created
	EventTypeCreateRoom = "CREATE_ROOM"
	// EventTypeSendMessage a chat message was accepted by a gateway
	EventTypeSendMessage = "SEND_MESSAGE"
)

// RoomInfo room description within a CREATE_ROOM event
type RoomInfo struct {
	// Name is the globally unique room name
	Name string `json:"name"`
}

// Event one record in the event log.
//
// The ID doubles as the idempotency key: the broker dedups repeated publishes
// of the same ID within its dedup window, and the persistence consumer keys
// stored messages on it so redelivery never creates a second row.
type Event struct {
	// ID server-assigned unique event ID
	ID string `json:"eventId"`
	// Type one of EventTypeCreateRoom, EventTypeSendMessage
	Type string `json:"type"`
	// Room set for CREATE_ROOM events
	Room *RoomInfo `json:"room,omitempty"`
	// RoomName set for SEND_MESSAGE events
	RoomName string `json:"roomName,omitempty"`
	// Username set for SEND_MESSAGE events
	Username string `json:"username,omitempty"`
	// Content set for SEND_MESSAGE events
	Content string `json:"content,omitempty"`
	// Timestamp server-assigned time the event was accepted
	Timestamp time.Time `json:"timestamp"`
}

// NewRoomCreatedEvent define a CREATE_ROOM event
func NewRoomCreatedEvent(roomName string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      EventTypeCreateRoom,
		Room:      &RoomInfo{Name: roomName},
		Timestamp: time.Now().UTC(),
	}
}

// NewMessageSentEvent define a SEND_MESSAGE event
func NewMessageSentEvent(roomName, username, content string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      EventTypeSendMessage,
		RoomName:  roomName,
		Username:  username,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// TargetRoom the room this event belongs to, which is also its partition key
func (e Event) TargetRoom() string {
	if e.Type == EventTypeCreateRoom && e.Room != nil {
		return e.Room.Name
	}
	return e.RoomName
}

// Topic the log topic this event belongs on
func (e Event) Topic() string {
	if e.Type == EventTypeCreateRoom {
		return TopicRoomEvents
	}
	return TopicMessageEvents
}

// Validate verify the event is structurally complete for its type
func (e Event) Validate() error {
	switch e.Type {
	case EventTypeCreateRoom:
		if e.Room == nil || e.Room.Name == "" {
			return fmt.Errorf("CREATE_ROOM event missing room name")
		}
	case EventTypeSendMessage:
		if e.RoomName == "" || e.Username == "" || e.Content == "" {
			return fmt.Errorf("SEND_MESSAGE event missing fields")
		}
	default:
		return fmt.Errorf("unknown event type '%s'", e.Type)
	}
	return nil
}

// ParseEvent deserialize and verify one event log record
func ParseEvent(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	if err := event.Validate(); err != nil {
		return Event{}, err
	}
	return event, nil
}
