package gateway

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Client to server event names
const (
	// EventJoinRoom request to join a room
	EventJoinRoom = "join_room"
	// EventSendMessage send a message to the joined room
	EventSendMessage = "send_message"
	// EventLeaveRoom explicit leave
	EventLeaveRoom = "leave_room"
)

// Server to client event names
const (
	// EventRoomJoined join confirmed, sent to the joining user
	EventRoomJoined = "room_joined"
	// EventUserJoined broadcast to the room, excludes the joining user
	EventUserJoined = "user_joined"
	// EventReceiveMessage broadcast to the room, excludes the author
	EventReceiveMessage = "receive_message"
	// EventUserLeft broadcast to the room
	EventUserLeft = "user_left"
	// EventError validation or dependency failure for the triggering action
	EventError = "error"
)

// Room and user names become NATS subject tokens and etcd path segments, so
// the accepted alphabet is restricted at this boundary.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidName whether a room or user name fits the accepted alphabet
func ValidName(name string) bool {
	return nameRegex.MatchString(name)
}

// ClientEvent inbound protocol envelope
type ClientEvent struct {
	// Event the event name
	Event string `json:"event"`
	// Data the event payload
	Data json.RawMessage `json:"data"`
}

// ServerEvent outbound protocol envelope
type ServerEvent struct {
	// Event the event name
	Event string `json:"event"`
	// Data the event payload
	Data interface{} `json:"data"`
}

// JoinRoomRequest payload of join_room
type JoinRoomRequest struct {
	RoomName string `json:"roomName"`
	Username string `json:"username"`
}

// Validate verify the request is complete and the names are acceptable
func (r JoinRoomRequest) Validate() error {
	if !nameRegex.MatchString(r.RoomName) {
		return fmt.Errorf("invalid room name '%s'", r.RoomName)
	}
	if !nameRegex.MatchString(r.Username) {
		return fmt.Errorf("invalid username '%s'", r.Username)
	}
	return nil
}

// SendMessageRequest payload of send_message
type SendMessageRequest struct {
	RoomName string `json:"roomName"`
	Username string `json:"username"`
	Content  string `json:"content"`
}

// Validate verify the request is complete
func (r SendMessageRequest) Validate() error {
	if !nameRegex.MatchString(r.RoomName) {
		return fmt.Errorf("invalid room name '%s'", r.RoomName)
	}
	if !nameRegex.MatchString(r.Username) {
		return fmt.Errorf("invalid username '%s'", r.Username)
	}
	if r.Content == "" {
		return fmt.Errorf("empty message content")
	}
	return nil
}

// LeaveRoomRequest payload of leave_room
type LeaveRoomRequest struct {
	RoomName string `json:"roomName"`
	Username string `json:"username"`
}

// RoomJoinedPayload payload of room_joined
type RoomJoinedPayload struct {
	RoomName string `json:"roomName"`
	Username string `json:"username"`
}

// UserEventPayload payload of user_joined and user_left
type UserEventPayload struct {
	Username string `json:"username"`
	RoomName string `json:"roomName"`
}

// ReceiveMessagePayload payload of receive_message
type ReceiveMessagePayload struct {
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	RoomName  string    `json:"roomName"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload payload of error
type ErrorPayload struct {
	Message string `json:"message"`
}

// newServerEvent serialize one outbound protocol event
func newServerEvent(event string, data interface{}) ([]byte, error) {
	return json.Marshal(&ServerEvent{Event: event, Data: data})
}
