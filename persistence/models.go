// Package persistence drains the event log into the system of record. It is
// fully decoupled from the real-time path: a slow or unavailable database
// delays durability, never delivery.
package persistence

import "time"

// Room a chat room in the system of record. Creation is idempotent on the
// unique name; replaying a CREATE_ROOM event changes nothing.
type Room struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// User a chat user, created on first observed message
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"size:255;uniqueIndex;not null" json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Message one immutable stored chat message. EventID carries the event log
// record's ID; its unique index is what makes at-least-once redelivery safe.
type Message struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventID   string    `gorm:"size:36;uniqueIndex;not null" json:"event_id"`
	RoomID    uint      `gorm:"index;not null" json:"room_id"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	SentAt    time.Time `json:"sent_at"`
	CreatedAt time.Time `json:"created_at"`
}
