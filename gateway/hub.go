package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/relay"
)

// Subscriber one local connection subscribed to a room's traffic
type Subscriber interface {
	// SubscriberID unique ID of the connection
	SubscriberID() string
	// Deliver hand an outbound payload to the connection. Returns false if
	// the connection can't keep up; the hub drops it rather than block the
	// fanout of the room.
	Deliver(payload []byte) bool
	// Close tear the connection down. Called when the hub cuts a lagging
	// subscriber so its leave cleanup still runs.
	Close()
}

// Hub the per-instance fanout registry: which local connections are
// subscribed to which rooms. It also bridges the cross-instance relay,
// re-emitting remote room events to local subscribers.
type Hub struct {
	common.Component
	instance string
	relay    relay.Relay
	mu       sync.RWMutex
	rooms    map[string]map[string]Subscriber
}

// NewHub define a new per-instance fanout hub
func NewHub(instance string, roomRelay relay.Relay) *Hub {
	logTags := log.Fields{
		"module": "gateway", "component": "hub", "instance": instance,
	}
	return &Hub{
		Component: common.Component{LogTags: logTags},
		instance:  instance,
		relay:     roomRelay,
		rooms:     make(map[string]map[string]Subscriber),
	}
}

// Start attach the hub to the cross-instance relay
func (h *Hub) Start() error {
	return h.relay.Subscribe(h.handleRelayEvent)
}

// Subscribe register a local connection for a room's traffic
func (h *Hub) Subscribe(room string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]Subscriber)
	}
	h.rooms[room][sub.SubscriberID()] = sub
	log.WithFields(h.LogTags).Debugf(
		"Subscribed %s to %s. Room now has %d local connections",
		sub.SubscriberID(), room, len(h.rooms[room]),
	)
}

// Unsubscribe remove a local connection from a room's traffic
func (h *Hub) Unsubscribe(room, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.rooms[room]; ok {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(h.rooms, room)
		}
	}
}

// BroadcastRoomEvent deliver a room event to local subscribers and publish it
// to the relay for remote ones. Local fanout is synchronous and per-room
// ordered on this instance; the relay leg is best-effort ordered.
func (h *Hub) BroadcastRoomEvent(
	ctxt context.Context,
	kind, room, username, content string,
	timestamp time.Time,
	excludeID string,
) error {
	payload, err := payloadForRoomEvent(kind, room, username, content, timestamp)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to form %s payload", kind)
		return err
	}
	h.deliverLocal(room, payload, excludeID)
	return h.relay.Publish(ctxt, relay.Event{
		Origin:    h.instance,
		Kind:      kind,
		RoomName:  room,
		Username:  username,
		Content:   content,
		Timestamp: timestamp,
	})
}

// deliverLocal fan a payload out to this instance's subscribers of a room
func (h *Hub) deliverLocal(room string, payload []byte, excludeID string) {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.rooms[room]))
	for id, sub := range h.rooms[room] {
		if id == excludeID {
			continue
		}
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	var lagging []Subscriber
	for _, sub := range subs {
		if !sub.Deliver(payload) {
			lagging = append(lagging, sub)
		}
	}
	// A full send buffer means the connection stopped draining. Cut it loose
	// instead of holding up the room. Closing the subscriber makes its leave
	// cleanup run, so the membership store does not keep a ghost entry.
	for _, sub := range lagging {
		log.WithFields(h.LogTags).Warnf(
			"Dropping lagging connection %s from %s", sub.SubscriberID(), room,
		)
		h.Unsubscribe(room, sub.SubscriberID())
		sub.Close()
	}
}

// handleRelayEvent re-emit an event from another instance to local subscribers
func (h *Hub) handleRelayEvent(event relay.Event) {
	payload, err := payloadForRoomEvent(
		event.Kind, event.RoomName, event.Username, event.Content, event.Timestamp,
	)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Discarding relay event %s from %s", event.Kind, event.Origin,
		)
		return
	}
	h.deliverLocal(event.RoomName, payload, "")
}

// payloadForRoomEvent build the client-facing payload for a room event
func payloadForRoomEvent(
	kind, room, username, content string, timestamp time.Time,
) ([]byte, error) {
	switch kind {
	case relay.KindReceiveMessage:
		return newServerEvent(EventReceiveMessage, ReceiveMessagePayload{
			Username: username, Content: content, RoomName: room, Timestamp: timestamp,
		})
	case relay.KindUserJoined:
		return newServerEvent(EventUserJoined, UserEventPayload{
			Username: username, RoomName: room,
		})
	case relay.KindUserLeft:
		return newServerEvent(EventUserLeft, UserEventPayload{
			Username: username, RoomName: room,
		})
	}
	return nil, fmt.Errorf("unknown room event kind '%s'", kind)
}
