package persistence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chatmesh/chatmesh/eventlog"
	"github.com/stretchr/testify/assert"
)

// fakeStore records writes and simulates failures for named rooms
type fakeStore struct {
	mu        sync.Mutex
	rooms     map[string]int
	messages  map[string]int
	failRooms map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:     make(map[string]int),
		messages:  make(map[string]int),
		failRooms: make(map[string]bool),
	}
}

func (s *fakeStore) UpsertRoom(ctxt context.Context, name string, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRooms[name] {
		return fmt.Errorf("simulated write failure")
	}
	s.rooms[name]++
	return nil
}

func (s *fakeStore) SaveMessage(
	ctxt context.Context, eventID, room, username, content string, sentAt time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRooms[room] {
		return fmt.Errorf("simulated write failure")
	}
	// Idempotent on event ID like the SQL store
	s.messages[eventID]++
	return nil
}

func (s *fakeStore) ListRooms(ctxt context.Context) ([]Room, error) {
	return nil, nil
}

func (s *fakeStore) Ping(ctxt context.Context) error {
	return nil
}

// fakeSubscriber replays a fixed set of records through the handler
type fakeSubscriber struct {
	records []eventlog.Event
	acked   []string
}

func (r *fakeSubscriber) StartReading(
	forwardCB eventlog.ForwardEventHandlerCB, errorCB eventlog.AlertOnErrorCB, wg *sync.WaitGroup,
) error {
	for _, record := range r.records {
		eventID := record.ID
		ack := func() error {
			r.acked = append(r.acked, eventID)
			return nil
		}
		_ = forwardCB(context.Background(), record, ack)
	}
	return nil
}

func TestConsumerRecordProcessing(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	roomEvent := eventlog.NewRoomCreatedEvent("lobby")
	messageEvent := eventlog.NewMessageSentEvent("lobby", "alice", "hello")
	unknownEvent := eventlog.Event{
		ID: "mystery", Type: "DELETE_ROOM", RoomName: "lobby", Timestamp: time.Now().UTC(),
	}

	roomSub := &fakeSubscriber{records: []eventlog.Event{roomEvent, unknownEvent}}
	msgSub := &fakeSubscriber{records: []eventlog.Event{messageEvent}}
	uut, err := GetConsumer(store, roomSub, msgSub, "test-instance")
	assert.Nil(err)

	wg := sync.WaitGroup{}
	assert.Nil(uut.Start(&wg))
	wg.Wait()

	// Case 1: records of both topics reached the store and were acknowledged
	{
		assert.Equal(1, store.rooms["lobby"])
		assert.Equal(1, store.messages[messageEvent.ID])
		assert.Contains(roomSub.acked, roomEvent.ID)
		assert.Contains(msgSub.acked, messageEvent.ID)
	}

	// Case 2: unknown record types are acknowledged and skipped
	{
		assert.Contains(roomSub.acked, "mystery")
	}

	// Case 3: consumer remains ready, progress reporting works
	{
		assert.True(uut.Healthy())
		assert.Nil(uut.ReportStatus())
	}
}

func TestConsumerRedeliveredRecordsReacked(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	messageEvent := eventlog.NewMessageSentEvent("lobby", "alice", "hello")

	// The same record delivered three times, as after repeated ACK loss
	msgSub := &fakeSubscriber{
		records: []eventlog.Event{messageEvent, messageEvent, messageEvent},
	}
	uut, err := GetConsumer(store, &fakeSubscriber{}, msgSub, "test-instance")
	assert.Nil(err)

	wg := sync.WaitGroup{}
	assert.Nil(uut.Start(&wg))
	wg.Wait()

	// Each replay is handed to the idempotent store and acknowledged again
	assert.Equal(3, store.messages[messageEvent.ID])
	assert.Len(msgSub.acked, 3)
}

func TestConsumerWriteFailureLeavesRecordUnacked(t *testing.T) {
	assert := assert.New(t)

	store := newFakeStore()
	store.failRooms["broken"] = true
	failingEvent := eventlog.NewMessageSentEvent("broken", "alice", "hello")
	healthyEvent := eventlog.NewMessageSentEvent("lobby", "alice", "hello")

	msgSub := &fakeSubscriber{records: []eventlog.Event{failingEvent, healthyEvent}}
	uut, err := GetConsumer(store, &fakeSubscriber{}, msgSub, "test-instance")
	assert.Nil(err)

	wg := sync.WaitGroup{}
	assert.Nil(uut.Start(&wg))
	wg.Wait()

	// The failed record is left for redelivery, later records still flow
	assert.NotContains(msgSub.acked, failingEvent.ID)
	assert.Contains(msgSub.acked, healthyEvent.ID)
	assert.Equal(1, store.messages[healthyEvent.ID])
	assert.Equal(0, store.messages[failingEvent.ID])
}

func TestConsumerReadFailureDropsReadiness(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetConsumer(newFakeStore(), &fakeSubscriber{}, &fakeSubscriber{}, "test-instance")
	assert.Nil(err)
	assert.True(uut.Healthy())

	uut.alertOnError(fmt.Errorf("subscription torn down"))
	assert.False(uut.Healthy())
}
