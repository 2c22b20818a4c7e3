// Copyright 2026 The chatmesh Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chatmesh/chatmesh/eventlog"
	"github.com/chatmesh/chatmesh/membership"
	"github.com/chatmesh/chatmesh/relay"
	"github.com/stretchr/testify/assert"
)

// capturingPublisher records appended events for inspection
type capturingPublisher struct {
	appended chan eventlog.Event
}

func newCapturingPublisher() *capturingPublisher {
	return &capturingPublisher{appended: make(chan eventlog.Event, 16)}
}

func (p *capturingPublisher) Append(ctxt context.Context, event eventlog.Event) error {
	p.appended <- event
	return nil
}

// failingPublisher rejects every append, recording the attempts
type failingPublisher struct {
	attempts chan eventlog.Event
}

func newFailingPublisher() *failingPublisher {
	return &failingPublisher{attempts: make(chan eventlog.Event, 16)}
}

func (p *failingPublisher) Append(ctxt context.Context, event eventlog.Event) error {
	p.attempts <- event
	return fmt.Errorf("event log unavailable")
}

// receivedEvent decoded outbound protocol frame
type receivedEvent struct {
	Event string
	Data  map[string]interface{}
}

// nextEvent read the next outbound frame of a session with a timeout
func nextEvent(t *testing.T, session *Session) receivedEvent {
	t.Helper()
	select {
	case raw := <-session.SendChannel():
		var envelope struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			t.Fatalf("malformed outbound frame: %s", err)
		}
		result := receivedEvent{Event: envelope.Event}
		if err := json.Unmarshal(envelope.Data, &result.Data); err != nil {
			t.Fatalf("malformed outbound payload: %s", err)
		}
		return result
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound event")
		return receivedEvent{}
	}
}

// noEvent verify a session has nothing queued outbound
func noEvent(t *testing.T, session *Session) {
	t.Helper()
	select {
	case raw := <-session.SendChannel():
		t.Fatalf("unexpected outbound event %s", raw)
	case <-time.After(time.Millisecond * 50):
	}
}

// submitFrame feed one inbound protocol frame to a session
func submitFrame(t *testing.T, session *Session, event string, request interface{}) {
	t.Helper()
	data, err := json.Marshal(request)
	if err != nil {
		t.Fatalf("unable to marshal request: %s", err)
	}
	frame, err := json.Marshal(&ClientEvent{Event: event, Data: data})
	if err != nil {
		t.Fatalf("unable to marshal frame: %s", err)
	}
	if err := session.HandleInbound(frame); err != nil {
		t.Fatalf("inbound frame rejected: %s", err)
	}
}

type sessionTestEnv struct {
	members  membership.Store
	bus      *relay.MemoryBus
	hub      *Hub
	eventLog *capturingPublisher
	wg       *sync.WaitGroup
	ctxt     context.Context
	cancel   context.CancelFunc
}

func newSessionTestEnv(t *testing.T) *sessionTestEnv {
	t.Helper()
	ctxt, cancel := context.WithCancel(context.Background())
	bus := relay.NewMemoryBus()
	hub := NewHub("node-test", bus.RelayForInstance("node-test"))
	if err := hub.Start(); err != nil {
		t.Fatalf("unable to start hub: %s", err)
	}
	return &sessionTestEnv{
		members:  membership.CreateInMemoryStore(),
		bus:      bus,
		hub:      hub,
		eventLog: newCapturingPublisher(),
		wg:       &sync.WaitGroup{},
		ctxt:     ctxt,
		cancel:   cancel,
	}
}

func (e *sessionTestEnv) newSession(t *testing.T) *Session {
	t.Helper()
	return e.newSessionWith(t, e.eventLog, 16)
}

func (e *sessionTestEnv) newSessionWith(
	t *testing.T, eventLog eventlog.Publisher, sendBufferLen int,
) *Session {
	t.Helper()
	session, err := NewSession(e.ctxt, SessionParams{
		Instance:      "node-test",
		Hub:           e.hub,
		Members:       e.members,
		EventLog:      eventLog,
		SendBufferLen: sendBufferLen,
		TaskBufferLen: 16,
	}, e.wg)
	if err != nil {
		t.Fatalf("unable to define session: %s", err)
	}
	return session
}

func (e *sessionTestEnv) teardown() {
	e.cancel()
	e.wg.Wait()
}

func TestSessionJoinRoom(t *testing.T) {
	assert := assert.New(t)

	env := newSessionTestEnv(t)
	defer env.teardown()
	alice := env.newSession(t)
	bob := env.newSession(t)

	// Case 1: join confirmed, membership recorded
	{
		submitFrame(t, alice, EventJoinRoom, JoinRoomRequest{RoomName: "lobby", Username: "alice"})
		confirmed := nextEvent(t, alice)
		assert.Equal(EventRoomJoined, confirmed.Event)
		assert.Equal("lobby", confirmed.Data["roomName"])
		assert.Equal("alice", confirmed.Data["username"])
		isMember, err := env.members.IsMember(env.ctxt, "lobby", "alice")
		assert.Nil(err)
		assert.True(isMember)
	}

	// Case 2: later joins are announced to earlier members, not the joiner
	{
		submitFrame(t, bob, EventJoinRoom, JoinRoomRequest{RoomName: "lobby", Username: "bob"})
		confirmed := nextEvent(t, bob)
		assert.Equal(EventRoomJoined, confirmed.Event)
		announced := nextEvent(t, alice)
		assert.Equal(EventUserJoined, announced.Event)
		assert.Equal("bob", announced.Data["username"])
		noEvent(t, bob)
	}

	// Case 3: repeat join is a no-op, still confirmed
	{
		submitFrame(t, alice, EventJoinRoom, JoinRoomRequest{RoomName: "lobby", Username: "alice"})
		confirmed := nextEvent(t, alice)
		assert.Equal(EventRoomJoined, confirmed.Event)
		// No user_joined announced for a repeat
		noEvent(t, bob)
	}

	// Case 4: invalid room name rejected
	{
		submitFrame(t, alice, EventJoinRoom, JoinRoomRequest{RoomName: "no spaces", Username: "alice"})
		failed := nextEvent(t, alice)
		assert.Equal(EventError, failed.Event)
		assert.Equal("Failed to join room", failed.Data["message"])
	}
}

func TestSessionSendMessage(t *testing.T) {
	assert := assert.New(t)

	env := newSessionTestEnv(t)
	defer env.teardown()
	alice := env.newSession(t)
	bob := env.newSession(t)

	submitFrame(t, alice, EventJoinRoom, JoinRoomRequest{RoomName: "lobby", Username: "alice"})
	assert.Equal(EventRoomJoined, nextEvent(t, alice).Event)
	submitFrame(t, bob, EventJoinRoom, JoinRoomRequest{RoomName: "lobby", Username: "bob"})
	assert.Equal(EventRoomJoined, nextEvent(t, bob).Event)
	assert.Equal(EventUserJoined, nextEvent(t, alice).Event)

	// Case 1: message reaches other members but never echoes to the author
	{
		submitFrame(t, alice, EventSendMessage, SendMessageRequest{
			RoomName: "lobby", Username: "alice", Content: "hello bob",
		})
		delivered := nextEvent(t, bob)
		assert.Equal(EventReceiveMessage, delivered.Event)
		assert.Equal("alice", delivered.Data["username"])
		assert.Equal("hello bob", delivered.Data["content"])
		noEvent(t, alice)
	}

	// Case 2: the accepted message is appended to the event log
	{
		select {
		case appended := <-env.eventLog.appended:
			assert.Equal(eventlog.EventTypeSendMessage, appended.Type)
			assert.Equal("lobby", appended.RoomName)
			assert.Equal("alice", appended.Username)
			assert.Equal("hello bob", appended.Content)
		case <-time.After(time.Second):
			assert.FailNow("timed out waiting for event log append")
		}
	}

	// Case 3: sending without membership is rejected with no broadcast or append
	{
		mallory := env.newSession(t)
		submitFrame(t, mallory, EventSendMessage, SendMessageRequest{
			RoomName: "lobby", Username: "mallory", Content: "let me in",
		})
		failed := nextEvent(t, mallory)
		assert.Equal(EventError, failed.Event)
		assert.Equal("You are not a member of this room", failed.Data["message"])
		noEvent(t, bob)
		assert.Empty(env.eventLog.appended)
	}

	// Case 4: claiming another member's identity is rejected
	{
		submitFrame(t, bob, EventSendMessage, SendMessageRequest{
			RoomName: "lobby", Username: "alice", Content: "impostor",
		})
		failed := nextEvent(t, bob)
		assert.Equal(EventError, failed.Event)
		assert.Equal("You are not a member of this room", failed.Data["message"])
		noEvent(t, alice)
	}
}

func TestSessionLeaveRoom(t *testing.T) {
	assert := assert.New(t)

	env := newSessionTestEnv(t)
	defer env.teardown()
	alice := env.newSession(t)
	bob := env.newSession(t)

	submitFrame(t, alice, EventJoinRoom, JoinRoomRequest{RoomName: "lobby", Username: "alice"})
	assert.Equal(EventRoomJoined, nextEvent(t, alice).Event)
	submitFrame(t, bob, EventJoinRoom, JoinRoomRequest{RoomName: "lobby", Username: "bob"})
	assert.Equal(EventRoomJoined, nextEvent(t, bob).Event)
	assert.Equal(EventUserJoined, nextEvent(t, alice).Event)

	// Case 1: leave removes membership and announces to the room
	{
		submitFrame(t, bob, EventLeaveRoom, LeaveRoomRequest{RoomName: "lobby", Username: "bob"})
		announced := nextEvent(t, alice)
		assert.Equal(EventUserLeft, announced.Event)
		assert.Equal("bob", announced.Data["username"])
		waitForMembership(t, env, "lobby", "bob", false)
	}

	// Case 2: message after leave is rejected
	{
		submitFrame(t, bob, EventSendMessage, SendMessageRequest{
			RoomName: "lobby", Username: "bob", Content: "still here?",
		})
		failed := nextEvent(t, bob)
		assert.Equal(EventError, failed.Event)
		noEvent(t, alice)
	}

	// Case 3: leave without membership is rejected
	{
		submitFrame(t, bob, EventLeaveRoom, LeaveRoomRequest{RoomName: "lobby", Username: "bob"})
		failed := nextEvent(t, bob)
		assert.Equal(EventError, failed.Event)
		assert.Equal("You are not a member of this room", failed.Data["message"])
	}
}

func TestSessionRoomSwitch(t *testing.T) {
	assert := assert.New(t)

	env := newSessionTestEnv(t)
	defer env.teardown()
	alice := env.newSession(t)

	// Case 1: joining a second room leaves the first
	{
		submitFrame(t, alice, EventJoinRoom, JoinRoomRequest{RoomName: "room-1", Username: "alice"})
		assert.Equal(EventRoomJoined, nextEvent(t, alice).Event)
		submitFrame(t, alice, EventJoinRoom, JoinRoomRequest{RoomName: "room-2", Username: "alice"})
		confirmed := nextEvent(t, alice)
		assert.Equal(EventRoomJoined, confirmed.Event)
		assert.Equal("room-2", confirmed.Data["roomName"])
		waitForMembership(t, env, "room-1", "alice", false)
		waitForMembership(t, env, "room-2", "alice", true)
	}
}

func TestSessionDisconnect(t *testing.T) {
	assert := assert.New(t)

	env := newSessionTestEnv(t)
	defer env.teardown()
	alice := env.newSession(t)
	bob := env.newSession(t)

	submitFrame(t, alice, EventJoinRoom, JoinRoomRequest{RoomName: "lobby", Username: "alice"})
	assert.Equal(EventRoomJoined, nextEvent(t, alice).Event)
	submitFrame(t, bob, EventJoinRoom, JoinRoomRequest{RoomName: "lobby", Username: "bob"})
	assert.Equal(EventRoomJoined, nextEvent(t, bob).Event)
	assert.Equal(EventUserJoined, nextEvent(t, alice).Event)

	// Case 1: disconnect performs the leave
	{
		assert.Nil(bob.HandleDisconnect())
		announced := nextEvent(t, alice)
		assert.Equal(EventUserLeft, announced.Event)
		assert.Equal("bob", announced.Data["username"])
		waitForMembership(t, env, "lobby", "bob", false)
	}

	// Case 2: disconnect with no joined room is a no-op
	{
		idle := env.newSession(t)
		assert.Nil(idle.HandleDisconnect())
		noEvent(t, alice)
	}
}

func TestSessionMalformedFrames(t *testing.T) {
	assert := assert.New(t)

	env := newSessionTestEnv(t)
	defer env.teardown()
	alice := env.newSession(t)

	// Case 1: garbage frame
	{
		assert.NotNil(alice.HandleInbound([]byte("not json")))
		failed := nextEvent(t, alice)
		assert.Equal(EventError, failed.Event)
	}

	// Case 2: unknown event name
	{
		frame, err := json.Marshal(&ClientEvent{Event: "shout", Data: []byte("{}")})
		assert.Nil(err)
		assert.NotNil(alice.HandleInbound(frame))
		failed := nextEvent(t, alice)
		assert.Equal(EventError, failed.Event)
	}
}

func TestSessionDisconnectStopsEventLoop(t *testing.T) {
	assert := assert.New(t)

	env := newSessionTestEnv(t)
	defer env.teardown()
	alice := env.newSession(t)

	submitFrame(t, alice, EventJoinRoom, JoinRoomRequest{RoomName: "lobby", Username: "alice"})
	assert.Equal(EventRoomJoined, nextEvent(t, alice).Event)

	// Disconnect must release the session's event loop, not just run the
	// leave. The wait group only completes once the loop goroutine exits.
	assert.Nil(alice.HandleDisconnect())
	waitForMembership(t, env, "lobby", "alice", false)
	released := make(chan struct{})
	go func() {
		env.wg.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("session event loop still running after disconnect")
	}
}

func TestSessionLaggingConnectionTeardown(t *testing.T) {
	assert := assert.New(t)

	env := newSessionTestEnv(t)
	defer env.teardown()
	alice := env.newSession(t)
	// Outbound buffer of 1, never drained: the join confirmation fills it
	bob := env.newSessionWith(t, env.eventLog, 1)

	submitFrame(t, alice, EventJoinRoom, JoinRoomRequest{RoomName: "lobby", Username: "alice"})
	assert.Equal(EventRoomJoined, nextEvent(t, alice).Event)
	submitFrame(t, bob, EventJoinRoom, JoinRoomRequest{RoomName: "lobby", Username: "bob"})
	assert.Equal(EventUserJoined, nextEvent(t, alice).Event)

	// The failed delivery makes the hub cut bob loose, and the teardown must
	// run bob's leave so no ghost membership entry remains
	submitFrame(t, alice, EventSendMessage, SendMessageRequest{
		RoomName: "lobby", Username: "alice", Content: "flood",
	})
	waitForMembership(t, env, "lobby", "bob", false)
	assert.Equal(EventUserLeft, nextEvent(t, alice).Event)
	assert.False(bob.Deliver([]byte("late payload")))
}

func TestSessionDeliveryUnaffectedByAppendFailure(t *testing.T) {
	assert := assert.New(t)

	env := newSessionTestEnv(t)
	defer env.teardown()
	eventLog := newFailingPublisher()
	alice := env.newSessionWith(t, eventLog, 16)
	bob := env.newSession(t)

	submitFrame(t, alice, EventJoinRoom, JoinRoomRequest{RoomName: "lobby", Username: "alice"})
	assert.Equal(EventRoomJoined, nextEvent(t, alice).Event)
	submitFrame(t, bob, EventJoinRoom, JoinRoomRequest{RoomName: "lobby", Username: "bob"})
	assert.Equal(EventRoomJoined, nextEvent(t, bob).Event)
	assert.Equal(EventUserJoined, nextEvent(t, alice).Event)

	// The append path is down, but delivery still fans out and the author
	// sees no error
	submitFrame(t, alice, EventSendMessage, SendMessageRequest{
		RoomName: "lobby", Username: "alice", Content: "hello bob",
	})
	delivered := nextEvent(t, bob)
	assert.Equal(EventReceiveMessage, delivered.Event)
	assert.Equal("hello bob", delivered.Data["content"])
	select {
	case attempted := <-eventLog.attempts:
		assert.Equal(eventlog.EventTypeSendMessage, attempted.Type)
	case <-time.After(time.Second):
		assert.FailNow("timed out waiting for append attempt")
	}
	noEvent(t, alice)
}

// waitForMembership poll the membership store until the expected state appears
func waitForMembership(
	t *testing.T, env *sessionTestEnv, room, username string, expected bool,
) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		isMember, err := env.members.IsMember(env.ctxt, room, username)
		if err != nil {
			t.Fatalf("membership check failed: %s", err)
		}
		if isMember == expected {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
	t.Fatalf("membership of %s in %s never became %v", username, room, expected)
}
