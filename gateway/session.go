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
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/eventlog"
	"github.com/chatmesh/chatmesh/membership"
	"github.com/chatmesh/chatmesh/relay"
	"github.com/google/uuid"
)

// sessionState connection lifecycle state
type sessionState int

const (
	// stateConnected session established, no room joined
	stateConnected sessionState = iota
	// stateJoined session joined to exactly one room
	stateJoined
)

// Inbound task params, one type per protocol event. The session's task
// processor dispatches on these types, so all state transitions of one
// session run serially in arrival order.
type joinRoomTask struct {
	request JoinRoomRequest
}

type sendMessageTask struct {
	request SendMessageRequest
}

type leaveRoomTask struct {
	request LeaveRoomRequest
}

type disconnectTask struct{}

// Session ties one live connection to at most one (room, username) pair. It
// owns the per-connection state machine; the transport (websocket client)
// feeds it inbound events and drains its outbound channel.
type Session struct {
	common.Component
	id          string
	state       sessionState
	room        string
	username    string
	hub         *Hub
	members     membership.Store
	eventLog    eventlog.Publisher
	processor   common.TaskProcessor
	send        chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	runtimeCtxt context.Context
	wg          *sync.WaitGroup
}

// SessionParams parameters for defining a new session
type SessionParams struct {
	// Instance ID of this gateway instance
	Instance string
	// Hub the instance's fanout hub
	Hub *Hub
	// Members the shared membership store
	Members membership.Store
	// EventLog the event log publisher
	EventLog eventlog.Publisher
	// SendBufferLen outbound message buffer length
	SendBufferLen int
	// TaskBufferLen inbound task buffer length
	TaskBufferLen int
}

// NewSession define a new session and start its event loop.
//
// The runtime context outlives any one connection; background event log
// appends run against it so a disconnect does not cancel in-flight appends.
func NewSession(
	runtimeCtxt context.Context, param SessionParams, wg *sync.WaitGroup,
) (*Session, error) {
	sessionID := uuid.New().String()
	logTags := log.Fields{
		"module":    "gateway",
		"component": "session",
		"instance":  param.Instance,
		"session":   sessionID,
	}
	processor, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("session-%s", sessionID), param.TaskBufferLen, runtimeCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	session := &Session{
		Component:   common.Component{LogTags: logTags},
		id:          sessionID,
		state:       stateConnected,
		hub:         param.Hub,
		members:     param.Members,
		eventLog:    param.EventLog,
		processor:   processor,
		send:        make(chan []byte, param.SendBufferLen),
		closed:      make(chan struct{}),
		runtimeCtxt: runtimeCtxt,
		wg:          wg,
	}
	if err := processor.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(joinRoomTask{}):    session.processJoinRoom,
		reflect.TypeOf(sendMessageTask{}): session.processSendMessage,
		reflect.TypeOf(leaveRoomTask{}):   session.processLeaveRoom,
		reflect.TypeOf(disconnectTask{}):  session.processDisconnect,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task execution map")
		return nil, err
	}
	if err := processor.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return nil, err
	}
	return session, nil
}

// SubscriberID unique ID of the connection
func (s *Session) SubscriberID() string {
	return s.id
}

// Deliver hand an outbound payload to the connection
func (s *Session) Deliver(payload []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// SendChannel the outbound channel drained by the transport
func (s *Session) SendChannel() <-chan []byte {
	return s.send
}

// Done signals when the session has been closed. The transport watches this to
// shut the connection down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Close tear the session down from the server side: signal the transport and
// queue leave cleanup. Used when the hub cuts a lagging connection. Safe to
// call multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.processor.Submit(disconnectTask{}); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Disconnect cleanup not queued")
		}
	})
}

// HandleInbound parse one inbound protocol frame and queue it for processing
func (s *Session) HandleInbound(raw []byte) error {
	var envelope ClientEvent
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.emitError("Invalid event")
		return err
	}
	switch envelope.Event {
	case EventJoinRoom:
		var request JoinRoomRequest
		if err := json.Unmarshal(envelope.Data, &request); err != nil {
			s.emitError("Invalid join_room payload")
			return err
		}
		return s.processor.Submit(joinRoomTask{request: request})
	case EventSendMessage:
		var request SendMessageRequest
		if err := json.Unmarshal(envelope.Data, &request); err != nil {
			s.emitError("Invalid send_message payload")
			return err
		}
		return s.processor.Submit(sendMessageTask{request: request})
	case EventLeaveRoom:
		var request LeaveRoomRequest
		if err := json.Unmarshal(envelope.Data, &request); err != nil {
			s.emitError("Invalid leave_room payload")
			return err
		}
		return s.processor.Submit(leaveRoomTask{request: request})
	}
	s.emitError(fmt.Sprintf("Unknown event '%s'", envelope.Event))
	return fmt.Errorf("unknown event '%s'", envelope.Event)
}

// HandleDisconnect queue leave cleanup for a closed connection
func (s *Session) HandleDisconnect() error {
	return s.processor.Submit(disconnectTask{})
}

// ==============================================================================
// Task handlers. These run on the session's event loop only.

// processJoinRoom handle a join_room request
func (s *Session) processJoinRoom(param interface{}) error {
	task, ok := param.(joinRoomTask)
	if !ok {
		return fmt.Errorf("received unexpected task param %s", reflect.TypeOf(param))
	}
	request := task.request
	if err := request.Validate(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Info("Rejected join_room")
		s.emitError("Failed to join room")
		return nil
	}
	// Switching rooms starts with leaving the current one
	if s.state == stateJoined {
		if s.room == request.RoomName && s.username == request.Username {
			// Repeat join is a no-op, but still confirmed
			s.emitRoomJoined()
			return nil
		}
		if err := s.leaveCurrentRoom(); err != nil {
			s.emitError("Failed to join room")
			return nil
		}
	}
	if err := s.members.Join(s.runtimeCtxt, request.RoomName, request.Username); err != nil {
		// Store unreachable: surface the failure, stay in the current state
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Join of %s to %s failed", request.Username, request.RoomName,
		)
		s.emitError("Failed to join room")
		return nil
	}
	s.state = stateJoined
	s.room = request.RoomName
	s.username = request.Username
	s.hub.Subscribe(s.room, s)
	s.emitRoomJoined()
	if err := s.hub.BroadcastRoomEvent(
		s.runtimeCtxt, relay.KindUserJoined, s.room, s.username, "",
		time.Now().UTC(), s.id,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("user_joined broadcast failed")
	}
	log.WithFields(s.LogTags).Infof("%s joined room %s", s.username, s.room)
	return nil
}

// processSendMessage handle a send_message request
func (s *Session) processSendMessage(param interface{}) error {
	task, ok := param.(sendMessageTask)
	if !ok {
		return fmt.Errorf("received unexpected task param %s", reflect.TypeOf(param))
	}
	request := task.request
	if err := request.Validate(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Info("Rejected send_message")
		s.emitError("Failed to send message")
		return nil
	}
	if s.state != stateJoined || s.room != request.RoomName || s.username != request.Username {
		s.emitError("You are not a member of this room")
		return nil
	}
	// Check the shared store on every send. Session state alone is not
	// trusted; the store is the authority on membership.
	isMember, err := s.members.IsMember(s.runtimeCtxt, request.RoomName, request.Username)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Membership check failed")
		s.emitError("Failed to send message")
		return nil
	}
	if !isMember {
		s.emitError("You are not a member of this room")
		return nil
	}

	event := eventlog.NewMessageSentEvent(request.RoomName, request.Username, request.Content)

	// Low-latency path first: local fanout plus relay publish. This never
	// waits on the event log.
	if err := s.hub.BroadcastRoomEvent(
		s.runtimeCtxt, relay.KindReceiveMessage, request.RoomName, request.Username,
		request.Content, event.Timestamp, s.id,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("receive_message broadcast failed")
		s.emitError("Failed to send message")
	}

	// Durability path second, off the event loop. Append failure is logged
	// and retried inside the publisher; it never rolls back delivery.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.eventLog.Append(s.runtimeCtxt, event); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Message %s accepted but not yet durable", event.ID,
			)
		}
	}()
	log.WithFields(s.LogTags).Debugf("Message from %s in %s accepted", s.username, s.room)
	return nil
}

// processLeaveRoom handle a leave_room request
func (s *Session) processLeaveRoom(param interface{}) error {
	task, ok := param.(leaveRoomTask)
	if !ok {
		return fmt.Errorf("received unexpected task param %s", reflect.TypeOf(param))
	}
	request := task.request
	if s.state != stateJoined || s.room != request.RoomName || s.username != request.Username {
		s.emitError("You are not a member of this room")
		return nil
	}
	if err := s.leaveCurrentRoom(); err != nil {
		s.emitError("Failed to leave room")
	}
	return nil
}

// processDisconnect handle connection teardown; the one guaranteed leave path
func (s *Session) processDisconnect(param interface{}) error {
	if _, ok := param.(disconnectTask); !ok {
		return fmt.Errorf("received unexpected task param %s", reflect.TypeOf(param))
	}
	if s.state == stateJoined {
		if err := s.leaveCurrentRoom(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Leave on disconnect failed")
		}
	}
	s.closeOnce.Do(func() { close(s.closed) })
	// The done channel is buffered, so stopping the loop from inside a
	// handler does not block.
	if err := s.processor.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to stop event loop")
	}
	log.WithFields(s.LogTags).Info("Session closed")
	return nil
}

// leaveCurrentRoom shared leave logic for explicit leave, room switch, and
// disconnect. Safe to call at most once per joined room; the state change
// below makes repeats no-ops.
func (s *Session) leaveCurrentRoom() error {
	room := s.room
	username := s.username
	if err := s.members.Leave(s.runtimeCtxt, room, username); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Leave of %s from %s failed", username, room,
		)
		return err
	}
	s.hub.Unsubscribe(room, s.id)
	s.state = stateConnected
	s.room = ""
	s.username = ""
	if err := s.hub.BroadcastRoomEvent(
		s.runtimeCtxt, relay.KindUserLeft, room, username, "", time.Now().UTC(), s.id,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("user_left broadcast failed")
	}
	log.WithFields(s.LogTags).Infof("%s left room %s", username, room)
	return nil
}

// ==============================================================================
// Outbound helpers

func (s *Session) emitRoomJoined() {
	payload, err := newServerEvent(EventRoomJoined, RoomJoinedPayload{
		RoomName: s.room, Username: s.username,
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to form room_joined")
		return
	}
	s.Deliver(payload)
}

func (s *Session) emitError(message string) {
	payload, err := newServerEvent(EventError, ErrorPayload{Message: message})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to form error event")
		return
	}
	s.Deliver(payload)
}
