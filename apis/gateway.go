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

package apis

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/core"
	"github.com/chatmesh/chatmesh/eventlog"
	"github.com/chatmesh/chatmesh/gateway"
	"github.com/chatmesh/chatmesh/persistence"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

// APIRestGatewayHandler REST handler for the session gateway
type APIRestGatewayHandler struct {
	APIRestHandler
	natsClient   *core.NatsClient
	eventLog     eventlog.Publisher
	store        persistence.Store
	sessionParam gateway.SessionParams
	wsParam      gateway.WebsocketParams
	upgrader     websocket.Upgrader
	baseContext  context.Context
	wg           *sync.WaitGroup
}

// GetAPIRestGatewayHandler define APIRestGatewayHandler
func GetAPIRestGatewayHandler(
	baseContext context.Context,
	client *core.NatsClient,
	httpConfig *common.HTTPConfig,
	runTimePublisher eventlog.Publisher,
	store persistence.Store,
	sessionParam gateway.SessionParams,
	wsParam gateway.WebsocketParams,
	wg *sync.WaitGroup,
) (APIRestGatewayHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "gateway",
		"instance":  sessionParam.Instance,
	}
	return APIRestGatewayHandler{
		APIRestHandler: APIRestHandler{
			Component:       common.Component{LogTags: logTags},
			requestIDHeader: httpConfig.Logging.RequestIDHeader,
		},
		natsClient:   client,
		eventLog:     runTimePublisher,
		store:        store,
		sessionParam: sessionParam,
		wsParam:      wsParam,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// =======================================================================
// Room management

// -----------------------------------------------------------------------

// APIRestReqNewRoom room creation request body
type APIRestReqNewRoom struct {
	// Name the room name
	Name string `json:"name"`
}

// APIRestRespNewRoom room creation response
type APIRestRespNewRoom struct {
	// Name the room name
	Name string `json:"name"`
	// Status creation progress. Creation is asynchronous; the room exists in
	// the system of record once the consumer group processes the event.
	Status string `json:"status"`
}

// CreateRoom accept a room creation request by appending a room creation
// event to the event log. The durable record is written later by the
// persistence consumer; a success response means "accepted", not "created".
func (h APIRestGatewayHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	localLogTags := common.UpdateLogTags(r.Context(), h.LogTags)
	var request APIRestReqNewRoom
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error("Room creation failed")
		h.reply(
			w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg), "POST /api/rooms",
		)
		return
	}
	if !gateway.ValidName(request.Name) {
		msg := "invalid room name"
		log.WithFields(localLogTags).Errorf("Rejected room name '%s'", request.Name)
		h.reply(
			w, http.StatusBadRequest, getStdRESTErrorMsg(http.StatusBadRequest, &msg), "POST /api/rooms",
		)
		return
	}
	event := eventlog.NewRoomCreatedEvent(request.Name)
	if err := h.eventLog.Append(r.Context(), event); err != nil {
		msg := "unable to record room creation"
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Append of room creation %s failed", request.Name,
		)
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			"POST /api/rooms",
		)
		return
	}
	h.reply(w, http.StatusCreated, APIRestRespNewRoom{
		Name: request.Name, Status: "Room creation initiated",
	}, "POST /api/rooms")
}

// CreateRoomHandler Wrapper around CreateRoom
func (h APIRestGatewayHandler) CreateRoomHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.CreateRoom(w, r)
	})
}

// -----------------------------------------------------------------------

// APIRestRespRoomInfo one known room
type APIRestRespRoomInfo struct {
	// Name the room name
	Name string `json:"name"`
	// CreatedAt when the room record was first written
	CreatedAt time.Time `json:"createdAt"`
}

// APIRestRespRoomList room listing response
type APIRestRespRoomList struct {
	// Rooms all rooms known to the system of record
	Rooms []APIRestRespRoomInfo `json:"rooms"`
}

// ListRooms fetch all rooms from the system of record. Rooms whose creation
// events are still queued do not appear yet.
func (h APIRestGatewayHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	localLogTags := common.UpdateLogTags(r.Context(), h.LogTags)
	rooms, err := h.store.ListRooms(r.Context())
	if err != nil {
		msg := "unable to list rooms"
		log.WithError(err).WithFields(localLogTags).Error("Room listing failed")
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			"GET /api/rooms",
		)
		return
	}
	resp := APIRestRespRoomList{Rooms: make([]APIRestRespRoomInfo, 0, len(rooms))}
	for _, room := range rooms {
		resp.Rooms = append(resp.Rooms, APIRestRespRoomInfo{
			Name: room.Name, CreatedAt: room.CreatedAt,
		})
	}
	h.reply(w, http.StatusOK, resp, "GET /api/rooms")
}

// ListRoomsHandler Wrapper around ListRooms
func (h APIRestGatewayHandler) ListRoomsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.ListRooms(w, r)
	})
}

// =======================================================================
// Websocket sessions

// ServeWebsocket upgrade a connection and bind it to a new session
func (h APIRestGatewayHandler) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := common.UpdateLogTags(r.Context(), h.LogTags)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	session, err := gateway.NewSession(h.baseContext, h.sessionParam, h.wg)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define session")
		_ = conn.Close()
		return
	}
	log.WithFields(localLogTags).Infof(
		"Started session %s for %s", session.SubscriberID(), conn.RemoteAddr().String(),
	)
	client := gateway.NewClient(conn, session, h.wsParam)
	client.Start(h.wg)
}

// ServeWebsocketHandler Wrapper around ServeWebsocket
func (h APIRestGatewayHandler) ServeWebsocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ServeWebsocket(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive liveness check
func (h APIRestGatewayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /alive")
}

// AliveHandler Wrapper around Alive
func (h APIRestGatewayHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// -----------------------------------------------------------------------

// Ready readiness check. Ready means the message broker is connected and the
// membership store answers a probe.
func (h APIRestGatewayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := common.UpdateLogTags(r.Context(), h.LogTags)
	msg := "not ready"
	if h.natsClient.NATS().Status() != nats.CONNECTED {
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			"GET /ready",
		)
		return
	}
	if err := h.sessionParam.Members.Ping(r.Context()); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Membership store probe failed")
		h.reply(
			w,
			http.StatusInternalServerError,
			getStdRESTErrorMsg(http.StatusInternalServerError, &msg),
			"GET /ready",
		)
		return
	}
	h.reply(w, http.StatusOK, getStdRESTSuccessMsg(), "GET /ready")
}

// ReadyHandler Wrapper around Ready
func (h APIRestGatewayHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
