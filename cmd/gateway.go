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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/apis"
	"github.com/chatmesh/chatmesh/common"
	"github.com/chatmesh/chatmesh/core"
	"github.com/chatmesh/chatmesh/eventlog"
	"github.com/chatmesh/chatmesh/gateway"
	"github.com/chatmesh/chatmesh/membership"
	"github.com/chatmesh/chatmesh/persistence"
	"github.com/chatmesh/chatmesh/relay"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// RunGatewayServer run the session gateway server
func RunGatewayServer(
	params common.GatewayServerConfig,
	instance string,
	natsClient *core.NatsClient,
	members membership.Store,
	roomRelay relay.Relay,
	store persistence.Store,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid gateway config")
		return err
	}

	hub := gateway.NewHub(instance, roomRelay)
	if err := hub.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start fanout hub")
		return err
	}

	eventLog, err := eventlog.GetJetStreamPublisher(
		natsClient, instance, common.RetryParams{
			MaxAttempts: params.AppendRetry.MaxAttempts,
			InitialWait: time.Millisecond * time.Duration(params.AppendRetry.InitialWaitMS),
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define event log publisher")
		return err
	}

	sessionParam := gateway.SessionParams{
		Instance:      instance,
		Hub:           hub,
		Members:       members,
		EventLog:      eventLog,
		SendBufferLen: params.Websocket.SendBufferLen,
		TaskBufferLen: params.Websocket.SendBufferLen,
	}
	wsParam := gateway.WebsocketParams{
		MaxMessageSize: params.Websocket.MaxMessageSize,
		PingInterval:   time.Second * time.Duration(params.Websocket.PingIntervalSec),
		PongWait:       time.Second * time.Duration(params.Websocket.PongWaitSec),
		WriteTimeout:   time.Second * time.Duration(params.Websocket.WriteTimeoutSec),
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	httpHandler, err := apis.GetAPIRestGatewayHandler(
		localCtxt, natsClient, &params.HTTPSetting, eventLog, store, sessionParam, wsParam, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, params.Endpoints.PathPrefix, nil)

	// Room management
	_ = apis.RegisterPathPrefix(
		mainRouter, "/api/rooms", map[string]http.HandlerFunc{
			"post": httpHandler.CreateRoomHandler(),
			"get":  httpHandler.ListRoomsHandler(),
		},
	)

	// Websocket sessions
	_ = apis.RegisterPathPrefix(mainRouter, "/ws", map[string]http.HandlerFunc{
		"get": httpHandler.ServeWebsocketHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", params.HTTPSetting.Server.ListenOn, params.HTTPSetting.Server.Port,
	)
	// No server side write timeout. Websocket connections are long-lived; the
	// per-frame deadlines live in the client pumps instead.
	httpSrv := &http.Server{
		Addr:        serverListen,
		IdleTimeout: time.Second * time.Duration(params.HTTPSetting.Server.IdleTimeout),
		Handler:     router,
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started gateway server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
