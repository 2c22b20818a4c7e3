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
	"github.com/chatmesh/chatmesh/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunPersistenceConsumer run the persistence consumer and its health server
func RunPersistenceConsumer(
	params common.PersisterServerConfig,
	instance string,
	natsClient *core.NatsClient,
	store persistence.Store,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "persister",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid persister config")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	ackWait := time.Second * time.Duration(params.AckWaitSec)
	roomSub, err := eventlog.GetJetStreamGroupSubscriber(
		localCtxt, natsClient, eventlog.TopicRoomEvents, params.ConsumerGroup, ackWait,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define room event subscriber")
		return err
	}
	msgSub, err := eventlog.GetJetStreamGroupSubscriber(
		localCtxt, natsClient, eventlog.TopicMessageEvents, params.ConsumerGroup, ackWait,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define message event subscriber")
		return err
	}

	consumer, err := persistence.GetConsumer(store, roomSub, msgSub, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define consumer")
		return err
	}
	if err := consumer.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start consumer")
		return err
	}

	// Periodic progress report
	statusTimer, err := common.GetIntervalTimerInstance("consumer-status", localCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define status timer")
		return err
	}
	if err := statusTimer.Start(
		time.Second*time.Duration(params.StatusIntervalSec), consumer.ReportStatus, false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start status timer")
		return err
	}
	defer func() {
		_ = statusTimer.Stop()
	}()

	httpHandler, err := apis.GetAPIRestPersisterHandler(
		store, consumer, &params.HTTPSetting, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the health server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, params.Endpoints.PathPrefix, nil)

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
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(params.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(params.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(params.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started persister health server on http://%s", serverListen)

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
