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
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/chatmesh/chatmesh/common"
	"github.com/gorilla/websocket"
)

// WebsocketParams per-connection websocket settings
type WebsocketParams struct {
	// MaxMessageSize read limit on inbound frames in bytes
	MaxMessageSize int64 `validate:"required,gte=128"`
	// PingInterval keep-alive ping interval
	PingInterval time.Duration
	// PongWait max wait for a pong before the connection is considered dead
	PongWait time.Duration
	// WriteTimeout bound on a single frame write
	WriteTimeout time.Duration
}

// Client the websocket transport of one session: a read pump feeding the
// session's event loop, and a write pump draining its outbound channel.
type Client struct {
	common.Component
	conn    *websocket.Conn
	session *Session
	param   WebsocketParams
}

// NewClient bind an upgraded websocket connection to a session
func NewClient(conn *websocket.Conn, session *Session, param WebsocketParams) *Client {
	logTags := log.Fields{
		"module":    "gateway",
		"component": "ws-client",
		"session":   session.SubscriberID(),
		"remote":    conn.RemoteAddr().String(),
	}
	conn.SetReadLimit(param.MaxMessageSize)
	return &Client{
		Component: common.Component{LogTags: logTags},
		conn:      conn,
		session:   session,
		param:     param,
	}
}

// Start run both pumps
func (c *Client) Start(wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readPump()
	}()
	go func() {
		defer wg.Done()
		c.writePump()
	}()
}

// readPump read inbound frames until the connection dies. Teardown here is
// the one place connection loss is observed, so it triggers the session's
// leave cleanup.
func (c *Client) readPump() {
	defer func() {
		if err := c.session.HandleDisconnect(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Disconnect cleanup not queued")
		}
		if err := c.conn.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Connection close failed")
		}
	}()

	if err := c.conn.SetReadDeadline(time.Now().Add(c.param.PongWait)); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.param.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(c.LogTags).Warn("Unexpected connection close")
			} else {
				log.WithFields(c.LogTags).Debug("Connection closed")
			}
			return
		}
		if err := c.session.HandleInbound(raw); err != nil {
			log.WithError(err).WithFields(c.LogTags).Info("Rejected inbound frame")
		}
	}
}

// writePump drain the session's outbound channel and keep the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(c.param.PingInterval)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Connection close failed")
		}
	}()

	for {
		select {
		case <-c.session.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.param.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload, ok := <-c.session.SendChannel():
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.param.WriteTimeout)); err != nil {
				log.WithError(err).WithFields(c.LogTags).Error("Unable to set write deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Frame write failed")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.param.WriteTimeout)); err != nil {
				log.WithError(err).WithFields(c.LogTags).Error("Unable to set write deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.WithError(err).WithFields(c.LogTags).Debug("Ping write failed")
				return
			}
		}
	}
}
