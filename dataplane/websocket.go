// Copyright 2022 The forumhub Authors
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

package dataplane

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/forumhub/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// closeGracePeriod is how long to wait while sending the close frame
const closeGracePeriod = time.Second

// WebsocketConn adapts a websocket connection to session.SocketConn
type WebsocketConn struct {
	common.Component
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// NewWebsocketConn wrap a websocket connection
func NewWebsocketConn(
	conn *websocket.Conn, instance string, maxInboundMsgSize int64,
) *WebsocketConn {
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "websocket-conn",
		"instance":  instance,
		"remote":    conn.RemoteAddr().String(),
	}
	if maxInboundMsgSize > 0 {
		conn.SetReadLimit(maxInboundMsgSize)
	}
	return &WebsocketConn{Component: common.Component{LogTags: logTags}, conn: conn}
}

// ReadFrame block until the next application frame arrives. Control frames are handled
// inside the underlying read.
func (c *WebsocketConn) ReadFrame(_ context.Context) ([]byte, error) {
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(
			err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure,
		) {
			log.WithError(err).WithFields(c.LogTags).Error("Websocket read failed")
		}
		return nil, err
	}
	return frame, nil
}

// WriteFrame send one text frame. Only one goroutine may write frames at a time.
func (c *WebsocketConn) WriteFrame(ctxt context.Context, frame []byte) error {
	if deadline, ok := ctxt.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// Ping send a ping control frame. Safe to call alongside WriteFrame.
func (c *WebsocketConn) Ping(ctxt context.Context) error {
	deadline, ok := ctxt.Deadline()
	if !ok {
		deadline = time.Now().Add(closeGracePeriod)
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// SetLivenessCallback trigger the callback on every pong received
func (c *WebsocketConn) SetLivenessCallback(cb func()) {
	c.conn.SetPongHandler(func(string) error {
		cb()
		return nil
	})
}

// Close send a close frame and close the connection. Safe to call multiple times.
func (c *WebsocketConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.conn.WriteControl(
			websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod),
		); err != nil && err != websocket.ErrCloseSent {
			log.WithError(err).WithFields(c.LogTags).Debug("Unable to send close frame")
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
