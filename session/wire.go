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

package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alwitt/forumhub/hub"
)

// SocketConn is what a session needs from the transport terminating the client socket
type SocketConn interface {
	// ReadFrame block until the next application frame arrives
	ReadFrame(ctxt context.Context) ([]byte, error)
	// WriteFrame send one application frame
	WriteFrame(ctxt context.Context, frame []byte) error
	// Ping send a liveness probe to the client
	Ping(ctxt context.Context) error
	// SetLivenessCallback install the callback to trigger whenever the client answers a probe
	SetLivenessCallback(cb func())
	// Close close the socket, unblocking any pending ReadFrame
	Close() error
}

// OutboundFrame is the wire format of a message pushed to the client
type OutboundFrame struct {
	// Type is the message type tag
	Type string `json:"type"`
	// Data is the message payload, verbatim
	Data json.RawMessage `json:"data,omitempty"`
	// CreatedAt is when the message was produced
	CreatedAt time.Time `json:"created_at"`
}

// EncodeFrame serialize an envelope into its wire frame
func EncodeFrame(msg hub.Envelope) ([]byte, error) {
	return json.Marshal(&OutboundFrame{
		Type: msg.Type, Data: msg.Payload, CreatedAt: msg.CreatedAt,
	})
}

// Inbound control frame types
const (
	ControlJoinRoom  = "join"
	ControlLeaveRoom = "leave"
)

// InboundFrame is the wire format of a control message sent by the client
type InboundFrame struct {
	// Type is the control type
	Type string `json:"type"`
	// Room is the target room of a join
	Room string `json:"room,omitempty"`
}
