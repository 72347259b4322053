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

package hub

import (
	"encoding/json"
	"fmt"
	"time"
)

// TargetKind is the kind of routing key a broadcast is addressed to
type TargetKind string

const (
	// TargetIdentity addresses every live connection of one authenticated identity
	TargetIdentity TargetKind = "identity"
	// TargetRoom addresses every live connection currently in one room
	TargetRoom TargetKind = "room"
)

// Target is the routing key of a broadcast
type Target struct {
	// Kind is whether ID names an identity or a room
	Kind TargetKind `json:"kind" validate:"required,oneof=identity room"`
	// ID is the identity or room ID
	ID string `json:"id" validate:"required"`
}

// IdentityTarget define a Target for an identity
func IdentityTarget(identity string) Target {
	return Target{Kind: TargetIdentity, ID: identity}
}

// RoomTarget define a Target for a room
func RoomTarget(room string) Target {
	return Target{Kind: TargetRoom, ID: room}
}

// String toString function
func (t Target) String() string {
	return fmt.Sprintf("%s/%s", t.Kind, t.ID)
}

// Envelope is one broadcast request. The Payload is opaque to the registry and is
// delivered to each target connection exactly as given.
type Envelope struct {
	// Target is the routing key
	Target Target `json:"target" validate:"required"`
	// Type is the message type tag the client switches on
	Type string `json:"type" validate:"required"`
	// Payload is the serialized message body
	Payload json.RawMessage `json:"payload,omitempty"`
	// CreatedAt is when the envelope was defined
	CreatedAt time.Time `json:"created_at"`
}

// NewEnvelope define a new Envelope. The payload is copied so later changes to the caller's
// buffer can not leak into an in-flight broadcast.
func NewEnvelope(target Target, msgType string, payload []byte) Envelope {
	var body json.RawMessage
	if len(payload) > 0 {
		body = make(json.RawMessage, len(payload))
		copy(body, payload)
	}
	return Envelope{
		Target: target, Type: msgType, Payload: body, CreatedAt: time.Now().UTC(),
	}
}

// String toString function
func (e Envelope) String() string {
	return fmt.Sprintf("ENV[%s type:%s %dB]", e.Target.String(), e.Type, len(e.Payload))
}
