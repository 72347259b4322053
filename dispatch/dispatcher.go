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

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/forumhub/common"
	"github.com/alwitt/forumhub/hub"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Broadcaster is the part of the connection registry the dispatcher hands envelopes to
type Broadcaster interface {
	Broadcast(ctxt context.Context, msg hub.Envelope) error
}

// DispatchRequest is a generic fan-out request, as received from the REST and NATS surfaces
type DispatchRequest struct {
	// TargetKind is either "identity" or "room"
	TargetKind string `json:"target_kind" validate:"required,oneof=identity room"`
	// TargetID is the identity or room ID
	TargetID string `json:"target_id" validate:"required"`
	// Type is the message type tag
	Type string `json:"type" validate:"required"`
	// Payload is the JSON message body
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Dispatcher is the fan-out entry point used by producers after they committed an event.
//
// All calls return as soon as the request is queued with the registry. They do not, and can
// not, report whether any live connection received the message.
type Dispatcher interface {
	// Notify fan out a message to every live connection of an identity
	Notify(ctxt context.Context, identity string, msgType string, payload []byte) error
	// BroadcastRoom fan out a message to every live connection in a room
	BroadcastRoom(ctxt context.Context, room string, msgType string, payload []byte) error
	// Dispatch fan out a generic request
	Dispatch(ctxt context.Context, req DispatchRequest) error
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	core     Broadcaster
	validate *validator.Validate
}

// GetDispatcher define a new Dispatcher
func GetDispatcher(instance string, core Broadcaster) (Dispatcher, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "dispatcher", "instance": instance,
	}
	if core == nil {
		return nil, fmt.Errorf("dispatcher requires a broadcaster")
	}
	return &dispatcherImpl{
		Component: common.Component{LogTags: logTags},
		core:      core,
		validate:  validator.New(),
	}, nil
}

// Notify fan out a message to every live connection of an identity
func (d *dispatcherImpl) Notify(
	ctxt context.Context, identity string, msgType string, payload []byte,
) error {
	return d.Dispatch(ctxt, DispatchRequest{
		TargetKind: string(hub.TargetIdentity),
		TargetID:   identity,
		Type:       msgType,
		Payload:    payload,
	})
}

// BroadcastRoom fan out a message to every live connection in a room
func (d *dispatcherImpl) BroadcastRoom(
	ctxt context.Context, room string, msgType string, payload []byte,
) error {
	return d.Dispatch(ctxt, DispatchRequest{
		TargetKind: string(hub.TargetRoom),
		TargetID:   room,
		Type:       msgType,
		Payload:    payload,
	})
}

// Dispatch fan out a generic request
func (d *dispatcherImpl) Dispatch(ctxt context.Context, req DispatchRequest) error {
	if err := d.validate.Struct(&req); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Invalid dispatch request")
		return err
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		err := fmt.Errorf("payload of '%s' is not valid JSON", req.Type)
		log.WithError(err).WithFields(d.LogTags).Error("Invalid dispatch request")
		return err
	}
	msg := hub.NewEnvelope(
		hub.Target{Kind: hub.TargetKind(req.TargetKind), ID: req.TargetID}, req.Type, req.Payload,
	)
	if err := d.core.Broadcast(ctxt, msg); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to dispatch %s", msg.String())
		return err
	}
	log.WithFields(d.LogTags).Debugf("Dispatched %s", msg.String())
	return nil
}
