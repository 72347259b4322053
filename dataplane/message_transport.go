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
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/forumhub/common"
	"github.com/alwitt/forumhub/core"
	"github.com/alwitt/forumhub/dispatch"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// AlertOnErrorCB callback used to expose internal error to an outer context for handling
type AlertOnErrorCB func(err error)

// IngestReply is the response sent back when a producer published with a reply subject
type IngestReply struct {
	// Success whether the request was queued for fan-out
	Success bool `json:"success"`
	// Error is the failure reason
	Error string `json:"error,omitempty"`
}

// EventIngestBridge reads dispatch requests published on a NATS subject by producers running
// in other processes, and hands them to the local dispatcher
type EventIngestBridge interface {
	// StartReading begin reading from the subject
	StartReading(wg *sync.WaitGroup, errorCB AlertOnErrorCB) error
	// ProcessMessage decode one NATS message and dispatch it
	ProcessMessage(ctxt context.Context, msg *nats.Msg) error
}

// eventIngestBridgeImpl implements EventIngestBridge
type eventIngestBridgeImpl struct {
	common.Component
	nats       *core.NatsClient
	subject    string
	queueGroup string
	dispatcher dispatch.Dispatcher
	reading    bool
	lock       sync.Mutex
	ctxt       context.Context
}

// GetEventIngestBridge define new EventIngestBridge
func GetEventIngestBridge(
	ctxt context.Context,
	natsClient *core.NatsClient,
	subject, queueGroup string,
	dispatcher dispatch.Dispatcher,
) (EventIngestBridge, error) {
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "nats-ingest",
		"subject":   subject,
	}
	if subject == "" {
		err := fmt.Errorf("ingest subject can not be empty")
		log.WithError(err).WithFields(logTags).Error("Unable to define ingest bridge")
		return nil, err
	}
	if dispatcher == nil {
		err := fmt.Errorf("ingest bridge requires a dispatcher")
		log.WithError(err).WithFields(logTags).Error("Unable to define ingest bridge")
		return nil, err
	}
	return &eventIngestBridgeImpl{
		Component:  common.Component{LogTags: logTags},
		nats:       natsClient,
		subject:    subject,
		queueGroup: queueGroup,
		dispatcher: dispatcher,
		ctxt:       ctxt,
	}, nil
}

// ProcessMessage decode one NATS message and dispatch it
func (r *eventIngestBridgeImpl) ProcessMessage(ctxt context.Context, msg *nats.Msg) error {
	var req dispatch.DispatchRequest
	err := json.Unmarshal(msg.Data, &req)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Dropping malformed dispatch request")
	} else {
		err = r.dispatcher.Dispatch(ctxt, req)
	}
	if msg.Reply != "" {
		reply := IngestReply{Success: err == nil}
		if err != nil {
			reply.Error = err.Error()
		}
		if serialized, mErr := json.Marshal(&reply); mErr == nil {
			if rErr := msg.Respond(serialized); rErr != nil {
				log.WithError(rErr).WithFields(r.LogTags).Error("Unable to reply to producer")
			}
		}
	}
	return err
}

// StartReading begin reading from the subject
func (r *eventIngestBridgeImpl) StartReading(wg *sync.WaitGroup, errorCB AlertOnErrorCB) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reading")
		return err
	}
	if r.nats == nil {
		err := fmt.Errorf("no NATS client")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reading")
		return err
	}
	var sub *nats.Subscription
	var err error
	if r.queueGroup != "" {
		sub, err = r.nats.NATs().QueueSubscribeSync(r.subject, r.queueGroup)
	} else {
		sub, err = r.nats.NATs().SubscribeSync(r.subject)
	}
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to define subscription")
		return err
	}
	r.reading = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(r.LogTags).Infof("Starting reading from NATS")
		defer log.WithFields(r.LogTags).Infof("Stopping NATS read loop")
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(r.LogTags).Error("Unsubscribe failed")
			}
		}()
		for {
			newMsg, err := sub.NextMsgWithContext(r.ctxt)
			if err != nil {
				if r.ctxt.Err() == nil {
					log.WithError(err).WithFields(r.LogTags).Errorf("Read failure")
					if errorCB != nil {
						errorCB(err)
					}
				}
				return
			}
			if newMsg != nil {
				// A bad request from one producer must not stop the bridge
				_ = r.ProcessMessage(r.ctxt, newMsg)
			}
		}
	}()
	return nil
}
