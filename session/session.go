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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/forumhub/common"
	"github.com/alwitt/forumhub/hub"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// State is the lifecycle state of a session
type State int32

const (
	// StateConnecting socket accepted, registration with the registry pending
	StateConnecting State = iota
	// StateActive registered, forwarding messages and probing liveness
	StateActive
	// StateClosing terminal event seen, tearing down
	StateClosing
	// StateClosed terminal
	StateClosed
)

// String toString function
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// deregisterTimeout bounds the final deregistration, which runs after the runtime context
// may already be closed
const deregisterTimeout = time.Second * 5

// Registrar is the part of the connection registry a session talks to
type Registrar interface {
	Register(ctxt context.Context, req hub.RegisterRequest) (hub.ConnectionID, error)
	Deregister(ctxt context.Context, id hub.ConnectionID) error
	JoinRoom(ctxt context.Context, id hub.ConnectionID, room string) error
	LeaveRoom(ctxt context.Context, id hub.ConnectionID) error
}

// Profile are the liveness and queueing parameters of one connection class
type Profile struct {
	// Class is the connection class name
	Class string `validate:"required"`
	// HeartbeatInterval is the duration between liveness probes
	HeartbeatInterval time.Duration `validate:"gt=0"`
	// HeartbeatTimeout is the max duration without a liveness signal
	HeartbeatTimeout time.Duration `validate:"gtfield=HeartbeatInterval"`
	// QueueSize is the outbound queue size
	QueueSize int `validate:"gte=1"`
	// WriteTimeout is the max duration for writing one frame
	WriteTimeout time.Duration `validate:"gt=0"`
}

// ProfileFromConfig define a Profile from the config of a connection class
func ProfileFromConfig(class string, cfg common.ConnectionClassConfig) Profile {
	return Profile{
		Class:             class,
		HeartbeatInterval: cfg.HeartbeatIntervalDuration(),
		HeartbeatTimeout:  cfg.HeartbeatTimeoutDuration(),
		QueueSize:         cfg.OutboundQueueSize,
		WriteTimeout:      cfg.WriteTimeoutDuration(),
	}
}

// Params are the parameters of one session
type Params struct {
	// Owner is the authenticated identity of the client
	Owner string `validate:"required"`
	// Room is the optional room to join on registration
	Room string
	// Profile is the connection class parameters
	Profile Profile
}

// Session drives one client socket from registration to teardown
type Session struct {
	common.Component
	instance      string
	params        Params
	socket        SocketConn
	registrar     Registrar
	outbound      *OutboundQueue
	state         int32
	connID        uint64
	lastHeartbeat int64
	terminated    chan struct{}
	terminateOnce sync.Once
	closeReason   string
}

// NewSession define a new session
func NewSession(
	instance string, params Params, socket SocketConn, registrar Registrar,
) (*Session, error) {
	logTags := log.Fields{
		"module":    "session",
		"component": "connection-session",
		"instance":  instance,
		"owner":     params.Owner,
		"class":     params.Profile.Class,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid session parameters")
		return nil, err
	}
	return &Session{
		Component:  common.Component{LogTags: logTags},
		instance:   instance,
		params:     params,
		socket:     socket,
		registrar:  registrar,
		outbound:   NewOutboundQueue(params.Profile.QueueSize),
		state:      int32(StateConnecting),
		terminated: make(chan struct{}),
	}, nil
}

// State current lifecycle state
func (s *Session) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Session) setState(newState State) {
	atomic.StoreInt32(&s.state, int32(newState))
}

// ID the connection ID assigned by the registry. Zero until registered.
func (s *Session) ID() hub.ConnectionID {
	return hub.ConnectionID(atomic.LoadUint64(&s.connID))
}

// LastHeartbeat when the last liveness signal arrived
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastHeartbeat))
}

// touch record a liveness signal
func (s *Session) touch() {
	atomic.StoreInt64(&s.lastHeartbeat, time.Now().UnixNano())
}

// Terminate ask the session to close. Only the first call takes effect.
func (s *Session) Terminate(reason string) {
	s.terminateOnce.Do(func() {
		s.closeReason = reason
		close(s.terminated)
	})
}

// Run drive the session until it closes. Blocks.
//
// Returns an error only if the session could not be registered; once registered, every
// terminal event ends in exactly one deregistration.
func (s *Session) Run(ctxt context.Context) error {
	s.socket.SetLivenessCallback(s.touch)

	// Connecting
	id, err := s.registrar.Register(ctxt, hub.RegisterRequest{
		Owner:     s.params.Owner,
		Room:      s.params.Room,
		Class:     s.params.Profile.Class,
		Outbound:  s.outbound,
		Terminate: func() { s.Terminate("disconnect requested") },
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Registration failed")
		s.outbound.Stop()
		if err := s.socket.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Socket close failed")
		}
		s.setState(StateClosed)
		return err
	}
	atomic.StoreUint64(&s.connID, uint64(id))
	s.LogTags = common.CopyLogTags(s.LogTags, log.Fields{"connection": id})

	// Active
	s.touch()
	s.setState(StateActive)
	log.WithFields(s.LogTags).Info("Session active")

	wg := sync.WaitGroup{}
	runCtxt, runCancel := context.WithCancel(ctxt)
	defer runCancel()

	heartbeat, err := common.GetIntervalTimerInstance(
		runCtxt, fmt.Sprintf("%s.heartbeat", s.instance), &wg,
	)
	if err == nil {
		err = heartbeat.Start(s.params.Profile.HeartbeatInterval, s.checkLiveness(runCtxt), false)
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start heartbeat")
		s.Terminate("heartbeat start failure")
	}

	wg.Add(2)
	go s.readLoop(runCtxt, &wg)
	go s.writeLoop(runCtxt, &wg)

	select {
	case <-s.terminated:
	case <-ctxt.Done():
		s.Terminate("runtime context closed")
	}

	// Closing
	s.setState(StateClosing)
	s.outbound.Stop()
	runCancel()
	if heartbeat != nil {
		_ = heartbeat.Stop()
	}
	{
		deregCtxt, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
		if err := s.registrar.Deregister(deregCtxt, id); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Deregistration failed")
		}
		cancel()
	}
	if err := s.socket.Close(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Socket close failed")
	}
	wg.Wait()

	// Closed
	s.setState(StateClosed)
	log.WithFields(s.LogTags).Infof("Session closed: %s", s.closeReason)
	return nil
}

// checkLiveness define the heartbeat timer handler
func (s *Session) checkLiveness(ctxt context.Context) common.TimeoutHandler {
	return func() error {
		if elapsed := time.Since(s.LastHeartbeat()); elapsed > s.params.Profile.HeartbeatTimeout {
			s.Terminate(fmt.Sprintf("no liveness signal for %s", elapsed))
			return nil
		}
		pingCtxt, cancel := context.WithTimeout(ctxt, s.params.Profile.WriteTimeout)
		defer cancel()
		if err := s.socket.Ping(pingCtxt); err != nil {
			s.Terminate(fmt.Sprintf("liveness probe failure: %s", err.Error()))
			return err
		}
		return nil
	}
}

// readLoop read client frames until the socket fails
func (s *Session) readLoop(ctxt context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		frame, err := s.socket.ReadFrame(ctxt)
		if err != nil {
			s.Terminate(fmt.Sprintf("socket read failure: %s", err.Error()))
			return
		}
		// Any inbound frame counts as a liveness signal
		s.touch()
		s.processInbound(ctxt, frame)
	}
}

// processInbound act on a client control frame. Anything else is ignored.
func (s *Session) processInbound(ctxt context.Context, frame []byte) {
	var control InboundFrame
	if err := json.Unmarshal(frame, &control); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Ignoring non-control frame")
		return
	}
	switch control.Type {
	case ControlJoinRoom:
		if control.Room == "" {
			log.WithFields(s.LogTags).Debug("Ignoring room join without room")
			return
		}
		if err := s.registrar.JoinRoom(ctxt, s.ID(), control.Room); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Unable to join room %s", control.Room)
		}
	case ControlLeaveRoom:
		if err := s.registrar.LeaveRoom(ctxt, s.ID()); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to leave room")
		}
	}
}

// writeLoop forward queued messages to the client
func (s *Session) writeLoop(ctxt context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctxt.Done():
			return
		case msg := <-s.outbound.Messages():
			if s.State() != StateActive {
				// Dropped once closing
				continue
			}
			frame, err := EncodeFrame(msg)
			if err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf("Unable to encode %s", msg.String())
				continue
			}
			writeCtxt, cancel := context.WithTimeout(ctxt, s.params.Profile.WriteTimeout)
			err = s.socket.WriteFrame(writeCtxt, frame)
			cancel()
			if err != nil {
				s.Terminate(fmt.Sprintf("socket write failure: %s", err.Error()))
				return
			}
		}
	}
}
