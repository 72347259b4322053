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
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/forumhub/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ErrHubStopped is returned when the registry is no longer processing requests
var ErrHubStopped = errors.New("connection registry stopped")

// ConnectionID is the process-local handle of one registered connection. Zero is never
// assigned.
type ConnectionID uint64

// OutboundChannel is the handle the registry uses to push a broadcast toward one connection.
// Push must never block.
type OutboundChannel interface {
	Push(msg Envelope) error
}

// RegisterRequest are the parameters of a new connection
type RegisterRequest struct {
	// Owner is the authenticated identity of the connection
	Owner string `validate:"required"`
	// Room is the optional room to join on registration
	Room string
	// Class is the connection class, i.e. chat or notification
	Class string
	// Outbound is the connection's send queue
	Outbound OutboundChannel `validate:"required"`
	// Terminate asks the connection's session to close. Must not block.
	Terminate func()
}

// Connection is one registered live connection
type Connection struct {
	ID           ConnectionID
	Owner        string
	Room         string
	Class        string
	RegisteredAt time.Time
	outbound     OutboundChannel
	terminate    func()
}

// Stats is a snapshot of the registry tables
type Stats struct {
	// Connections is the number of registered connections
	Connections int `json:"connections"`
	// Identities is the number of identities with at least one connection
	Identities int `json:"identities"`
	// Rooms is the number of rooms with at least one member
	Rooms int `json:"rooms"`
	// Delivered is the number of successful pushes since start
	Delivered uint64 `json:"delivered"`
	// Dropped is the number of pushes rejected by a full or closed queue since start
	Dropped uint64 `json:"dropped"`
}

// Registry is the single owner of the connection routing state. All operations are
// serialized through one event loop.
type Registry interface {
	// Register add a new connection, returning its assigned ID
	Register(ctxt context.Context, req RegisterRequest) (ConnectionID, error)
	// Deregister remove a connection. Removing an unknown ID is a no-op.
	Deregister(ctxt context.Context, id ConnectionID) error
	// JoinRoom move a connection into a room, leaving its current room if any
	JoinRoom(ctxt context.Context, id ConnectionID, room string) error
	// LeaveRoom remove a connection from its current room
	LeaveRoom(ctxt context.Context, id ConnectionID) error
	// Broadcast push an envelope to every connection of its target. Returns once the
	// envelope is queued; delivery outcome is never reported.
	Broadcast(ctxt context.Context, msg Envelope) error
	// DisconnectIdentity ask every session of an identity to close, returning the number of
	// sessions signaled
	DisconnectIdentity(ctxt context.Context, owner string) (int, error)
	// ConnectionsOf list the connection IDs of one identity
	ConnectionsOf(ctxt context.Context, owner string) ([]ConnectionID, error)
	// Stats take a snapshot of the registry tables
	Stats(ctxt context.Context) (Stats, error)
	// Start start the registry event loop
	Start(wg *sync.WaitGroup) error
	// Stop stop the registry event loop
	Stop() error
}

// connectionSet set of connection IDs
type connectionSet map[ConnectionID]struct{}

// registryImpl implements Registry
type registryImpl struct {
	common.Component
	tp       common.TaskProcessor
	validate *validator.Validate
	// Everything below is owned by the event loop
	lastID      ConnectionID
	connections map[ConnectionID]*Connection
	byIdentity  map[string]connectionSet
	byRoom      map[string]connectionSet
	delivered   uint64
	dropped     uint64
}

// GetRegistry define a new connection registry
func GetRegistry(ctxt context.Context, instance string, mailboxSize int) (Registry, error) {
	logTags := log.Fields{
		"module": "hub", "component": "registry", "instance": instance,
	}
	tp, err := common.GetNewTaskProcessorInstance(ctxt, fmt.Sprintf("%s.hub", instance), mailboxSize)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	registry := &registryImpl{
		Component:   common.Component{LogTags: logTags},
		tp:          tp,
		validate:    validator.New(),
		lastID:      0,
		connections: make(map[ConnectionID]*Connection),
		byIdentity:  make(map[string]connectionSet),
		byRoom:      make(map[string]connectionSet),
	}
	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(registerRequest{}):           registry.processRegister,
		reflect.TypeOf(deregisterRequest{}):         registry.processDeregister,
		reflect.TypeOf(joinRoomRequest{}):           registry.processJoinRoom,
		reflect.TypeOf(leaveRoomRequest{}):          registry.processLeaveRoom,
		reflect.TypeOf(broadcastRequest{}):          registry.processBroadcast,
		reflect.TypeOf(disconnectIdentityRequest{}): registry.processDisconnectIdentity,
		reflect.TypeOf(connectionsOfRequest{}):      registry.processConnectionsOf,
		reflect.TypeOf(statsRequest{}):              registry.processStats,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install task handlers")
		return nil, err
	}
	return registry, nil
}

// Start start the registry event loop
func (h *registryImpl) Start(wg *sync.WaitGroup) error {
	return h.tp.StartEventLoop(wg)
}

// Stop stop the registry event loop
func (h *registryImpl) Stop() error {
	return h.tp.StopEventLoop()
}

// submit helper function to place a request into the mailbox
func (h *registryImpl) submit(ctxt context.Context, req interface{}) error {
	if err := h.tp.Submit(ctxt, req); err != nil {
		if errors.Is(err, common.ErrProcessorStopped) {
			return ErrHubStopped
		}
		return err
	}
	return nil
}

// =========================================================================================
// Register

type registerRequest struct {
	ctxt   context.Context
	params RegisterRequest
	reply  chan ConnectionID
}

// Register add a new connection, returning its assigned ID
func (h *registryImpl) Register(ctxt context.Context, req RegisterRequest) (ConnectionID, error) {
	if err := h.validate.Struct(&req); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Invalid registration request")
		return 0, err
	}
	reply := make(chan ConnectionID, 1)
	if err := h.submit(ctxt, registerRequest{ctxt: ctxt, params: req, reply: reply}); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to submit registration of %s", req.Owner)
		return 0, err
	}
	select {
	case id := <-reply:
		if id == 0 {
			return 0, ctxt.Err()
		}
		return id, nil
	case <-h.tp.Stopped():
		return 0, ErrHubStopped
	case <-ctxt.Done():
		// The request is already queued. Should it still be processed, the connection must not
		// stay registered without an owner to deregister it.
		go func() {
			select {
			case id := <-reply:
				if id != 0 {
					_ = h.Deregister(context.Background(), id)
				}
			case <-h.tp.Stopped():
			}
		}()
		return 0, ctxt.Err()
	}
}

func (h *registryImpl) processRegister(param interface{}) error {
	req := param.(registerRequest)
	// Always reply, zero tells the caller the registration was skipped
	if req.ctxt.Err() != nil {
		req.reply <- 0
		return nil
	}
	h.lastID++
	id := h.lastID
	conn := &Connection{
		ID:           id,
		Owner:        req.params.Owner,
		Class:        req.params.Class,
		RegisteredAt: time.Now().UTC(),
		outbound:     req.params.Outbound,
		terminate:    req.params.Terminate,
	}
	h.connections[id] = conn
	addToIndex(h.byIdentity, conn.Owner, id)
	if req.params.Room != "" {
		conn.Room = req.params.Room
		addToIndex(h.byRoom, conn.Room, id)
	}
	log.WithFields(h.LogTags).Debugf(
		"Registered connection %d of %s (room '%s')", id, conn.Owner, conn.Room,
	)
	req.reply <- id
	return nil
}

// =========================================================================================
// Deregister

type deregisterRequest struct {
	id    ConnectionID
	reply chan bool
}

// Deregister remove a connection. Removing an unknown ID is a no-op.
func (h *registryImpl) Deregister(ctxt context.Context, id ConnectionID) error {
	reply := make(chan bool, 1)
	if err := h.submit(ctxt, deregisterRequest{id: id, reply: reply}); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to submit deregistration of %d", id)
		return err
	}
	return h.waitForAck(ctxt, reply)
}

func (h *registryImpl) processDeregister(param interface{}) error {
	req := param.(deregisterRequest)
	conn, ok := h.connections[req.id]
	if !ok {
		log.WithFields(h.LogTags).Debugf("Connection %d already deregistered", req.id)
		req.reply <- false
		return nil
	}
	delete(h.connections, req.id)
	removeFromIndex(h.byIdentity, conn.Owner, req.id)
	if conn.Room != "" {
		removeFromIndex(h.byRoom, conn.Room, req.id)
	}
	log.WithFields(h.LogTags).Debugf("Deregistered connection %d of %s", req.id, conn.Owner)
	req.reply <- true
	return nil
}

// =========================================================================================
// Room membership

type joinRoomRequest struct {
	id    ConnectionID
	room  string
	reply chan bool
}

// JoinRoom move a connection into a room, leaving its current room if any
func (h *registryImpl) JoinRoom(ctxt context.Context, id ConnectionID, room string) error {
	if room == "" {
		return fmt.Errorf("room ID can not be empty")
	}
	reply := make(chan bool, 1)
	if err := h.submit(ctxt, joinRoomRequest{id: id, room: room, reply: reply}); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to submit join of %d to %s", id, room)
		return err
	}
	return h.waitForAck(ctxt, reply)
}

func (h *registryImpl) processJoinRoom(param interface{}) error {
	req := param.(joinRoomRequest)
	defer func() { req.reply <- true }()
	conn, ok := h.connections[req.id]
	if !ok || conn.Room == req.room {
		return nil
	}
	if conn.Room != "" {
		removeFromIndex(h.byRoom, conn.Room, req.id)
	}
	conn.Room = req.room
	addToIndex(h.byRoom, conn.Room, req.id)
	log.WithFields(h.LogTags).Debugf("Connection %d joined room %s", req.id, req.room)
	return nil
}

type leaveRoomRequest struct {
	id    ConnectionID
	reply chan bool
}

// LeaveRoom remove a connection from its current room
func (h *registryImpl) LeaveRoom(ctxt context.Context, id ConnectionID) error {
	reply := make(chan bool, 1)
	if err := h.submit(ctxt, leaveRoomRequest{id: id, reply: reply}); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to submit room leave of %d", id)
		return err
	}
	return h.waitForAck(ctxt, reply)
}

func (h *registryImpl) processLeaveRoom(param interface{}) error {
	req := param.(leaveRoomRequest)
	defer func() { req.reply <- true }()
	conn, ok := h.connections[req.id]
	if !ok || conn.Room == "" {
		return nil
	}
	removeFromIndex(h.byRoom, conn.Room, req.id)
	log.WithFields(h.LogTags).Debugf("Connection %d left room %s", req.id, conn.Room)
	conn.Room = ""
	return nil
}

// =========================================================================================
// Broadcast

type broadcastRequest struct {
	msg Envelope
}

// Broadcast push an envelope to every connection of its target
func (h *registryImpl) Broadcast(ctxt context.Context, msg Envelope) error {
	if err := h.validate.Struct(&msg); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Invalid broadcast %s", msg.String())
		return err
	}
	if err := h.submit(ctxt, broadcastRequest{msg: msg}); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to submit %s", msg.String())
		return err
	}
	return nil
}

func (h *registryImpl) processBroadcast(param interface{}) error {
	req := param.(broadcastRequest)
	var members connectionSet
	switch req.msg.Target.Kind {
	case TargetIdentity:
		members = h.byIdentity[req.msg.Target.ID]
	case TargetRoom:
		members = h.byRoom[req.msg.Target.ID]
	default:
		return fmt.Errorf("unknown broadcast target kind '%s'", req.msg.Target.Kind)
	}
	if len(members) == 0 {
		log.WithFields(h.LogTags).Debugf("No live connection for %s", req.msg.String())
		return nil
	}
	for id := range members {
		conn, ok := h.connections[id]
		if !ok {
			continue
		}
		if err := conn.outbound.Push(req.msg); err != nil {
			h.dropped++
			log.WithError(err).WithFields(h.LogTags).Warnf(
				"Dropped %s for connection %d", req.msg.String(), id,
			)
			continue
		}
		h.delivered++
	}
	return nil
}

// =========================================================================================
// Identity operations

type disconnectIdentityRequest struct {
	owner string
	reply chan int
}

// DisconnectIdentity ask every session of an identity to close
func (h *registryImpl) DisconnectIdentity(ctxt context.Context, owner string) (int, error) {
	reply := make(chan int, 1)
	if err := h.submit(ctxt, disconnectIdentityRequest{owner: owner, reply: reply}); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to submit disconnect of %s", owner)
		return 0, err
	}
	select {
	case count := <-reply:
		return count, nil
	case <-h.tp.Stopped():
		return 0, ErrHubStopped
	case <-ctxt.Done():
		return 0, ctxt.Err()
	}
}

func (h *registryImpl) processDisconnectIdentity(param interface{}) error {
	req := param.(disconnectIdentityRequest)
	count := 0
	for id := range h.byIdentity[req.owner] {
		conn, ok := h.connections[id]
		if !ok || conn.terminate == nil {
			continue
		}
		// Sessions deregister themselves once closed
		conn.terminate()
		count++
	}
	log.WithFields(h.LogTags).Debugf("Signaled %d sessions of %s to close", count, req.owner)
	req.reply <- count
	return nil
}

type connectionsOfRequest struct {
	owner string
	reply chan []ConnectionID
}

// ConnectionsOf list the connection IDs of one identity
func (h *registryImpl) ConnectionsOf(ctxt context.Context, owner string) ([]ConnectionID, error) {
	reply := make(chan []ConnectionID, 1)
	if err := h.submit(ctxt, connectionsOfRequest{owner: owner, reply: reply}); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Unable to submit connection query of %s", owner)
		return nil, err
	}
	select {
	case ids := <-reply:
		return ids, nil
	case <-h.tp.Stopped():
		return nil, ErrHubStopped
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}
}

func (h *registryImpl) processConnectionsOf(param interface{}) error {
	req := param.(connectionsOfRequest)
	ids := make([]ConnectionID, 0, len(h.byIdentity[req.owner]))
	for id := range h.byIdentity[req.owner] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	req.reply <- ids
	return nil
}

// =========================================================================================
// Stats

type statsRequest struct {
	reply chan Stats
}

// Stats take a snapshot of the registry tables
func (h *registryImpl) Stats(ctxt context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := h.submit(ctxt, statsRequest{reply: reply}); err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("Unable to submit stats query")
		return Stats{}, err
	}
	select {
	case stats := <-reply:
		return stats, nil
	case <-h.tp.Stopped():
		return Stats{}, ErrHubStopped
	case <-ctxt.Done():
		return Stats{}, ctxt.Err()
	}
}

func (h *registryImpl) processStats(param interface{}) error {
	req := param.(statsRequest)
	req.reply <- Stats{
		Connections: len(h.connections),
		Identities:  len(h.byIdentity),
		Rooms:       len(h.byRoom),
		Delivered:   h.delivered,
		Dropped:     h.dropped,
	}
	return nil
}

// =========================================================================================
// Helpers

// waitForAck helper function to wait for the event loop to process a request
func (h *registryImpl) waitForAck(ctxt context.Context, reply chan bool) error {
	select {
	case <-reply:
		return nil
	case <-h.tp.Stopped():
		return ErrHubStopped
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// addToIndex add a connection to an index bucket, creating the bucket if needed
func addToIndex(index map[string]connectionSet, key string, id ConnectionID) {
	bucket, ok := index[key]
	if !ok {
		bucket = make(connectionSet)
		index[key] = bucket
	}
	bucket[id] = struct{}{}
}

// removeFromIndex remove a connection from an index bucket, dropping the bucket once empty
func removeFromIndex(index map[string]connectionSet, key string, id ConnectionID) {
	bucket, ok := index[key]
	if !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(index, key)
	}
}
