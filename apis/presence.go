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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/forumhub/common"
	"github.com/alwitt/forumhub/dataplane"
	"github.com/alwitt/forumhub/dispatch"
	"github.com/alwitt/forumhub/hub"
	"github.com/alwitt/forumhub/session"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Connection class names
const (
	ClassChat         = "chat"
	ClassNotification = "notification"
)

// readyCheckTimeout bounds the registry probe of the readiness check
const readyCheckTimeout = time.Second * 2

// ReadinessCheck is an extra readiness condition, i.e. the NATS connection state
type ReadinessCheck func() error

// APIRestPresenceHandler REST handler for the presence and fan-out core
type APIRestPresenceHandler struct {
	goutils.RestAPIHandler
	registry          hub.Registry
	dispatcher        dispatch.Dispatcher
	chatProfile       session.Profile
	notifyProfile     session.Profile
	identityHeader    string
	maxInboundMsgSize int64
	upgrader          *websocket.Upgrader
	validate          *validator.Validate
	readyChecks       []ReadinessCheck
	baseContext       context.Context
	wg                *sync.WaitGroup
}

// GetAPIRestPresenceHandler define APIRestPresenceHandler
func GetAPIRestPresenceHandler(
	baseContext context.Context,
	registry hub.Registry,
	dispatcher dispatch.Dispatcher,
	serverConfig *common.APIServerConfig,
	classes common.ConnectionClassesConfig,
	wg *sync.WaitGroup,
	readyChecks ...ReadinessCheck,
) (APIRestPresenceHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "presence",
	}
	httpConfig := serverConfig.HTTPSetting
	allowedOrigins := map[string]bool{}
	for _, origin := range serverConfig.Websocket.AllowedOrigins {
		allowedOrigins[origin] = true
	}
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  serverConfig.Websocket.ReadBufferSize,
		WriteBufferSize: serverConfig.Websocket.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			return allowedOrigins[r.Header.Get("Origin")]
		},
	}
	chatProfile := session.ProfileFromConfig(ClassChat, classes.Chat)
	notifyProfile := session.ProfileFromConfig(ClassNotification, classes.Notification)
	validate := validator.New()
	for _, profile := range []session.Profile{chatProfile, notifyProfile} {
		if err := validate.Struct(&profile); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Invalid %s connection class", profile.Class)
			return APIRestPresenceHandler{}, err
		}
	}
	return APIRestPresenceHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		registry:          registry,
		dispatcher:        dispatcher,
		chatProfile:       chatProfile,
		notifyProfile:     notifyProfile,
		identityHeader:    serverConfig.Websocket.IdentityHeader,
		maxInboundMsgSize: serverConfig.Websocket.MaxInboundMessageSize,
		upgrader:          upgrader,
		validate:          validate,
		readyChecks:       readyChecks,
		baseContext:       baseContext,
		wg:                wg,
	}, nil
}

// =======================================================================
// Client sockets

// serveSocket upgrade the request and run a session until it closes
func (h APIRestPresenceHandler) serveSocket(
	w http.ResponseWriter, r *http.Request, profile session.Profile, room string,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	identity := r.Header.Get(h.identityHeader)
	if identity == "" {
		msg := "No authenticated identity"
		log.WithFields(localLogTags).Errorf(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusUnauthorized,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied to the client
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}

	instance := uuid.NewString()
	socket := dataplane.NewWebsocketConn(conn, instance, h.maxInboundMsgSize)
	sess, err := session.NewSession(
		instance, session.Params{Owner: identity, Room: room, Profile: profile}, socket, h.registry,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define session")
		_ = socket.Close()
		return
	}

	if h.wg != nil {
		h.wg.Add(1)
		defer h.wg.Done()
	}
	// Sessions follow the server lifetime, not the request's
	if err := sess.Run(h.baseContext); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Session ended without registering")
	}
}

// ChatSocket godoc
// @Summary Open a chat socket
// @Description Upgrade to a websocket receiving chat room messages and identity notifications.
// The client may switch rooms by sending {"type":"join","room":"<id>"} or {"type":"leave"}.
// @tags Presence
// @Param room query string false "Room to join on connect"
// @Success 101 {string} string "switching protocols"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ws/chat [get]
func (h APIRestPresenceHandler) ChatSocket(w http.ResponseWriter, r *http.Request) {
	h.serveSocket(w, r, h.chatProfile, r.URL.Query().Get("room"))
}

// ChatSocketHandler Wrapper around ChatSocket
func (h APIRestPresenceHandler) ChatSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ChatSocket(w, r)
	}
}

// NotificationSocket godoc
// @Summary Open a notification socket
// @Description Upgrade to a websocket receiving identity notifications
// @tags Presence
// @Success 101 {string} string "switching protocols"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ws/notification [get]
func (h APIRestPresenceHandler) NotificationSocket(w http.ResponseWriter, r *http.Request) {
	h.serveSocket(w, r, h.notifyProfile, "")
}

// NotificationSocketHandler Wrapper around NotificationSocket
func (h APIRestPresenceHandler) NotificationSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.NotificationSocket(w, r)
	}
}

// =======================================================================
// Producer fan-out

// APIRestReqDispatch is a fan-out request body
type APIRestReqDispatch struct {
	// Type is the message type tag
	Type string `json:"type" validate:"required"`
	// Payload is the JSON message body
	Payload json.RawMessage `json:"payload,omitempty"`
}

// dispatch helper function shared by the identity and room fan-out end-points
func (h APIRestPresenceHandler) dispatch(
	w http.ResponseWriter, r *http.Request, kind hub.TargetKind, pathVar string,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	targetID, ok := vars[pathVar]
	if !ok || targetID == "" {
		msg := fmt.Sprintf("No %s provided", kind)
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var body APIRestReqDispatch
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&body); err != nil {
		msg := "Invalid request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	req := dispatch.DispatchRequest{
		TargetKind: string(kind), TargetID: targetID, Type: body.Type, Payload: body.Payload,
	}
	if err := h.dispatcher.Dispatch(r.Context(), req); err != nil {
		msg := fmt.Sprintf("Unable to dispatch '%s' to %s %s", body.Type, kind, targetID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusAccepted
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DispatchToIdentity godoc
// @Summary Notify an identity
// @Description Fan out a message to every live connection of an identity. Best effort: success
// means the message was queued, not that any connection received it.
// @tags Producer
// @Accept json
// @Produce json
// @Param identityID path string true "Target identity"
// @Param message body APIRestReqDispatch true "Message to fan out"
// @Success 202 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/dispatch/identity/{identityID} [post]
func (h APIRestPresenceHandler) DispatchToIdentity(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, hub.TargetIdentity, "identityID")
}

// DispatchToIdentityHandler Wrapper around DispatchToIdentity
func (h APIRestPresenceHandler) DispatchToIdentityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DispatchToIdentity(w, r)
	}
}

// DispatchToRoom godoc
// @Summary Broadcast to a room
// @Description Fan out a message to every live connection in a room. Best effort.
// @tags Producer
// @Accept json
// @Produce json
// @Param roomID path string true "Target room"
// @Param message body APIRestReqDispatch true "Message to fan out"
// @Success 202 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/dispatch/room/{roomID} [post]
func (h APIRestPresenceHandler) DispatchToRoom(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, hub.TargetRoom, "roomID")
}

// DispatchToRoomHandler Wrapper around DispatchToRoom
func (h APIRestPresenceHandler) DispatchToRoomHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DispatchToRoom(w, r)
	}
}

// =======================================================================
// Identity presence

// APIRestRespConnections response listing the connections of an identity
type APIRestRespConnections struct {
	goutils.RestAPIBaseResponse
	// Connections are the live connection IDs
	Connections []hub.ConnectionID `json:"connections"`
}

// IdentityConnections godoc
// @Summary List the live connections of an identity
// @tags Presence
// @Produce json
// @Param identityID path string true "Identity"
// @Success 200 {object} APIRestRespConnections "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/identity/{identityID}/connections [get]
func (h APIRestPresenceHandler) IdentityConnections(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	identity, ok := mux.Vars(r)["identityID"]
	if !ok || identity == "" {
		msg := "No identity provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	ids, err := h.registry.ConnectionsOf(r.Context(), identity)
	if err != nil {
		msg := fmt.Sprintf("Unable to query connections of %s", identity)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespConnections{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Connections: ids,
	}
}

// IdentityConnectionsHandler Wrapper around IdentityConnections
func (h APIRestPresenceHandler) IdentityConnectionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.IdentityConnections(w, r)
	}
}

// APIRestRespDisconnect response to an identity disconnect
type APIRestRespDisconnect struct {
	goutils.RestAPIBaseResponse
	// Signaled is the number of sessions asked to close
	Signaled int `json:"signaled"`
}

// DisconnectIdentity godoc
// @Summary Close every live connection of an identity
// @Description Used on logout. Sessions close asynchronously after this call returns.
// @tags Presence
// @Produce json
// @Param identityID path string true "Identity"
// @Success 200 {object} APIRestRespDisconnect "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/identity/{identityID}/connections [delete]
func (h APIRestPresenceHandler) DisconnectIdentity(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	identity, ok := mux.Vars(r)["identityID"]
	if !ok || identity == "" {
		msg := "No identity provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	count, err := h.registry.DisconnectIdentity(r.Context(), identity)
	if err != nil {
		msg := fmt.Sprintf("Unable to disconnect %s", identity)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespDisconnect{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Signaled: count,
	}
}

// DisconnectIdentityHandler Wrapper around DisconnectIdentity
func (h APIRestPresenceHandler) DisconnectIdentityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DisconnectIdentity(w, r)
	}
}

// =======================================================================
// Stats and health checks

// APIRestRespStats response carrying the registry stats
type APIRestRespStats struct {
	goutils.RestAPIBaseResponse
	// Stats is the registry snapshot
	Stats hub.Stats `json:"stats"`
}

// Stats godoc
// @Summary Connection registry stats
// @tags Management
// @Produce json
// @Success 200 {object} APIRestRespStats "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/stats [get]
func (h APIRestPresenceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	stats, err := h.registry.Stats(r.Context())
	if err != nil {
		msg := "Unable to read registry stats"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Stats: stats,
	}
}

// StatsHandler Wrapper around Stats
func (h APIRestPresenceHandler) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Stats(w, r)
	}
}

// Alive godoc
// @Summary For REST API liveness check
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestPresenceHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestPresenceHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Ready once the connection registry is processing requests and every
// configured dependency is connected
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestPresenceHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	ctxt, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()
	if _, err := h.registry.Stats(ctxt); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Registry not responding")
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	for _, check := range h.readyChecks {
		if err := check(); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Dependency not ready")
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
			return
		}
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestPresenceHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
