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
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// BuildPresenceRouter define the router serving every presence end-point under pathPrefix.
//
// restMiddlewares only wrap the REST routes. The websocket routes are left bare so the
// upgrade can hijack the underlying connection.
func BuildPresenceRouter(
	pathPrefix string, handler APIRestPresenceHandler, restMiddlewares ...mux.MiddlewareFunc,
) *mux.Router {
	router := mux.NewRouter()
	mainRouter := router
	if prefix := strings.TrimSuffix(pathPrefix, "/"); prefix != "" {
		mainRouter = router.PathPrefix(prefix).Subrouter()
	}

	// Client sockets, registered first so the REST subrouter does not shadow them
	socketRouter := mainRouter.PathPrefix("/v1/ws").Subrouter()
	_ = RegisterPathPrefix(socketRouter, "/chat", MethodHandlers{
		"get": handler.ChatSocketHandler(),
	})
	_ = RegisterPathPrefix(socketRouter, "/notification", MethodHandlers{
		"get": handler.NotificationSocketHandler(),
	})

	restRouter := mainRouter.PathPrefix("/v1").Subrouter()
	for _, middleware := range restMiddlewares {
		restRouter.Use(middleware)
	}

	// Producer fan-out
	dispatchRouter := restRouter.PathPrefix("/dispatch").Subrouter()
	_ = RegisterPathPrefix(dispatchRouter, "/identity/{identityID}", MethodHandlers{
		"post": handler.DispatchToIdentityHandler(),
	})
	_ = RegisterPathPrefix(dispatchRouter, "/room/{roomID}", MethodHandlers{
		"post": handler.DispatchToRoomHandler(),
	})

	// Identity presence
	_ = RegisterPathPrefix(restRouter, "/identity/{identityID}/connections", MethodHandlers{
		"get":    handler.IdentityConnectionsHandler(),
		"delete": handler.DisconnectIdentityHandler(),
	})

	// Management
	_ = RegisterPathPrefix(restRouter, "/stats", MethodHandlers{
		"get": handler.StatsHandler(),
	})
	_ = RegisterPathPrefix(restRouter, "/alive", MethodHandlers{
		"get": handler.AliveHandler(),
	})
	_ = RegisterPathPrefix(restRouter, "/ready", MethodHandlers{
		"get": handler.ReadyHandler(),
	})

	return router
}
