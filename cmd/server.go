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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/forumhub/apis"
	"github.com/alwitt/forumhub/common"
	"github.com/alwitt/forumhub/core"
	"github.com/alwitt/forumhub/dataplane"
	"github.com/alwitt/forumhub/dispatch"
	"github.com/alwitt/forumhub/hub"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// shutdownGracePeriod bounds the HTTP server shutdown
const shutdownGracePeriod = time.Second * 10

// RunPresenceServer run the presence and fan-out server until the runtime context closes.
//
// natsClient is optional; when provided, dispatch requests published on the configured
// subject are fanned out as well.
func RunPresenceServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "presence-server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	// Sessions and the ingest bridge stop before the registry does
	lclCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()
	sessionWG := sync.WaitGroup{}

	// -------------------------------------------------------------------
	// Connection registry

	// The registry outlives the runtime context so closing sessions can still deregister
	registry, err := hub.GetRegistry(
		context.Background(), fmt.Sprintf("%s.registry", instance), config.Hub.MailboxSize,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return err
	}
	if err := registry.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start connection registry")
		return err
	}
	defer func() {
		if err := registry.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop connection registry")
		}
	}()

	dispatcher, err := dispatch.GetDispatcher(instance, registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return err
	}

	// -------------------------------------------------------------------
	// NATS ingest

	readyChecks := []apis.ReadinessCheck{}
	if natsClient != nil && config.NATS != nil {
		bridge, err := dataplane.GetEventIngestBridge(
			lclCtxt, natsClient, config.NATS.Subject, config.NATS.QueueGroup, dispatcher,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS ingest bridge")
			return err
		}
		if err := bridge.StartReading(&sessionWG, func(err error) {
			log.WithError(err).WithFields(logTags).Error("NATS ingest failed. Shutting down")
			lclCancel()
		}); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start NATS ingest bridge")
			return err
		}
		readyChecks = append(readyChecks, func() error {
			if !natsClient.Connected() {
				return fmt.Errorf("not connected to NATS server %s", config.NATS.ServerURI)
			}
			return nil
		})
	}

	// -------------------------------------------------------------------
	// HTTP server

	httpHandler, err := apis.GetAPIRestPresenceHandler(
		lclCtxt,
		registry,
		dispatcher,
		&config.Server,
		config.ConnectionClasses,
		&sessionWG,
		readyChecks...,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := apis.BuildPresenceRouter(
		config.Server.Endpoints.PathPrefix,
		httpHandler,
		func(next http.Handler) http.Handler {
			return httpHandler.LoggingMiddleware(next.ServeHTTP)
		},
	)

	serverCfg := config.Server.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}
	// Hijacked sockets are not tracked by Shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-lclCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	// Every session deregisters before the registry stops
	lclCancel()
	sessionWG.Wait()

	return nil
}
