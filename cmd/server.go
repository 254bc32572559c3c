// Copyright 2021-2022 The mpvhub Authors
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

	"github.com/alwitt/mpvhub/apis"
	"github.com/alwitt/mpvhub/backend"
	"github.com/alwitt/mpvhub/common"
	"github.com/alwitt/mpvhub/core"
	"github.com/alwitt/mpvhub/identity"
	"github.com/alwitt/mpvhub/session"
	"github.com/alwitt/mpvhub/status"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// ServerCLIArgs arguments
type ServerCLIArgs struct {
	// MPVSocket overrides the mpv IPC socket path of the config file
	MPVSocket string `validate:"omitempty"`
}

// GetServerCLIFlags retrieve the set of CMD flags for the server
func GetServerCLIFlags(args *ServerCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "mpv-socket",
			Usage:       "mpv JSON IPC socket path. Overrides the config file.",
			Aliases:     []string{"s"},
			EnvVars:     []string{"MPV_SOCKET"},
			Value:       "",
			DefaultText: "",
			Destination: &args.MPVSocket,
			Required:    false,
		},
	}
}

// DefineHTTPHandler define the HTTP routes of the server under the path prefix
func DefineHTTPHandler(
	pathPrefix string,
	observerHandler apis.APIRestObserverHandler,
	statusHandler apis.APIRestStatusHandler,
) http.Handler {
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)

	// Observer
	// The connection is hijacked by the upgrade, so the request ID middleware is not used
	_ = apis.RegisterPathPrefix(mainRouter, "/ws", map[string]http.HandlerFunc{
		"get": observerHandler.ObserveHandler(),
	})

	// Status
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/status", map[string]http.HandlerFunc{
		"get": statusHandler.LoggingMiddleware(statusHandler.StatusHandler()),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": statusHandler.LoggingMiddleware(statusHandler.AliveHandler()),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": statusHandler.LoggingMiddleware(statusHandler.ReadyHandler()),
	})

	// Add logging
	accessLog := apis.GetAccessLogWriter()
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	return h2c.NewHandler(router, &http2.Server{})
}

// RunServer run the observer server until the runtime context is cancelled
func RunServer(
	runtimeContext context.Context,
	config common.SystemConfig,
	params ServerCLIArgs,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	if params.MPVSocket != "" {
		config.MPV.SocketPath = params.MPVSocket
	}

	// -------------------------------------------------------------------
	// Player backend

	mpvClient, err := backend.GetMPVClient(runtimeContext, backend.MPVConnectParams{
		SocketPath:     config.MPV.SocketPath,
		ConnectTimeout: time.Second * time.Duration(config.MPV.ConnectTimeout),
		RequestTimeout: time.Second * time.Duration(config.MPV.RequestTimeout),
		EventBuffer:    config.Session.EventBuffer,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to connect to mpv at %s", config.MPV.SocketPath,
		)
		return err
	}
	defer func() {
		if err := mpvClient.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close mpv client")
		}
	}()

	// -------------------------------------------------------------------
	// Status reporting

	reporters := []status.Reporter{status.GetLogReporter()}
	var notifier status.SystemdNotifier
	if config.Status.Systemd {
		notifier = status.GetSystemdNotifier()
		reporters = append(reporters, notifier)
	}
	if config.Status.NATS != nil {
		natsConfig := config.Status.NATS
		natsClient, err := core.GetNATSClient(core.NATSConnectParams{
			ServerURI:           natsConfig.ServerURI,
			ConnectTimeout:      time.Second * time.Duration(natsConfig.ConnectTimeout),
			MaxReconnectAttempt: natsConfig.MaxReconnectAttempts,
			ReconnectWait:       time.Second * time.Duration(natsConfig.ReconnectWait),
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to connect to NATS at %s", natsConfig.ServerURI,
			)
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			natsClient.Close(ctx)
		}()
		reporters = append(reporters, status.GetNATSReporter(natsClient, natsConfig.Subject))
	}

	aggregator, err := status.GetStatusAggregator(runtimeContext, mpvClient, reporters)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define status aggregator")
		return err
	}
	if err := aggregator.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start status aggregator")
		return err
	}
	defer func() {
		if err := aggregator.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop status aggregator")
		}
	}()

	// -------------------------------------------------------------------
	// Sessions

	pool, err := identity.GetPool(config.Session.MaxConnections)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define identity pool")
		return err
	}
	log.WithFields(logTags).Infof("Accepting up to %d observers", pool.Capacity())

	runner, err := session.GetCommandRunner(
		runtimeContext, backend.GetPlayer(mpvClient), config.Session.CommandBuffer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define command runner")
		return err
	}
	if err := runner.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start command runner")
		return err
	}
	defer func() {
		if err := runner.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop command runner")
		}
	}()

	dispatcher, err := session.GetDispatcher(
		mpvClient,
		pool,
		aggregator,
		runner,
		time.Second*time.Duration(config.MPV.RequestTimeout),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session dispatcher")
		return err
	}

	sessionCtxt, sessionCancel := context.WithCancel(runtimeContext)
	defer sessionCancel()

	observerHandler, err := apis.GetAPIRestObserverHandler(
		sessionCtxt, dispatcher, &config.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define observer handler")
		return err
	}
	statusHandler, err := apis.GetAPIRestStatusHandler(aggregator, mpvClient, &config.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define status handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler := DefineHTTPHandler(
		config.Endpoints.PathPrefix, observerHandler, statusHandler,
	)

	serverConfig := config.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverConfig.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverConfig.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:      httpHandler,
	}

	// Start the server
	serverErr := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
			serverErr <- err
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	if notifier != nil {
		if err := notifier.NotifyReady(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to notify systemd of start")
		}
		if err := notifier.StartWatchdog(runtimeContext, wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to start systemd watchdog")
		}
	}

	// ============================================================================

	var runErr error
	select {
	case <-runtimeContext.Done():
	case runErr = <-serverErr:
	}

	if notifier != nil {
		if err := notifier.NotifyStopping(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to notify systemd of stop")
		}
		if err := notifier.StopWatchdog(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to stop systemd watchdog")
		}
	}

	shutdownTimeout := time.Second * time.Duration(serverConfig.ShutdownTimeout)

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Hijacked observer connections are not tracked by the HTTP server
	sessionCancel()
	drained := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.WithFields(logTags).Info("All sessions closed")
	case <-time.After(shutdownTimeout):
		log.WithFields(logTags).Errorf(
			"%d sessions still open after %s", pool.Occupancy(), shutdownTimeout,
		)
	}

	return runErr
}
