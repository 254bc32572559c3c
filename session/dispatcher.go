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

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/mpvhub/backend"
	"github.com/alwitt/mpvhub/common"
	"github.com/alwitt/mpvhub/identity"
	"github.com/apex/log"
)

// Dispatcher turns accepted observer connections into sessions
type Dispatcher interface {
	// Accept allocate an identity, upgrade the connection, then run the session to
	// completion. Fails without upgrading if no identity is free.
	Accept(ctxt context.Context, upgrade Upgrader) error
	// Wait block until every running session has closed
	Wait()
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	client         backend.Client
	pool           identity.Pool
	tracker        ConnectionTracker
	runner         CommandRunner
	decoder        CommandDecoder
	cleanupTimeout time.Duration
	sessions       sync.WaitGroup
}

// GetDispatcher define a new Dispatcher
func GetDispatcher(
	client backend.Client,
	pool identity.Pool,
	tracker ConnectionTracker,
	runner CommandRunner,
	cleanupTimeout time.Duration,
) (Dispatcher, error) {
	logTags := log.Fields{
		"module": "session", "component": "dispatcher",
	}
	return &dispatcherImpl{
		Component:      common.Component{LogTags: logTags},
		client:         client,
		pool:           pool,
		tracker:        tracker,
		runner:         runner,
		decoder:        GetCommandDecoder(),
		cleanupTimeout: cleanupTimeout,
	}, nil
}

// Accept allocate an identity, upgrade the connection, then run the session to completion
func (d *dispatcherImpl) Accept(ctxt context.Context, upgrade Upgrader) error {
	id, err := d.pool.Allocate()
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Rejecting observer")
		return fmt.Errorf("unable to allocate identity: %w", err)
	}

	conn, err := upgrade()
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Upgrade failed for identity %d", id)
		if err := d.pool.Release(id); err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Failed to release identity %d", id)
		}
		return err
	}

	d.sessions.Add(1)
	defer d.sessions.Done()

	if err := d.tracker.NotifyConnect(ctxt); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Failed to report connect")
	}

	session := DefineSession(Params{
		ID:             id,
		Conn:           conn,
		Client:         d.client,
		Pool:           d.pool,
		Tracker:        d.tracker,
		Runner:         d.runner,
		Decoder:        d.decoder,
		CleanupTimeout: d.cleanupTimeout,
	})
	log.WithFields(session.LogTags).Info("Observer connected")
	session.Run(ctxt)
	return nil
}

// Wait block until every running session has closed
func (d *dispatcherImpl) Wait() {
	d.sessions.Wait()
}
