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

package status

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/alwitt/mpvhub/backend"
	"github.com/alwitt/mpvhub/common"
	"github.com/apex/log"
)

// AggregatorOwnerID backend property subscription owner ID of the aggregator. Observer
// sessions are never given this ID.
const AggregatorOwnerID uint64 = 0

// watchedProperties backend properties tracked by the aggregator
var watchedProperties = []string{backend.PropPause, backend.PropMediaTitle}

// Aggregator single source of the operational status
type Aggregator interface {
	// NotifyConnect record that an observer connected
	NotifyConnect(ctxt context.Context) error
	// NotifyDisconnect record that an observer disconnected
	NotifyDisconnect(ctxt context.Context) error
	// Current the current status view
	Current() StatusView
	// Start start the event loop
	Start(wg *sync.WaitGroup) error
	// Stop stop the event loop
	Stop() error
}

// aggregatorImpl implements Aggregator
type aggregatorImpl struct {
	common.Component
	operationCtxt context.Context
	contextCancel context.CancelFunc
	cursor        backend.EventCursor
	connEvents    chan int
	reporters     []Reporter
	lock          *sync.RWMutex
	view          StatusView
}

// GetStatusAggregator define a new status aggregator. The current playback state and
// title are read from the backend before returning, and the initial view is reported.
func GetStatusAggregator(
	ctxt context.Context, client backend.Client, reporters []Reporter,
) (Aggregator, error) {
	logTags := log.Fields{
		"module": "status", "component": "aggregator",
	}
	optCtxt, cancel := context.WithCancel(ctxt)
	instance := &aggregatorImpl{
		Component:     common.Component{LogTags: logTags},
		operationCtxt: optCtxt,
		contextCancel: cancel,
		// Open the event cursor before subscribing so no update is missed
		cursor:     client.SubscribeEvents(),
		connEvents: make(chan int, 64),
		reporters:  reporters,
		lock:       new(sync.RWMutex),
		view:       StatusView{Playing: false, Title: nil, Connections: 0},
	}

	for _, property := range watchedProperties {
		if err := client.ObserveProperty(ctxt, AggregatorOwnerID, property); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Failed to observe %s", property)
		}
	}

	player := backend.GetPlayer(client)
	if playing, err := player.IsPlaying(ctxt); err == nil {
		instance.view.Playing = playing
	} else {
		log.WithError(err).WithFields(logTags).Warn("Unable to read playback state")
	}
	if title, err := player.GetString(ctxt, backend.PropMediaTitle); err == nil {
		instance.view.Title = &title
	} else if !errors.Is(err, backend.ErrPropertyUnavailable) {
		log.WithError(err).WithFields(logTags).Warn("Unable to read media title")
	}

	instance.emit()
	return instance, nil
}

// NotifyConnect record that an observer connected
func (a *aggregatorImpl) NotifyConnect(ctxt context.Context) error {
	return a.submitConnectionDelta(ctxt, 1)
}

// NotifyDisconnect record that an observer disconnected
func (a *aggregatorImpl) NotifyDisconnect(ctxt context.Context) error {
	return a.submitConnectionDelta(ctxt, -1)
}

func (a *aggregatorImpl) submitConnectionDelta(ctxt context.Context, delta int) error {
	if a.operationCtxt.Err() != nil {
		return fmt.Errorf("status aggregator stopped")
	}
	select {
	case a.connEvents <- delta:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	case <-a.operationCtxt.Done():
		return fmt.Errorf("status aggregator stopped")
	}
}

// Current the current status view
func (a *aggregatorImpl) Current() StatusView {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.copyView()
}

// copyView must be called while holding the lock
func (a *aggregatorImpl) copyView() StatusView {
	view := a.view
	if a.view.Title != nil {
		title := *a.view.Title
		view.Title = &title
	}
	return view
}

// Start start the event loop
func (a *aggregatorImpl) Start(wg *sync.WaitGroup) error {
	log.WithFields(a.LogTags).Info("Starting status aggregator")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(a.LogTags).Info("Status aggregator exiting")
		defer a.cursor.Close()
		events := a.cursor.Events()
		for {
			select {
			case <-a.operationCtxt.Done():
				return
			case delta := <-a.connEvents:
				a.applyConnectionDelta(delta)
			case event, ok := <-events:
				if !ok {
					if err := a.cursor.Err(); err != nil {
						log.WithError(err).WithFields(a.LogTags).Error("Backend event stream failed")
					} else {
						log.WithFields(a.LogTags).Warn("Backend event stream ended")
					}
					// Keep serving connection events
					events = nil
					continue
				}
				a.applyEvent(event)
			}
		}
	}()
	return nil
}

// Stop stop the event loop
func (a *aggregatorImpl) Stop() error {
	log.WithFields(a.LogTags).Info("Stopping status aggregator")
	a.contextCancel()
	return nil
}

func (a *aggregatorImpl) applyConnectionDelta(delta int) {
	a.lock.Lock()
	if delta < 0 && a.view.Connections < uint64(-delta) {
		log.WithFields(a.LogTags).Errorf(
			"Connection count underflow (%d%d), resetting to 0", a.view.Connections, delta,
		)
		a.view.Connections = 0
	} else if delta < 0 {
		a.view.Connections -= uint64(-delta)
	} else {
		a.view.Connections += uint64(delta)
	}
	a.lock.Unlock()
	a.emit()
}

func (a *aggregatorImpl) applyEvent(event backend.Event) {
	if !event.IsPropertyChange() || event.ID != AggregatorOwnerID {
		return
	}
	switch event.Property {
	case backend.PropPause:
		paused, err := backend.AsBool(event.Data)
		if err != nil {
			log.WithError(err).WithFields(a.LogTags).Warnf("Ignoring %s", event)
			return
		}
		a.lock.Lock()
		a.view.Playing = !paused
		a.lock.Unlock()
	case backend.PropMediaTitle:
		var title *string
		if event.Data != nil {
			value, err := backend.AsString(event.Data)
			if err != nil {
				log.WithError(err).WithFields(a.LogTags).Warnf("Ignoring %s", event)
				return
			}
			title = &value
		}
		a.lock.Lock()
		a.view.Title = title
		a.lock.Unlock()
	default:
		log.WithFields(a.LogTags).Debugf("Ignoring unexpected %s", event)
		return
	}
	a.emit()
}

// emit send the current view to every reporter
func (a *aggregatorImpl) emit() {
	a.lock.RLock()
	view := a.copyView()
	a.lock.RUnlock()
	for _, reporter := range a.reporters {
		if err := reporter.Report(a.operationCtxt, view); err != nil {
			log.WithError(err).WithFields(a.LogTags).Error("Status report failed")
		}
	}
}
