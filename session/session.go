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

// Package session bridges each connected observer to the shared player backend.
//
// Every observer gets a Session, which sends the observer a full state snapshot,
// subscribes to the player properties under the observer's identity, then multiplexes
// observer commands, backend events, and observer count changes until either side
// goes away.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/mpvhub/backend"
	"github.com/alwitt/mpvhub/common"
	"github.com/alwitt/mpvhub/identity"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// State session lifecycle state
type State int

// Session states
const (
	StateHandshaking State = iota
	StateActive
	StateDraining
	StateClosed
)

// String toString function
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Params session parameters
type Params struct {
	// ID the identity allocated to the observer
	ID uint64
	// Conn the observer transport
	Conn Connection
	// Client the shared backend client
	Client backend.Client
	// Pool the identity pool the ID came from
	Pool identity.Pool
	// Tracker is told when the session ends
	Tracker ConnectionTracker
	// Runner executes observer commands
	Runner CommandRunner
	// Decoder parses observer commands
	Decoder CommandDecoder
	// CleanupTimeout max duration of each teardown step
	CleanupTimeout time.Duration
}

// Session one connected observer
type Session struct {
	common.Component
	Params
	player    backend.Player
	lock      *sync.Mutex
	state     State
	closeOnce sync.Once
}

// DefineSession define a new session
func DefineSession(params Params) *Session {
	logTags := log.Fields{
		"module":    "session",
		"component": "session",
		"instance":  params.ID,
		"session":   uuid.New().String(),
		"remote":    params.Conn.RemoteAddr(),
	}
	if params.CleanupTimeout <= 0 {
		params.CleanupTimeout = time.Second * 5
	}
	return &Session{
		Component: common.Component{LogTags: logTags},
		Params:    params,
		player:    backend.GetPlayer(params.Client),
		lock:      new(sync.Mutex),
		state:     StateHandshaking,
	}
}

// State the current session state
func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.lock.Lock()
	defer s.lock.Unlock()
	log.WithFields(s.LogTags).Debugf("%s -> %s", s.state, state)
	s.state = state
}

// Run serve the observer until the session ends. The session always tears down on
// return: its subscriptions are dropped, its identity is released, and the tracker is
// told about the disconnect.
func (s *Session) Run(ctxt context.Context) {
	cursor := s.Client.SubscribeEvents()
	occupancy := s.Pool.SubscribeOccupancy()
	defer s.teardown(cursor, occupancy)

	if err := s.handshake(ctxt, occupancy); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Handshake failed")
		return
	}

	s.setState(StateActive)
	s.serve(ctxt, cursor, occupancy)
}

// handshake subscribe to the watched properties then send the snapshot. The event
// cursor is already open, so any change after the snapshot reaches the observer.
func (s *Session) handshake(ctxt context.Context, occupancy identity.OccupancyReceiver) error {
	for _, property := range WatchedProperties {
		if err := s.Client.ObserveProperty(ctxt, s.ID, property); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Failed to observe %s", property)
		}
	}
	state := FetchInitialState(ctxt, s.player, occupancy.Latest(), s.LogTags)
	return s.Conn.SendJSON(&OutboundFrame{Type: MsgInitialState, Value: state})
}

func (s *Session) serve(
	ctxt context.Context, cursor backend.EventCursor, occupancy identity.OccupancyReceiver,
) {
	inbound := s.Conn.Receive()
	events := cursor.Events()
	for {
		select {
		case <-ctxt.Done():
			log.WithFields(s.LogTags).Info("Server shutting down, closing session")
			return

		case count := <-occupancy.Updates():
			if err := s.Conn.SendJSON(
				&OutboundFrame{Type: MsgConnectionCount, Value: count},
			); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Failed to send connection count")
				return
			}

		case frame, ok := <-inbound:
			if !ok {
				log.WithFields(s.LogTags).Info("Observer stream ended")
				return
			}
			if !s.handleFrame(ctxt, frame) {
				return
			}

		case event, ok := <-events:
			if !ok {
				if err := cursor.Err(); err != nil {
					log.WithError(err).WithFields(s.LogTags).Error("Backend event stream failed")
				} else {
					log.WithFields(s.LogTags).Info("Backend event stream ended")
				}
				return
			}
			// Property changes of other subscribers are not for this observer
			if event.IsPropertyChange() && event.ID != s.ID {
				continue
			}
			if err := s.Conn.SendJSON(&OutboundFrame{Type: MsgEvent, Value: event}); err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf("Failed to forward %s", event)
				return
			}
		}
	}
}

// handleFrame process one inbound frame. Returns false when the session must end.
func (s *Session) handleFrame(ctxt context.Context, frame InboundFrame) bool {
	if frame.Err != nil {
		log.WithError(frame.Err).WithFields(s.LogTags).Error("Observer read failed")
		return false
	}
	switch frame.Kind {
	case FrameClose:
		log.WithFields(s.LogTags).Info("Observer closed the connection")
		return false
	case FramePing:
		if err := s.Conn.SendPong(frame.Payload); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to send pong")
			return false
		}
		return true
	case FrameText, FrameBinary:
	default:
		log.WithFields(s.LogTags).Warnf("Ignoring %s frame", frame.Kind)
		return true
	}

	cmd, err := s.Decoder.Decode(frame.Payload)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Bad command %q", frame.Payload)
		return true
	}
	reply, err := s.Runner.Run(ctxt, cmd)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to execute %s", cmd.Name())
		return true
	}
	log.WithFields(s.LogTags).Debugf("Executed %s", cmd.Name())
	if reply != nil {
		if err := s.Conn.SendJSON(&OutboundFrame{Type: MsgResponse, Value: reply}); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to send response")
			return false
		}
	}
	return true
}

// teardown drop subscriptions, release the identity, then report the disconnect.
// Every step runs even when an earlier one fails.
func (s *Session) teardown(cursor backend.EventCursor, occupancy identity.OccupancyReceiver) {
	s.closeOnce.Do(func() {
		s.setState(StateDraining)
		cursor.Close()
		occupancy.Close()

		unobserveCtxt, cancel := context.WithTimeout(context.Background(), s.CleanupTimeout)
		if err := s.Client.UnobserveAll(unobserveCtxt, s.ID); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to drop property subscriptions")
		}
		cancel()

		if err := s.Pool.Release(s.ID); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to release identity")
		}

		notifyCtxt, cancel := context.WithTimeout(context.Background(), s.CleanupTimeout)
		if err := s.Tracker.NotifyDisconnect(notifyCtxt); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to report disconnect")
		}
		cancel()

		if err := s.Conn.Close(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Transport close failed")
		}
		s.setState(StateClosed)
		log.WithFields(s.LogTags).Info("Session closed")
	})
}
