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

import "context"

// FrameKind kind of an inbound observer frame
type FrameKind int

// Inbound frame kinds
const (
	FrameText FrameKind = iota
	FrameBinary
	FramePing
	FrameClose
)

// String toString function
func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// InboundFrame one frame received from the observer
type InboundFrame struct {
	Kind    FrameKind
	Payload []byte
	// Err is set when the transport failed to read. It is the last frame delivered.
	Err error
}

// Outbound frame types
const (
	MsgInitialState    = "initial_state"
	MsgConnectionCount = "connection_count"
	MsgEvent           = "event"
	MsgResponse        = "response"
)

// OutboundFrame one message sent to the observer
type OutboundFrame struct {
	Type  string      `json:"type"`
	Value interface{} `json:"value"`
}

// Connection observer transport. Receive is consumed by the session loop only; the
// send methods are only called from the session loop.
type Connection interface {
	// Receive the inbound frames. The channel is closed once the observer stream ends.
	Receive() <-chan InboundFrame
	// SendJSON send one JSON encoded message
	SendJSON(msg interface{}) error
	// SendPong reply to a ping
	SendPong(payload []byte) error
	// Close close the transport
	Close() error
	// RemoteAddr the observer address
	RemoteAddr() string
}

// Upgrader turn an accepted request into an observer transport
type Upgrader func() (Connection, error)

// ConnectionTracker is told about observers connecting and disconnecting
type ConnectionTracker interface {
	// NotifyConnect record that an observer connected
	NotifyConnect(ctxt context.Context) error
	// NotifyDisconnect record that an observer disconnected
	NotifyDisconnect(ctxt context.Context) error
}
