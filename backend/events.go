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

package backend

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/alwitt/mpvhub/common"
	"github.com/apex/log"
)

// EventPropertyChange is the event name mpv uses for observed property updates
const EventPropertyChange = "property-change"

// Event is one event emitted by the backend
type Event struct {
	// Name is the event name
	Name string `json:"event"`
	// ID is the observer ID for property change events
	ID uint64 `json:"id,omitempty"`
	// Property is the property name for property change events
	Property string `json:"name,omitempty"`
	// Data is the property value for property change events
	Data interface{} `json:"data,omitempty"`
	// Reason is set on some playback events, ex. "end-file"
	Reason string `json:"reason,omitempty"`
	// Raw is the event exactly as the backend sent it
	Raw json.RawMessage `json:"-"`
}

type eventAlias Event

// MarshalJSON forwards the event as received from the backend when possible
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	return json.Marshal(eventAlias(e))
}

// IsPropertyChange whether this is a property change event
func (e Event) IsPropertyChange() bool {
	return e.Name == EventPropertyChange
}

// String toString function
func (e Event) String() string {
	if e.IsPropertyChange() {
		return fmt.Sprintf("EVENT[%s %s@%d]", e.Name, e.Property, e.ID)
	}
	return fmt.Sprintf("EVENT[%s]", e.Name)
}

// ========================================================================================

// EventCursor is one subscriber's independent read position on the backend event stream
type EventCursor interface {
	// Events the channel delivering events. It is closed when the backend stream ends, or
	// when the cursor is closed.
	Events() <-chan Event
	// Err the reason the backend stream ended. Nil when it ended normally or when the
	// cursor was closed by its owner.
	Err() error
	// Dropped number of events discarded because the cursor fell behind
	Dropped() uint64
	// Close detach the cursor from the stream
	Close()
}

// EventBroadcaster fans one backend event stream out to many cursors.
//
// Each cursor has a bounded queue. When a cursor's queue is full, the oldest queued
// event is discarded to make room, so a slow cursor never blocks the producer or the
// other cursors.
type EventBroadcaster interface {
	// Subscribe define a new cursor starting at the next published event
	Subscribe() EventCursor
	// Publish send an event to every cursor
	Publish(event Event)
	// Terminate end the stream for every cursor. The stream can not be restarted.
	Terminate(reason error)
	// SubscriberCount number of attached cursors
	SubscriberCount() int
}

// eventBroadcasterImpl implements EventBroadcaster
type eventBroadcasterImpl struct {
	common.Component
	lock       *sync.Mutex
	bufferLen  int
	nextID     uint64
	cursors    map[uint64]*eventCursorImpl
	terminated bool
	reason     error
}

// GetEventBroadcaster define a new EventBroadcaster
func GetEventBroadcaster(name string, bufferLen int) (EventBroadcaster, error) {
	if bufferLen < 1 {
		return nil, fmt.Errorf("event buffer length must be positive")
	}
	logTags := log.Fields{
		"module": "backend", "component": "event-broadcaster", "instance": name,
	}
	return &eventBroadcasterImpl{
		Component: common.Component{LogTags: logTags},
		lock:      new(sync.Mutex),
		bufferLen: bufferLen,
		nextID:    0,
		cursors:   make(map[uint64]*eventCursorImpl),
	}, nil
}

// Subscribe define a new cursor starting at the next published event
func (b *eventBroadcasterImpl) Subscribe() EventCursor {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.nextID++
	cursor := &eventCursorImpl{
		id:     b.nextID,
		events: make(chan Event, b.bufferLen),
		parent: b,
	}
	if b.terminated {
		cursor.reason = b.reason
		close(cursor.events)
		return cursor
	}
	b.cursors[cursor.id] = cursor
	return cursor
}

// Publish send an event to every cursor
func (b *eventBroadcasterImpl) Publish(event Event) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.terminated {
		return
	}
	for _, cursor := range b.cursors {
		for sent := false; !sent; {
			select {
			case cursor.events <- event:
				sent = true
			default:
				// Queue full, discard the oldest
				select {
				case <-cursor.events:
					cursor.dropped++
					if cursor.dropped == 1 || cursor.dropped%100 == 0 {
						log.WithFields(b.LogTags).Warnf(
							"Cursor %d fell behind, %d events dropped", cursor.id, cursor.dropped,
						)
					}
				default:
				}
			}
		}
	}
}

// Terminate end the stream for every cursor
func (b *eventBroadcasterImpl) Terminate(reason error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.terminated {
		return
	}
	b.terminated = true
	b.reason = reason
	for id, cursor := range b.cursors {
		cursor.reason = reason
		close(cursor.events)
		delete(b.cursors, id)
	}
	if reason != nil {
		log.WithError(reason).WithFields(b.LogTags).Error("Event stream terminated")
	} else {
		log.WithFields(b.LogTags).Info("Event stream ended")
	}
}

// SubscriberCount number of attached cursors
func (b *eventBroadcasterImpl) SubscriberCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.cursors)
}

func (b *eventBroadcasterImpl) detach(cursor *eventCursorImpl) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if _, ok := b.cursors[cursor.id]; ok {
		delete(b.cursors, cursor.id)
		close(cursor.events)
	}
}

// eventCursorImpl implements EventCursor. Fields besides events are guarded by the
// parent broadcaster lock.
type eventCursorImpl struct {
	id      uint64
	events  chan Event
	parent  *eventBroadcasterImpl
	dropped uint64
	reason  error
}

// Events the channel delivering events
func (c *eventCursorImpl) Events() <-chan Event {
	return c.events
}

// Err the reason the backend stream ended
func (c *eventCursorImpl) Err() error {
	c.parent.lock.Lock()
	defer c.parent.lock.Unlock()
	return c.reason
}

// Dropped number of events discarded because the cursor fell behind
func (c *eventCursorImpl) Dropped() uint64 {
	c.parent.lock.Lock()
	defer c.parent.lock.Unlock()
	return c.dropped
}

// Close detach the cursor from the stream
func (c *eventCursorImpl) Close() {
	c.parent.detach(c)
}
