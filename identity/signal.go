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

package identity

import (
	"sync"
)

// OccupancyReceiver is one independent read cursor on the occupancy signal.
//
// Updates are delivered with latest-value semantics: the channel holds at most one
// pending value, and a newer value replaces a pending one that was not read yet.
type OccupancyReceiver interface {
	// Updates the channel on which occupancy changes are delivered
	Updates() <-chan uint64
	// Latest the current occupancy value
	Latest() uint64
	// Close detach the receiver from the signal. The update channel is not closed.
	Close()
}

// occupancySignal is a latest-value broadcast of the pool occupancy
type occupancySignal struct {
	lock      *sync.Mutex
	current   uint64
	nextID    uint64
	receivers map[uint64]chan uint64
}

func newOccupancySignal() *occupancySignal {
	return &occupancySignal{
		lock:      new(sync.Mutex),
		current:   0,
		nextID:    0,
		receivers: make(map[uint64]chan uint64),
	}
}

// publish push a new value to every receiver without blocking
func (s *occupancySignal) publish(value uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.current = value
	for _, updates := range s.receivers {
		// Replace any unread value
		select {
		case <-updates:
		default:
		}
		updates <- value
	}
}

func (s *occupancySignal) latest() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.current
}

func (s *occupancySignal) subscribe() OccupancyReceiver {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.nextID++
	updates := make(chan uint64, 1)
	s.receivers[s.nextID] = updates
	return &occupancyReceiverImpl{id: s.nextID, updates: updates, parent: s}
}

func (s *occupancySignal) unsubscribe(id uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.receivers, id)
}

func (s *occupancySignal) receiverCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.receivers)
}

// occupancyReceiverImpl implements OccupancyReceiver
type occupancyReceiverImpl struct {
	id      uint64
	updates chan uint64
	parent  *occupancySignal
	once    sync.Once
}

// Updates the channel on which occupancy changes are delivered
func (r *occupancyReceiverImpl) Updates() <-chan uint64 {
	return r.updates
}

// Latest the current occupancy value
func (r *occupancyReceiverImpl) Latest() uint64 {
	return r.parent.latest()
}

// Close detach the receiver from the signal
func (r *occupancyReceiverImpl) Close() {
	r.once.Do(func() {
		r.parent.unsubscribe(r.id)
	})
}
