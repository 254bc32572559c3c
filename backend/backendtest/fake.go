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

// Package backendtest provides an in-memory backend.Client for tests.
package backendtest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/alwitt/mpvhub/backend"
)

// Call one recorded client call
type Call struct {
	Op   string
	Args []interface{}
}

// Client names of the recorded calls
const (
	OpGetProperty  = "get_property"
	OpSetProperty  = "set_property"
	OpCommand      = "command"
	OpObserve      = "observe"
	OpUnobserveAll = "unobserve_all"
)

// FakeClient in-memory backend.Client which records every call
type FakeClient struct {
	lock       sync.Mutex
	properties map[string]interface{}
	calls      []Call
	failOps    map[string]error
	events     backend.EventBroadcaster
	connected  bool
}

// NewFakeClient define a new FakeClient
func NewFakeClient(eventBuffer int) *FakeClient {
	events, err := backend.GetEventBroadcaster("fake", eventBuffer)
	if err != nil {
		panic(err)
	}
	return &FakeClient{
		properties: make(map[string]interface{}),
		calls:      []Call{},
		failOps:    make(map[string]error),
		events:     events,
		connected:  true,
	}
}

// SetValue set the value returned for a property
func (c *FakeClient) SetValue(name string, value interface{}) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.properties[name] = value
}

// FailOp make every call of an operation return the error. A nil error clears it.
func (c *FakeClient) FailOp(op string, err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err == nil {
		delete(c.failOps, op)
	} else {
		c.failOps[op] = err
	}
}

func (c *FakeClient) record(op string, args ...interface{}) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.calls = append(c.calls, Call{Op: op, Args: args})
	return c.failOps[op]
}

// GetProperty read the current value of a property
func (c *FakeClient) GetProperty(_ context.Context, name string) (interface{}, error) {
	if err := c.record(OpGetProperty, name); err != nil {
		return nil, err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	value, ok := c.properties[name]
	if !ok {
		return nil, backend.ErrPropertyUnavailable
	}
	return value, nil
}

// SetProperty change the value of a property
func (c *FakeClient) SetProperty(_ context.Context, name string, value interface{}) error {
	if err := c.record(OpSetProperty, name, value); err != nil {
		return err
	}
	c.SetValue(name, value)
	return nil
}

// RunCommand execute a raw backend command
func (c *FakeClient) RunCommand(_ context.Context, args ...interface{}) (interface{}, error) {
	return nil, c.record(OpCommand, args...)
}

// ObserveProperty request property change events tagged with the owner ID
func (c *FakeClient) ObserveProperty(_ context.Context, owner uint64, name string) error {
	return c.record(OpObserve, owner, name)
}

// UnobserveAll cancel every property observation registered under the owner ID
func (c *FakeClient) UnobserveAll(_ context.Context, owner uint64) error {
	return c.record(OpUnobserveAll, owner)
}

// SubscribeEvents open a new cursor on the backend event stream
func (c *FakeClient) SubscribeEvents() backend.EventCursor {
	return c.events.Subscribe()
}

// Connected whether the control channel is still usable
func (c *FakeClient) Connected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connected
}

// Emit publish an event on the stream
func (c *FakeClient) Emit(event backend.Event) {
	c.events.Publish(event)
}

// EmitPropertyChange publish a property change event on the stream
func (c *FakeClient) EmitPropertyChange(owner uint64, name string, data interface{}) {
	event := backend.Event{
		Name: backend.EventPropertyChange, ID: owner, Property: name, Data: data,
	}
	raw, err := json.Marshal(event)
	if err == nil {
		event.Raw = raw
	}
	c.events.Publish(event)
}

// End terminate the event stream and mark the client disconnected
func (c *FakeClient) End(reason error) {
	c.lock.Lock()
	c.connected = false
	c.lock.Unlock()
	c.events.Terminate(reason)
}

// Subscribers number of open event cursors
func (c *FakeClient) Subscribers() int {
	return c.events.SubscriberCount()
}

// Calls copy of every recorded call, in order
func (c *FakeClient) Calls() []Call {
	c.lock.Lock()
	defer c.lock.Unlock()
	result := make([]Call, len(c.calls))
	copy(result, c.calls)
	return result
}

// CallsOf copy of the recorded calls of one operation, in order
func (c *FakeClient) CallsOf(op string) []Call {
	result := []Call{}
	for _, call := range c.Calls() {
		if call.Op == op {
			result = append(result, call)
		}
	}
	return result
}

// WaitForCalls wait until at least count calls of an operation were recorded
func (c *FakeClient) WaitForCalls(op string, count int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(c.CallsOf(op)) >= count {
			return true
		}
		time.Sleep(time.Millisecond * 5)
	}
	return len(c.CallsOf(op)) >= count
}
