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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/mpvhub/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// MPVConnectParams mpv JSON IPC connection parameters
type MPVConnectParams struct {
	// SocketPath path of the mpv IPC unix socket
	SocketPath string `validate:"required"`
	// ConnectTimeout max time to wait for the connection
	ConnectTimeout time.Duration
	// RequestTimeout max time to wait for the response to one request
	RequestTimeout time.Duration
	// EventBuffer length of each event cursor's queue
	EventBuffer int `validate:"gte=1"`
}

// mpvRequest one mpv JSON IPC request
type mpvRequest struct {
	Command   []interface{} `json:"command"`
	RequestID int64         `json:"request_id"`
}

// mpvMessage one line received from mpv, either a request response or an event
type mpvMessage struct {
	RequestID *int64          `json:"request_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Event     string          `json:"event,omitempty"`
}

const mpvSuccess = "success"

// MPVClient Client talking to mpv over its JSON IPC unix socket.
//
// Requests are tagged with a request ID and matched against the responses by a single
// reader goroutine, which also pumps events into the event broadcaster. Once the
// socket closes, the client and its event stream are finished.
type MPVClient struct {
	common.Component
	conn           net.Conn
	requestTimeout time.Duration
	nextRequestID  int64
	writeLock      *sync.Mutex
	lock           *sync.Mutex
	pending        map[int64]chan mpvMessage
	closing        bool
	closed         chan struct{}
	closeOnce      sync.Once
	events         EventBroadcaster
	wg             sync.WaitGroup
}

// GetMPVClient connect to mpv and define a new MPVClient
func GetMPVClient(ctxt context.Context, param MPVConnectParams) (*MPVClient, error) {
	logTags := log.Fields{
		"module": "backend", "component": "mpv-client", "instance": param.SocketPath,
	}
	validate := validator.New()
	if err := validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid mpv connection parameters")
		return nil, err
	}
	events, err := GetEventBroadcaster(param.SocketPath, param.EventBuffer)
	if err != nil {
		return nil, err
	}

	dialCtxt := ctxt
	if param.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtxt, cancel = context.WithTimeout(ctxt, param.ConnectTimeout)
		defer cancel()
	}
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(dialCtxt, "unix", param.SocketPath)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("mpv IPC connect failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Connected to mpv IPC")

	instance := &MPVClient{
		Component:      common.Component{LogTags: logTags},
		conn:           conn,
		requestTimeout: param.RequestTimeout,
		nextRequestID:  0,
		writeLock:      new(sync.Mutex),
		lock:           new(sync.Mutex),
		pending:        make(map[int64]chan mpvMessage),
		closing:        false,
		closed:         make(chan struct{}),
		events:         events,
	}
	instance.wg.Add(1)
	go instance.readLoop()
	return instance, nil
}

// Close close the connection to mpv, ending the event stream
func (c *MPVClient) Close() error {
	c.lock.Lock()
	c.closing = true
	c.lock.Unlock()
	err := c.conn.Close()
	c.wg.Wait()
	log.WithFields(c.LogTags).Info("Closed mpv IPC client")
	return err
}

// Connected whether the control channel is still usable
func (c *MPVClient) Connected() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// SubscribeEvents open a new cursor on the backend event stream
func (c *MPVClient) SubscribeEvents() EventCursor {
	return c.events.Subscribe()
}

// GetProperty read the current value of a property
func (c *MPVClient) GetProperty(ctxt context.Context, name string) (interface{}, error) {
	data, err := c.call(ctxt, []interface{}{"get_property", name})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// SetProperty change the value of a property
func (c *MPVClient) SetProperty(ctxt context.Context, name string, value interface{}) error {
	_, err := c.call(ctxt, []interface{}{"set_property", name, value})
	return err
}

// RunCommand execute a raw mpv command
func (c *MPVClient) RunCommand(ctxt context.Context, args ...interface{}) (interface{}, error) {
	data, err := c.call(ctxt, args)
	if err != nil || len(data) == 0 {
		return nil, err
	}
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// ObserveProperty request property change events tagged with the owner ID
func (c *MPVClient) ObserveProperty(ctxt context.Context, owner uint64, name string) error {
	_, err := c.call(ctxt, []interface{}{"observe_property", owner, name})
	return err
}

// UnobserveAll cancel every property observation registered under the owner ID
func (c *MPVClient) UnobserveAll(ctxt context.Context, owner uint64) error {
	_, err := c.call(ctxt, []interface{}{"unobserve_property", owner})
	return err
}

// call send one request and wait for its response
func (c *MPVClient) call(ctxt context.Context, command []interface{}) (json.RawMessage, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty mpv command")
	}
	if !c.Connected() {
		return nil, ErrBackendClosed
	}

	requestID := atomic.AddInt64(&c.nextRequestID, 1)
	respChan := make(chan mpvMessage, 1)
	c.lock.Lock()
	c.pending[requestID] = respChan
	c.lock.Unlock()
	defer func() {
		c.lock.Lock()
		delete(c.pending, requestID)
		c.lock.Unlock()
	}()

	payload, err := json.Marshal(&mpvRequest{Command: command, RequestID: requestID})
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')

	callCtxt := ctxt
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		callCtxt, cancel = context.WithTimeout(ctxt, c.requestTimeout)
		defer cancel()
	}

	c.writeLock.Lock()
	if deadline, ok := callCtxt.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	_, err = c.conn.Write(payload)
	c.writeLock.Unlock()
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to send %v", command[0])
		return nil, err
	}

	select {
	case resp := <-respChan:
		if resp.Error == "property unavailable" {
			return nil, fmt.Errorf("%w: %v", ErrPropertyUnavailable, command)
		}
		if resp.Error != mpvSuccess {
			return nil, fmt.Errorf("mpv %v failed: %s", command[0], resp.Error)
		}
		return resp.Data, nil
	case <-c.closed:
		return nil, ErrBackendClosed
	case <-callCtxt.Done():
		return nil, callCtxt.Err()
	}
}

// readLoop read lines from mpv until the socket closes
func (c *MPVClient) readLoop() {
	defer c.wg.Done()
	defer log.WithFields(c.LogTags).Debug("mpv IPC reader exiting")
	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			c.processLine(trimmed)
		}
		if err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *MPVClient) processLine(line []byte) {
	var msg mpvMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		log.WithError(err).WithFields(c.LogTags).Warnf("Unable to parse mpv message %s", line)
		return
	}

	if msg.Event != "" {
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			log.WithError(err).WithFields(c.LogTags).Warnf("Unable to parse mpv event %s", line)
			return
		}
		event.Raw = append(json.RawMessage{}, line...)
		c.events.Publish(event)
		return
	}

	if msg.RequestID == nil {
		log.WithFields(c.LogTags).Debugf("Ignoring unsolicited mpv message %s", line)
		return
	}
	c.lock.Lock()
	respChan, ok := c.pending[*msg.RequestID]
	c.lock.Unlock()
	if !ok {
		log.WithFields(c.LogTags).Debugf("No caller waiting on request %d", *msg.RequestID)
		return
	}
	select {
	case respChan <- msg:
	default:
	}
}

// shutdown mark the client closed and end the event stream
func (c *MPVClient) shutdown(readErr error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.lock.Lock()
		closing := c.closing
		c.lock.Unlock()
		var reason error
		if !closing {
			reason = fmt.Errorf("%w: %v", ErrBackendClosed, readErr)
		}
		c.events.Terminate(reason)
	})
}
