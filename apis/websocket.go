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

package apis

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mpvhub/common"
	"github.com/alwitt/mpvhub/identity"
	"github.com/alwitt/mpvhub/session"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// maxObserverMessageSize largest inbound observer message accepted
const maxObserverMessageSize = 1 << 20

// webSocketConnection session.Connection over a gorilla websocket
type webSocketConnection struct {
	common.Component
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeLock    sync.Mutex
	inbound      chan session.InboundFrame
	done         chan struct{}
	closeOnce    sync.Once
}

// defineWebSocketConnection wrap an upgraded websocket, and start reading from it
func defineWebSocketConnection(
	conn *websocket.Conn, writeTimeout time.Duration, logTags log.Fields,
) *webSocketConnection {
	connTags := log.Fields{}
	for k, v := range logTags {
		connTags[k] = v
	}
	connTags["remote"] = conn.RemoteAddr().String()
	c := &webSocketConnection{
		Component:    common.Component{LogTags: connTags},
		conn:         conn,
		writeTimeout: writeTimeout,
		inbound:      make(chan session.InboundFrame),
		done:         make(chan struct{}),
	}
	conn.SetReadLimit(maxObserverMessageSize)
	// Control frames are handed to the session loop instead of answered here
	conn.SetPingHandler(func(appData string) error {
		c.push(session.InboundFrame{Kind: session.FramePing, Payload: []byte(appData)})
		return nil
	})
	conn.SetCloseHandler(func(code int, text string) error {
		log.WithFields(c.LogTags).Debugf("Observer sent close %d %q", code, text)
		c.push(session.InboundFrame{Kind: session.FrameClose, Payload: []byte(text)})
		return nil
	})
	go c.readLoop()
	return c
}

// push deliver one frame to the session loop. Returns false once the connection closed.
func (c *webSocketConnection) push(frame session.InboundFrame) bool {
	select {
	case c.inbound <- frame:
		return true
	case <-c.done:
		return false
	}
}

func (c *webSocketConnection) readLoop() {
	defer close(c.inbound)
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				// Already delivered by the close handler
				return
			}
			select {
			case <-c.done:
			default:
				c.push(session.InboundFrame{Err: err})
			}
			return
		}
		kind := session.FrameText
		if msgType == websocket.BinaryMessage {
			kind = session.FrameBinary
		}
		if !c.push(session.InboundFrame{Kind: kind, Payload: payload}) {
			return
		}
	}
}

// Receive the inbound frames
func (c *webSocketConnection) Receive() <-chan session.InboundFrame {
	return c.inbound
}

func (c *webSocketConnection) writeDeadline() time.Time {
	if c.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.writeTimeout)
}

// SendJSON send one JSON encoded message
func (c *webSocketConnection) SendJSON(msg interface{}) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.conn.SetWriteDeadline(c.writeDeadline()); err != nil {
		return err
	}
	return c.conn.WriteJSON(msg)
}

// SendPong reply to a ping
func (c *webSocketConnection) SendPong(payload []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.conn.WriteControl(websocket.PongMessage, payload, c.writeDeadline())
}

// Close send a close frame then close the socket
func (c *webSocketConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeLock.Lock()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := c.conn.WriteControl(
			websocket.CloseMessage, closeMsg, time.Now().Add(time.Second),
		); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Failed to send close frame")
		}
		c.writeLock.Unlock()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr the observer address
func (c *webSocketConnection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// =======================================================================

// APIRestObserverHandler serves the observer WebSocket endpoint
type APIRestObserverHandler struct {
	goutils.RestAPIHandler
	dispatcher   session.Dispatcher
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	runtimeCtxt  context.Context
}

// GetAPIRestObserverHandler define APIRestObserverHandler
//
// Sessions run under runtimeCtxt rather than the request context, so they are ended
// when the server shuts down.
func GetAPIRestObserverHandler(
	runtimeCtxt context.Context,
	dispatcher session.Dispatcher,
	httpConfig *common.HTTPConfig,
) (APIRestObserverHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "observer",
	}
	return APIRestObserverHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		dispatcher:     dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout: time.Second * time.Duration(httpConfig.Server.WriteTimeout),
		runtimeCtxt:  runtimeCtxt,
	}, nil
}

// Observe godoc
// @Summary Connect as an observer
// @Description Upgrade to a WebSocket carrying the player state snapshot, player events,
// observer count changes, and accepting player commands.
// @tags Observer
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ws [get]
func (h APIRestObserverHandler) Observe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	err := h.dispatcher.Accept(h.runtimeCtxt, func() (session.Connection, error) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return nil, err
		}
		return defineWebSocketConnection(conn, h.writeTimeout, localLogTags), nil
	})
	if err == nil {
		return
	}
	if errors.Is(err, identity.ErrNoFreeIdentities) {
		msg := "observer limit reached"
		respBody := h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		if err := h.WriteRESTResponse(
			w, http.StatusInternalServerError, respBody, nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}
	// The upgrader has already replied
	log.WithError(err).WithFields(localLogTags).Error("Observer upgrade failed")
}

// ObserveHandler Wrapper around Observe
func (h APIRestObserverHandler) ObserveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Observe(w, r)
	}
}
