package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// fakeMPVServer answers mpv JSON IPC requests on a unix socket
type fakeMPVServer struct {
	listener   net.Listener
	lock       sync.Mutex
	conn       net.Conn
	properties map[string]interface{}
	received   [][]interface{}
	connected  chan struct{}
}

func startFakeMPVServer(t *testing.T) (*fakeMPVServer, string) {
	socketPath := filepath.Join(t.TempDir(), "mpv.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("unable to listen on %s: %v", socketPath, err)
	}
	server := &fakeMPVServer{
		listener:   listener,
		properties: map[string]interface{}{"volume": 50.0, "pause": false},
		received:   [][]interface{}{},
		connected:  make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return server, socketPath
}

func (s *fakeMPVServer) serve() {
	conn, err := s.listener.Accept()
	if err != nil {
		return
	}
	s.lock.Lock()
	s.conn = conn
	s.lock.Unlock()
	close(s.connected)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req mpvRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		s.lock.Lock()
		s.received = append(s.received, req.Command)
		s.lock.Unlock()
		resp := map[string]interface{}{"request_id": req.RequestID, "error": "success"}
		switch req.Command[0] {
		case "get_property":
			s.lock.Lock()
			value, ok := s.properties[req.Command[1].(string)]
			s.lock.Unlock()
			if ok {
				resp["data"] = value
			} else {
				resp["error"] = "property unavailable"
			}
		case "set_property":
			s.lock.Lock()
			s.properties[req.Command[1].(string)] = req.Command[2]
			s.lock.Unlock()
		case "hang":
			continue
		case "bogus":
			resp["error"] = "invalid parameter"
		}
		s.send(resp)
	}
}

func (s *fakeMPVServer) send(msg interface{}) {
	payload, _ := json.Marshal(msg)
	s.lock.Lock()
	defer s.lock.Unlock()
	_, _ = s.conn.Write(append(payload, '\n'))
}

func (s *fakeMPVServer) drop() {
	s.lock.Lock()
	defer s.lock.Unlock()
	_ = s.conn.Close()
}

func (s *fakeMPVServer) commands() [][]interface{} {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([][]interface{}, len(s.received))
	copy(result, s.received)
	return result
}

func TestMPVClientRequests(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server, socketPath := startFakeMPVServer(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetMPVClient(utCtxt, MPVConnectParams{
		SocketPath:     socketPath,
		ConnectTimeout: time.Second,
		RequestTimeout: time.Millisecond * 200,
		EventBuffer:    8,
	})
	assert.Nil(err)
	defer func() { _ = uut.Close() }()
	<-server.connected
	assert.True(uut.Connected())

	// Case 0: read a property
	{
		value, err := uut.GetProperty(utCtxt, "volume")
		assert.Nil(err)
		assert.EqualValues(50, value)
	}

	// Case 1: set then read back
	{
		assert.Nil(uut.SetProperty(utCtxt, "volume", 75))
		value, err := uut.GetProperty(utCtxt, "volume")
		assert.Nil(err)
		assert.EqualValues(75, value)
	}

	// Case 2: unavailable property
	{
		_, err := uut.GetProperty(utCtxt, "media-title")
		assert.ErrorIs(err, ErrPropertyUnavailable)
	}

	// Case 3: command failure
	{
		_, err := uut.RunCommand(utCtxt, "bogus")
		assert.NotNil(err)
	}

	// Case 4: request timeout
	{
		_, err := uut.RunCommand(utCtxt, "hang")
		assert.ErrorIs(err, context.DeadlineExceeded)
	}

	// Case 5: observe and unobserve are sent with the owner ID
	{
		assert.Nil(uut.ObserveProperty(utCtxt, 3, "pause"))
		assert.Nil(uut.UnobserveAll(utCtxt, 3))
		cmds := server.commands()
		assert.GreaterOrEqual(len(cmds), 2)
		observe := cmds[len(cmds)-2]
		assert.Equal("observe_property", observe[0])
		assert.EqualValues(3, observe[1])
		assert.Equal("pause", observe[2])
		unobserve := cmds[len(cmds)-1]
		assert.Equal("unobserve_property", unobserve[0])
		assert.EqualValues(3, unobserve[1])
	}
}

func TestMPVClientEventStream(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server, socketPath := startFakeMPVServer(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetMPVClient(utCtxt, MPVConnectParams{
		SocketPath:     socketPath,
		ConnectTimeout: time.Second,
		RequestTimeout: time.Second,
		EventBuffer:    8,
	})
	assert.Nil(err)
	<-server.connected

	cursor1 := uut.SubscribeEvents()
	cursor2 := uut.SubscribeEvents()

	readNext := func(cursor EventCursor) (Event, bool) {
		select {
		case ev, ok := <-cursor.Events():
			return ev, ok
		case <-time.After(time.Second):
			assert.Fail("no event received")
			return Event{}, false
		}
	}

	// Case 0: events fan out to every cursor
	{
		server.send(map[string]interface{}{
			"event": "property-change", "id": 4, "name": "volume", "data": 30,
		})
		server.send(map[string]interface{}{"event": "seek"})
		for _, cursor := range []EventCursor{cursor1, cursor2} {
			ev, ok := readNext(cursor)
			assert.True(ok)
			assert.True(ev.IsPropertyChange())
			assert.EqualValues(4, ev.ID)
			assert.Equal("volume", ev.Property)
			assert.NotEmpty(ev.Raw)
			ev, ok = readNext(cursor)
			assert.True(ok)
			assert.Equal("seek", ev.Name)
		}
	}

	// Case 1: socket loss ends the stream for everyone
	{
		server.drop()
		for _, cursor := range []EventCursor{cursor1, cursor2} {
			_, ok := readNext(cursor)
			assert.False(ok)
			assert.ErrorIs(cursor.Err(), ErrBackendClosed)
		}
		assert.False(uut.Connected())
		_, err := uut.GetProperty(utCtxt, "volume")
		assert.ErrorIs(err, ErrBackendClosed)
	}

	// Case 2: closing the client after the loss is harmless
	{
		_ = uut.Close()
		late := uut.SubscribeEvents()
		_, ok := readNext(late)
		assert.False(ok)
	}
}

func TestMPVClientClose(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server, socketPath := startFakeMPVServer(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetMPVClient(utCtxt, MPVConnectParams{
		SocketPath: socketPath, ConnectTimeout: time.Second, EventBuffer: 4,
	})
	assert.Nil(err)
	<-server.connected

	cursor := uut.SubscribeEvents()
	assert.Nil(uut.Close())

	// Closing on our own ends the stream without an error
	select {
	case _, ok := <-cursor.Events():
		assert.False(ok)
	case <-time.After(time.Second):
		assert.Fail("cursor not closed")
	}
	assert.Nil(cursor.Err())
	assert.False(uut.Connected())
}

func TestMPVClientInvalidParams(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: missing socket path
	{
		_, err := GetMPVClient(context.Background(), MPVConnectParams{EventBuffer: 4})
		assert.NotNil(err)
	}

	// Case 1: no event buffer
	{
		_, err := GetMPVClient(context.Background(), MPVConnectParams{SocketPath: "/tmp/none.sock"})
		assert.NotNil(err)
	}

	// Case 2: nothing listening on the socket
	{
		_, err := GetMPVClient(context.Background(), MPVConnectParams{
			SocketPath:     filepath.Join(t.TempDir(), "missing.sock"),
			ConnectTimeout: time.Millisecond * 100,
			EventBuffer:    4,
		})
		assert.NotNil(err)
	}
}

func TestMPVClientWriteDeadlineReset(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server, socketPath := startFakeMPVServer(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No request timeout, so only the caller's context bounds a request
	uut, err := GetMPVClient(utCtxt, MPVConnectParams{
		SocketPath: socketPath, ConnectTimeout: time.Second, EventBuffer: 4,
	})
	assert.Nil(err)
	defer func() { _ = uut.Close() }()
	<-server.connected

	// Case 0: a request whose deadline already passed fails
	{
		expired, expiredCancel := context.WithDeadline(utCtxt, time.Now().Add(-time.Second))
		_, err := uut.GetProperty(expired, "volume")
		expiredCancel()
		assert.NotNil(err)
	}

	// Case 1: a later request without a deadline is not affected by the earlier one
	{
		value, err := uut.GetProperty(utCtxt, "volume")
		assert.Nil(err)
		assert.EqualValues(50, value)
	}
}
