package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/mpvhub/identity"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestDispatcher(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()
	env := setupSessionTestEnv(t, utCtxt, &wg, 1)
	defer func() { _ = env.runner.Stop() }()

	uut, err := GetDispatcher(env.client, env.pool, env.tracker, env.runner, time.Second)
	assert.Nil(err)

	// Case 0: accept runs the session until the observer leaves
	conn := newFakeConn()
	accepted := make(chan error, 1)
	go func() {
		accepted <- uut.Accept(utCtxt, func() (Connection, error) { return conn, nil })
	}()
	assert.True(conn.waitForFrames(MsgInitialState, 1))
	{
		connects, _ := env.tracker.counts()
		assert.Equal(1, connects)
		assert.EqualValues(1, env.pool.Occupancy())
	}

	// Case 1: pool exhausted, rejected before upgrading
	{
		upgraded := false
		err := uut.Accept(utCtxt, func() (Connection, error) {
			upgraded = true
			return newFakeConn(), nil
		})
		assert.ErrorIs(err, identity.ErrNoFreeIdentities)
		assert.False(upgraded)
		connects, _ := env.tracker.counts()
		assert.Equal(1, connects)
	}

	// Case 2: observer leaves
	{
		conn.inbound <- InboundFrame{Kind: FrameClose}
		select {
		case err := <-accepted:
			assert.Nil(err)
		case <-time.After(time.Second):
			assert.Fail("session did not end")
		}
		uut.Wait()
		assert.EqualValues(0, env.pool.Occupancy())
		connects, disconnects := env.tracker.counts()
		assert.Equal(1, connects)
		assert.Equal(1, disconnects)
	}

	// Case 3: failed upgrade gives the identity back
	{
		upgradeErr := errors.New("bad handshake")
		err := uut.Accept(utCtxt, func() (Connection, error) { return nil, upgradeErr })
		assert.ErrorIs(err, upgradeErr)
		assert.EqualValues(0, env.pool.Occupancy())
		connects, disconnects := env.tracker.counts()
		assert.Equal(1, connects)
		assert.Equal(1, disconnects)
	}

	// Case 4: shutdown drains every session
	{
		sessionCtxt, sessionCancel := context.WithCancel(utCtxt)
		conn := newFakeConn()
		go func() {
			_ = uut.Accept(sessionCtxt, func() (Connection, error) { return conn, nil })
		}()
		assert.True(conn.waitForFrames(MsgInitialState, 1))
		sessionCancel()
		waited := make(chan struct{})
		go func() {
			uut.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(time.Second):
			assert.Fail("sessions not drained")
		}
		assert.EqualValues(0, env.pool.Occupancy())
		assert.Equal(1, conn.closeCount())
	}
}
