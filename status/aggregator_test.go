package status

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/mpvhub/backend"
	"github.com/alwitt/mpvhub/backend/backendtest"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// recordingReporter keeps every reported view
type recordingReporter struct {
	lock  sync.Mutex
	views []StatusView
}

func (r *recordingReporter) Report(_ context.Context, view StatusView) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.views = append(r.views, view)
	return nil
}

func (r *recordingReporter) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.views)
}

func (r *recordingReporter) last() StatusView {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.views[len(r.views)-1]
}

func (r *recordingReporter) waitFor(count int) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.count() >= count {
			return true
		}
		time.Sleep(time.Millisecond * 5)
	}
	return false
}

func TestStatusAggregatorConnections(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	client := backendtest.NewFakeClient(16)
	client.SetValue(backend.PropPause, false)
	client.SetValue(backend.PropMediaTitle, "Big Buck Bunny")

	reporter := &recordingReporter{}
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()

	uut, err := GetStatusAggregator(utCtxt, client, []Reporter{reporter, GetLogReporter()})
	assert.Nil(err)

	// Case 0: initial view is reported on construction
	{
		assert.Equal(1, reporter.count())
		view := reporter.last()
		assert.True(view.Playing)
		assert.NotNil(view.Title)
		assert.Equal("Big Buck Bunny", *view.Title)
		assert.EqualValues(0, view.Connections)
		observed := client.CallsOf(backendtest.OpObserve)
		assert.Len(observed, 2)
		for _, call := range observed {
			assert.EqualValues(AggregatorOwnerID, call.Args[0])
		}
	}

	assert.Nil(uut.Start(&wg))

	// Case 1: connects and disconnects
	{
		assert.Nil(uut.NotifyConnect(utCtxt))
		assert.Nil(uut.NotifyConnect(utCtxt))
		assert.True(reporter.waitFor(3))
		assert.EqualValues(2, reporter.last().Connections)
		assert.Nil(uut.NotifyDisconnect(utCtxt))
		assert.True(reporter.waitFor(4))
		assert.EqualValues(1, reporter.last().Connections)
		assert.EqualValues(1, uut.Current().Connections)
	}

	// Case 2: underflow resets the count to zero, and is still reported
	{
		assert.Nil(uut.NotifyDisconnect(utCtxt))
		assert.Nil(uut.NotifyDisconnect(utCtxt))
		assert.True(reporter.waitFor(6))
		assert.EqualValues(0, reporter.last().Connections)
		assert.Nil(uut.NotifyConnect(utCtxt))
		assert.True(reporter.waitFor(7))
		assert.EqualValues(1, reporter.last().Connections)
	}

	assert.Nil(uut.Stop())

	// Case 3: notify after stop fails instead of blocking
	{
		wg.Wait()
		assert.NotNil(uut.NotifyConnect(utCtxt))
	}
}

func TestStatusAggregatorBackendEvents(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	client := backendtest.NewFakeClient(16)
	client.SetValue(backend.PropPause, true)

	reporter := &recordingReporter{}
	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()

	uut, err := GetStatusAggregator(utCtxt, client, []Reporter{reporter})
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))
	defer func() { _ = uut.Stop() }()

	// Case 0: title is unavailable at start
	{
		assert.Equal(1, reporter.count())
		assert.False(reporter.last().Playing)
		assert.Nil(reporter.last().Title)
	}

	// Case 1: watched properties update the view
	{
		client.EmitPropertyChange(AggregatorOwnerID, backend.PropPause, false)
		assert.True(reporter.waitFor(2))
		assert.True(reporter.last().Playing)
		client.EmitPropertyChange(AggregatorOwnerID, backend.PropMediaTitle, "Sintel")
		assert.True(reporter.waitFor(3))
		assert.Equal("Sintel", *reporter.last().Title)
		client.EmitPropertyChange(AggregatorOwnerID, backend.PropMediaTitle, nil)
		assert.True(reporter.waitFor(4))
		assert.Nil(reporter.last().Title)
	}

	// Case 2: other owners, other properties, and bad payloads are ignored
	{
		client.EmitPropertyChange(3, backend.PropPause, true)
		client.EmitPropertyChange(AggregatorOwnerID, backend.PropVolume, 50)
		client.EmitPropertyChange(AggregatorOwnerID, backend.PropPause, "explode")
		client.Emit(backend.Event{Name: "idle"})
		client.EmitPropertyChange(AggregatorOwnerID, backend.PropPause, true)
		assert.True(reporter.waitFor(5))
		time.Sleep(time.Millisecond * 20)
		assert.Equal(5, reporter.count())
		assert.False(reporter.last().Playing)
	}

	// Case 3: backend stream end does not stop connection tracking
	{
		client.End(fmt.Errorf("mpv quit"))
		assert.Nil(uut.NotifyConnect(utCtxt))
		assert.True(reporter.waitFor(6))
		assert.EqualValues(1, reporter.last().Connections)
	}
}

func TestStatusLine(t *testing.T) {
	assert := assert.New(t)

	title := "Tears of Steel"
	assert.Equal(
		`[PLAY] "Tears of Steel" (1 connection)`,
		StatusView{Playing: true, Title: &title, Connections: 1}.StatusLine(),
	)
	assert.Equal(`[STOP] "" (0 connections)`, StatusView{}.StatusLine())
}
