package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mpvhub/apis"
	"github.com/alwitt/mpvhub/backend"
	"github.com/alwitt/mpvhub/backend/backendtest"
	"github.com/alwitt/mpvhub/common"
	"github.com/alwitt/mpvhub/identity"
	"github.com/alwitt/mpvhub/session"
	"github.com/alwitt/mpvhub/status"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestHTTPHandlerRoutes(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	defer wg.Wait()

	client := backendtest.NewFakeClient(8)
	client.SetValue(backend.PropPause, false)
	client.SetValue(backend.PropMediaTitle, "Tears of Steel")

	pool, err := identity.GetPool(2)
	assert.Nil(err)
	aggregator, err := status.GetStatusAggregator(utCtxt, client, nil)
	assert.Nil(err)
	assert.Nil(aggregator.Start(&wg))
	defer func() { _ = aggregator.Stop() }()
	runner, err := session.GetCommandRunner(utCtxt, backend.GetPlayer(client), 4)
	assert.Nil(err)
	assert.Nil(runner.Start(&wg))
	defer func() { _ = runner.Stop() }()
	dispatcher, err := session.GetDispatcher(client, pool, aggregator, runner, time.Second)
	assert.Nil(err)

	httpConfig := &common.HTTPConfig{
		Server: common.HTTPServerConfig{WriteTimeout: 5},
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Mpvhub-Request-ID",
			DoNotLogHeaders: []string{"Authorization"},
		},
	}
	sessionCtxt, sessionCancel := context.WithCancel(utCtxt)
	defer sessionCancel()
	observerHandler, err := apis.GetAPIRestObserverHandler(sessionCtxt, dispatcher, httpConfig)
	assert.Nil(err)
	statusHandler, err := apis.GetAPIRestStatusHandler(aggregator, client, httpConfig)
	assert.Nil(err)

	server := httptest.NewServer(DefineHTTPHandler("/mpv", observerHandler, statusHandler))
	defer server.Close()

	// Case 0: caller provided request ID is carried through
	{
		testReqID := uuid.NewString()
		req, err := http.NewRequest("GET", server.URL+"/mpv/alive", nil)
		assert.Nil(err)
		req.Header.Add("Mpvhub-Request-ID", testReqID)
		resp, err := http.DefaultClient.Do(req)
		assert.Nil(err)
		defer resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Equal(testReqID, resp.Header.Get("Mpvhub-Request-ID"))
		var msg goutils.RestAPIBaseResponse
		assert.Nil(json.NewDecoder(resp.Body).Decode(&msg))
		assert.True(msg.Success)
		assert.Equal(testReqID, msg.RequestID)
	}

	// Case 1: status gets a generated request ID
	{
		resp, err := http.Get(server.URL + "/mpv/v1/status")
		assert.Nil(err)
		defer resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
		var msg apis.APIRestRespStatus
		assert.Nil(json.NewDecoder(resp.Body).Decode(&msg))
		assert.True(msg.Success)
		assert.NotEmpty(msg.RequestID)
		assert.True(msg.Status.Playing)
		assert.Equal(`[PLAY] "Tears of Steel" (0 connections)`, msg.StatusLine)
	}

	// Case 2: ready
	{
		resp, err := http.Get(server.URL + "/mpv/ready")
		assert.Nil(err)
		defer resp.Body.Close()
		assert.Equal(http.StatusOK, resp.StatusCode)
	}

	// Case 3: routes only exist under the path prefix
	{
		resp, err := http.Get(server.URL + "/alive")
		assert.Nil(err)
		defer resp.Body.Close()
		assert.Equal(http.StatusNotFound, resp.StatusCode)
	}

	// Case 4: observers can upgrade through the logging middleware
	{
		wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/mpv/ws"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		assert.Nil(err)
		if err == nil {
			defer conn.Close()
			assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 2)))
			var frame session.OutboundFrame
			assert.Nil(conn.ReadJSON(&frame))
			assert.Equal(session.MsgInitialState, frame.Type)
			assert.EqualValues(1, pool.Occupancy())
		}
		sessionCancel()
		dispatcher.Wait()
		assert.EqualValues(0, pool.Occupancy())
	}
}
