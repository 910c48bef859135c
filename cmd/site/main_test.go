package main

import (
	"bytes"
	"context"
	"net"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/AndrewLester/netclock/internal/ntp"
	"github.com/AndrewLester/netclock/pkg/netclock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSite() *site {
	return &site{engine: netclock.New(netclock.Config{}), region: "IAD"}
}

func TestSync(t *testing.T) {
	s := newTestSite()
	s.engine.Publisher().Publish(netclock.Estimate{Offset: time.Hour, Confidence: 0.9, AsOf: time.Now()})

	body, err := json.Marshal(SyncRequest{Orig: "42"})
	require.NoError(t, err)
	recorder := httptest.NewRecorder()
	s.routes().ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/sync", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, recorder.Code)

	var response SyncResponse
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&response))
	assert.Equal(t, "42", response.Orig)

	recv, err := strconv.ParseUint(response.Recv, 10, 64)
	require.NoError(t, err)
	xmt, err := strconv.ParseUint(response.Xmt, 10, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, xmt, recv)
	assert.WithinDuration(t, time.Now().Add(time.Hour), ntp.Timestamp(recv).Time(), time.Minute)
}

func TestIndex(t *testing.T) {
	recorder := httptest.NewRecorder()
	newTestSite().routes().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "same-origin", recorder.Header().Get("Cross-Origin-Opener-Policy"))
	assert.Contains(t, recorder.Body.String(), "IAD")
}

func TestSyncBadRequest(t *testing.T) {
	recorder := httptest.NewRecorder()
	newTestSite().routes().ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestWebsocketStreamsEstimates(t *testing.T) {
	s := newTestSite()
	server := httptest.NewServer(s.routes())
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is made after the upgrade, so keep publishing until
	// the first message makes it through.
	received := make(chan EstimateMessage, 1)
	go func() {
		var message EstimateMessage
		if err := conn.ReadJSON(&message); err == nil {
			received <- message
		}
	}()

	deadline := time.After(5 * time.Second)
	offset := 10 * time.Millisecond
	for {
		select {
		case message := <-received:
			assert.Greater(t, message.Offset, 9.0)
			assert.Equal(t, netclock.Refined.String(), message.State)
			assert.Equal(t, 3, message.Servers)
			return
		case <-time.After(10 * time.Millisecond):
			offset += 5 * time.Millisecond
			s.engine.Publisher().Publish(netclock.Estimate{Offset: offset, Confidence: 0.9, AsOf: time.Now(), Servers: 3})
		case <-deadline:
			t.Fatal("no estimate received")
		}
	}
}

func TestServeShutsDownEngine(t *testing.T) {
	engine := netclock.New(netclock.Config{})
	require.NoError(t, engine.Start(context.Background()))
	server := &http.Server{Addr: "127.0.0.1:0", Handler: (&site{engine: engine}).routes()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, server, engine) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
	assert.ErrorIs(t, engine.AddServer(netclock.ServerConfig{Address: "192.0.2.1:123"}), netclock.ErrClosed)
}

func TestServeListenFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	engine := netclock.New(netclock.Config{})
	require.NoError(t, engine.Start(context.Background()))
	server := &http.Server{Addr: taken.Addr().String(), Handler: http.NotFoundHandler()}

	err = serve(context.Background(), server, engine)
	assert.Error(t, err)
	assert.ErrorIs(t, engine.AddServer(netclock.ServerConfig{Address: "192.0.2.1:123"}), netclock.ErrClosed)
}
