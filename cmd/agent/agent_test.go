package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/clusters/internal/protocol"
)

func fixedUsage() protocol.Usage {
	return protocol.Usage{CPU: 12.5, RAM: 50, Disk: 7.5}
}

func TestAuthorization(t *testing.T) {
	cfg := Config{Principal: "open/agent/host-1", Pass: "lemon"}
	// base64("open/agent/host-1:lemon")
	assert.Equal(t, "Basic b3Blbi9hZ2VudC9ob3N0LTE6bGVtb24=", cfg.Authorization())
}

func TestHandleRequest(t *testing.T) {
	a := New(Config{}, WithUsage(fixedUsage), WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()

	res, err := a.handleRequest(ctx, protocol.MessageRequest{ID: "ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", res)

	res, err = a.handleRequest(ctx, protocol.MessageRequest{ID: "usage"})
	require.NoError(t, err)
	assert.Equal(t, fixedUsage(), res)

	res, err = a.handleRequest(ctx, protocol.MessageRequest{ID: "sleep", Param: map[string]any{"ms": float64(5)}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"slept": int64(5)}, res)

	_, err = a.handleRequest(ctx, protocol.MessageRequest{ID: "reboot"})
	assert.EqualError(t, err, "@id[reboot] is invalid!")

	_, err = a.handleRequest(ctx, protocol.MessageRequest{})
	assert.EqualError(t, err, "@id (string) is required!")
}

func TestSleepHonoursContext(t *testing.T) {
	mock := clock.NewMock()
	a := New(Config{}, WithClock(mock))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.handleRequest(ctx, protocol.MessageRequest{ID: "sleep", Param: map[string]any{"ms": "1000"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParamInt(t *testing.T) {
	assert.EqualValues(t, 5, paramInt(map[string]any{"ms": float64(5)}, "ms", 1))
	assert.EqualValues(t, 7, paramInt(map[string]any{"ms": "7"}, "ms", 1))
	assert.EqualValues(t, 1, paramInt(map[string]any{"ms": "x"}, "ms", 1))
	assert.EqualValues(t, 1, paramInt(nil, "ms", 1))
}

// hubServer upgrades every request and hands the connection to serve.
func hubServer(t *testing.T, serve func(ws *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		serve(ws, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readType(ws *websocket.Conn, want protocol.Type) (protocol.Message, error) {
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return protocol.Message{}, err
		}
		if msg := protocol.ParseMessage(string(data)); msg.Type == want {
			return msg, nil
		}
	}
}

func TestSessionConversation(t *testing.T) {
	type observed struct {
		auth     string
		meta     map[string]any
		response protocol.Message
		stat     protocol.Message
		err      error
	}
	results := make(chan observed, 1)

	srv := hubServer(t, func(ws *websocket.Conn, r *http.Request) {
		var o observed
		defer func() { results <- o }()
		o.auth = r.Header.Get("Authorization")

		if o.err = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello","data":{"i":1000001,"id":"node-1","cluster":"open"}}`)); o.err != nil {
			return
		}
		var hello protocol.Message
		if hello, o.err = readType(ws, protocol.TypeHello); o.err != nil {
			return
		}
		var body struct {
			Meta map[string]any `json:"meta"`
		}
		if o.err = json.Unmarshal(hello.Data, &body); o.err != nil {
			return
		}
		o.meta = body.Meta

		if o.err = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"request","id":"r1","data":{"id":"ping"}}`)); o.err != nil {
			return
		}
		if o.response, o.err = readType(ws, protocol.TypeResponse); o.err != nil {
			return
		}
		o.stat, o.err = readType(ws, protocol.TypeStat)
	})

	a := New(Config{URL: wsURL(srv), Principal: "agent", Pass: "lemon", StatInterval: 20 * time.Millisecond},
		WithUsage(fixedUsage), WithLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Session(ctx) }()

	var o observed
	select {
	case o = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("conversation did not finish")
	}
	require.NoError(t, o.err)

	assert.Equal(t, Config{Principal: "agent", Pass: "lemon"}.Authorization(), o.auth)
	assert.Contains(t, o.meta, "os")
	assert.Contains(t, o.meta, "networks")

	assert.Equal(t, "r1", o.response.ID)
	assert.JSONEq(t, `"pong"`, string(o.response.Data))

	assert.Equal(t, protocol.SimpleSet{"cpu": 12.5, "ram": float64(50), "disk": 7.5}, o.stat.Stat)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestRunReconnects(t *testing.T) {
	var sessions atomic.Int32
	srv := hubServer(t, func(ws *websocket.Conn, _ *http.Request) {
		sessions.Add(1)
		// drop the connection at once
	})

	a := New(Config{URL: wsURL(srv), Principal: "agent"}, WithLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return sessions.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop")
	}
}

func TestRunStopsWhenDialFails(t *testing.T) {
	a := New(Config{URL: "ws://127.0.0.1:1/ws"})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Run(ctx), context.DeadlineExceeded)
}
