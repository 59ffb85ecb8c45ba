package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"f503i-bridge/analytics"
	"f503i-bridge/blocks"
	"f503i-bridge/device"
	"f503i-bridge/eventbus"
)

type fakeExec struct {
	mu    sync.Mutex
	calls []blocks.Args
}

func (f *fakeExec) Execute(_ context.Context, opcode string, args blocks.Args) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	f.mu.Unlock()
	switch opcode {
	case blocks.OpGetLastKey:
		return "5", nil
	case blocks.OpStopBuzzer:
		return nil, fmt.Errorf("%s: %w", opcode, device.ErrNotConnected)
	case blocks.OpLEDSwitch:
		return nil, fmt.Errorf("%s: write led: %w", opcode, gobreaker.ErrOpenState)
	case blocks.OpTurnOffLED:
		return nil, fmt.Errorf("%s: %w", opcode, errors.New("org.bluez.Error.Failed"))
	case blocks.OpConnect:
		return nil, fmt.Errorf("%s: connect: %w", opcode, context.DeadlineExceeded)
	case blocks.OpPlayBuzzer:
		if _, ok := args["SCALE"]; !ok {
			return nil, blocks.ErrInvalidArgument
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", blocks.ErrUnknownOpcode, opcode)
	}
}

type testEnv struct {
	srv      *Server
	exec     *fakeExec
	analyzer *analytics.Analyzer
	bus      *eventbus.Bus
}

func newEnv(opts Options) *testEnv {
	env := &testEnv{
		exec:     &fakeExec{},
		analyzer: analytics.NewAnalyzer(10),
		bus:      eventbus.New(slog.Default()),
	}
	env.srv = NewServer(env.exec, env.analyzer, env.bus, opts, slog.Default())
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	e.srv.Handler(t.Context()).ServeHTTP(w, r)
	return w
}

func TestExtensionEndpoint(t *testing.T) {
	env := newEnv(Options{})
	w := env.do(t, http.MethodGet, "/api/extension", "")

	require.Equal(t, http.StatusOK, w.Code)
	var info blocks.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, blocks.ExtensionID, info.ID)
	assert.Len(t, info.Blocks, 10)
}

func TestExecuteEndpoint(t *testing.T) {
	env := newEnv(Options{})

	w := env.do(t, http.MethodPost, "/api/blocks/getLastKey", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":"5"}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/blocks/playBuzzer", `{"SCALE": 70}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"result":null}`, w.Body.String())
	assert.Equal(t, 70.0, env.exec.calls[1]["SCALE"])

	tests := []struct {
		target, body string
		want         int
	}{
		{"/api/blocks/nope", "", http.StatusNotFound},
		{"/api/blocks/playBuzzer", "{}", http.StatusBadRequest},
		{"/api/blocks/playBuzzer", "{broken", http.StatusBadRequest},
		{"/api/blocks/stopBuzzer", "", http.StatusConflict},
		{"/api/blocks/ledSwitch", `{"LED": "green"}`, http.StatusServiceUnavailable},
		{"/api/blocks/turnOffLED", "", http.StatusBadGateway},
		{"/api/blocks/connectBLE", "", http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		w := env.do(t, http.MethodPost, tt.target, tt.body)
		assert.Equal(t, tt.want, w.Code, tt.target+" "+tt.body)
		assert.Contains(t, w.Body.String(), `"error"`)
	}

	w = env.do(t, http.MethodGet, "/api/blocks/getLastKey", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSessionEndpoints(t *testing.T) {
	env := newEnv(Options{})

	w := env.do(t, http.MethodPost, "/api/session/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.analyzer.IsActive())

	w = env.do(t, http.MethodGet, "/api/analytics", "")
	require.Equal(t, http.StatusOK, w.Code)
	var state analytics.SessionState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.True(t, state.Active)

	w = env.do(t, http.MethodPost, "/api/session/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.analyzer.IsActive())
}

func TestRateLimit(t *testing.T) {
	env := newEnv(Options{RequestsPerMin: 1, Burst: 2})
	h := env.srv.Handler(t.Context())

	codes := make([]int, 0, 3)
	for range 3 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/extension", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{200, 200, 429}, codes)
}

func TestCORS(t *testing.T) {
	env := newEnv(Options{Origins: []string{"*.github.io"}})
	h := env.srv.Handler(t.Context())

	r := httptest.NewRequest(http.MethodOptions, "/api/blocks/getLastKey", nil)
	r.Header.Set("Origin", "https://stretch3.github.io")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://stretch3.github.io", w.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodGet, "/api/extension", nil)
	r.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func startServer(t *testing.T, env *testEnv) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.srv.Start(ctx) }()

	select {
	case <-env.srv.Ready():
	case err := <-errCh:
		t.Fatalf("start: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}
	t.Cleanup(func() {
		cancel()
		_ = env.srv.Stop(context.Background())
	})
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func roundTrip(t *testing.T, ws *websocket.Conn, req Frame) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, ws, req))
	for {
		var resp Frame
		require.NoError(t, wsjson.Read(ctx, ws, &resp))
		if resp.Type == FrameTypeResponse && resp.ID == req.ID {
			return resp
		}
	}
}

func TestWebSocketRPC(t *testing.T) {
	env := newEnv(Options{Addr: "127.0.0.1:0"})
	startServer(t, env)
	assert.NotZero(t, env.srv.Port())
	ws := dialWS(t, env.srv.BoundAddr())

	resp := roundTrip(t, ws, Frame{
		Type:    FrameTypeRequest,
		ID:      1,
		Method:  MethodBlockExecute,
		Payload: json.RawMessage(`{"opcode":"getLastKey"}`),
	})
	assert.Empty(t, resp.Error)
	assert.JSONEq(t, `{"result":"5"}`, string(resp.Payload))

	resp = roundTrip(t, ws, Frame{
		Type:    FrameTypeRequest,
		ID:      2,
		Method:  MethodBlockExecute,
		Payload: json.RawMessage(`{"opcode":"stopBuzzer"}`),
	})
	assert.Contains(t, resp.Error, "not connected")

	resp = roundTrip(t, ws, Frame{Type: FrameTypeRequest, ID: 3, Method: MethodExtension})
	assert.Contains(t, string(resp.Payload), blocks.ExtensionID)

	resp = roundTrip(t, ws, Frame{Type: FrameTypeRequest, ID: 4, Method: "bogus"})
	assert.Contains(t, resp.Error, "method not found")
}

func TestWebSocketEvents(t *testing.T) {
	env := newEnv(Options{Addr: "127.0.0.1:0"})
	startServer(t, env)
	ws := dialWS(t, env.srv.BoundAddr())

	// A completed round trip guarantees the client is registered.
	roundTrip(t, ws, Frame{Type: FrameTypeRequest, ID: 1, Method: MethodAnalytics})

	ev, err := eventbus.NewEvent(eventbus.EventKeyPushed, device.KeyPushedPayload{Key: "9"})
	require.NoError(t, err)
	env.bus.Publish(context.Background(), ev)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var frame Frame
	require.NoError(t, wsjson.Read(ctx, ws, &frame))
	require.Equal(t, FrameTypeEvent, frame.Type)

	var got eventbus.Event
	require.NoError(t, json.Unmarshal(frame.Payload, &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, eventbus.EventKeyPushed, got.Type)
	assert.JSONEq(t, `{"key":"9"}`, string(got.Payload))
}
