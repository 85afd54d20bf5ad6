package control_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tiroq/obsoutput/internal/control"
	"github.com/tiroq/obsoutput/internal/engine"
	"github.com/tiroq/obsoutput/internal/output"
	"github.com/tiroq/obsoutput/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	eng    *engine.Engine
	srv    *control.Server
	http   *httptest.Server
	raw    *testutil.FakeKind
	wsURL  string
	ctx    context.Context
	client *control.Client
}

func newHarness(t *testing.T, opts ...control.ServerOption) *harness {
	t.Helper()
	reg := output.NewRegistry()
	raw := testutil.NewFakeKind("raw", output.MaskNone)
	file := testutil.NewFakeKind("file", output.MaskAV)
	require.NoError(t, reg.Register("builtin", raw.Descriptor(output.CapPause)))
	require.NoError(t, reg.Register("builtin", file.Descriptor(0)))

	eng := engine.New(reg, engine.WithLogger(testutil.NewLogCapture().Logger()))
	ctx := context.Background()
	_, err := eng.Create(ctx, "raw", "cam", nil)
	require.NoError(t, err)
	_, err = eng.Create(ctx, "file", "rec", nil)
	require.NoError(t, err)

	srv := control.NewServer(eng, opts...)
	ts := httptest.NewServer(srv.Router())

	h := &harness{
		eng:   eng,
		srv:   srv,
		http:  ts,
		raw:   raw,
		wsURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		ctx:   ctx,
	}
	t.Cleanup(func() {
		if h.client != nil {
			h.client.Disconnect()
		}
		srv.Close()
		ts.Close()
	})
	return h
}

func (h *harness) connect(t *testing.T, password string) *control.Client {
	t.Helper()
	c := control.NewClient(h.wsURL, password)
	c.SetTimeout(2 * time.Second)
	require.NoError(t, c.Connect(h.ctx))
	h.client = c
	return c
}

func TestHandshakeAndQueries(t *testing.T) {
	h := newHarness(t, control.WithVersion("1.2.3"))
	c := h.connect(t, "")
	assert.True(t, c.IsConnected())
	assert.Eventually(t, func() bool { return h.srv.Sessions() == 1 }, time.Second, 10*time.Millisecond)

	kinds, err := c.ListKinds(h.ctx, "fr")
	require.NoError(t, err)
	require.Len(t, kinds, 2)
	assert.Equal(t, "raw", kinds[0].ID)
	assert.Equal(t, []string{"pause"}, kinds[0].Caps)
	assert.Equal(t, "file", kinds[1].ID)

	outs, err := c.ListOutputs(h.ctx)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "cam", outs[0].Name)
	assert.Equal(t, "rec", outs[1].Name)

	snap, err := c.GetOutputStatus(h.ctx, "rec")
	require.NoError(t, err)
	assert.Equal(t, "video|audio", snap.Required)
	assert.Equal(t, output.StateCreated, snap.State)
}

func TestLifecycleRequestsBroadcastEvents(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "")

	var (
		mu     sync.Mutex
		events []control.OutputStateChanged
	)
	c.OnOutputStateChanged(func(ev control.OutputStateChanged) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.Eventually(t, func() bool { return h.srv.Sessions() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.StartOutput(h.ctx, "cam"))
	require.NoError(t, c.PauseOutput(h.ctx, "cam"))
	require.NoError(t, c.UnpauseOutput(h.ctx, "cam"))
	require.NoError(t, c.StopOutput(h.ctx, "cam"))
	assert.Equal(t, 2, h.raw.Calls("pause"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 4
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var ops []string
	for _, ev := range events {
		assert.Equal(t, "cam", ev.OutputName)
		ops = append(ops, ev.Op+":"+ev.To)
	}
	assert.Equal(t, []string{"start:active", "pause:paused", "unpause:active", "stop:ready"}, ops)
}

func TestRequestErrors(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "")

	tests := []struct {
		name string
		call func() error
		code int
	}{
		{"unknown output", func() error { return c.StartOutput(h.ctx, "nope") }, control.CodeResourceNotFound},
		{"pause idle", func() error { return c.PauseOutput(h.ctx, "cam") }, control.CodeInvalidResourceState},
		{"start rejected", func() error { return c.StartOutput(h.ctx, "rec") }, control.CodeRequestProcessingFailed},
		{"missing name", func() error { return c.Call(h.ctx, control.ReqStopOutput, nil, nil) }, control.CodeMissingRequestField},
		{"unknown type", func() error { return c.Call(h.ctx, "Bogus", nil, nil) }, control.CodeUnknownRequestType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var re *control.RequestError
			require.True(t, errors.As(err, &re), "got %v", err)
			assert.Equal(t, tt.code, re.Code)
		})
	}

	require.NoError(t, c.StartOutput(h.ctx, "cam"))
	err := c.StartOutput(h.ctx, "cam")
	var re *control.RequestError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, control.CodeOutputRunning, re.Code)
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t, control.WithPassword("hunter2"))

	bad := control.NewClient(h.wsURL, "wrong")
	bad.SetTimeout(2 * time.Second)
	err := bad.Connect(h.ctx)
	require.Error(t, err)
	assert.False(t, bad.IsConnected())
	bad.Disconnect()

	good := h.connect(t, "hunter2")
	_, err = good.ListOutputs(h.ctx)
	require.NoError(t, err)
}

func TestCallWithoutConnection(t *testing.T) {
	c := control.NewClient("ws://127.0.0.1:1/ws", "")
	assert.ErrorIs(t, c.StopOutput(context.Background(), "x"), control.ErrNotConnected)
	c.Disconnect()
}

func TestServerCloseNotifiesClient(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "")
	lost := make(chan struct{})
	var once sync.Once
	c.OnDisconnected(func() { once.Do(func() { close(lost) }) })

	require.Eventually(t, func() bool { return h.srv.Sessions() == 1 }, time.Second, 10*time.Millisecond)
	h.srv.Close()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not observe disconnect")
	}
	assert.Eventually(t, func() bool { return !c.IsConnected() }, time.Second, 10*time.Millisecond)
}

func TestHTTPEndpoints(t *testing.T) {
	h := newHarness(t)

	get := func(path string) (int, string) {
		resp, err := http.Get(h.http.URL + path)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)

	code, body = get("/outputs")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"name":"cam"`)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "obsoutput_lifecycle_total")
}
