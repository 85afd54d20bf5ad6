package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiroq/obsoutput/internal/control"
	"github.com/tiroq/obsoutput/internal/engine"
	"github.com/tiroq/obsoutput/internal/output"
	"github.com/tiroq/obsoutput/testutil"
)

func newServer(t *testing.T) string {
	t.Helper()
	reg := output.NewRegistry()
	cam := testutil.NewFakeKind("raw", output.MaskNone)
	cam.DisplayName = "Raw Output"
	require.NoError(t, reg.Register("builtin", cam.Descriptor(output.CapPause)))
	eng := engine.New(reg, engine.WithLogger(testutil.NewLogCapture().Logger()))
	_, err := eng.Create(context.Background(), "raw", "cam", nil)
	require.NoError(t, err)

	srv := control.NewServer(eng)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func ctl(t *testing.T, url string, asJSON bool, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c := control.NewClient(url, "")
	c.SetTimeout(2 * time.Second)
	defer c.Disconnect()
	var out bytes.Buffer
	err := run(ctx, c, args, &out, asJSON)
	return out.String(), err
}

func TestCommands(t *testing.T) {
	url := newServer(t)

	out, err := ctl(t, url, false, "kinds")
	require.NoError(t, err)
	assert.Contains(t, out, "Raw Output")
	assert.Contains(t, out, "pause")

	out, err = ctl(t, url, false, "start", "cam")
	require.NoError(t, err)
	assert.Equal(t, "cam: start ok\n", out)

	out, err = ctl(t, url, false, "list")
	require.NoError(t, err)
	assert.Regexp(t, `cam\s+raw\s+active\s+none\s+-`, out)

	out, err = ctl(t, url, true, "status", "cam")
	require.NoError(t, err)
	assert.Contains(t, out, `"state": "active"`)
}

func TestCommandErrors(t *testing.T) {
	url := newServer(t)

	_, err := ctl(t, url, false, "stop", "nope")
	var re *control.RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, control.CodeResourceNotFound, re.Code)

	for _, args := range [][]string{nil, {"bogus"}, {"start"}, {"list", "x"}, {"kinds", "a", "b"}} {
		_, err := ctl(t, url, false, args...)
		assert.ErrorIs(t, err, errUsage, "args %v", args)
	}
}
