package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendCommand_AppendsNewline(t *testing.T) {
	t.Parallel()

	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("T3"))
	require.NoError(t, mux.SendCommand("F20\n"))
	assert.Equal(t, "T3\nF20\n", port.Written())
}

func TestSendCommand_WriteError(t *testing.T) {
	t.Parallel()

	port := NewTestableSerialPort()
	port.SetWriteError(errors.New("unplugged"))
	mux := NewSerialMux(port)

	assert.EqualError(t, mux.SendCommand("R"), "unplugged")
	assert.NoError(t, mux.SendCommand("R"), "error applies to one write only")
}

func TestMonitor_FansOutLines(t *testing.T) {
	t.Parallel()

	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, a := mux.Subscribe()
	idB, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.AddReadData([]byte("OK\n\n  ERR overcurrent  \n"))

	for _, ch := range []chan string{a, b} {
		assert.Equal(t, "OK", recvLine(t, ch))
		assert.Equal(t, "ERR overcurrent", recvLine(t, ch))
	}

	mux.Unsubscribe(idB)
	_, open := <-b
	assert.False(t, open, "unsubscribed channel is closed")

	require.NoError(t, mux.Close())
	assert.True(t, port.Closed())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not exit after close")
	}
}

func TestMonitor_ContextCancel(t *testing.T) {
	t.Parallel()

	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor ignored cancellation")
	}
	port.Close()
}

func TestDisabledSerialMux(t *testing.T) {
	t.Parallel()

	d := NewDisabledSerialMux()
	require.NoError(t, d.SendCommand("T1"))
	require.NoError(t, d.SendCommand("O"))
	assert.Equal(t, []string{"T1", "O"}, d.Commands())

	_, ch := d.Subscribe()
	require.NoError(t, d.Close())
	_, open := <-ch
	assert.False(t, open)

	_, late := d.Subscribe()
	_, open = <-late
	assert.False(t, open, "subscribe after close returns a closed channel")
	assert.NoError(t, d.Close(), "close is idempotent")
}

func TestAdminRoutes_SendCommand(t *testing.T) {
	t.Parallel()

	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	form := url.Values{"command": {"F40"}}
	req := httptest.NewRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "F40\n", port.Written())

	req = httptest.NewRequest(http.MethodGet, "/debug/send-command-api", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestClassifyReply(t *testing.T) {
	t.Parallel()

	cases := map[string]Reply{
		"OK":                 ReplyOK,
		"ok freq=20":         ReplyOK,
		"ERR overcurrent":    ReplyError,
		"ERROR":              ReplyError,
		"# stimbox v2.1":     ReplyInfo,
		"F20":                ReplyUnknown,
		"OKAY not a keyword": ReplyUnknown,
	}
	for line, want := range cases {
		assert.Equal(t, want, ClassifyReply(line), line)
	}
	assert.Equal(t, "overcurrent on ch 2", ReplyDetail("ERR overcurrent on ch 2"))
	assert.Equal(t, "", ReplyDetail("OK"))
}

func recvLine(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case line := <-ch:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}
