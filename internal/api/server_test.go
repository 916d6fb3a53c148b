package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ephys.loop/internal/acquisition"
	"github.com/banshee-data/ephys.loop/internal/config"
	"github.com/banshee-data/ephys.loop/internal/db"
	"github.com/banshee-data/ephys.loop/internal/protocol"
	"github.com/banshee-data/ephys.loop/internal/recording"
	"github.com/banshee-data/ephys.loop/internal/serialmux"
	"github.com/banshee-data/ephys.loop/internal/terminal"
)

// fakeTerminal records control calls and fails them with err when set.
type fakeTerminal struct {
	mu       sync.Mutex
	calls    []string
	err      error
	status   terminal.Status
	protocol json.RawMessage
	recName  string
}

func (f *fakeTerminal) call(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeTerminal) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTerminal) Status(context.Context) (terminal.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errors.Is(f.err, terminal.ErrClosed) {
		return terminal.Status{}, f.err
	}
	return f.status, nil
}

func (f *fakeTerminal) Stats() terminal.Stats { return terminal.Stats{Frames: 7} }

func (f *fakeTerminal) StartAcquisition(context.Context) error { return f.call("start acquisition") }
func (f *fakeTerminal) StopAcquisition(context.Context) error  { return f.call("stop acquisition") }
func (f *fakeTerminal) DetachProtocol(context.Context) error   { return f.call("detach") }
func (f *fakeTerminal) StartProtocol(context.Context) error    { return f.call("start protocol") }
func (f *fakeTerminal) StopProtocol(context.Context) error     { return f.call("stop protocol") }
func (f *fakeTerminal) StopRecording(context.Context) error    { return f.call("stop recording") }

func (f *fakeTerminal) AttachProtocol(_ context.Context, raw json.RawMessage) error {
	if err := f.call("attach"); err != nil {
		return err
	}
	f.mu.Lock()
	f.protocol = raw
	f.mu.Unlock()
	return nil
}

func (f *fakeTerminal) StartRecording(_ context.Context, name string) error {
	if err := f.call("start recording"); err != nil {
		return err
	}
	f.mu.Lock()
	f.recName = name
	f.mu.Unlock()
	return nil
}

func setupTestServer(t *testing.T) (*Server, *fakeTerminal, *db.DB, *serialmux.DisabledSerialMux) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "ephys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	term := &fakeTerminal{status: terminal.Status{Acquisition: "idle", Buffers: []string{"raw"}}}
	m := serialmux.NewDisabledSerialMux()
	return NewServer(term, m, store, t.TempDir()), term, store, m
}

func do(t *testing.T, s *Server, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	t.Parallel()

	s, _, _, _ := setupTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "idle", got.Status.Acquisition)
	assert.Equal(t, int64(7), got.Stats.Frames)
	assert.NotEmpty(t, got.Version)

	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodPost, "/api/status", "").Code)
}

func TestControlRoutes(t *testing.T) {
	t.Parallel()

	s, term, _, _ := setupTestServer(t)
	routes := []struct {
		path string
		call string
	}{
		{"/api/acquisition/start", "start acquisition"},
		{"/api/acquisition/stop", "stop acquisition"},
		{"/api/protocol/start", "start protocol"},
		{"/api/protocol/stop", "stop protocol"},
		{"/api/recording/stop", "stop recording"},
	}
	var want []string
	for _, r := range routes {
		assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, r.path, "").Code, r.path)
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, r.path, "").Code, r.path)
		want = append(want, r.call)
	}
	assert.Equal(t, want, term.Calls())
}

func TestProtocolAttachAndDetach(t *testing.T) {
	t.Parallel()

	s, term, _, _ := setupTestServer(t)
	body := `{"type":"trial-sequenced","polling_period":"10ms","trials":[]}`
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/protocol", body).Code)
	assert.JSONEq(t, body, string(term.protocol))

	require.Equal(t, http.StatusOK, do(t, s, http.MethodDelete, "/api/protocol", "").Code)
	assert.Equal(t, []string{"attach", "detach"}, term.Calls())
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/api/protocol", "").Code)

	big := strings.Repeat(" ", maxProtocolBytes+1)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/protocol", big).Code)
}

func TestProtocolKinds(t *testing.T) {
	t.Parallel()

	s, _, _, _ := setupTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/protocol/kinds", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var kinds []protocol.Kind
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&kinds))
	assert.Equal(t, protocol.Kinds(), kinds)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
	}{
		{config.Errorf("processing", "unknown stage %q", "x"), http.StatusBadRequest},
		{protocol.ErrRunning, http.StatusConflict},
		{acquisition.ErrAlreadyRunning, http.StatusConflict},
		{recording.ErrAlreadyRecording, http.StatusConflict},
		{terminal.ErrNoProtocol, http.StatusConflict},
		{terminal.ErrNoDevice, http.StatusConflict},
		{&acquisition.ConnectionError{Source: "amp", Err: errors.New("refused")}, http.StatusBadGateway},
		{terminal.ErrClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			s, term, _, _ := setupTestServer(t)
			term.err = tt.err
			rec := do(t, s, http.MethodPost, "/api/protocol/start", "")
			assert.Equal(t, tt.status, rec.Code)

			var resp map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.err.Error(), resp["error"])
		})
	}
}

func TestStartRecording(t *testing.T) {
	t.Parallel()

	s, term, _, _ := setupTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/recording/start?name=mouse-3", "").Code)
	assert.Equal(t, "mouse-3", term.recName)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/recording/start", "").Code)
	assert.Equal(t, "", term.recName, "recorder picks a timestamp")

	for _, bad := range []string{"../etc", "a/b", ".."} {
		rec := do(t, s, http.MethodPost, "/api/recording/start?name="+url.QueryEscape(bad), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestListRecordings(t *testing.T) {
	t.Parallel()

	s, _, _, _ := setupTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/recordings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	r := recording.NewFileRecorder(s.recordings)
	require.NoError(t, r.Start("session-1", recording.Metadata{Channels: 2, SamplesPerTick: 4}))
	require.NoError(t, r.Stop())

	rec = do(t, s, http.MethodGet, "/api/recordings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var headers []recording.Header
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&headers))
	require.Len(t, headers, 1)
	assert.Equal(t, "session-1", headers[0].Name)
	assert.Equal(t, 2, headers[0].Channels)
}

func TestSessionsAndTrials(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, store, _ := setupTestServer(t)
	id, err := store.StartSession(ctx, "trial-sequenced", "")
	require.NoError(t, err)
	require.NoError(t, store.RecordTrial(ctx, id, 0, 20))
	require.NoError(t, store.EndSession(ctx, id, true, 1))

	rec := do(t, s, http.MethodGet, "/api/sessions?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []db.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
	assert.True(t, sessions[0].Completed)

	rec = do(t, s, http.MethodGet, "/api/sessions/"+id+"/trials", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var trials []db.Trial
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&trials))
	require.Len(t, trials, 1)
	assert.Equal(t, 20.0, trials[0].Frequency)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/sessions?limit=0", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/sessions/"+id, "").Code)
	assert.JSONEq(t, `[]`, do(t, s, http.MethodGet, "/api/sessions/unknown/trials", "").Body.String())
}

func TestSessions_NoStore(t *testing.T) {
	t.Parallel()

	s := NewServer(&fakeTerminal{}, nil, nil, t.TempDir())
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/sessions", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/sessions/x/trials", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodPost, "/api/stimulator/command", "command=R").Code)
}

func TestSendCommand(t *testing.T) {
	t.Parallel()

	s, _, store, m := setupTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/stimulator/command", strings.NewReader("command=F20"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.ServeMux().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"F20"}, m.Commands())

	var n int
	require.NoError(t, store.QueryRow("SELECT COUNT(*) FROM stimulator_commands WHERE command = 'F20'").Scan(&n))
	assert.Equal(t, 1, n)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/stimulator/command", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/api/stimulator/command", "").Code)
}

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	assert.Contains(t, statusCodeColor(200), colorBoldGreen)
	assert.Contains(t, statusCodeColor(302), colorYellow)
	assert.Contains(t, statusCodeColor(503), colorBoldRed)
	assert.Equal(t, "100", statusCodeColor(100))
}
