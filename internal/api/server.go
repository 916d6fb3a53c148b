// Package api exposes the terminal over a small JSON control API and a gRPC
// health service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/ephys.loop/internal/acquisition"
	"github.com/banshee-data/ephys.loop/internal/config"
	"github.com/banshee-data/ephys.loop/internal/db"
	"github.com/banshee-data/ephys.loop/internal/httputil"
	"github.com/banshee-data/ephys.loop/internal/monitoring"
	"github.com/banshee-data/ephys.loop/internal/protocol"
	"github.com/banshee-data/ephys.loop/internal/recording"
	"github.com/banshee-data/ephys.loop/internal/security"
	"github.com/banshee-data/ephys.loop/internal/serialmux"
	"github.com/banshee-data/ephys.loop/internal/terminal"
	"github.com/banshee-data/ephys.loop/internal/version"
)

const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxProtocolBytes bounds a protocol description upload.
const maxProtocolBytes = 1 << 20

// Terminal is the control surface the API drives. *terminal.Terminal
// satisfies it.
type Terminal interface {
	Status(ctx context.Context) (terminal.Status, error)
	Stats() terminal.Stats
	StartAcquisition(ctx context.Context) error
	StopAcquisition(ctx context.Context) error
	AttachProtocol(ctx context.Context, raw json.RawMessage) error
	DetachProtocol(ctx context.Context) error
	StartProtocol(ctx context.Context) error
	StopProtocol(ctx context.Context) error
	StartRecording(ctx context.Context, name string) error
	StopRecording(ctx context.Context) error
}

type Server struct {
	term       Terminal
	m          serialmux.SerialMuxInterface
	db         *db.DB
	recordings string
}

// NewServer builds the API. m and store may be nil, in which case the
// stimulator command and session routes report 503.
func NewServer(term Terminal, m serialmux.SerialMuxInterface, store *db.DB, recordings string) *Server {
	return &Server{
		term:       term,
		m:          m,
		db:         store,
		recordings: recordings,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + code + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + code + colorReset
	case statusCode >= 400:
		return colorBoldRed + code + colorReset
	default:
		return code
	}
}

// LoggingMiddleware logs method, path, status and duration of every request
// to the diag stream.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Diagf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/acquisition/start", s.control(s.term.StartAcquisition))
	mux.HandleFunc("/api/acquisition/stop", s.control(s.term.StopAcquisition))
	mux.HandleFunc("/api/protocol", s.handleProtocol)
	mux.HandleFunc("/api/protocol/start", s.control(s.term.StartProtocol))
	mux.HandleFunc("/api/protocol/stop", s.control(s.term.StopProtocol))
	mux.HandleFunc("/api/protocol/kinds", s.listProtocolKinds)
	mux.HandleFunc("/api/recording/start", s.startRecording)
	mux.HandleFunc("/api/recording/stop", s.control(s.term.StopRecording))
	mux.HandleFunc("/api/recordings", s.listRecordings)
	mux.HandleFunc("/api/sessions", s.listSessions)
	mux.HandleFunc("/api/sessions/", s.listTrials)
	mux.HandleFunc("/api/stimulator/command", s.sendCommandHandler)
	return mux
}

// writeError maps terminal errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var ce *config.ConfigurationError
	var conn *acquisition.ConnectionError
	switch {
	case errors.As(err, &ce):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, terminal.ErrClosed):
		httputil.ServiceUnavailable(w, err.Error())
	case errors.Is(err, protocol.ErrRunning),
		errors.Is(err, acquisition.ErrAlreadyRunning),
		errors.Is(err, recording.ErrAlreadyRecording),
		errors.Is(err, recording.ErrNotRecording),
		errors.Is(err, terminal.ErrNoProtocol),
		errors.Is(err, terminal.ErrNoRecorder),
		errors.Is(err, terminal.ErrNoDevice):
		httputil.Conflict(w, err.Error())
	case errors.As(err, &conn):
		httputil.WriteJSONError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httputil.ServiceUnavailable(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

type statusResponse struct {
	Version   string          `json:"version"`
	GitSHA    string          `json:"git_sha"`
	BuildTime string          `json:"build_time"`
	Status    terminal.Status `json:"status"`
	Stats     terminal.Stats  `json:"stats"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	s.writeStatus(w, r)
}

// control adapts a no-argument terminal operation to a POST handler.
func (s *Server) control(op func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		if err := op(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		s.writeStatus(w, r)
	}
}

func (s *Server) handleProtocol(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost, http.MethodPut:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProtocolBytes))
		if err != nil {
			httputil.BadRequest(w, "failed to read protocol: "+err.Error())
			return
		}
		if err := s.term.AttachProtocol(r.Context(), json.RawMessage(body)); err != nil {
			writeError(w, err)
			return
		}
	case http.MethodDelete:
		if err := s.term.DetachProtocol(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	default:
		httputil.MethodNotAllowed(w)
		return
	}
	s.writeStatus(w, r)
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.term.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, statusResponse{
		Version:   version.Version,
		GitSHA:    version.GitSHA,
		BuildTime: version.BuildTime,
		Status:    st,
		Stats:     s.term.Stats(),
	})
}

func (s *Server) listProtocolKinds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, protocol.Kinds())
}

func (s *Server) startRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name != "" && security.SanitizeName(name) != name {
		httputil.BadRequest(w, "invalid recording name: use letters, digits, '.', '_' or '-'")
		return
	}
	if err := s.term.StartRecording(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	s.writeStatus(w, r)
}

func (s *Server) listRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	headers, err := recording.List(s.recordings)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if headers == nil {
		headers = []recording.Header{}
	}
	httputil.WriteJSONOK(w, headers)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "no session store configured")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	sessions, err := s.db.Sessions(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

// listTrials serves /api/sessions/{id}/trials.
func (s *Server) listTrials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, tail, ok := strings.Cut(rest, "/")
	if !ok || id == "" || tail != "trials" {
		httputil.NotFound(w, "not found")
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "no session store configured")
		return
	}
	trials, err := s.db.Trials(r.Context(), id)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if trials == nil {
		trials = []db.Trial{}
	}
	httputil.WriteJSONOK(w, trials)
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.m == nil {
		httputil.ServiceUnavailable(w, "no stimulator port configured")
		return
	}
	command := strings.TrimSpace(r.FormValue("command"))
	if command == "" {
		httputil.BadRequest(w, "missing command")
		return
	}
	if err := s.m.SendCommand(command); err != nil {
		httputil.InternalServerError(w, "failed to send command")
		return
	}
	if s.db != nil {
		if err := s.db.RecordCommand(r.Context(), command, ""); err != nil {
			monitoring.Diagf("api: record command %q: %v", command, err)
		}
	}
	httputil.WriteJSONOK(w, map[string]string{"command": command})
}
