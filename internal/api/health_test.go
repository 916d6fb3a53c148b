package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/ephys.loop/internal/terminal"
)

type statusFunc func() (terminal.Status, error)

func (f statusFunc) Status(context.Context) (terminal.Status, error) { return f() }

// switchable serves whatever status was set last.
type switchable struct {
	mu  sync.Mutex
	st  terminal.Status
	err error
}

func (s *switchable) set(st terminal.Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st, s.err = st, err
}

func (s *switchable) Status(context.Context) (terminal.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st, s.err
}

func check(t *testing.T, h healthpb.HealthServer, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := h.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealth_TracksTerminal(t *testing.T) {
	t.Parallel()

	src := &switchable{}
	h := NewHealthService(src)
	hs := h.Server()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, hs, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, HealthAcquisition))

	src.set(terminal.Status{Acquisition: "running", ProtocolRunning: true}, nil)
	require.NoError(t, h.Update(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, hs, HealthAcquisition))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, hs, HealthProtocol))

	src.set(terminal.Status{Acquisition: "idle"}, nil)
	require.NoError(t, h.Update(context.Background()))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, HealthAcquisition))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, HealthProtocol))

	src.set(terminal.Status{}, terminal.ErrClosed)
	assert.ErrorIs(t, h.Update(context.Background()), terminal.ErrClosed)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, hs, ""))
}

func TestHealth_RunStopsWhenTerminalCloses(t *testing.T) {
	t.Parallel()

	h := NewHealthService(statusFunc(func() (terminal.Status, error) {
		return terminal.Status{}, terminal.ErrClosed
	}))
	done := make(chan struct{})
	go func() {
		h.Run(context.Background(), time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the terminal closed")
	}
}

func TestHealth_ServesOverGRPC(t *testing.T) {
	t.Parallel()

	h := NewHealthService(statusFunc(func() (terminal.Status, error) {
		return terminal.Status{Acquisition: "running"}, nil
	}))
	require.NoError(t, h.Start("127.0.0.1:0"))
	defer h.Stop()
	assert.Error(t, h.Start("127.0.0.1:0"), "already running")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, 5*time.Millisecond)

	conn, err := grpc.NewClient(h.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthAcquisition})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 10*time.Millisecond)
}
