package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/ephys.loop/internal/acquisition"
	"github.com/banshee-data/ephys.loop/internal/monitoring"
	"github.com/banshee-data/ephys.loop/internal/terminal"
)

// Health service names. The empty name is the overall process state.
const (
	HealthAcquisition = "ephys.Acquisition"
	HealthProtocol    = "ephys.Protocol"
)

// DefaultHealthInterval is how often Run polls the terminal.
const DefaultHealthInterval = time.Second

// StatusSource is the part of the terminal the health service polls.
type StatusSource interface {
	Status(ctx context.Context) (terminal.Status, error)
}

// HealthService reports terminal state over the standard gRPC health
// protocol:
//
//	""                  SERVING until the terminal is closed
//	ephys.Acquisition   SERVING while frames are being acquired
//	ephys.Protocol      SERVING while a protocol run is in progress
type HealthService struct {
	term   StatusSource
	health *health.Server

	mu       sync.Mutex
	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

func NewHealthService(term StatusSource) *HealthService {
	h := &HealthService{
		term:   term,
		health: health.NewServer(),
	}
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(HealthAcquisition, healthpb.HealthCheckResponse_NOT_SERVING)
	h.health.SetServingStatus(HealthProtocol, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Server returns the underlying health server for registration on an
// existing grpc.Server.
func (h *HealthService) Server() healthpb.HealthServer { return h.health }

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Update polls the terminal once and publishes the result. A closed
// terminal marks every service NOT_SERVING.
func (h *HealthService) Update(ctx context.Context) error {
	st, err := h.term.Status(ctx)
	if errors.Is(err, terminal.ErrClosed) {
		h.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		h.health.SetServingStatus(HealthAcquisition, healthpb.HealthCheckResponse_NOT_SERVING)
		h.health.SetServingStatus(HealthProtocol, healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
	if err != nil {
		return err
	}
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.health.SetServingStatus(HealthAcquisition, servingStatus(st.Acquisition == acquisition.StatusRunning.String()))
	h.health.SetServingStatus(HealthProtocol, servingStatus(st.ProtocolRunning))
	return nil
}

// Run polls the terminal every interval until ctx is done or the terminal
// closes.
func (h *HealthService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := h.Update(ctx); errors.Is(err, terminal.ErrClosed) {
			return
		} else if err != nil && ctx.Err() == nil {
			monitoring.Diagf("health: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Start listens on addr and serves the health service in the background.
func (h *HealthService) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	if err := h.Serve(lis); err != nil {
		lis.Close()
		return err
	}
	return nil
}

// Serve serves the health service on lis in the background.
func (h *HealthService) Serve(lis net.Listener) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running.Load() {
		return fmt.Errorf("health service already running")
	}
	h.listener = lis
	h.server = grpc.NewServer()
	healthpb.RegisterHealthServer(h.server, h.health)
	h.running.Store(true)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		monitoring.Opsf("health: gRPC server listening on %s", lis.Addr())
		if err := h.server.Serve(lis); err != nil && h.running.Load() {
			monitoring.Opsf("health: gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Serve.
func (h *HealthService) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (h *HealthService) Stop() {
	h.health.Shutdown()
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running.Load() {
		return
	}
	h.running.Store(false)
	h.server.GracefulStop()
	h.listener.Close()
	h.wg.Wait()
	monitoring.Opsf("health: gRPC server stopped")
}
