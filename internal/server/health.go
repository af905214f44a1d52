package server

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name reported to grpc health checks.
const ServiceName = "overworld.GameServer"

// HealthService serves grpc.health.v1.Health. Status is SERVING from Start until Stop.
type HealthService struct {
	addr     string
	listener net.Listener
	logger   *zap.Logger

	mu      sync.Mutex
	serving bool
	grpc    *grpc.Server
	health  *health.Server
}

// NewHealthService creates a HealthService bound to addr on Start.
//
// Precondition: logger must be non-nil.
func NewHealthService(addr string, logger *zap.Logger) *HealthService {
	h := health.NewServer()
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h)
	return &HealthService{addr: addr, logger: logger, grpc: srv, health: h}
}

// WithListener makes Start serve on lis instead of binding addr.
func (s *HealthService) WithListener(lis net.Listener) *HealthService {
	s.listener = lis
	return s
}

// Start marks the service SERVING and blocks serving health checks.
//
// Postcondition: Returns nil after Stop, or the listen/serve error.
func (s *HealthService) Start() error {
	lis := s.listener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", s.addr, err)
		}
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("health endpoint listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("serving health: %w", err)
	}
	return nil
}

// Stop marks the service NOT_SERVING and stops the grpc server.
func (s *HealthService) Stop() {
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *HealthService) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serving = st == healthpb.HealthCheckResponse_SERVING
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// Serving reports whether the service currently advertises SERVING.
func (s *HealthService) Serving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving
}
