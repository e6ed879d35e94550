package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/api/grpc/wire"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/config"
	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/observability"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
)

// Server is the collective coordinator. Ranks of one job meet here for
// every broadcast, allgather, reduce and barrier round.
type Server struct {
	config     *config.Config
	logger     *observability.Logger
	metrics    *observability.Metrics
	grpcServer *grpc.Server
	listener   net.Listener
	startTime  time.Time
	shutdownMu sync.Mutex
	isShutdown bool

	worldSize int
	jobID     string

	// Round state
	mu        sync.Mutex
	rounds    map[uint64]*round
	jobErr    error
	completed uint64
	joined    map[int32]bool
}

// NewServer creates a coordinator for cfg.Collective.WorldSize ranks
func NewServer(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*Server, error) {
	if cfg.Collective.WorldSize < 1 {
		return nil, fmt.Errorf("invalid configuration: world size %d", cfg.Collective.WorldSize)
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	s := &Server{
		config:    cfg,
		logger:    logger.WithField("component", "coordinator"),
		metrics:   metrics,
		startTime: time.Now(),
		worldSize: cfg.Collective.WorldSize,
		jobID:     cfg.Collective.JobID,
		rounds:    make(map[uint64]*round),
		joined:    make(map[int32]bool),
	}

	opts, err := s.serverOptions()
	if err != nil {
		return nil, err
	}
	s.grpcServer = grpc.NewServer(opts...)
	s.grpcServer.RegisterService(&coordinatorServiceDesc, s)

	return s, nil
}

func (s *Server) serverOptions() ([]grpc.ServerOption, error) {
	cc := s.config.Collective
	var opts []grpc.ServerOption

	// Configure TLS if enabled
	if cc.EnableTLS {
		cert, err := tls.LoadX509KeyPair(cc.CertFile, cc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
		s.logger.Info("TLS enabled")
	}

	// Rounds block until the slowest rank arrives, so connections must not
	// be recycled by age.
	opts = append(opts,
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ForceServerCodec(wire.Codec{}),
	)

	if cc.MaxMessageBytes > 0 {
		opts = append(opts,
			grpc.MaxRecvMsgSize(cc.MaxMessageBytes),
			grpc.MaxSendMsgSize(cc.MaxMessageBytes),
		)
	}

	interceptors := []grpc.UnaryServerInterceptor{loggingInterceptor(s.logger)}
	if cc.AuthSecret != "" {
		interceptors = append(interceptors, AuthInterceptor(cc.AuthSecret, cc.JobID))
		s.logger.Info("Rank authentication enabled")
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(interceptors...))

	return opts, nil
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	addr := s.config.Collective.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.logger.Info("Coordinator listening", map[string]interface{}{
		"address":    listener.Addr().String(),
		"world_size": s.worldSize,
		"job_id":     s.jobID,
	})

	go func() {
		if err := s.Serve(listener); err != nil {
			s.logger.Error("gRPC server error", map[string]interface{}{"error": err})
		}
	}()

	return nil
}

// Serve serves on lis until the server stops
func (s *Server) Serve(lis net.Listener) error {
	s.shutdownMu.Lock()
	s.listener = lis
	s.shutdownMu.Unlock()

	err := s.grpcServer.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return nil
	}

	s.logger.Info("Shutting down coordinator...", s.Stats())

	// Release ranks still waiting in a round so GracefulStop can finish
	s.fail(errShutdown)

	timeout := s.config.Collective.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("Coordinator stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout exceeded, forcing stop")
		s.grpcServer.Stop()
	}

	s.isShutdown = true
	return nil
}

// Uptime returns server uptime
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Stats returns coordinator statistics
func (s *Server) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := map[string]interface{}{
		"uptime_seconds":   s.Uptime().Seconds(),
		"job_id":           s.jobID,
		"world_size":       s.worldSize,
		"ranks_joined":     len(s.joined),
		"rounds_completed": s.completed,
		"rounds_pending":   len(s.rounds),
		"failed":           s.jobErr != nil,
	}
	return stats
}
