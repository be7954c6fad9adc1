// Package backend probes the health of the processing backend over gRPC.
package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/lexiqai/live-transcriber/internal/observability"
	"github.com/lexiqai/live-transcriber/internal/resilience"
)

// ErrNotServing is returned when the backend answers but is not serving.
var ErrNotServing = errors.New("backend not serving")

// ProbeConfig configures the health probe.
type ProbeConfig struct {
	Target              string
	Service             string // empty checks the server as a whole
	TLS                 bool
	Timeout             time.Duration
	Retry               *resilience.RetryConfig
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

// Probe checks backend readiness with the standard gRPC health protocol.
type Probe struct {
	cfg     ProbeConfig
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewProbe creates a probe. The connection is established lazily on the
// first check.
func NewProbe(cfg ProbeConfig, logger zerolog.Logger, opts ...grpc.DialOption) (*Probe, error) {
	if cfg.Target == "" {
		return nil, errors.New("backend probe target is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 30 * time.Second
	}

	creds := insecure.NewCredentials()
	if cfg.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(cfg.Target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client for %s: %w", cfg.Target, err)
	}

	return &Probe{
		cfg:     cfg,
		conn:    conn,
		client:  healthpb.NewHealthClient(conn),
		breaker: resilience.NewCircuitBreaker("backend", cfg.BreakerMaxFailures, cfg.BreakerResetTimeout),
		logger:  logger.With().Str("component", "backend_probe").Str("target", cfg.Target).Logger(),
	}, nil
}

// Check reports whether the backend is serving. Its signature matches
// observability.HealthCheckFunc.
func (p *Probe) Check(ctx context.Context) (bool, error) {
	err := p.breaker.Call(func() error {
		return resilience.Retry(ctx, func() error { return p.check(ctx) }, p.cfg.Retry, isRetryableStatus)
	})
	state, requests, failures, rate := p.breaker.GetStats()
	observability.UpdateCircuitBreakerState(p.breaker.Name(), int(state))
	if err != nil {
		p.logger.Debug().
			Err(err).
			Str("breaker", state.String()).
			Int64("requests", requests).
			Int64("failures", failures).
			Float64("failure_rate", rate).
			Msg("Backend health check failed")
		return false, err
	}
	return true, nil
}

func (p *Probe) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.cfg.Service})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection.
func (p *Probe) Close() error {
	return p.conn.Close()
}

// isRetryableStatus reports whether a failed check is worth repeating.
func isRetryableStatus(err error) bool {
	if err == nil || errors.Is(err, ErrNotServing) {
		return false
	}
	switch status.Code(errors.Unwrap(err)) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	}
	return resilience.IsRetryableNetworkError(err)
}
