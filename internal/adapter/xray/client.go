// Package xray is the gRPC adapter to the proxy control endpoint.
package xray

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/oxidizr/xagent/internal/core/domain"
	"github.com/oxidizr/xagent/internal/logger"
)

// Client holds one long-lived connection shared by all callers. The mutex
// guards (re)initialisation only; established calls run concurrently.
type Client struct {
	mu   sync.Mutex
	conn *grpc.ClientConn

	addr         string
	rpcTimeout   time.Duration
	readyTimeout time.Duration
	logger       *logger.StyledLogger
}

func NewClient(addr string, rpcTimeout, readyTimeout time.Duration, log *logger.StyledLogger) *Client {
	if rpcTimeout <= 0 {
		rpcTimeout = 10 * time.Second
	}
	if readyTimeout <= 0 {
		readyTimeout = 2 * time.Second
	}
	return &Client{
		addr:         addr,
		rpcTimeout:   rpcTimeout,
		readyTimeout: readyTimeout,
		logger:       log,
	}
}

func (c *Client) dial() (*grpc.ClientConn, error) {
	// Long keepalive interval and no idle pings: the proxy rate-limits
	// aggressive keepalives with ENHANCE_YOUR_CALM.
	return grpc.NewClient(c.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                120 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: false,
		}),
	)
}

// ensureReady returns a connection in READY state, rebuilding it once if the
// short readiness wait fails. A second failure surfaces as a transient error.
func (c *Client) ensureReady(ctx context.Context) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		conn, err := c.dial()
		if err != nil {
			return nil, domain.NewUpstreamError("connect", "", "", domain.CodeXrayUnavailable, err.Error())
		}
		c.conn = conn
	}

	if waitReady(ctx, c.conn, c.readyTimeout) {
		return c.conn, nil
	}

	c.logger.WarnWithEndpoint("Proxy connection not ready, rebuilding", c.addr)
	_ = c.conn.Close()
	conn, err := c.dial()
	if err != nil {
		c.conn = nil
		return nil, domain.NewUpstreamError("connect", "", "", domain.CodeXrayUnavailable, err.Error())
	}
	c.conn = conn

	if !waitReady(ctx, c.conn, c.readyTimeout) {
		return nil, domain.NewUpstreamError("connect", "", "", domain.CodeXrayUnavailable,
			"control endpoint not ready after reconnect")
	}
	return c.conn, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return true
		}
		if state == connectivity.Idle {
			conn.Connect()
		}
		if !conn.WaitForStateChange(waitCtx, state) {
			return false
		}
	}
}

// callCtx bounds one RPC with the configured deadline.
func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.rpcTimeout)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
