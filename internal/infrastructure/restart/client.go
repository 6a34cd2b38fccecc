// Package restart implements the address-keyed gRPC channel pool and
// restart call described in spec.md §4.11, grounded on cuemby-warren's
// pkg/client.connectWithMTLS channel-construction shape.
package restart

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/baechuer/xraypipe/internal/domain"
	"github.com/baechuer/xraypipe/proto/xray"
)

type Config struct {
	Insecure    bool
	CAFile      string
	CallTimeout time.Duration
	MaxAttempts int
}

// Pool is an address-keyed pool of long-lived gRPC channels. Channels
// are built lazily on first use and reused for the life of the pool
// (spec.md §4.11, §5 "Shared resources").
type Pool struct {
	cfg Config

	mu       sync.Mutex
	channels map[string]*grpc.ClientConn
}

func NewPool(cfg Config) *Pool {
	return &Pool{cfg: cfg, channels: make(map[string]*grpc.ClientConn)}
}

// Close tears down every channel in the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for addr, conn := range p.channels {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("restart: close channel %s: %w", addr, err)
		}
	}
	p.channels = make(map[string]*grpc.ClientConn)
	return firstErr
}

func (p *Pool) channelFor(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.channels[addr]; ok {
		return conn, nil
	}

	conn, err := p.dial(addr)
	if err != nil {
		return nil, err
	}
	p.channels[addr] = conn
	return conn, nil
}

// dial normalizes a trailing-dot (absolute) hostname by stripping the
// dot and overriding the gRPC authority/TLS server name to the
// normalized host, per spec.md §4.11.
func (p *Pool) dial(addr string) (*grpc.ClientConn, error) {
	host, overridden := normalizeHost(addr)

	opts := []grpc.DialOption{}
	if overridden {
		opts = append(opts, grpc.WithAuthority(host))
	}

	if p.cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		tlsConfig, err := p.tlsConfig(host, overridden)
		if err != nil {
			return nil, fmt.Errorf("restart: tls config for %s: %w", addr, err)
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("restart: dial %s: %w", addr, err)
	}
	return conn, nil
}

func (p *Pool) tlsConfig(serverName string, overridden bool) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if overridden {
		cfg.ServerName = serverName
	}
	if p.cfg.CAFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(p.cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", p.cfg.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// normalizeHost strips a trailing "." from addr's hostname portion and
// reports whether an override is needed.
func normalizeHost(addr string) (string, bool) {
	host, port, hasPort := strings.Cut(addr, ":")
	if !strings.HasSuffix(host, ".") {
		return addr, false
	}
	host = strings.TrimSuffix(host, ".")
	if hasPort {
		return host + ":" + port, true
	}
	return host, true
}

// Client wraps the pool with the spec's retry and uuid-verification
// logic for a single logical restart call.
type Client struct {
	pool *Pool
	cfg  Config
}

func NewClient(pool *Pool, cfg Config) *Client {
	return &Client{pool: pool, cfg: cfg}
}

// Restart implements spec.md §4.11: obtain/create the channel, issue
// RestartXray with bounded retries (3 attempts, 1s*2^k backoff with
// <=0.1s jitter), and verify the reply's uuid matches what was sent.
func (c *Client) Restart(ctx context.Context, uuid string, addr string) error {
	conn, err := c.pool.channelFor(addr)
	if err != nil {
		return err
	}
	rpc := xray.NewClient(conn)

	maxAttempts := c.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			jitter := time.Duration(rand.Intn(100)) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		reply, err := rpc.RestartXray(callCtx, &xray.XrayInfo{Uuid: uuid})
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Uuid != uuid {
			return &domain.UUIDMismatchError{Expected: uuid, Received: reply.Uuid}
		}
		return nil
	}
	return fmt.Errorf("restart: rpc failed after %d attempts: %w", maxAttempts, lastErr)
}
