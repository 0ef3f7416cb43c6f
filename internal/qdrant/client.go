package qdrant

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
)

const (
	// DefaultCollectionPrefix is prepended to all collection names.
	DefaultCollectionPrefix = "askben_"

	// DefaultHost is the default Qdrant host.
	DefaultHost = "localhost"

	// DefaultPort is the default Qdrant gRPC port.
	DefaultPort = 6334

	// DefaultTimeout is the default operation timeout.
	DefaultTimeout = 10 * time.Second

	// vectorName is the named dense vector in every collection.
	vectorName = "dense"
)

// ClientConfig holds configuration for the Qdrant client.
type ClientConfig struct {
	// Host is the Qdrant server host.
	Host string

	// Port is the Qdrant gRPC port.
	Port int

	// APIKey for authentication (optional).
	APIKey string

	// UseTLS enables TLS connection.
	UseTLS bool

	// Timeout for operations.
	Timeout time.Duration

	// Prefix is prepended to collection names.
	Prefix string

	// DialOptions are passed to the underlying gRPC connection.
	DialOptions []grpc.DialOption
}

// DefaultClientConfig returns sensible defaults for local development.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:    DefaultHost,
		Port:    DefaultPort,
		Timeout: DefaultTimeout,
		Prefix:  DefaultCollectionPrefix,
	}
}

// ConfigFromURL builds a ClientConfig from a Qdrant HTTP URL such as
// http://localhost:6333. The gRPC port is the HTTP port + 1.
func ConfigFromURL(rawURL string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	u, err := url.Parse(rawURL)
	if err != nil {
		return cfg, err
	}

	if host := u.Hostname(); host != "" {
		cfg.Host = host
	}

	httpPort := 6333
	if portStr := u.Port(); portStr != "" {
		httpPort, err = strconv.Atoi(portStr)
		if err != nil {
			return cfg, fmt.Errorf("invalid port: %s", portStr)
		}
	}
	cfg.Port = httpPort + 1
	cfg.UseTLS = u.Scheme == "https"

	return cfg, nil
}

// Client wraps the Qdrant Go client.
type Client struct {
	client *qdrant.Client
	config ClientConfig
	mu     sync.RWMutex
	closed bool
}

// NewClient creates a new Qdrant client wrapper.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultCollectionPrefix
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		APIKey:      cfg.APIKey,
		UseTLS:      cfg.UseTLS,
		GrpcOptions: cfg.DialOptions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	return c.client.Close()
}

// HealthCheck verifies the Qdrant server is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	reply, err := c.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if reply.GetTitle() == "" {
		return fmt.Errorf("unexpected health check response")
	}

	return nil
}

// CollectionName returns the full collection name with prefix.
func (c *Client) CollectionName(name string) string {
	return c.config.Prefix + name
}
