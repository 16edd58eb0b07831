package smatcp

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/weighlab/go-sma/logger"
)

// DefaultPort is the factory-default TCP port of SMA ethernet scales.
const DefaultPort = 49155

// ErrConnConfigNil indicates that a nil ConnectionConfig was provided.
var ErrConnConfigNil = errors.New("connection config is nil")

// ConnectionConfig represents the configuration parameters for a scale connection.
type ConnectionConfig struct {
	mu sync.RWMutex

	// host specifies the host of the remote scale.
	host string

	// port specifies the TCP port number for the scale connection.
	// Defaults to DefaultPort.
	port int

	// commandTimeout defines how long a submitted command waits for its
	// matching response before failing with sma.ErrTimeout.
	// Defaults to 1 second.
	commandTimeout time.Duration

	// connectTimeout bounds a single TCP connect attempt.
	// Defaults to 1 second.
	connectTimeout time.Duration

	// connectAttempts bounds the number of connect attempts made by Open.
	// Losses after the first successful connect reconnect in the background
	// without any bound.
	// Defaults to 3.
	connectAttempts int

	// reconnectInitialDelay is the first backoff delay after a connection
	// fault. Each further fault doubles the delay up to reconnectMaxDelay.
	// Defaults to 100 milliseconds.
	reconnectInitialDelay time.Duration

	// reconnectMaxDelay caps the reconnect backoff delay.
	// Defaults to 10 seconds.
	reconnectMaxDelay time.Duration

	// closeConnTimeout defines the timeout for tearing down the connection
	// and waiting for its goroutines to terminate.
	// Defaults to 3 seconds.
	closeConnTimeout time.Duration

	// maxConsecutiveTimeouts forces a reconnect cycle once this many command
	// timeouts occur in a row, recycling a socket that went half-dead without
	// a visible error.
	// Defaults to 10.
	maxConsecutiveTimeouts int

	// senderQueueSize defines the size of the outbound frame queue.
	// Defaults to 10.
	senderQueueSize int

	// logger provides a logger instance for connection events and errors.
	logger logger.Logger
}

// NewConnectionConfig creates a scale connection configuration with the given
// address and optional functional options.
//
// The address is either "host" or "host:port"; an explicit port in the
// address takes precedence over WithPort. The port defaults to DefaultPort.
//
// Returns a pointer to the initialized ConnectionConfig and an error if any
// option is invalid.
func NewConnectionConfig(address string, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		port:                   DefaultPort,
		commandTimeout:         1 * time.Second,
		connectTimeout:         1 * time.Second,
		connectAttempts:        3,
		reconnectInitialDelay:  100 * time.Millisecond,
		reconnectMaxDelay:      10 * time.Second,
		closeConnTimeout:       3 * time.Second,
		maxConsecutiveTimeouts: 10,
		senderQueueSize:        10,
		logger:                 logger.GetLogger(),
	}

	host := address
	addrPort := 0
	if strings.Contains(address, ":") {
		var portText string
		var err error
		host, portText, err = net.SplitHostPort(address)
		if err != nil {
			return cfg, errors.New("invalid address, want host or host:port")
		}

		port, err := strconv.Atoi(portText)
		if err != nil {
			return cfg, errors.New("invalid port in address")
		}

		if err := WithPort(port).apply(cfg); err != nil {
			return cfg, err
		}
		addrPort = port
	}

	if strings.TrimSpace(host) == "" {
		return cfg, errors.New("host must not be empty")
	}
	cfg.host = host

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	// a port embedded in the address wins over WithPort
	if addrPort != 0 {
		cfg.port = addrPort
	}

	return cfg, nil
}

// Host returns the configured remote host.
func (cfg *ConnectionConfig) Host() string {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.host
}

// Port returns the configured remote TCP port.
func (cfg *ConnectionConfig) Port() int {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.port
}

// CommandTimeout returns the configured command timeout.
func (cfg *ConnectionConfig) CommandTimeout() time.Duration {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	return cfg.commandTimeout
}

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error { return c.applyFunc(cfg) }

func newConnOptFunc(name string, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{
		name:      name,
		applyFunc: f,
	}
}

// WithPort sets the TCP port number for the scale connection.
// It returns a ConnOption that validates the port number and updates the configuration.
// A port embedded in the connection address takes precedence over this option.
// An error is returned if the port number is out of the valid range (1-65535) or if the configuration is nil.
//
// The default value is DefaultPort.
func WithPort(port int) ConnOption {
	return newConnOptFunc("WithPort", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if port < 1 || port > 65535 {
			return errors.New("port is out of range [1, 65535]")
		}
		cfg.port = port

		return nil
	})
}

// WithCommandTimeout sets how long a submitted command waits for its matching
// response before failing with sma.ErrTimeout.
// An error is returned if the timeout is outside the valid range (10ms-120s) or if the configuration is nil.
//
// The default value is 1 second.
func WithCommandTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithCommandTimeout", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 10*time.Millisecond || val > 120*time.Second {
			return errors.New("command timeout out of range [0.01s, 120s]")
		}
		cfg.commandTimeout = val

		return nil
	})
}

// WithConnectTimeout bounds a single TCP connect attempt.
// An error is returned if the timeout is outside the valid range (10ms-30s) or if the configuration is nil.
//
// The default value is 1 second.
func WithConnectTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithConnectTimeout", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 10*time.Millisecond || val > 30*time.Second {
			return errors.New("connect timeout out of range [0.01s, 30s]")
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithConnectAttempts bounds the number of connect attempts made by Open
// before it fails with sma.ErrConnectFailed. Reconnects after a loss are not
// bounded by this value.
// An error is returned if the value is outside the valid range (1-100) or if the configuration is nil.
//
// The default value is 3.
func WithConnectAttempts(val int) ConnOption {
	return newConnOptFunc("WithConnectAttempts", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 1 || val > 100 {
			return errors.New("connect attempts out of range [1, 100]")
		}
		cfg.connectAttempts = val

		return nil
	})
}

// WithReconnectInitialDelay sets the first backoff delay after a connection
// fault. Each further fault doubles the delay up to the maximum set by
// WithReconnectMaxDelay.
// An error is returned if the delay is outside the valid range (10ms-60s) or if the configuration is nil.
//
// The default value is 100 milliseconds.
func WithReconnectInitialDelay(val time.Duration) ConnOption {
	return newConnOptFunc("WithReconnectInitialDelay", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 10*time.Millisecond || val > 60*time.Second {
			return errors.New("reconnect initial delay out of range [0.01s, 60s]")
		}
		cfg.reconnectInitialDelay = val

		return nil
	})
}

// WithReconnectMaxDelay caps the reconnect backoff delay.
// An error is returned if the delay is outside the valid range (10ms-240s) or if the configuration is nil.
//
// The default value is 10 seconds.
func WithReconnectMaxDelay(val time.Duration) ConnOption {
	return newConnOptFunc("WithReconnectMaxDelay", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 10*time.Millisecond || val > 240*time.Second {
			return errors.New("reconnect max delay out of range [0.01s, 240s]")
		}
		cfg.reconnectMaxDelay = val

		return nil
	})
}

// WithCloseConnTimeout sets the timeout for tearing down the connection and
// waiting for its goroutines to terminate.
// An error is returned if the timeout is outside the valid range (1-30s) or if the configuration is nil.
//
// The default value is 3 seconds.
func WithCloseConnTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithCloseConnTimeout", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 1*time.Second || val > 30*time.Second {
			return errors.New("close connection timeout out of range [1s, 30s]")
		}
		cfg.closeConnTimeout = val

		return nil
	})
}

// WithMaxConsecutiveTimeouts forces a reconnect cycle once this many command
// timeouts occur in a row.
// An error is returned if the value is outside the valid range (1-1000) or if the configuration is nil.
//
// The default value is 10.
func WithMaxConsecutiveTimeouts(val int) ConnOption {
	return newConnOptFunc("WithMaxConsecutiveTimeouts", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		if val < 1 || val > 1000 {
			return errors.New("max consecutive timeouts out of range [1, 1000]")
		}
		cfg.maxConsecutiveTimeouts = val

		return nil
	})
}

// WithSenderQueueSize sets the size of the outbound frame queue.
//
// The queue size must be within the range of 1 to 1000.
// An error is returned if the queue size is invalid or if the provided ConnectionConfig is nil.
//
// The default value is 10.
func WithSenderQueueSize(size int) ConnOption {
	return newConnOptFunc("WithSenderQueueSize", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}
		if size < 1 || size > 1000 {
			return errors.New("the sender queue size out of range [1, 1000]")
		}

		cfg.senderQueueSize = size

		return nil
	})
}

// WithLogger sets the logger for the scale connection.
// It returns a ConnOption that updates the configuration with the provided logger.
// An error is returned if the configuration is nil.
//
// The default logger is the global logger instance.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", func(cfg *ConnectionConfig) error {
		if cfg == nil {
			return ErrConnConfigNil
		}

		cfg.logger = l

		return nil
	})
}
