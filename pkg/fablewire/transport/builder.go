package transport

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fablewire/fablewire/pkg/fablewire/o11y"
	"github.com/fablewire/fablewire/pkg/fablewire/session"
)

// Tunable defaults. Operators override them per deployment through the
// builder; none of them is hardwired into the state machine.
const (
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectBaseDelay   = time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultQueueCapacity        = 64
)

// ConnBuilder provides a fluent interface for building game connections.
type ConnBuilder struct {
	baseURL              string
	clientName           string
	clientVersion        string
	logger               *zap.Logger
	store                session.Store
	metrics              o11y.MetricsProvider
	handshakeTimeout     time.Duration
	writeTimeout         time.Duration
	heartbeatInterval    time.Duration
	reconnectBaseDelay   time.Duration
	maxReconnectAttempts int
	queueCapacity        int
}

// NewConn creates a new connection builder with defaults applied.
func NewConn() *ConnBuilder {
	return &ConnBuilder{
		clientName:           "fablewire-go",
		clientVersion:        "0.1.0",
		logger:               zap.NewNop(),
		metrics:              o11y.NopProvider{},
		handshakeTimeout:     DefaultHandshakeTimeout,
		writeTimeout:         DefaultWriteTimeout,
		heartbeatInterval:    DefaultHeartbeatInterval,
		reconnectBaseDelay:   DefaultReconnectBaseDelay,
		maxReconnectAttempts: DefaultMaxReconnectAttempts,
		queueCapacity:        DefaultQueueCapacity,
	}
}

// WithBaseURL sets the server base URL (http, https, ws or wss scheme). The
// session-scoped socket path is derived from it.
func (b *ConnBuilder) WithBaseURL(baseURL string) *ConnBuilder {
	b.baseURL = baseURL
	return b
}

// WithStore sets the session state store that inbound frames mutate.
func (b *ConnBuilder) WithStore(store session.Store) *ConnBuilder {
	b.store = store
	return b
}

// WithLogger sets the logger for the connection.
func (b *ConnBuilder) WithLogger(logger *zap.Logger) *ConnBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithMetrics sets the metrics provider for connection telemetry.
func (b *ConnBuilder) WithMetrics(metrics o11y.MetricsProvider) *ConnBuilder {
	if metrics != nil {
		b.metrics = metrics
	}
	return b
}

// WithClientInfo sets the client name and version announced in the
// handshake frame.
func (b *ConnBuilder) WithClientInfo(name, version string) *ConnBuilder {
	if name != "" {
		b.clientName = name
	}
	if version != "" {
		b.clientVersion = version
	}
	return b
}

// WithHandshakeTimeout sets the deadline for the two-phase handshake,
// covering both the dial and the server's confirmation frame.
func (b *ConnBuilder) WithHandshakeTimeout(timeout time.Duration) *ConnBuilder {
	if timeout > 0 {
		b.handshakeTimeout = timeout
	}
	return b
}

// WithWriteTimeout sets the per-frame write deadline.
func (b *ConnBuilder) WithWriteTimeout(timeout time.Duration) *ConnBuilder {
	if timeout > 0 {
		b.writeTimeout = timeout
	}
	return b
}

// WithHeartbeatInterval sets how often ping frames are sent once connected.
func (b *ConnBuilder) WithHeartbeatInterval(interval time.Duration) *ConnBuilder {
	if interval > 0 {
		b.heartbeatInterval = interval
	}
	return b
}

// WithReconnectBaseDelay sets the first backoff delay; attempt n waits
// base * 2^(n-1).
func (b *ConnBuilder) WithReconnectBaseDelay(delay time.Duration) *ConnBuilder {
	if delay > 0 {
		b.reconnectBaseDelay = delay
	}
	return b
}

// WithMaxReconnectAttempts sets the retry budget before the status turns
// terminally to error.
func (b *ConnBuilder) WithMaxReconnectAttempts(max int) *ConnBuilder {
	if max > 0 {
		b.maxReconnectAttempts = max
	}
	return b
}

// WithQueueCapacity bounds the number of frames held while disconnected.
func (b *ConnBuilder) WithQueueCapacity(capacity int) *ConnBuilder {
	if capacity > 0 {
		b.queueCapacity = capacity
	}
	return b
}

// Build validates the configuration and returns a ready connection service.
func (b *ConnBuilder) Build() (*Conn, error) {
	if b.baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if b.store == nil {
		return nil, fmt.Errorf("session store is required")
	}

	conn := &Conn{
		baseURL:              b.baseURL,
		clientName:           b.clientName,
		clientVersion:        b.clientVersion,
		logger:               b.logger,
		store:                b.store,
		handshakeTimeout:     b.handshakeTimeout,
		writeTimeout:         b.writeTimeout,
		heartbeatInterval:    b.heartbeatInterval,
		reconnectBaseDelay:   b.reconnectBaseDelay,
		maxReconnectAttempts: b.maxReconnectAttempts,
		listeners:            newListenerRegistry(),
		queue:                newSendQueue(b.queueCapacity, b.logger),
		notifyCh:             make(chan statusChange, 64),
		connects:             b.metrics.Counter("transport_connects_total"),
		reconnects:           b.metrics.Counter("transport_reconnect_attempts_total"),
		online:               true,
	}
	conn.router = &router{
		store:      b.store,
		logger:     b.logger,
		listeners:  conn.listeners,
		onConfirm:  conn.handleConfirmed,
		reconciler: conn.currentReconciler,
		frames:     b.metrics.Counter("transport_frames_received_total"),
	}
	go conn.notifyLoop()

	return conn, nil
}
