// Package transport maintains the bidirectional game channel: one socket per
// active session, a two-phase handshake, heartbeating, exponential-backoff
// reconnection, and FIFO queuing of frames composed while the channel is not
// yet usable.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/fablewire/fablewire/pkg/fablewire/o11y"
	"github.com/fablewire/fablewire/pkg/fablewire/session"
	"github.com/fablewire/fablewire/pkg/fablewire/wire"
)

var (
	// ErrHandshakeTimeout is returned by Connect when the server never sent
	// its confirmation frame within the handshake deadline. The raw socket
	// may have opened; that alone does not make the channel usable.
	ErrHandshakeTimeout = errors.New("handshake confirmation timed out")

	// ErrMaxReconnects means the retry budget for the session is exhausted.
	// The status is terminal; only an explicit Connect starts over.
	ErrMaxReconnects = errors.New("reconnection attempts exhausted")

	errSuperseded = errors.New("connection superseded")
)

// statusChange carries one transition to the notifier goroutine so listeners
// and the store mirror observe transitions in order, off the state lock.
type statusChange struct {
	old, new Status
	err      error
}

// Conn owns the socket for one game session at a time. It is an explicitly
// constructed service with its own lifecycle, meant to be created once by the
// application shell and injected into consumers. Use NewConn to build one.
type Conn struct {
	baseURL              string
	clientName           string
	clientVersion        string
	logger               *zap.Logger
	store                session.Store
	handshakeTimeout     time.Duration
	writeTimeout         time.Duration
	heartbeatInterval    time.Duration
	reconnectBaseDelay   time.Duration
	maxReconnectAttempts int

	router    *router
	listeners *listenerRegistry
	queue     *sendQueue
	notifyCh  chan statusChange

	connects   o11y.Counter
	reconnects o11y.Counter

	// writeMu serializes all socket writes. It is held across the
	// confirmed-transition queue flush so frames sent after the status flip
	// cannot overtake frames queued before it.
	writeMu sync.Mutex

	mu             sync.Mutex
	status         Status
	sessionID      string
	sock           *websocket.Conn
	generation     int
	attempts       int
	online         bool
	closeRequested bool
	confirmed      chan struct{}
	handshakeErr   error
	stopCh         chan struct{}
	reconciler     NarrativeReconciler
}

// Connect establishes the channel for the given session. It is a no-op when
// a channel to that session is already open or being opened; a channel to a
// different session is torn down first. Connect blocks until the server
// confirms the handshake, the handshake deadline passes, or ctx is done.
func (c *Conn) Connect(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	c.mu.Lock()
	if c.sessionID == sessionID && c.status.live() {
		c.mu.Unlock()
		c.logger.Debug("Already connected to session", zap.String("session_id", sessionID))
		return nil
	}

	oldSock := c.sock
	if oldSock != nil {
		c.logger.Info("Tearing down channel for previous session",
			zap.String("session_id", c.sessionID),
			zap.String("next_session_id", sessionID),
		)
	}
	if c.sessionID != "" && c.sessionID != sessionID {
		// Frames composed for the old session do not belong on the new
		// channel. Frames queued before the first Connect stay put and
		// flush once the handshake confirms.
		c.queue.clear()
	}
	c.sock = nil
	c.sessionID = sessionID
	c.closeRequested = false
	c.attempts = 0
	c.generation++
	gen := c.generation
	c.stopCh = make(chan struct{})
	c.setStatusLocked(StatusConnecting, nil)
	c.mu.Unlock()

	if oldSock != nil {
		_ = oldSock.Close(websocket.StatusNormalClosure, "switching sessions")
	}

	if err := c.dialAndConfirm(ctx, gen, sessionID); err != nil {
		c.mu.Lock()
		if c.generation == gen {
			c.setStatusLocked(StatusError, err)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Disconnect closes the channel on the client's initiative. The reconnection
// loop and heartbeat stop, the queue empties, and the remembered session id
// is forgotten. Safe to call any number of times.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.status == StatusDisconnected && c.sock == nil && c.sessionID == "" {
		c.mu.Unlock()
		return
	}
	c.logger.Info("Disconnecting", zap.String("session_id", c.sessionID))
	c.closeRequested = true
	c.generation++
	sock := c.sock
	c.sock = nil
	c.sessionID = ""
	c.attempts = 0
	c.queue.clear()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	if c.confirmed != nil {
		c.handshakeErr = errors.New("disconnected during handshake")
		close(c.confirmed)
		c.confirmed = nil
	}
	c.setStatusLocked(StatusDisconnected, nil)
	c.mu.Unlock()

	if sock != nil {
		_ = sock.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// Send stamps the frame with the session id and a send-time timestamp, then
// transmits it if the channel is confirmed, or queues it otherwise. Queuing
// while disconnected is the designed behavior, not an error.
func (c *Conn) Send(msg *wire.Message) {
	c.mu.Lock()
	msg.Stamp(c.sessionID, time.Now())
	if c.status != StatusConnected || c.sock == nil {
		c.queue.enqueue(msg)
		c.mu.Unlock()
		return
	}
	sock := c.sock
	c.mu.Unlock()

	if err := c.transmit(sock, msg); err != nil {
		c.logger.Error("Failed to send frame",
			zap.String("type", msg.Type),
			zap.Error(err),
		)
	}
}

// SetOnline feeds network availability changes into the reconnection logic,
// the Go analog of browser offline/online events. Offline suppresses
// reconnection attempts; coming back online triggers an immediate attempt
// when the status is disconnected and a session id is still remembered.
func (c *Conn) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	if online && c.status == StatusDisconnected && c.sessionID != "" && !c.closeRequested {
		c.setStatusLocked(StatusReconnecting, nil)
		gen := c.generation
		stop := c.stopCh
		c.mu.Unlock()
		go c.reconnectLoop(gen, stop, true)
		return
	}
	c.mu.Unlock()
}

// Status returns the current connection status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SessionID returns the session this connection serves, or "" when none.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// QueueLen reports the number of frames waiting for the channel to confirm.
func (c *Conn) QueueLen() int {
	return c.queue.len()
}

// OnStatusChange subscribes to status transitions. The returned function
// removes the subscription.
func (c *Conn) OnStatusChange(fn StatusListener) func() {
	return c.listeners.addStatus(fn)
}

// OnFrame subscribes to decoded inbound frames. Listeners run after the
// router has applied the frame's store mutations.
func (c *Conn) OnFrame(fn FrameListener) func() {
	return c.listeners.addFrame(fn)
}

// OnServerError subscribes to application error frames.
func (c *Conn) OnServerError(fn ServerErrorListener) func() {
	return c.listeners.addServerError(fn)
}

// SetReconciler installs the component that resolves optimistic story
// entries against confirmed narrative frames.
func (c *Conn) SetReconciler(r NarrativeReconciler) {
	c.mu.Lock()
	c.reconciler = r
	c.mu.Unlock()
}

func (c *Conn) currentReconciler() NarrativeReconciler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciler
}

// dialAndConfirm opens the socket, announces the client, and waits for the
// server's confirmation frame. Used by both Connect and the reconnect loop.
func (c *Conn) dialAndConfirm(ctx context.Context, gen int, sessionID string) error {
	wsURL, err := c.socketURL(sessionID)
	if err != nil {
		return err
	}

	// One deadline covers both handshake phases: a slow dial eats into the
	// time left for the confirmation frame.
	hsCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	sock, _, err := websocket.Dial(hsCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial game socket: %w", err)
	}

	confirmed := make(chan struct{})
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		_ = sock.Close(websocket.StatusNormalClosure, "superseded")
		return errSuperseded
	}
	c.sock = sock
	c.confirmed = confirmed
	c.handshakeErr = nil
	c.mu.Unlock()

	go c.readLoop(gen, sock)

	// The raw socket being open is not enough; the channel is usable only
	// after the server answers this frame with status "connected".
	hello := wire.NewConnection(c.clientName, c.clientVersion)
	hello.Stamp(sessionID, time.Now())
	if err := c.transmit(sock, hello); err != nil {
		_ = sock.Close(websocket.StatusInternalError, "handshake write failed")
		return fmt.Errorf("failed to send handshake: %w", err)
	}

	select {
	case <-confirmed:
		c.mu.Lock()
		hsErr := c.handshakeErr
		c.mu.Unlock()
		return hsErr
	case <-hsCtx.Done():
		if ctx.Err() != nil {
			_ = sock.Close(websocket.StatusNormalClosure, "connect cancelled")
			return ctx.Err()
		}
		_ = sock.Close(websocket.StatusPolicyViolation, "handshake timeout")
		return ErrHandshakeTimeout
	}
}

// handleConfirmed runs when the server's connection-confirmed frame arrives.
// Confirmations from a superseded socket's read loop are ignored, as is
// redelivery after the status is already connected.
func (c *Conn) handleConfirmed(gen int) {
	c.writeMu.Lock()
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		c.writeMu.Unlock()
		c.logger.Debug("Ignoring handshake confirmation from stale socket")
		return
	}
	if c.status != StatusConnecting && c.status != StatusReconnecting {
		c.mu.Unlock()
		c.writeMu.Unlock()
		c.logger.Debug("Ignoring redelivered handshake confirmation")
		return
	}
	pending := c.queue.drain()
	c.attempts = 0
	sessionID := c.sessionID
	sock := c.sock
	c.setStatusLocked(StatusConnected, nil)
	if c.confirmed != nil {
		close(c.confirmed)
		c.confirmed = nil
	}
	c.mu.Unlock()

	// Queued frames go out first. writeMu holds back sends issued after the
	// status flip until the flush completes, preserving FIFO order. Frames
	// composed before Connect carry no session id yet; stamp them now.
	for _, msg := range pending {
		msg.Stamp(sessionID, time.Now())
		if err := c.writeFrame(sock, msg); err != nil {
			c.logger.Error("Failed to flush queued frame",
				zap.String("type", msg.Type),
				zap.Error(err),
			)
			break
		}
	}
	c.writeMu.Unlock()

	c.connects.Add(context.Background(), 1)
	if len(pending) > 0 {
		c.logger.Info("Flushed queued frames", zap.Int("count", len(pending)))
	}
	go c.heartbeatLoop(gen, sock)
}

func (c *Conn) readLoop(gen int, sock *websocket.Conn) {
	for {
		_, data, err := sock.Read(context.Background())
		if err != nil {
			c.handleReadError(gen, err)
			return
		}

		c.mu.Lock()
		current := c.generation == gen
		c.mu.Unlock()
		if !current {
			return
		}
		c.router.dispatch(gen, data)
	}
}

// handleReadError classifies a socket close: clean closes land in
// disconnected, handshake-phase failures wake the waiting dialAndConfirm,
// and unclean closes of a confirmed channel start the reconnection sequence.
func (c *Conn) handleReadError(gen int, err error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.sock = nil

	switch {
	case c.closeRequested:
		c.setStatusLocked(StatusDisconnected, nil)
		c.mu.Unlock()

	case c.status == StatusConnecting || c.status == StatusReconnecting:
		c.handshakeErr = fmt.Errorf("socket closed during handshake: %w", err)
		if c.confirmed != nil {
			close(c.confirmed)
			c.confirmed = nil
		}
		c.mu.Unlock()

	case c.status == StatusConnected:
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			c.setStatusLocked(StatusDisconnected, nil)
			c.mu.Unlock()
			return
		}
		c.setStatusLocked(StatusReconnecting, err)
		stop := c.stopCh
		c.mu.Unlock()
		c.logger.Warn("Socket closed uncleanly, starting reconnection", zap.Error(err))
		go c.reconnectLoop(gen, stop, false)

	default:
		c.mu.Unlock()
	}
}

// reconnectLoop retries with exponential backoff: base_delay * 2^(attempt-1).
// The status value itself is the re-entrancy guard: the loop exits the moment
// the status is no longer reconnecting or the generation moved on.
func (c *Conn) reconnectLoop(gen int, stop chan struct{}, immediate bool) {
	for {
		c.mu.Lock()
		if c.generation != gen || c.status != StatusReconnecting {
			c.mu.Unlock()
			return
		}
		if !c.online {
			// Parked until SetOnline(true); the session id stays remembered.
			c.logger.Info("Offline, suspending reconnection")
			c.setStatusLocked(StatusDisconnected, nil)
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.maxReconnectAttempts {
			c.logger.Error("Reconnection attempts exhausted",
				zap.Int("max_attempts", c.maxReconnectAttempts),
			)
			c.setStatusLocked(StatusError, ErrMaxReconnects)
			c.mu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		sessionID := c.sessionID
		c.mu.Unlock()

		c.reconnects.Add(context.Background(), 1)

		if !immediate {
			delay := c.reconnectBaseDelay << (attempt - 1)
			c.logger.Info("Scheduling reconnection attempt",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			select {
			case <-stop:
				return
			case <-time.After(delay):
			}
		}
		immediate = false

		err := c.dialAndConfirm(context.Background(), gen, sessionID)
		if err == nil {
			c.logger.Info("Reconnected", zap.Int("attempt", attempt))
			return
		}
		c.logger.Warn("Reconnection attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

// heartbeatLoop sends ping frames on a fixed interval once the channel is
// confirmed. The pings keep intermediary proxies from idling the socket;
// pong receipt is informational.
func (c *Conn) heartbeatLoop(gen int, sock *websocket.Conn) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if c.generation != gen || c.status != StatusConnected || c.sock != sock {
			c.mu.Unlock()
			return
		}
		sessionID := c.sessionID
		c.mu.Unlock()

		ping := wire.NewPing()
		ping.Stamp(sessionID, time.Now())
		if err := c.transmit(sock, ping); err != nil {
			// The read loop observes the same failure and drives recovery.
			c.logger.Debug("Heartbeat write failed", zap.Error(err))
			return
		}
	}
}

func (c *Conn) transmit(sock *websocket.Conn, msg *wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrame(sock, msg)
}

func (c *Conn) writeFrame(sock *websocket.Conn, msg *wire.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return sock.Write(ctx, websocket.MessageText, data)
}

// setStatusLocked records a transition and hands it to the notifier
// goroutine. Callers hold c.mu.
func (c *Conn) setStatusLocked(status Status, err error) {
	if c.status == status {
		return
	}
	old := c.status
	c.status = status
	c.logger.Info("Connection status changed",
		zap.String("from", old.String()),
		zap.String("to", status.String()),
	)
	change := statusChange{old: old, new: status, err: err}
	select {
	case c.notifyCh <- change:
	default:
		// Listeners backed up: evict the oldest pending transition so the
		// most recent status, terminal ones included, always lands.
		select {
		case <-c.notifyCh:
		default:
		}
		select {
		case c.notifyCh <- change:
		default:
		}
		c.logger.Warn("Status notifications backed up, coalescing",
			zap.String("to", status.String()),
		)
	}
}

// notifyLoop mirrors transitions into the session store and fans them out to
// listeners, in order, for the lifetime of the connection service.
func (c *Conn) notifyLoop() {
	for change := range c.notifyCh {
		c.store.SetConnectionStatus(change.new.String())
		if change.err != nil {
			c.store.SetLastError(change.err.Error())
		}
		c.listeners.notifyStatus(change.old, change.new, change.err)
	}
}

// socketURL derives the session-scoped socket endpoint from the base URL by
// substituting the http/https scheme with ws/wss.
func (c *Conn) socketURL(sessionID string) (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", c.baseURL, err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/ws/game/" + sessionID
	return parsed.String(), nil
}
