package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/fablewire/fablewire/pkg/fablewire/wire"
)

// maxFrameBytes bounds inbound frames to prevent large message attacks.
const maxFrameBytes = 32768

// outboundQueueSize bounds frames waiting for a slow client.
const outboundQueueSize = 32

// gameConn is one live game socket, bound to a single session for its whole
// lifetime. Reads run in the HTTP handler goroutine; writes are funneled
// through a single sender goroutine.
type gameConn struct {
	ctx       context.Context
	cancel    context.CancelFunc
	sock      *websocket.Conn
	server    *Server
	sessionID string
	logger    *zap.Logger

	outbound chan *wire.Message

	cleanupOnce sync.Once
}

// handleSocket upgrades the request and runs the connection until it closes.
// The session must already exist; the socket does not create sessions.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	if _, err := s.store.GetSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	sock, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &gameConn{
		ctx:       ctx,
		cancel:    cancel,
		sock:      sock,
		server:    s,
		sessionID: sessionID,
		logger:    s.logger.With(zap.String("session_id", sessionID)),
		outbound:  make(chan *wire.Message, outboundQueueSize),
	}

	s.register(conn)
	conn.logger.Info("Game socket opened")

	go conn.messageSender()
	conn.messageReader()
	conn.cleanup()
}

// messageReader handles inbound frames until the socket closes. It blocks in
// the HTTP handler goroutine.
func (c *gameConn) messageReader() {
	c.sock.SetReadLimit(maxFrameBytes)

	for {
		_, data, err := c.sock.Read(c.ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus != -1 {
				c.logger.Debug("Game socket closed by client",
					zap.Int("close_status", int(closeStatus)),
				)
			} else if c.ctx.Err() != nil {
				c.logger.Debug("Game socket closed by server", zap.Error(err))
			} else {
				c.logger.Warn("Failed to read game socket frame", zap.Error(err))
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		msg, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping malformed inbound frame",
				zap.Error(err),
				zap.Int("bytes", len(data)),
			)
			c.send(wire.NewError(c.sessionID, "bad_frame", "invalid frame format"))
			continue
		}

		c.handleFrame(msg)
	}
}

// handleFrame routes one inbound frame by type.
func (c *gameConn) handleFrame(msg *wire.Message) {
	switch msg.Type {
	case wire.TypeConnection:
		// Second phase of the handshake: the socket being open is not
		// enough, the client waits for this confirmation answer.
		c.logger.Debug("Client hello received", zap.Any("data", msg.Data))
		c.send(wire.NewConnectionConfirmed(c.sessionID))

	case wire.TypePing:
		c.send(wire.NewPong())

	case wire.TypeAction:
		action := msg.ActionText()
		if action == "" {
			c.send(wire.NewError(c.sessionID, "bad_action", "action text is required"))
			return
		}
		// Narration is slow; keep the reader free for pings while it runs.
		go c.runAction(action)

	default:
		c.logger.Warn("Dropping inbound frame of unknown type", zap.String("type", msg.Type))
		c.send(wire.NewError(c.sessionID, "bad_frame", "unsupported frame type: "+msg.Type))
	}
}

// runAction processes one action frame and replies with the narrative frame,
// or an application error frame on failure. Either way the socket stays up.
func (c *gameConn) runAction(action string) {
	// The frame goes out inside the deliver hook, before the session lock is
	// released, so overlapping actions reach the client in commit order.
	_, err := c.server.processAction(c.ctx, c.sessionID, action, func(o *actionOutcome) {
		frame := o.narrativeFrame(c.sessionID)
		c.send(frame)
		c.server.broadcast(c.sessionID, frame, c)
	})
	if err != nil {
		c.logger.Warn("Socket action failed", zap.Error(err))
		c.send(wire.NewError(c.sessionID, "narration_failed", "the narrator is unavailable"))
	}
}

// send queues a frame for the sender goroutine. A full queue drops the frame
// rather than blocking the caller on a slow client.
func (c *gameConn) send(msg *wire.Message) {
	msg.Stamp(c.sessionID, time.Now())
	select {
	case c.outbound <- msg:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("Outbound queue full, dropping frame", zap.String("type", msg.Type))
	}
}

// messageSender writes queued frames to the socket, one at a time.
func (c *gameConn) messageSender() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.outbound:
			if err := c.writeFrame(msg); err != nil {
				c.logger.Debug("Game socket write failed, closing", zap.Error(err))
				c.cleanup()
				return
			}
		}
	}
}

func (c *gameConn) writeFrame(msg *wire.Message) error {
	data, err := msg.Encode()
	if err != nil {
		c.logger.Error("Failed to encode outbound frame",
			zap.String("type", msg.Type),
			zap.Error(err),
		)
		return nil // encoding bugs should not take the socket down
	}

	writeCtx, cancel := context.WithTimeout(c.ctx, c.server.config.WriteTimeout)
	defer cancel()
	return c.sock.Write(writeCtx, websocket.MessageText, data)
}

// cleanup tears the connection down exactly once.
func (c *gameConn) cleanup() {
	c.cleanupOnce.Do(func() {
		c.cancel()
		c.server.unregister(c)
		if err := c.sock.Close(websocket.StatusNormalClosure, "connection closed"); err != nil {
			c.logger.Debug("Game socket close error (may be expected)", zap.Error(err))
		}
		c.logger.Info("Game socket closed")
	})
}

// shutdownClose closes the socket with a specific close code, used during
// graceful server shutdown.
func (c *gameConn) shutdownClose(code websocket.StatusCode, reason string) {
	if err := c.sock.Close(code, reason); err != nil {
		c.logger.Debug("Error closing game socket during shutdown", zap.Error(err))
	}
}
