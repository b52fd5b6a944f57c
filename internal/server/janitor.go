package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// sweepIdleSessions deletes sessions that have seen no action for longer
// than the configured idle time. Redis-backed sessions also expire on their
// own TTL; the sweep keeps the in-memory store and long-TTL deployments from
// accumulating abandoned games.
func (s *Server) sweepIdleSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ids, err := s.store.ListSessionIDs(ctx)
	if err != nil {
		s.logger.Warn("Janitor failed to list sessions", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-s.config.SessionIdleTime)
	swept := 0
	for _, id := range ids {
		sess, err := s.store.GetSession(ctx, id)
		if err != nil {
			continue // expired between list and get
		}
		if sess.UpdatedAt.After(cutoff) {
			continue
		}
		if s.hasLiveSocket(id) {
			continue
		}
		if err := s.store.DeleteSession(ctx, id); err != nil {
			s.logger.Warn("Janitor failed to delete session",
				zap.String("session_id", id),
				zap.Error(err),
			)
			continue
		}
		s.releaseSessionLock(id)
		swept++
	}

	if swept > 0 {
		s.logger.Info("Janitor swept idle sessions", zap.Int("count", swept))
	}
}

// hasLiveSocket reports whether any game socket is currently bound to the
// session. Idle-by-clock sessions with a live socket are kept.
func (s *Server) hasLiveSocket(sessionID string) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns[sessionID]) > 0
}

// releaseSessionLock drops the per-session action mutex for a deleted
// session so the lock table does not grow forever.
func (s *Server) releaseSessionLock(sessionID string) {
	s.actionMu.Lock()
	defer s.actionMu.Unlock()
	delete(s.actionMu.locks, sessionID)
}
