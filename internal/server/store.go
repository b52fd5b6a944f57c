package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fablewire/fablewire/pkg/fablewire/session"
)

// ErrSessionNotFound is returned when a session id has no stored document.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore persists session documents server side. The transport packages
// never see this interface; it is the server's durability seam.
type SessionStore interface {
	// SaveSession writes the full session document, creating or replacing it.
	SaveSession(ctx context.Context, sess *session.GameSession) error

	// GetSession loads a session document, or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*session.GameSession, error)

	// DeleteSession removes a session document. Deleting a missing session
	// is not an error.
	DeleteSession(ctx context.Context, id string) error

	// ListSessionIDs returns the ids of every stored session.
	ListSessionIDs(ctx context.Context) ([]string, error)

	// Close releases store resources.
	Close() error
}

const sessionKeyPrefix = "fablewire:session:"

// RedisSessionStore keeps session documents in Redis with a TTL, refreshed on
// every save. Idle sessions expire without janitor involvement.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisSessionStore connects to Redis and verifies the connection.
func NewRedisSessionStore(ctx context.Context, addr, password string, ttl time.Duration, logger *zap.Logger) (*RedisSessionStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisSessionStore{client: client, ttl: ttl, logger: logger}, nil
}

func (s *RedisSessionStore) SaveSession(ctx context.Context, sess *session.GameSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", sess.ID, err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+sess.ID, data, s.ttl).Err(); err != nil {
		s.logger.Error("Redis SET failed", zap.String("session_id", sess.ID), zap.Error(err))
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) GetSession(ctx context.Context, id string) (*session.GameSession, error) {
	data, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		s.logger.Error("Redis GET failed", zap.String("session_id", id), zap.Error(err))
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var sess session.GameSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *RedisSessionStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) ListSessionIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(sessionKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return ids, nil
}

func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

// MemorySessionStore keeps session documents in process memory. It backs
// single-node deployments and tests; the janitor handles idle expiry.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.GameSession
}

// NewMemorySessionStore creates an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*session.GameSession)}
}

func (s *MemorySessionStore) SaveSession(_ context.Context, sess *session.GameSession) error {
	copied, err := copySession(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = copied
	return nil
}

func (s *MemorySessionStore) GetSession(_ context.Context, id string) (*session.GameSession, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(sess)
}

func (s *MemorySessionStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemorySessionStore) ListSessionIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemorySessionStore) Close() error {
	return nil
}

// copySession deep-copies a session document through JSON so callers can
// never mutate stored state behind the lock.
func copySession(sess *session.GameSession) (*session.GameSession, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to copy session %s: %w", sess.ID, err)
	}
	var copied session.GameSession
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to copy session %s: %w", sess.ID, err)
	}
	return &copied, nil
}
