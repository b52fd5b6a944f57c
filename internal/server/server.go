package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/robfig/cron/v3"
	"github.com/tsarna/go-structdiff"
	"go.uber.org/zap"

	"github.com/fablewire/fablewire/pkg/fablewire/session"
	"github.com/fablewire/fablewire/pkg/fablewire/wire"
)

// Server serves the REST session API and the per-session game socket, and
// runs the background janitor.
type Server struct {
	config   *Config
	logger   *zap.Logger
	store    SessionStore
	narrator Narrator
	cron     *cron.Cron

	httpServer *http.Server

	// actionMu serializes actions per session so concurrent submissions
	// cannot lose each other's story entries.
	actionMu struct {
		sync.Mutex
		locks map[string]*sync.Mutex
	}

	// connMu guards the live socket registry, keyed by session id.
	connMu sync.Mutex
	conns  map[string]map[*gameConn]struct{}
}

// ServerBuilder provides a fluent interface for building servers.
type ServerBuilder struct {
	config   *Config
	logger   *zap.Logger
	store    SessionStore
	narrator Narrator
}

// NewServer creates a new server builder.
func NewServer() *ServerBuilder {
	return &ServerBuilder{logger: zap.NewNop()}
}

// WithConfig sets the runtime configuration.
func (b *ServerBuilder) WithConfig(config *Config) *ServerBuilder {
	b.config = config
	return b
}

// WithLogger sets the logger for the server.
func (b *ServerBuilder) WithLogger(logger *zap.Logger) *ServerBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithStore sets the session store. Without one the config decides: Redis
// when an address is configured, process memory otherwise.
func (b *ServerBuilder) WithStore(store SessionStore) *ServerBuilder {
	b.store = store
	return b
}

// WithNarrator sets the narrator. Without one the config decides: Anthropic
// when an API key is configured, the scripted narrator otherwise.
func (b *ServerBuilder) WithNarrator(narrator Narrator) *ServerBuilder {
	b.narrator = narrator
	return b
}

// Build validates the configuration and returns a ready server.
func (b *ServerBuilder) Build(ctx context.Context) (*Server, error) {
	if b.config == nil {
		return nil, fmt.Errorf("config is required")
	}

	store := b.store
	if store == nil {
		if b.config.RedisAddr != "" {
			redisStore, err := NewRedisSessionStore(ctx, b.config.RedisAddr, b.config.RedisPassword, b.config.SessionTTL, b.logger)
			if err != nil {
				return nil, err
			}
			store = redisStore
		} else {
			store = NewMemorySessionStore()
		}
	}

	narrator := b.narrator
	if narrator == nil {
		if b.config.AnthropicAPIKey != "" {
			narrator = NewAnthropicNarrator(b.config.AnthropicAPIKey, b.config.AnthropicModel, b.logger)
		} else {
			b.logger.Warn("No narrator API key configured, using scripted narrator")
			narrator = NewScriptedNarrator()
		}
	}

	s := &Server{
		config:   b.config,
		logger:   b.logger,
		store:    store,
		narrator: narrator,
		cron:     cron.New(),
		conns:    make(map[string]map[*gameConn]struct{}),
	}
	s.actionMu.locks = make(map[string]*sync.Mutex)
	s.httpServer = &http.Server{
		Addr:    b.config.ListenAddr,
		Handler: s.routes(),
	}

	if _, err := s.cron.AddFunc(b.config.JanitorSchedule, s.sweepIdleSessions); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", b.config.JanitorSchedule, err)
	}

	return s, nil
}

// routes wires the HTTP endpoints.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/game/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/game/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/game/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/game/sessions/{id}/action", s.handleAction)
	mux.HandleFunc("GET /ws/game/{id}", s.handleSocket)
	return mux
}

// Handler exposes the route table, for tests that mount the server on an
// httptest listener.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// Start runs the HTTP listener and the janitor. It blocks until the listener
// stops.
func (s *Server) Start() error {
	s.cron.Start()
	s.logger.Info("Server listening", zap.String("addr", s.config.ListenAddr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the janitor, tells connected clients the server is going
// away, and drains the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cron.Stop()

	s.connMu.Lock()
	for _, conns := range s.conns {
		for conn := range conns {
			conn.shutdownClose(websocket.StatusGoingAway, "server shutting down")
		}
	}
	s.connMu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	if closeErr := s.store.Close(); err == nil {
		err = closeErr
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		World     map[string]any          `json:"world,omitempty"`
		Character *session.CharacterState `json:"character,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	sess := session.NewGameSession()
	if body.World != nil {
		sess.World = body.World
	}
	if body.Character != nil {
		sess.Character = *body.Character
	}

	if err := s.store.SaveSession(r.Context(), sess); err != nil {
		s.logger.Error("Failed to save new session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	s.logger.Info("Session created", zap.String("session_id", sess.ID))
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("Failed to load session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.logger.Error("Failed to delete session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAction is the REST fallback path for player actions. The response
// body mirrors the narrative frame sent on the socket path.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var body struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Action) == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	outcome, err := s.processAction(r.Context(), sessionID, body.Action, func(o *actionOutcome) {
		// Sockets watching this session hear about the REST action too.
		s.broadcast(sessionID, o.narrativeFrame(sessionID), nil)
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("Action failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "the narrator is unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"player_entry":   outcome.playerEntry,
		"response_entry": outcome.responseEntry,
		"world_delta":    outcome.worldDelta,
		"session":        outcome.session,
	})
}

// actionOutcome is the settled result of one player action.
type actionOutcome struct {
	playerEntry   session.StoryEntry
	responseEntry session.StoryEntry
	worldDelta    map[string]any
	session       *session.GameSession
}

// narrativeFrame renders the outcome as the socket narrative frame.
func (o *actionOutcome) narrativeFrame(sessionID string) *wire.Message {
	data := map[string]any{
		"player_entry":   o.playerEntry,
		"response_entry": o.responseEntry,
	}
	if len(o.worldDelta) > 0 {
		data["world_delta"] = o.worldDelta
	}
	return &wire.Message{
		Type:      wire.TypeNarrativeResponse,
		SessionID: sessionID,
		Data:      data,
	}
}

// processAction runs one player action to completion: narrate, append both
// story entries, diff the world, persist. Actions for the same session are
// serialized. A non-nil deliver runs before the session lock is released,
// so narrative frames reach sockets in the order the entries were committed
// to the story.
func (s *Server) processAction(ctx context.Context, sessionID, action string, deliver func(*actionOutcome)) (*actionOutcome, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	narrateCtx, cancel := context.WithTimeout(ctx, s.config.NarratorTimeout)
	defer cancel()
	narration, err := s.narrator.Narrate(narrateCtx, sess, action)
	if err != nil {
		return nil, err
	}

	playerEntry := session.NewPlayerEntry(action)
	responseEntry := session.NewNarratorEntry(narration.Text)

	var worldDelta map[string]any
	if narration.World != nil {
		diff, err := structdiff.Diff(sess.World, narration.World)
		if err != nil {
			s.logger.Warn("Failed to diff world state, sending full state",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			worldDelta = narration.World
		} else {
			worldDelta, _ = diff.(map[string]any)
		}
		sess.World = narration.World
	}

	sess.Story = append(sess.Story, playerEntry, responseEntry)
	sess.UpdatedAt = time.Now()

	if err := s.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	outcome := &actionOutcome{
		playerEntry:   playerEntry,
		responseEntry: responseEntry,
		worldDelta:    worldDelta,
		session:       sess,
	}
	if deliver != nil {
		deliver(outcome)
	}
	return outcome, nil
}

// sessionLock returns the per-session action mutex, creating it on first use.
func (s *Server) sessionLock(sessionID string) *sync.Mutex {
	s.actionMu.Lock()
	defer s.actionMu.Unlock()
	lock, ok := s.actionMu.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.actionMu.locks[sessionID] = lock
	}
	return lock
}

// register adds a live socket to the session's registry.
func (s *Server) register(conn *gameConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	set, ok := s.conns[conn.sessionID]
	if !ok {
		set = make(map[*gameConn]struct{})
		s.conns[conn.sessionID] = set
	}
	set[conn] = struct{}{}
}

// unregister removes a socket from the registry.
func (s *Server) unregister(conn *gameConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	set := s.conns[conn.sessionID]
	delete(set, conn)
	if len(set) == 0 {
		delete(s.conns, conn.sessionID)
	}
}

// broadcast sends a frame to every live socket for the session except the
// one it originated from.
func (s *Server) broadcast(sessionID string, msg *wire.Message, except *gameConn) {
	s.connMu.Lock()
	conns := make([]*gameConn, 0, len(s.conns[sessionID]))
	for conn := range s.conns[sessionID] {
		if conn != except {
			conns = append(conns, conn)
		}
	}
	s.connMu.Unlock()

	for _, conn := range conns {
		conn.send(msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
