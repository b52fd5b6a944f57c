package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fablewire/fablewire/pkg/fablewire/session"
	"github.com/fablewire/fablewire/pkg/fablewire/wire"
)

func testConfig() *Config {
	return &Config{
		ListenAddr:      ":0",
		NarratorTimeout: 5 * time.Second,
		SessionTTL:      time.Hour,
		SessionIdleTime: time.Hour,
		JanitorSchedule: "@every 1h",
		WriteTimeout:    5 * time.Second,
	}
}

func newTestServer(t *testing.T, narrator Narrator) (*Server, *httptest.Server) {
	t.Helper()

	builder := NewServer().
		WithConfig(testConfig()).
		WithLogger(zaptest.NewLogger(t))
	if narrator != nil {
		builder = builder.WithNarrator(narrator)
	}

	srv, err := builder.Build(context.Background())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func createTestSession(t *testing.T, ts *httptest.Server, body string) session.GameSession {
	t.Helper()

	resp, err := http.Post(ts.URL+"/api/game/sessions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sess session.GameSession
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	require.NotEmpty(t, sess.ID)
	return sess
}

func TestSessionEndpoints(t *testing.T) {
	_, ts := newTestServer(t, nil)

	sess := createTestSession(t, ts, `{"world": {"room": "cave"}}`)

	t.Run("get returns the stored session", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/game/sessions/" + sess.ID)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var loaded session.GameSession
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&loaded))
		assert.Equal(t, sess.ID, loaded.ID)
		assert.Equal(t, "cave", loaded.World["room"])
	})

	t.Run("get unknown session is 404", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/game/sessions/unknown")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("delete removes the session", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/game/sessions/"+sess.ID, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)

		getResp, err := http.Get(ts.URL + "/api/game/sessions/" + sess.ID)
		require.NoError(t, err)
		defer getResp.Body.Close()
		assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
	})

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestActionEndpoint(t *testing.T) {
	narrator := NewScriptedNarrator(Narration{
		Text:  "The torch flares to life.",
		World: map[string]any{"torch_lit": true},
	})
	_, ts := newTestServer(t, narrator)
	sess := createTestSession(t, ts, "{}")

	postAction := func(sessionID, action string) *http.Response {
		body, _ := json.Marshal(map[string]string{"action": action})
		resp, err := http.Post(ts.URL+"/api/game/sessions/"+sessionID+"/action",
			"application/json", bytes.NewReader(body))
		require.NoError(t, err)
		return resp
	}

	t.Run("action returns both entries and the world delta", func(t *testing.T) {
		resp := postAction(sess.ID, "light the torch")
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result struct {
			PlayerEntry   session.StoryEntry   `json:"player_entry"`
			ResponseEntry session.StoryEntry   `json:"response_entry"`
			WorldDelta    map[string]any       `json:"world_delta"`
			Session       *session.GameSession `json:"session"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))

		assert.Equal(t, session.EntryTypePlayer, result.PlayerEntry.Type)
		assert.Equal(t, "light the torch", result.PlayerEntry.Text)
		assert.False(t, session.IsTempID(result.PlayerEntry.ID))
		assert.Equal(t, session.EntryTypeNarrator, result.ResponseEntry.Type)
		assert.Equal(t, "The torch flares to life.", result.ResponseEntry.Text)
		assert.Equal(t, true, result.WorldDelta["torch_lit"])

		require.NotNil(t, result.Session)
		assert.Len(t, result.Session.Story, 2)
	})

	t.Run("transcript accumulates", func(t *testing.T) {
		resp := postAction(sess.ID, "wave the torch")
		resp.Body.Close()

		getResp, err := http.Get(ts.URL + "/api/game/sessions/" + sess.ID)
		require.NoError(t, err)
		defer getResp.Body.Close()

		var loaded session.GameSession
		require.NoError(t, json.NewDecoder(getResp.Body).Decode(&loaded))
		assert.Len(t, loaded.Story, 4)
	})

	t.Run("empty action is 400", func(t *testing.T) {
		resp := postAction(sess.ID, "  ")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown session is 404", func(t *testing.T) {
		resp := postAction("unknown", "look")
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func dialGameSocket(t *testing.T, ts *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/game/" + sessionID
	sock, _, err := websocket.Dial(context.Background(), wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close(websocket.StatusNormalClosure, "test done") })
	return sock
}

func readFrame(t *testing.T, sock *websocket.Conn) *wire.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := sock.Read(ctx)
	require.NoError(t, err)
	msg, err := wire.Decode(data)
	require.NoError(t, err)
	return msg
}

func writeFrame(t *testing.T, sock *websocket.Conn, msg *wire.Message) {
	t.Helper()

	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, sock.Write(context.Background(), websocket.MessageText, data))
}

func TestGameSocket(t *testing.T) {
	narrator := NewScriptedNarrator(Narration{
		Text:  "The gate grinds open.",
		World: map[string]any{"gate_open": true},
	})
	_, ts := newTestServer(t, narrator)
	sess := createTestSession(t, ts, "{}")

	sock := dialGameSocket(t, ts, sess.ID)

	// Two-phase handshake: the server answers the client hello with its
	// confirmation frame.
	writeFrame(t, sock, wire.NewConnection("test-client", "0.0.1"))
	confirmation := readFrame(t, sock)
	assert.True(t, confirmation.Confirmed())
	assert.Equal(t, sess.ID, confirmation.SessionID)

	t.Run("ping pong", func(t *testing.T) {
		writeFrame(t, sock, wire.NewPing())
		assert.Equal(t, wire.TypePong, readFrame(t, sock).Type)
	})

	t.Run("action produces a narrative frame", func(t *testing.T) {
		writeFrame(t, sock, wire.NewAction(sess.ID, "push the gate"))

		msg := readFrame(t, sock)
		require.Equal(t, wire.TypeNarrativeResponse, msg.Type)

		var payload struct {
			PlayerEntry   session.StoryEntry `json:"player_entry"`
			ResponseEntry session.StoryEntry `json:"response_entry"`
			WorldDelta    map[string]any     `json:"world_delta"`
		}
		require.NoError(t, msg.DecodeData(&payload))
		assert.Equal(t, "push the gate", payload.PlayerEntry.Text)
		assert.Equal(t, "The gate grinds open.", payload.ResponseEntry.Text)
		assert.Equal(t, true, payload.WorldDelta["gate_open"])
	})

	t.Run("empty action gets an error frame, socket stays up", func(t *testing.T) {
		writeFrame(t, sock, wire.NewAction(sess.ID, ""))

		msg := readFrame(t, sock)
		assert.Equal(t, wire.TypeError, msg.Type)

		writeFrame(t, sock, wire.NewPing())
		assert.Equal(t, wire.TypePong, readFrame(t, sock).Type)
	})

	t.Run("unknown session is rejected before the upgrade", func(t *testing.T) {
		wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/game/unknown"
		_, resp, err := websocket.Dial(context.Background(), wsURL, nil)
		require.Error(t, err)
		if resp != nil {
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		}
	})
}

func TestNarrativeFramesArriveInCommitOrder(t *testing.T) {
	narrator := NewScriptedNarrator(
		Narration{Text: "reply one"},
		Narration{Text: "reply two"},
		Narration{Text: "reply three"},
	)
	srv, ts := newTestServer(t, narrator)
	sess := createTestSession(t, ts, "{}")

	sock := dialGameSocket(t, ts, sess.ID)
	writeFrame(t, sock, wire.NewConnection("test-client", "0.0.1"))
	readFrame(t, sock) // confirmation

	actions := []string{"draw sword", "raise shield", "step back"}
	for _, action := range actions {
		writeFrame(t, sock, wire.NewAction(sess.ID, action))
	}

	var framed []string
	for range actions {
		msg := readFrame(t, sock)
		require.Equal(t, wire.TypeNarrativeResponse, msg.Type)

		var payload struct {
			PlayerEntry session.StoryEntry `json:"player_entry"`
		}
		require.NoError(t, msg.DecodeData(&payload))
		framed = append(framed, payload.PlayerEntry.Text)
	}

	// The frames must mirror the order the entries were committed to the
	// story, or a client would reconcile its optimistic entries against the
	// wrong confirmations.
	stored, err := srv.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	var committed []string
	for _, entry := range stored.Story {
		if entry.Type == session.EntryTypePlayer {
			committed = append(committed, entry.Text)
		}
	}
	assert.Equal(t, committed, framed)
}

func TestSweepIdleSessions(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	fresh := createTestSession(t, ts, "{}")
	stale := createTestSession(t, ts, "{}")

	// Age the stale session past the idle cutoff.
	ctx := context.Background()
	staleSess, err := srv.store.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	staleSess.UpdatedAt = time.Now().Add(-2 * srv.config.SessionIdleTime)
	require.NoError(t, srv.store.SaveSession(ctx, staleSess))

	srv.sweepIdleSessions()

	_, err = srv.store.GetSession(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = srv.store.GetSession(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestSweepKeepsSessionsWithLiveSockets(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	sess := createTestSession(t, ts, "{}")

	sock := dialGameSocket(t, ts, sess.ID)
	writeFrame(t, sock, wire.NewConnection("test-client", "0.0.1"))
	readFrame(t, sock) // confirmation

	ctx := context.Background()
	stored, err := srv.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	stored.UpdatedAt = time.Now().Add(-2 * srv.config.SessionIdleTime)
	require.NoError(t, srv.store.SaveSession(ctx, stored))

	// The registry registers asynchronously with the dial; wait for it.
	require.Eventually(t, func() bool {
		return srv.hasLiveSocket(sess.ID)
	}, 2*time.Second, 5*time.Millisecond)

	srv.sweepIdleSessions()

	_, err = srv.store.GetSession(ctx, sess.ID)
	assert.NoError(t, err, "sessions with a live socket are never swept")
}
