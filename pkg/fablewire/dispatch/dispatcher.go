// Package dispatch is the single entry point a UI calls to submit a player
// action. It prefers the live game channel, falls back to REST, and gives
// the player an optimistic story entry either way.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fablewire/fablewire/pkg/fablewire/o11y"
	"github.com/fablewire/fablewire/pkg/fablewire/session"
	"github.com/fablewire/fablewire/pkg/fablewire/transport"
	"github.com/fablewire/fablewire/pkg/fablewire/wire"
)

// ErrEmptyAction rejects blank action text before any network activity.
var ErrEmptyAction = errors.New("action text must not be empty")

// historyLimit bounds the audit trail of submitted actions.
const historyLimit = 100

// Dispatcher submits player actions and owns the optimistic story entry
// lifecycle for every action it submitted. Each call manages its own entry
// by unique temporary id, so interleaved submissions never corrupt each
// other's entries.
type Dispatcher struct {
	conn    *transport.Conn
	rest    *RESTClient
	store   session.Store
	logger  *zap.Logger
	actions o11y.Counter

	historyMu sync.Mutex
	history   []session.PendingActionRecord

	// pending tracks, per session, the temp ids of socket-path actions still
	// waiting for their narrative frame, oldest first.
	pendingMu sync.Mutex
	pending   map[string][]string
}

// DispatcherBuilder provides a fluent interface for building dispatchers.
type DispatcherBuilder struct {
	conn    *transport.Conn
	rest    *RESTClient
	store   session.Store
	logger  *zap.Logger
	metrics o11y.MetricsProvider
}

// NewDispatcher creates a new dispatcher builder.
func NewDispatcher() *DispatcherBuilder {
	return &DispatcherBuilder{
		logger:  zap.NewNop(),
		metrics: o11y.NopProvider{},
	}
}

// WithConn sets the live channel used when it reports connected. Optional;
// without it every action takes the REST path.
func (b *DispatcherBuilder) WithConn(conn *transport.Conn) *DispatcherBuilder {
	b.conn = conn
	return b
}

// WithRESTClient sets the fallback action client.
func (b *DispatcherBuilder) WithRESTClient(rest *RESTClient) *DispatcherBuilder {
	b.rest = rest
	return b
}

// WithStore sets the session state store.
func (b *DispatcherBuilder) WithStore(store session.Store) *DispatcherBuilder {
	b.store = store
	return b
}

// WithLogger sets the logger for the dispatcher.
func (b *DispatcherBuilder) WithLogger(logger *zap.Logger) *DispatcherBuilder {
	if logger != nil {
		b.logger = logger
	}
	return b
}

// WithMetrics sets the metrics provider for action telemetry.
func (b *DispatcherBuilder) WithMetrics(metrics o11y.MetricsProvider) *DispatcherBuilder {
	if metrics != nil {
		b.metrics = metrics
	}
	return b
}

// Build validates the configuration and returns a ready dispatcher. When a
// connection is configured the dispatcher registers itself as its narrative
// reconciler.
func (b *DispatcherBuilder) Build() (*Dispatcher, error) {
	if b.store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if b.rest == nil {
		return nil, fmt.Errorf("REST client is required")
	}

	d := &Dispatcher{
		conn:    b.conn,
		rest:    b.rest,
		store:   b.store,
		logger:  b.logger,
		actions: b.metrics.Counter("dispatch_actions_total"),
		pending: make(map[string][]string),
	}
	if d.conn != nil {
		d.conn.SetReconciler(d)
	}
	return d, nil
}

// PerformAction submits a player action for the session. When the channel is
// connected the action goes out as a frame and the returned result is nil;
// the narrative arrives later as an inbound frame. Otherwise the REST
// fallback is used and the confirmed result is returned once it settles.
// Either way an optimistic entry appears in the story immediately.
func (d *Dispatcher) PerformAction(ctx context.Context, sessionID, actionText string) (*ActionResult, error) {
	actionText = strings.TrimSpace(actionText)
	if actionText == "" {
		return nil, ErrEmptyAction
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	d.recordHistory(sessionID, actionText)

	entry := session.NewOptimisticEntry(actionText)

	if d.conn != nil && d.conn.Status() == transport.StatusConnected && d.conn.SessionID() == sessionID {
		return nil, d.performSocket(sessionID, actionText, entry)
	}
	return d.performREST(ctx, sessionID, actionText, entry)
}

// performSocket sends the action over the live channel. The optimistic entry
// stays temporary until the matching narrative frame reconciles it.
func (d *Dispatcher) performSocket(sessionID, actionText string, entry session.StoryEntry) error {
	d.pendingMu.Lock()
	d.pending[sessionID] = append(d.pending[sessionID], entry.ID)
	d.pendingMu.Unlock()

	d.store.AddStoryEntry(entry)
	d.store.SetAIGenerating(true)

	d.conn.Send(wire.NewAction(sessionID, actionText))
	d.actions.Add(context.Background(), 1,
		o11y.Label{Key: "transport", Value: "socket"},
		o11y.Label{Key: "status", Value: "sent"},
	)
	d.logger.Debug("Action sent over channel",
		zap.String("session_id", sessionID),
		zap.String("temp_id", entry.ID),
	)
	return nil
}

// performREST submits the action over HTTP. The optimistic entry is resolved
// before this call returns: replaced by the confirmed entry on success,
// removed with the story restored on failure.
func (d *Dispatcher) performREST(ctx context.Context, sessionID, actionText string, entry session.StoryEntry) (*ActionResult, error) {
	snapshot := d.store.SnapshotStory()

	d.store.AddStoryEntry(entry)
	d.store.SetAIGenerating(true)

	result, err := d.rest.PerformAction(ctx, sessionID, actionText)
	d.store.SetAIGenerating(false)

	if err != nil {
		// Roll back: the player's just-typed line must not linger as a
		// phantom entry.
		if !d.store.RemoveStoryEntry(entry.ID) {
			d.store.RestoreStory(snapshot)
		}
		d.store.SetLastError(err.Error())
		d.actions.Add(context.Background(), 1,
			o11y.Label{Key: "transport", Value: "rest"},
			o11y.Label{Key: "status", Value: "error"},
		)
		d.logger.Warn("Action failed, rolled back optimistic entry",
			zap.String("session_id", sessionID),
			zap.String("temp_id", entry.ID),
			zap.Error(err),
		)
		return nil, err
	}

	if !d.store.ReplaceStoryEntry(entry.ID, result.PlayerEntry) {
		d.store.AddStoryEntry(result.PlayerEntry)
	}
	d.store.AddStoryEntry(result.ResponseEntry)
	d.applySessionState(result)

	d.actions.Add(context.Background(), 1,
		o11y.Label{Key: "transport", Value: "rest"},
		o11y.Label{Key: "status", Value: "ok"},
	)
	return result, nil
}

// applySessionState merges the server's post-action state: a delta when one
// was returned, otherwise the relevant parts of the full snapshot.
func (d *Dispatcher) applySessionState(result *ActionResult) {
	if len(result.WorldDelta) > 0 {
		d.store.UpdateWorldState(result.WorldDelta)
	} else if result.Session != nil {
		d.store.UpdateWorldState(result.Session.World)
	}
	if result.Session != nil {
		d.store.UpdateCharacter(result.Session.Character)
		for _, quest := range result.Session.Quests {
			d.store.UpdateQuest(quest)
		}
	}
}

// Reconcile resolves the oldest outstanding optimistic entry for the session
// against the server confirmed player entry. Called by the transport's frame
// router; actions are not reordered by the backend, so oldest-first matching
// mirrors delivery order.
func (d *Dispatcher) Reconcile(sessionID string, confirmed session.StoryEntry) bool {
	d.pendingMu.Lock()
	ids := d.pending[sessionID]
	if len(ids) == 0 {
		d.pendingMu.Unlock()
		return false
	}
	tempID := ids[0]
	d.pending[sessionID] = ids[1:]
	d.pendingMu.Unlock()

	if !d.store.ReplaceStoryEntry(tempID, confirmed) {
		d.logger.Debug("Optimistic entry already gone",
			zap.String("session_id", sessionID),
			zap.String("temp_id", tempID),
		)
		return false
	}
	return true
}

// PendingCount reports how many socket-path actions still await narrative
// frames for the session.
func (d *Dispatcher) PendingCount(sessionID string) int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return len(d.pending[sessionID])
}

// History returns a copy of the submitted-action audit trail, oldest first.
func (d *Dispatcher) History() []session.PendingActionRecord {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	history := make([]session.PendingActionRecord, len(d.history))
	copy(history, d.history)
	return history
}

func (d *Dispatcher) recordHistory(sessionID, actionText string) {
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	d.history = append(d.history, session.PendingActionRecord{
		SessionID:   sessionID,
		ActionText:  actionText,
		SubmittedAt: time.Now(),
	})
	if len(d.history) > historyLimit {
		d.history = d.history[len(d.history)-historyLimit:]
	}
}
