package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/fablewire/fablewire/pkg/fablewire/o11y"
	"github.com/fablewire/fablewire/pkg/fablewire/session"
	"github.com/fablewire/fablewire/pkg/fablewire/wire"
)

// NarrativeReconciler resolves an outstanding optimistic story entry against
// the server confirmed player entry carried by a narrative frame. The action
// dispatcher implements this; it owns the optimistic entry lifecycle, the
// router only hands it the confirmed entry. Reconcile reports whether an
// optimistic entry was waiting.
type NarrativeReconciler interface {
	Reconcile(sessionID string, confirmed session.StoryEntry) bool
}

// narrativePayload is the decoded body of a narrative_response frame.
type narrativePayload struct {
	PlayerEntry   *session.StoryEntry `json:"player_entry,omitempty"`
	ResponseEntry *session.StoryEntry `json:"response_entry,omitempty"`
	WorldDelta    map[string]any      `json:"world_delta,omitempty"`
}

// router decodes inbound frames by their type field and applies the matching
// session store mutation. Unknown types and malformed frames are logged and
// dropped; they never bring down the channel.
type router struct {
	store      session.Store
	logger     *zap.Logger
	listeners  *listenerRegistry
	onConfirm  func(gen int) // handshake confirmation hook, idempotent
	reconciler func() NarrativeReconciler
	frames     o11y.Counter
}

// dispatch decodes one inbound frame. gen identifies the socket generation
// the frame arrived on, so a confirmation read from a superseded socket
// cannot flip a newer channel to connected.
func (r *router) dispatch(gen int, raw []byte) {
	msg, err := wire.Decode(raw)
	if err != nil {
		r.logger.Warn("Dropping malformed frame", zap.Error(err), zap.Int("bytes", len(raw)))
		return
	}

	r.frames.Add(context.Background(), 1, o11y.Label{Key: "type", Value: msg.Type})

	switch msg.Type {
	case wire.TypeConnection:
		if msg.Confirmed() {
			r.onConfirm(gen)
		} else {
			r.logger.Debug("Ignoring unconfirmed connection frame")
		}

	case wire.TypePong:
		// Heartbeat reply is informational only; liveness is inferred from
		// socket close events.
		r.logger.Debug("Heartbeat pong received")

	case wire.TypeNarrativeResponse:
		r.handleNarrative(msg)

	case wire.TypeWorldChange:
		var payload struct {
			Delta map[string]any `json:"delta"`
		}
		if err := msg.DecodeData(&payload); err != nil {
			r.logger.Warn("Dropping world_change frame", zap.Error(err))
			return
		}
		r.store.UpdateWorldState(payload.Delta)

	case wire.TypeCharacterUpdate:
		var payload struct {
			Character session.CharacterState `json:"character"`
		}
		if err := msg.DecodeData(&payload); err != nil {
			r.logger.Warn("Dropping character_update frame", zap.Error(err))
			return
		}
		r.store.UpdateCharacter(payload.Character)

	case wire.TypeQuestUpdate:
		var payload struct {
			Quest session.Quest `json:"quest"`
		}
		if err := msg.DecodeData(&payload); err != nil {
			r.logger.Warn("Dropping quest_update frame", zap.Error(err))
			return
		}
		r.store.UpdateQuest(payload.Quest)

	case wire.TypeActionResponse:
		// Socket-path submission ack; the narrative arrives separately.
		r.logger.Debug("Action acknowledged", zap.String("session_id", msg.SessionID))

	case wire.TypeError:
		// Application errors arrive over a healthy socket and never close it.
		text := msg.ErrorText()
		r.logger.Warn("Server reported application error", zap.String("message", text))
		r.store.SetLastError(text)
		code, _ := msg.Data["code"].(string)
		r.listeners.notifyServerError(code, text)

	default:
		r.logger.Warn("Dropping frame of unknown type", zap.String("type", msg.Type))
		return
	}

	r.listeners.notifyFrame(msg)
}

// handleNarrative applies a narrative_response frame: reconcile the
// optimistic player entry (or append the confirmed one if nothing is
// outstanding), append the narrator response, merge any world delta, and
// clear the generating indicator.
func (r *router) handleNarrative(msg *wire.Message) {
	var payload narrativePayload
	if err := msg.DecodeData(&payload); err != nil {
		r.logger.Warn("Dropping narrative_response frame", zap.Error(err))
		return
	}

	if payload.PlayerEntry != nil {
		reconciled := false
		if rec := r.reconciler(); rec != nil {
			reconciled = rec.Reconcile(msg.SessionID, *payload.PlayerEntry)
		}
		if !reconciled {
			r.store.AddStoryEntry(*payload.PlayerEntry)
		}
	}
	if payload.ResponseEntry != nil {
		r.store.AddStoryEntry(*payload.ResponseEntry)
	}
	if len(payload.WorldDelta) > 0 {
		r.store.UpdateWorldState(payload.WorldDelta)
	}
	r.store.SetAIGenerating(false)
}
