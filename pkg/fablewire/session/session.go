// Package session holds the game session domain model and the state store
// that mirrors server authoritative data for a UI layer.
package session

import (
	"time"

	"github.com/google/uuid"
)

// CharacterState describes the player character as the server last reported it.
type CharacterState struct {
	Name      string         `json:"name,omitempty"`
	Health    int            `json:"health,omitempty"`
	Stats     map[string]any `json:"stats,omitempty"`
	Inventory []string       `json:"inventory,omitempty"`
}

// Quest statuses.
const (
	QuestStatusActive    = "active"
	QuestStatusCompleted = "completed"
	QuestStatusFailed    = "failed"
)

// Quest is a single quest line tracked for the session.
type Quest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
}

// GameSession is the canonical session document: the story transcript plus
// world, character and quest state.
type GameSession struct {
	ID        string         `json:"id"`
	Story     []StoryEntry   `json:"story,omitempty"`
	World     map[string]any `json:"world,omitempty"`
	Character CharacterState `json:"character,omitempty"`
	Quests    []Quest        `json:"quests,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewGameSession creates an empty session document with a fresh id.
func NewGameSession() *GameSession {
	now := time.Now()
	return &GameSession{
		ID:        uuid.NewString(),
		Story:     make([]StoryEntry, 0),
		World:     make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// PendingActionRecord is an audit trail entry for a submitted action,
// kept independent of whether the action ultimately succeeded.
type PendingActionRecord struct {
	SessionID   string    `json:"session_id"`
	ActionText  string    `json:"action_text"`
	SubmittedAt time.Time `json:"submitted_at"`
}
