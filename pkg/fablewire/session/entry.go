package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Story entry types.
const (
	EntryTypePlayer   = "player"
	EntryTypeNarrator = "narrator"
)

// TempIDPrefix marks locally synthesized story entry ids. Server issued ids
// never carry it, so a temp id can always be told apart from a confirmed one.
const TempIDPrefix = "temp-"

// StoryEntry is one line of the story transcript: either a player action or
// a narrator response.
type StoryEntry struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // "player" or "narrator"
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix milliseconds
}

// NewTempID returns a fresh temporary entry id.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether an entry id is a locally synthesized temporary id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewPlayerEntry builds a confirmed player action entry with a server style id.
func NewPlayerEntry(text string) StoryEntry {
	return StoryEntry{
		ID:        uuid.NewString(),
		Type:      EntryTypePlayer,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewNarratorEntry builds a narrator response entry.
func NewNarratorEntry(text string) StoryEntry {
	return StoryEntry{
		ID:        uuid.NewString(),
		Type:      EntryTypeNarrator,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewOptimisticEntry builds the speculative player entry inserted at action
// submission time, before the server has confirmed anything.
func NewOptimisticEntry(text string) StoryEntry {
	return StoryEntry{
		ID:        NewTempID(),
		Type:      EntryTypePlayer,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
}
