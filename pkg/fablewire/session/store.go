package session

import (
	"sync"

	"go.uber.org/zap"
)

// Store is the mutation API for session state as seen by a client. It is the
// single source of truth for confirmed game data: the transport's frame
// router and the action dispatcher only write through it, never around it.
type Store interface {
	// AddStoryEntry appends an entry to the story transcript.
	AddStoryEntry(entry StoryEntry)

	// ReplaceStoryEntry swaps the entry with the given temporary id for the
	// server confirmed entry, preserving its position in the transcript.
	// It reports whether an entry with that id existed.
	ReplaceStoryEntry(tempID string, confirmed StoryEntry) bool

	// RemoveStoryEntry deletes the entry with the given temporary id.
	// It reports whether an entry with that id existed.
	RemoveStoryEntry(tempID string) bool

	// UpdateWorldState merges a world state delta into the current state.
	// Keys with nil values are deleted, matching the server's delta format.
	UpdateWorldState(delta map[string]any)

	// UpdateCharacter replaces the character sheet.
	UpdateCharacter(character CharacterState)

	// UpdateQuest inserts or replaces a quest by id.
	UpdateQuest(quest Quest)

	// SetAIGenerating toggles the "AI is generating" indicator.
	SetAIGenerating(generating bool)

	// SetConnectionStatus mirrors the transport status for UI consumption.
	SetConnectionStatus(status string)

	// SetLastError records the most recent surfaced error message.
	SetLastError(message string)

	// SnapshotStory returns a copy of the story transcript, taken before a
	// speculative mutation so a failed action can roll back.
	SnapshotStory() []StoryEntry

	// RestoreStory replaces the story transcript with a prior snapshot.
	RestoreStory(story []StoryEntry)
}

// MemoryStore is the in-memory Store implementation used by clients. Every
// mutation happens under one lock and notifies subscribers afterwards, so a
// subscriber may be called several times in quick succession; it must treat
// each notification as "state may have changed" rather than a diff.
type MemoryStore struct {
	mu          sync.RWMutex
	story       []StoryEntry
	world       map[string]any
	character   CharacterState
	quests      []Quest
	generating  bool
	connStatus  string
	lastError   string
	subscribers []func()
	logger      *zap.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		story:  make([]StoryEntry, 0),
		world:  make(map[string]any),
		logger: logger,
	}
}

// Subscribe registers a change callback invoked after every mutation.
// Callbacks run synchronously on the mutating goroutine.
func (s *MemoryStore) Subscribe(fn func()) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, fn)
	s.mu.Unlock()
}

func (s *MemoryStore) notify() {
	s.mu.RLock()
	subs := make([]func(), len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.RUnlock()

	for _, fn := range subs {
		fn()
	}
}

func (s *MemoryStore) AddStoryEntry(entry StoryEntry) {
	s.mu.Lock()
	s.story = append(s.story, entry)
	s.mu.Unlock()
	s.notify()
}

func (s *MemoryStore) ReplaceStoryEntry(tempID string, confirmed StoryEntry) bool {
	s.mu.Lock()
	replaced := false
	for i := range s.story {
		if s.story[i].ID == tempID {
			s.story[i] = confirmed
			replaced = true
			break
		}
	}
	s.mu.Unlock()

	if replaced {
		s.notify()
	} else {
		s.logger.Debug("No story entry to replace", zap.String("temp_id", tempID))
	}
	return replaced
}

func (s *MemoryStore) RemoveStoryEntry(tempID string) bool {
	s.mu.Lock()
	removed := false
	for i := range s.story {
		if s.story[i].ID == tempID {
			s.story = append(s.story[:i], s.story[i+1:]...)
			removed = true
			break
		}
	}
	s.mu.Unlock()

	if removed {
		s.notify()
	}
	return removed
}

func (s *MemoryStore) UpdateWorldState(delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	s.mu.Lock()
	for key, value := range delta {
		if value == nil {
			delete(s.world, key)
		} else {
			s.world[key] = value
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *MemoryStore) UpdateCharacter(character CharacterState) {
	s.mu.Lock()
	s.character = character
	s.mu.Unlock()
	s.notify()
}

func (s *MemoryStore) UpdateQuest(quest Quest) {
	s.mu.Lock()
	updated := false
	for i := range s.quests {
		if s.quests[i].ID == quest.ID {
			s.quests[i] = quest
			updated = true
			break
		}
	}
	if !updated {
		s.quests = append(s.quests, quest)
	}
	s.mu.Unlock()
	s.notify()
}

func (s *MemoryStore) SetAIGenerating(generating bool) {
	s.mu.Lock()
	changed := s.generating != generating
	s.generating = generating
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *MemoryStore) SetConnectionStatus(status string) {
	s.mu.Lock()
	changed := s.connStatus != status
	s.connStatus = status
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

func (s *MemoryStore) SetLastError(message string) {
	s.mu.Lock()
	s.lastError = message
	s.mu.Unlock()
	s.notify()
}

func (s *MemoryStore) SnapshotStory() []StoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make([]StoryEntry, len(s.story))
	copy(snapshot, s.story)
	return snapshot
}

func (s *MemoryStore) RestoreStory(story []StoryEntry) {
	s.mu.Lock()
	s.story = make([]StoryEntry, len(story))
	copy(s.story, story)
	s.mu.Unlock()
	s.notify()
}

// Story returns a copy of the current transcript.
func (s *MemoryStore) Story() []StoryEntry {
	return s.SnapshotStory()
}

// World returns a copy of the current world state.
func (s *MemoryStore) World() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	world := make(map[string]any, len(s.world))
	for k, v := range s.world {
		world[k] = v
	}
	return world
}

// Character returns the current character sheet.
func (s *MemoryStore) Character() CharacterState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.character
}

// Quests returns a copy of the current quest list.
func (s *MemoryStore) Quests() []Quest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	quests := make([]Quest, len(s.quests))
	copy(quests, s.quests)
	return quests
}

// AIGenerating reports whether the "AI is generating" indicator is on.
func (s *MemoryStore) AIGenerating() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generating
}

// ConnectionStatus returns the mirrored transport status.
func (s *MemoryStore) ConnectionStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connStatus
}

// LastError returns the most recently surfaced error message.
func (s *MemoryStore) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}
