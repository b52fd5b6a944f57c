package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStoryEntryLifecycle(t *testing.T) {
	store := NewMemoryStore(zaptest.NewLogger(t))

	t.Run("add and replace optimistic entry", func(t *testing.T) {
		optimistic := NewOptimisticEntry("look around")
		require.True(t, IsTempID(optimistic.ID))
		store.AddStoryEntry(optimistic)

		confirmed := NewPlayerEntry("look around")
		require.False(t, IsTempID(confirmed.ID))
		assert.True(t, store.ReplaceStoryEntry(optimistic.ID, confirmed))

		story := store.Story()
		require.Len(t, story, 1)
		assert.Equal(t, confirmed.ID, story[0].ID)
	})

	t.Run("replace preserves position", func(t *testing.T) {
		store := NewMemoryStore(zaptest.NewLogger(t))
		first := NewNarratorEntry("You are in a cave.")
		optimistic := NewOptimisticEntry("light torch")
		last := NewNarratorEntry("The torch flares.")
		store.AddStoryEntry(first)
		store.AddStoryEntry(optimistic)
		store.AddStoryEntry(last)

		confirmed := NewPlayerEntry("light torch")
		require.True(t, store.ReplaceStoryEntry(optimistic.ID, confirmed))

		story := store.Story()
		require.Len(t, story, 3)
		assert.Equal(t, confirmed.ID, story[1].ID)
	})

	t.Run("replace missing entry reports false", func(t *testing.T) {
		assert.False(t, store.ReplaceStoryEntry("temp-missing", NewPlayerEntry("x")))
	})

	t.Run("remove entry", func(t *testing.T) {
		store := NewMemoryStore(zaptest.NewLogger(t))
		entry := NewOptimisticEntry("jump")
		store.AddStoryEntry(entry)

		assert.True(t, store.RemoveStoryEntry(entry.ID))
		assert.False(t, store.RemoveStoryEntry(entry.ID))
		assert.Empty(t, store.Story())
	})
}

func TestSnapshotRestore(t *testing.T) {
	store := NewMemoryStore(zaptest.NewLogger(t))
	store.AddStoryEntry(NewNarratorEntry("Once upon a time."))

	snapshot := store.SnapshotStory()
	store.AddStoryEntry(NewOptimisticEntry("do something rash"))
	require.Len(t, store.Story(), 2)

	store.RestoreStory(snapshot)
	story := store.Story()
	require.Len(t, story, 1)
	assert.Equal(t, "Once upon a time.", story[0].Text)

	// The snapshot is a copy; mutating the store after restore must not
	// leak back into it.
	store.AddStoryEntry(NewNarratorEntry("And then."))
	assert.Len(t, snapshot, 1)
}

func TestUpdateWorldState(t *testing.T) {
	store := NewMemoryStore(zaptest.NewLogger(t))

	store.UpdateWorldState(map[string]any{"torch_lit": true, "room": "cave"})
	assert.Equal(t, true, store.World()["torch_lit"])

	t.Run("nil values delete keys", func(t *testing.T) {
		store.UpdateWorldState(map[string]any{"torch_lit": nil, "room": "tunnel"})

		world := store.World()
		_, exists := world["torch_lit"]
		assert.False(t, exists)
		assert.Equal(t, "tunnel", world["room"])
	})

	t.Run("empty delta is a no-op", func(t *testing.T) {
		notified := false
		store.Subscribe(func() { notified = true })
		store.UpdateWorldState(nil)
		assert.False(t, notified)
	})
}

func TestUpdateQuest(t *testing.T) {
	store := NewMemoryStore(zaptest.NewLogger(t))

	quest := Quest{ID: "q1", Name: "Find the amulet", Status: QuestStatusActive}
	store.UpdateQuest(quest)
	require.Len(t, store.Quests(), 1)

	quest.Status = QuestStatusCompleted
	store.UpdateQuest(quest)

	quests := store.Quests()
	require.Len(t, quests, 1)
	assert.Equal(t, QuestStatusCompleted, quests[0].Status)

	store.UpdateQuest(Quest{ID: "q2", Name: "Escape the cave", Status: QuestStatusActive})
	assert.Len(t, store.Quests(), 2)
}

func TestIndicators(t *testing.T) {
	store := NewMemoryStore(zaptest.NewLogger(t))

	store.SetAIGenerating(true)
	assert.True(t, store.AIGenerating())

	store.SetConnectionStatus("connected")
	assert.Equal(t, "connected", store.ConnectionStatus())

	store.SetLastError("the narrator is unavailable")
	assert.Equal(t, "the narrator is unavailable", store.LastError())
}

func TestSubscribers(t *testing.T) {
	store := NewMemoryStore(zaptest.NewLogger(t))

	count := 0
	store.Subscribe(func() { count++ })

	store.AddStoryEntry(NewNarratorEntry("one"))
	store.SetAIGenerating(true)
	store.SetAIGenerating(true) // unchanged, no notification
	store.UpdateCharacter(CharacterState{Name: "Riva"})

	assert.Equal(t, 3, count)
}
