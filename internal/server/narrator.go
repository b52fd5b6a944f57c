package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/fablewire/fablewire/pkg/fablewire/session"
)

// Narration is the narrator's output for one player action: the prose reply
// and, optionally, the complete world state after the action. A nil World
// means the action changed nothing.
type Narration struct {
	Text  string
	World map[string]any
}

// Narrator turns a player action into the next beat of the story. The server
// is agnostic about how: an LLM, a script, or anything else that can keep a
// story going.
type Narrator interface {
	Narrate(ctx context.Context, sess *session.GameSession, action string) (*Narration, error)
}

const systemPrompt = `You are the narrator of an interactive fiction game.
The player sends actions; you reply with the next beat of the story.

Respond with a single JSON object, no markdown fences:
{"narrative": "<2-4 sentences of second-person prose>", "world": {<the complete world state after this action>}}

Keep the world object flat where possible and omit it entirely when the
action changes nothing. Never break character, never address the player as
an AI user.`

// AnthropicNarrator generates narrative via the Anthropic Messages API.
type AnthropicNarrator struct {
	client anthropic.Client
	model  string
	logger *zap.Logger
}

// NewAnthropicNarrator creates a narrator backed by the Anthropic API.
func NewAnthropicNarrator(apiKey, model string, logger *zap.Logger) *AnthropicNarrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnthropicNarrator{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		logger: logger,
	}
}

// Narrate sends the recent transcript plus the new action to the model and
// parses its JSON reply. A reply that is not valid JSON is treated as plain
// narrative with no world update rather than an error.
func (n *AnthropicNarrator) Narrate(ctx context.Context, sess *session.GameSession, action string) (*Narration, error) {
	messages := transcriptMessages(sess, action)

	resp, err := n.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(n.model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("narrator request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		text.WriteString(block.Text)
	}
	raw := strings.TrimSpace(text.String())
	if raw == "" {
		return nil, fmt.Errorf("narrator returned an empty reply")
	}

	return parseNarration(raw, n.logger), nil
}

// transcriptMessages converts the session story into alternating chat turns,
// bounded to the most recent exchanges, with the new action last.
func transcriptMessages(sess *session.GameSession, action string) []anthropic.MessageParam {
	const maxEntries = 40

	story := sess.Story
	if len(story) > maxEntries {
		story = story[len(story)-maxEntries:]
	}

	messages := make([]anthropic.MessageParam, 0, len(story)+2)
	if len(sess.World) > 0 {
		world, err := json.Marshal(sess.World)
		if err == nil {
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock("Current world state: "+string(world)),
			))
		}
	}
	for _, entry := range story {
		block := anthropic.NewTextBlock(entry.Text)
		if entry.Type == session.EntryTypeNarrator {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	return append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(action)))
}

// parseNarration extracts narrative and world state from the model reply,
// degrading to raw prose when the reply is not the requested JSON shape.
func parseNarration(raw string, logger *zap.Logger) *Narration {
	var reply struct {
		Narrative string         `json:"narrative"`
		World     map[string]any `json:"world"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil || reply.Narrative == "" {
		logger.Debug("Narrator reply was not structured JSON, using raw text")
		return &Narration{Text: raw}
	}
	return &Narration{Text: reply.Narrative, World: reply.World}
}

// ScriptedNarrator cycles through a fixed list of responses. It backs the
// server when no API key is configured and keeps tests deterministic.
type ScriptedNarrator struct {
	mu        sync.Mutex
	responses []Narration
	next      int
}

// NewScriptedNarrator creates a narrator that replays the given responses in
// order, wrapping around at the end. With no responses it echoes the action.
func NewScriptedNarrator(responses ...Narration) *ScriptedNarrator {
	return &ScriptedNarrator{responses: responses}
}

// Narrate returns the next scripted response.
func (n *ScriptedNarrator) Narrate(_ context.Context, _ *session.GameSession, action string) (*Narration, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.responses) == 0 {
		return &Narration{Text: fmt.Sprintf("You %s. The world takes note, and waits.", action)}, nil
	}
	narration := n.responses[n.next%len(n.responses)]
	n.next++
	return &narration, nil
}
