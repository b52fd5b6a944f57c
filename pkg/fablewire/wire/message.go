// Package wire defines the JSON frame format exchanged between a game
// client and the narrative server, in both directions.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame type constants for the fablewire protocol. The set is closed:
// frames with any other type are logged and dropped by the router.
const (
	// Client to server
	TypeConnection = "connection" // handshake metadata / confirmation
	TypePing       = "ping"       // heartbeat
	TypeAction     = "action"     // player action text

	// Server to client
	TypePong              = "pong"
	TypeNarrativeResponse = "narrative_response"
	TypeWorldChange       = "world_change"
	TypeCharacterUpdate   = "character_update"
	TypeQuestUpdate       = "quest_update"
	TypeActionResponse    = "action_response"
	TypeError             = "error"
)

// Message is the JSON structure for frames on the game socket.
// Every outbound frame is stamped with the session id and a send-time
// timestamp by the transport, even if the composer left them unset.
type Message struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"` // unix milliseconds
	SessionID string         `json:"session_id,omitempty"`
}

// Stamp fills in the session id and timestamp if the composer omitted them.
func (m *Message) Stamp(sessionID string, now time.Time) {
	if m.SessionID == "" {
		m.SessionID = sessionID
	}
	if m.Timestamp == 0 {
		m.Timestamp = now.UnixMilli()
	}
}

// Encode marshals the frame for transmission.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", m.Type, err)
	}
	return data, nil
}

// DecodeData unmarshals the frame payload into a typed structure.
func (m *Message) DecodeData(v any) error {
	raw, err := json.Marshal(m.Data)
	if err != nil {
		return fmt.Errorf("failed to remarshal %s payload: %w", m.Type, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Decode parses a raw inbound frame.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	return &msg, nil
}

// NewConnection builds the client hello frame sent immediately after the
// socket opens. The server answers with its own connection frame carrying
// data.status = "connected" before the channel is considered usable.
func NewConnection(clientName, clientVersion string) *Message {
	return &Message{
		Type: TypeConnection,
		Data: map[string]any{
			"client":  clientName,
			"version": clientVersion,
		},
	}
}

// NewConnectionConfirmed builds the server side handshake confirmation.
func NewConnectionConfirmed(sessionID string) *Message {
	return &Message{
		Type:      TypeConnection,
		SessionID: sessionID,
		Data:      map[string]any{"status": StatusConnectedValue},
	}
}

// StatusConnectedValue is the data.status value on a connection frame that
// completes the two-phase handshake.
const StatusConnectedValue = "connected"

// Confirmed reports whether this frame is the server handshake confirmation.
func (m *Message) Confirmed() bool {
	if m.Type != TypeConnection || m.Data == nil {
		return false
	}
	status, _ := m.Data["status"].(string)
	return status == StatusConnectedValue
}

// NewPing builds a heartbeat frame. The payload carries only a timestamp;
// the matching pong is informational.
func NewPing() *Message {
	return &Message{Type: TypePing, Data: map[string]any{}}
}

// NewPong builds the server heartbeat reply.
func NewPong() *Message {
	return &Message{Type: TypePong, Data: map[string]any{}}
}

// NewAction builds a player action frame.
func NewAction(sessionID, action string) *Message {
	return &Message{
		Type:      TypeAction,
		SessionID: sessionID,
		Data:      map[string]any{"action": action},
	}
}

// ActionText extracts the action text from an action frame.
func (m *Message) ActionText() string {
	if m.Data == nil {
		return ""
	}
	action, _ := m.Data["action"].(string)
	return action
}

// NewError builds a server application error frame. Error frames report
// logical failures over a healthy socket; they never close the channel.
func NewError(sessionID, code, message string) *Message {
	return &Message{
		Type:      TypeError,
		SessionID: sessionID,
		Data:      map[string]any{"code": code, "message": message},
	}
}

// ErrorText extracts the human readable message from an error frame.
func (m *Message) ErrorText() string {
	if m.Data == nil {
		return ""
	}
	text, _ := m.Data["message"].(string)
	return text
}
