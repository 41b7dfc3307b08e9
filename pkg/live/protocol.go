package live

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/putto11262002/chatcampus/core"
)

// Client to server actions. The auth action casing is the one the server
// matches; "Auth_check" is not accepted.
const (
	ActionAuth          = "Auth_Check"
	ActionSendMessage   = "send_message"
	ActionDeleteMessage = "delete_message"
)

// Server to client events.
const (
	EventChatMessage           = "chat_message"
	EventChatMessageDelete     = "chat_message_delete"
	EventConnectionEstablished = "connection_established"
	EventAuthSuccess           = "auth_success"
	EventError                 = "error"
)

type Action struct {
	Action    string `json:"action"`
	Token     string `json:"token,omitempty"`
	Body      string `json:"body,omitempty"`
	MessageID int    `json:"message_id,omitempty"`
}

// MarshalJSON always writes message_id for delete_message, where 0 is still an
// id, and omits it for every other action.
func (a Action) MarshalJSON() ([]byte, error) {
	type wire Action
	if a.Action != ActionDeleteMessage {
		return json.Marshal(wire(a))
	}
	return json.Marshal(struct {
		wire
		MessageID int `json:"message_id"`
	}{wire(a), a.MessageID})
}

func SendMessage(body string) Action {
	return Action{Action: ActionSendMessage, Body: body}
}

func DeleteMessage(id int) Action {
	return Action{Action: ActionDeleteMessage, MessageID: id}
}

func authAction(token string) Action {
	return Action{Action: ActionAuth, Token: token}
}

// Event is an inbound frame. Message is a message object for chat_message and
// a plain string for the informational events.
type Event struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message,omitempty"`
	MessageID int             `json:"message_id,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, MessageID: %d, Message.Size: %d}", e.Type, e.MessageID, len(e.Message))
}

// ChatMessage decodes the message carried by a chat_message event.
func (e Event) ChatMessage() (core.Message, error) {
	var m core.Message
	if err := json.Unmarshal(e.Message, &m); err != nil {
		return core.Message{}, fmt.Errorf("decode chat message: %w", err)
	}
	return m, nil
}

// Text returns the string message of an informational event.
func (e Event) Text() string {
	var s string
	if err := json.Unmarshal(e.Message, &s); err != nil {
		return string(e.Message)
	}
	return s
}

func EncodeAction(w io.Writer, a *Action) error {
	if err := json.NewEncoder(w).Encode(a); err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}
