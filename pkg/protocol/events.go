// Package protocol defines the JSON envelopes exchanged with the chat broker
// over a websocket. Every frame is {"event": <name>, "data": <payload>} and
// decodes into one of the tagged event types below.
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/pfwidget/pkg/chat"
)

const (
	EventJoinChat    = "join_chat"
	EventSendMessage = "send_message"
	EventNewMessage  = "new_message"
	EventTypingStart = "typing_start"
	EventStatus      = "status"
)

var ErrUnknownEvent = errors.New("protocol: unknown event")

// Event is implemented by every frame payload.
type Event interface {
	EventName() string
}

// JoinChatEvent asks the broker to route a chat's events to this connection.
type JoinChatEvent struct {
	ChatID chat.ID `json:"chat_id"`
}

// SendMessageEvent is the live send path from the widget.
type SendMessageEvent struct {
	ChatID  chat.ID `json:"chat_id"`
	Content string  `json:"content"`
}

// NewMessageEvent carries a persisted message pushed by the broker.
type NewMessageEvent struct {
	Message chat.Message
}

// TypingStartEvent signals that the counterpart started composing a reply.
type TypingStartEvent struct{}

// StatusEvent is the broker's informational acknowledgement (e.g. after join).
type StatusEvent struct {
	Msg string `json:"msg"`
}

func (JoinChatEvent) EventName() string    { return EventJoinChat }
func (SendMessageEvent) EventName() string { return EventSendMessage }
func (NewMessageEvent) EventName() string  { return EventNewMessage }
func (TypingStartEvent) EventName() string { return EventTypingStart }
func (StatusEvent) EventName() string      { return EventStatus }

// WireMessage is the JSON shape of a message on the wire and in REST bodies.
type WireMessage struct {
	ID        chat.MessageID `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	CreatedAt chat.Timestamp `json:"created_at"`
}

func (w WireMessage) ToMessage() chat.Message {
	return chat.Message{
		ID:        w.ID,
		Role:      chat.RoleFromWire(w.Role),
		Content:   w.Content,
		CreatedAt: w.CreatedAt,
	}
}

func FromMessage(m chat.Message) WireMessage {
	return WireMessage{
		ID:        m.ID,
		Role:      m.Role.Wire(),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode serializes an event into a frame.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("protocol: nil event")
	}
	var payload any = ev
	switch e := ev.(type) {
	case NewMessageEvent:
		payload = FromMessage(e.Message)
	case *NewMessageEvent:
		payload = FromMessage(e.Message)
	case TypingStartEvent, *TypingStartEvent:
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "protocol: marshal %s", ev.EventName())
	}
	return json.Marshal(envelope{Event: ev.EventName(), Data: data})
}

// Decode parses a frame. Unknown event names return an error wrapping
// ErrUnknownEvent so callers can skip them.
func Decode(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, errors.Wrap(err, "protocol: malformed frame")
	}
	data := env.Data
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	switch strings.TrimSpace(env.Event) {
	case EventNewMessage:
		var w WireMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, errors.Wrap(err, "protocol: new_message payload")
		}
		return NewMessageEvent{Message: w.ToMessage()}, nil
	case EventTypingStart:
		return TypingStartEvent{}, nil
	case EventStatus:
		var s StatusEvent
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, errors.Wrap(err, "protocol: status payload")
		}
		return s, nil
	case EventJoinChat:
		var j JoinChatEvent
		if err := json.Unmarshal(data, &j); err != nil {
			// the original widget emits the bare chat id
			var id chat.ID
			if err2 := json.Unmarshal(data, &id); err2 != nil {
				return nil, errors.Wrap(err, "protocol: join_chat payload")
			}
			j.ChatID = id
		}
		return j, nil
	case EventSendMessage:
		var s SendMessageEvent
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, errors.Wrap(err, "protocol: send_message payload")
		}
		return s, nil
	default:
		return nil, errors.Wrapf(ErrUnknownEvent, "%q", env.Event)
	}
}
