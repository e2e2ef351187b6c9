// Package chat holds the domain types shared by the widget engine: chat
// sessions, server messages and the roles of conversation participants.
package chat

import (
	"strings"
)

// ID is the chat identifier assigned by the Chat API.
type ID int64

// MessageID is the server-assigned message identifier. The zero value means
// the message has not been confirmed by the server yet.
type MessageID int64

// PlatformWeb is the only platform the widget announces.
const PlatformWeb = "web"

// Role is the author of a message as seen by the widget.
type Role string

const (
	RoleVisitor  Role = "visitor"
	RoleAgent    Role = "agent"
	RoleOperator Role = "operator"
)

// Wire roles used by the backend.
const (
	WireRoleUser      = "user"
	WireRoleAssistant = "assistant"
	WireRoleManager   = "manager"
	WireRoleSystem    = "system"
)

// RoleFromWire maps a backend role onto a widget role. Anything that is not
// the visitor or a human operator is rendered as the agent.
func RoleFromWire(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case WireRoleUser, string(RoleVisitor):
		return RoleVisitor
	case WireRoleManager, string(RoleOperator):
		return RoleOperator
	default:
		return RoleAgent
	}
}

// Wire returns the backend spelling of the role.
func (r Role) Wire() string {
	switch r {
	case RoleVisitor:
		return WireRoleUser
	case RoleOperator:
		return WireRoleManager
	default:
		return WireRoleAssistant
	}
}

// Message is an immutable server message.
type Message struct {
	ID        MessageID
	Role      Role
	Content   string
	CreatedAt Timestamp
}

// Status is the handling mode of a chat on the backend.
type Status string

const (
	StatusAI    Status = "AI"
	StatusHuman Status = "HUMAN"
	StatusDone  Status = "DONE"
)

// Session is a created or resumed chat. It lives in memory for the lifetime
// of the widget; only the external id is persisted.
type Session struct {
	ChatID     ID
	ExternalID string
	Platform   string
	Status     Status
}
