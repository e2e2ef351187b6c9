package devbroker

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/pfwidget/pkg/chat"
)

var ErrChatNotFound = errors.New("devbroker: chat not found")

// ChatRecord is one visitor conversation as stored by the broker.
type ChatRecord struct {
	ID         chat.ID
	ExternalID string
	Platform   string
	ClientName string
	Status     chat.Status
	CreatedAt  time.Time
}

// Store persists chats and their messages. Message ids are unique across
// chats and strictly increasing.
type Store interface {
	// OpenChat returns the chat bound to (platform, externalID), creating it
	// in AI status when missing.
	OpenChat(ctx context.Context, externalID, platform, clientName string) (ChatRecord, error)
	GetChat(ctx context.Context, id chat.ID) (ChatRecord, bool, error)
	SetStatus(ctx context.Context, id chat.ID, status chat.Status) error
	AppendMessage(ctx context.Context, chatID chat.ID, role chat.Role, content string) (chat.Message, error)
	Messages(ctx context.Context, chatID chat.ID) ([]chat.Message, error)
	Close() error
}

func normalizeOpen(externalID, platform, clientName string) (string, string, string, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return "", "", "", errors.New("external_id is empty")
	}
	platform = strings.TrimSpace(platform)
	if platform == "" {
		platform = chat.PlatformWeb
	}
	clientName = strings.TrimSpace(clientName)
	if clientName == "" {
		clientName = "Unknown"
	}
	return externalID, platform, clientName, nil
}

func validStatus(s chat.Status) bool {
	switch s {
	case chat.StatusAI, chat.StatusHuman, chat.StatusDone:
		return true
	default:
		return false
	}
}
