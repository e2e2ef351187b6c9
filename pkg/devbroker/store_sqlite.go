package devbroker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/pfwidget/pkg/chat"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN with WAL, a busy timeout and foreign keys.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite chat store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  external_id TEXT NOT NULL,
		  platform TEXT NOT NULL,
		  client_name TEXT NOT NULL DEFAULT '',
		  status TEXT NOT NULL DEFAULT 'AI',
		  created_at_ms INTEGER NOT NULL,
		  UNIQUE (platform, external_id)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  chat_id INTEGER NOT NULL REFERENCES chats(id),
		  role TEXT NOT NULL,
		  content TEXT NOT NULL,
		  created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_chat
		  ON messages(chat_id, id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) OpenChat(ctx context.Context, externalID, platform, clientName string) (ChatRecord, error) {
	if s == nil || s.db == nil {
		return ChatRecord{}, errors.New("sqlite chat store: db is nil")
	}
	externalID, platform, clientName, err := normalizeOpen(externalID, platform, clientName)
	if err != nil {
		return ChatRecord{}, errors.Wrap(err, "sqlite chat store")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chats (external_id, platform, client_name, status, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(platform, external_id) DO NOTHING
	`, externalID, platform, clientName, string(chat.StatusAI), time.Now().UnixMilli())
	if err != nil {
		return ChatRecord{}, errors.Wrap(err, "sqlite chat store: insert chat")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, platform, client_name, status, created_at_ms
		FROM chats WHERE platform = ? AND external_id = ?
	`, platform, externalID)
	rec, err := scanChat(row)
	if err != nil {
		return ChatRecord{}, errors.Wrap(err, "sqlite chat store: load chat")
	}
	return rec, nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, id chat.ID) (ChatRecord, bool, error) {
	if s == nil || s.db == nil {
		return ChatRecord{}, false, errors.New("sqlite chat store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_id, platform, client_name, status, created_at_ms
		FROM chats WHERE id = ?
	`, int64(id))
	rec, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatRecord{}, false, nil
	}
	if err != nil {
		return ChatRecord{}, false, errors.Wrap(err, "sqlite chat store: get chat")
	}
	return rec, true, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id chat.ID, status chat.Status) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	if !validStatus(status) {
		return errors.Errorf("sqlite chat store: invalid status %q", status)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET status = ? WHERE id = ?`, string(status), int64(id))
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: update status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: update status")
	}
	if n == 0 {
		return errors.Wrapf(ErrChatNotFound, "chat %d", id)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, chatID chat.ID, role chat.Role, content string) (chat.Message, error) {
	if s == nil || s.db == nil {
		return chat.Message{}, errors.New("sqlite chat store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok, err := s.GetChat(ctx, chatID); err != nil {
		return chat.Message{}, err
	} else if !ok {
		return chat.Message{}, errors.Wrapf(ErrChatNotFound, "chat %d", chatID)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (chat_id, role, content, created_at_ms) VALUES (?, ?, ?, ?)
	`, int64(chatID), role.Wire(), content, now.UnixMilli())
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "sqlite chat store: insert message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "sqlite chat store: message id")
	}
	return chat.Message{
		ID:        chat.MessageID(id),
		Role:      role,
		Content:   content,
		CreatedAt: chat.Timestamp{Time: time.UnixMilli(now.UnixMilli()).UTC()},
	}, nil
}

func (s *SQLiteStore) Messages(ctx context.Context, chatID chat.ID) ([]chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok, err := s.GetChat(ctx, chatID); err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.Wrapf(ErrChatNotFound, "chat %d", chatID)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, created_at_ms FROM messages
		WHERE chat_id = ? ORDER BY id ASC
	`, int64(chatID))
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list messages")
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Message
	for rows.Next() {
		var (
			id        int64
			role      string
			content   string
			createdMs int64
		)
		if err := rows.Scan(&id, &role, &content, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan message")
		}
		out = append(out, chat.Message{
			ID:        chat.MessageID(id),
			Role:      chat.RoleFromWire(role),
			Content:   content,
			CreatedAt: chat.Timestamp{Time: time.UnixMilli(createdMs).UTC()},
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: iterate messages")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (ChatRecord, error) {
	var (
		rec       ChatRecord
		id        int64
		status    string
		createdMs int64
	)
	if err := row.Scan(&id, &rec.ExternalID, &rec.Platform, &rec.ClientName, &status, &createdMs); err != nil {
		return ChatRecord{}, err
	}
	rec.ID = chat.ID(id)
	rec.Status = chat.Status(status)
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	return rec, nil
}
