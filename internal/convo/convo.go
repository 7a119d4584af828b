// Package convo is Portal's conversation/context manager: an
// append-only SQLite log of messages per chat, shared across every
// front-end interface so a user gets the same context whether they
// message in over Telegram, the web UI, or Slack.
package convo

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/portalhq/portal/internal/portalerr"
)

// Message is one turn of conversation.
type Message struct {
	Role      string
	Content   string
	Timestamp time.Time
	Interface string
	Metadata  map[string]any
}

// Manager owns the SQLite-backed conversation log.
type Manager struct {
	db               *sql.DB
	maxContextLength int
}

func New(dbPath string, maxContextMessages int) (*Manager, error) {
	if maxContextMessages <= 0 {
		maxContextMessages = 50
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("convo: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("convo: open db: %w", err)
	}

	m := &Manager{db: db, maxContextLength: maxContextMessages}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) initSchema() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			interface TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_chat_id ON conversations(chat_id, timestamp DESC);
	`)
	return err
}

func (m *Manager) Close() error {
	return m.db.Close()
}

// Add appends a message to chatID's history.
func (m *Manager) Add(chatID, role, content, iface string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return portalerr.Wrap(portalerr.InternalError, "encode message metadata", err, nil)
	}

	_, err = m.db.Exec(`
		INSERT INTO conversations (chat_id, role, content, timestamp, interface, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		chatID, role, content, time.Now().Format(time.RFC3339Nano), iface, string(encoded))
	if err != nil {
		return portalerr.Wrap(portalerr.DatabaseError, "insert message", err, map[string]any{"chat_id": chatID})
	}
	return nil
}

// History returns chatID's messages in chronological order, most
// recent limit messages (0 means the manager's configured default).
func (m *Manager) History(chatID string, limit int, includeSystem bool) ([]Message, error) {
	if limit <= 0 {
		limit = m.maxContextLength
	}

	query := `SELECT role, content, timestamp, interface, metadata FROM conversations WHERE chat_id = ?`
	args := []any{chatID}
	if !includeSystem {
		query += ` AND role != 'system'`
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := m.db.Query(query, args...)
	if err != nil {
		return nil, portalerr.Wrap(portalerr.DatabaseError, "query history", err, map[string]any{"chat_id": chatID})
	}
	defer rows.Close()

	var reversed []Message
	for rows.Next() {
		var msg Message
		var ts, metaRaw string
		if err := rows.Scan(&msg.Role, &msg.Content, &ts, &msg.Interface, &metaRaw); err != nil {
			return nil, portalerr.Wrap(portalerr.DatabaseError, "scan history row", err, nil)
		}
		msg.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		_ = json.Unmarshal([]byte(metaRaw), &msg.Metadata)
		reversed = append(reversed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, portalerr.Wrap(portalerr.DatabaseError, "iterate history rows", err, nil)
	}

	messages := make([]Message, len(reversed))
	for i, msg := range reversed {
		messages[len(reversed)-1-i] = msg
	}
	return messages, nil
}

// FormattedMessage is a role/content pair suitable for a backend's
// chat completion API.
type FormattedMessage struct {
	Role    string
	Content string
}

// FormattedHistory returns history reshaped for the given backend
// wire format. "anthropic" collapses every non-user role into
// "assistant" since Anthropic's API only distinguishes user/assistant.
func (m *Manager) FormattedHistory(chatID string, limit int, format string) ([]FormattedMessage, error) {
	messages, err := m.History(chatID, limit, true)
	if err != nil {
		return nil, err
	}

	out := make([]FormattedMessage, 0, len(messages))
	switch format {
	case "openai":
		for _, msg := range messages {
			out = append(out, FormattedMessage{Role: msg.Role, Content: msg.Content})
		}
	case "anthropic":
		for _, msg := range messages {
			role := "assistant"
			if msg.Role == "user" {
				role = "user"
			}
			out = append(out, FormattedMessage{Role: role, Content: msg.Content})
		}
	default:
		return nil, portalerr.NewValidationError("unsupported format: "+format, nil)
	}
	return out, nil
}

func (m *Manager) ClearHistory(chatID string) error {
	_, err := m.db.Exec(`DELETE FROM conversations WHERE chat_id = ?`, chatID)
	if err != nil {
		return portalerr.Wrap(portalerr.DatabaseError, "clear history", err, map[string]any{"chat_id": chatID})
	}
	return nil
}

// Summary aggregates a conversation's size and span across interfaces.
type Summary struct {
	ChatID        string
	TotalMessages int
	FirstMessage  time.Time
	LastMessage   time.Time
	Interfaces    []string
}

func (m *Manager) ConversationSummary(chatID string) (*Summary, error) {
	rows, err := m.db.Query(`
		SELECT COUNT(*), MIN(timestamp), MAX(timestamp), interface
		FROM conversations WHERE chat_id = ? GROUP BY interface`, chatID)
	if err != nil {
		return nil, portalerr.Wrap(portalerr.DatabaseError, "summarize conversation", err, nil)
	}
	defer rows.Close()

	summary := &Summary{ChatID: chatID}
	found := false
	for rows.Next() {
		var count int
		var first, last, iface string
		if err := rows.Scan(&count, &first, &last, &iface); err != nil {
			return nil, portalerr.Wrap(portalerr.DatabaseError, "scan summary row", err, nil)
		}
		found = true
		summary.TotalMessages += count
		summary.Interfaces = append(summary.Interfaces, iface)

		firstTime, _ := time.Parse(time.RFC3339Nano, first)
		lastTime, _ := time.Parse(time.RFC3339Nano, last)
		if summary.FirstMessage.IsZero() || firstTime.Before(summary.FirstMessage) {
			summary.FirstMessage = firstTime
		}
		if lastTime.After(summary.LastMessage) {
			summary.LastMessage = lastTime
		}
	}

	if !found {
		return nil, portalerr.NewContextNotFound("no conversation found for chat_id: "+chatID, nil)
	}
	return summary, nil
}

// CleanupOldConversations deletes messages older than daysToKeep and
// returns the number of rows removed.
func (m *Manager) CleanupOldConversations(daysToKeep int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(daysToKeep) * 24 * time.Hour)
	result, err := m.db.Exec(`DELETE FROM conversations WHERE created_at < ?`, cutoff.Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, portalerr.Wrap(portalerr.DatabaseError, "cleanup old conversations", err, nil)
	}
	return result.RowsAffected()
}
