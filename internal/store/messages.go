package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/threadline/internal/thread"
)

type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	ClientID  string    `json:"client_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendMessage stores m at the end of its thread and bumps the thread's
// updated_at. Resending a ClientID already stored in the thread returns the
// stored message.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	if m.ClientID != "" {
		row := tx.QueryRowContext(ctx,
			`SELECT id, thread_id, client_id, role, content, created_at FROM messages WHERE thread_id = ? AND client_id = ?`,
			m.ThreadID, m.ClientID)
		existing, err := scanMessage(row)
		if err == nil {
			*m = *existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup message by client id: %w", err)
		}
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := s.now()
	m.CreatedAt = now
	res, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, now.Format(timeFmt), m.ThreadID)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrThreadNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, client_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.ClientID, m.Role, m.Content, now.Format(timeFmt)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// ListMessages returns the thread's messages oldest first. limit > 0 keeps
// only the most recent limit messages.
func (s *Store) ListMessages(ctx context.Context, threadID string, limit int) ([]*Message, error) {
	query := `SELECT id, thread_id, client_id, role, content, created_at FROM messages WHERE thread_id = ? ORDER BY seq ASC`
	args := []any{threadID}
	if limit > 0 {
		query = `SELECT id, thread_id, client_id, role, content, created_at FROM (
			SELECT seq, id, thread_id, client_id, role, content, created_at FROM messages
			WHERE thread_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var result []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *Store) UpdateMessage(ctx context.Context, id, content string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// LoadThread implements thread.Loader.
func (s *Store) LoadThread(ctx context.Context, threadID string, opts thread.LoadOptions) (thread.LoadResult, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return thread.LoadResult{}, err
	}
	msgs, err := s.ListMessages(ctx, threadID, opts.Limit)
	if err != nil {
		return thread.LoadResult{}, err
	}
	res := thread.LoadResult{ThreadID: threadID, Messages: make([]thread.Message, 0, len(msgs))}
	for _, m := range msgs {
		res.Messages = append(res.Messages, m.ThreadMessage())
	}
	return res, nil
}

// ThreadMessage converts m to the switcher's message type.
func (m *Message) ThreadMessage() thread.Message {
	return thread.Message{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		Role:      m.Role,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
	}
}

func scanMessage(sc scanner) (*Message, error) {
	var m Message
	var created string
	if err := sc.Scan(&m.ID, &m.ThreadID, &m.ClientID, &m.Role, &m.Content, &created); err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(created)
	return &m, nil
}
