package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Thread struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id,omitempty"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateThread inserts t, minting an ID when t.ID is empty. A thread whose
// ClientID was already used is returned as stored instead of duplicated.
func (s *Store) CreateThread(ctx context.Context, t *Thread) error {
	if t.ClientID != "" {
		existing, err := s.threadByClientID(ctx, t.ClientID)
		if err != nil {
			return err
		}
		if existing != nil {
			*t = *existing
			return nil
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, client_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.ClientID, t.Title, now.Format(timeFmt), now.Format(timeFmt))
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

// GetThread returns the thread or ErrThreadNotFound.
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, title, created_at, updated_at FROM threads WHERE id = ?`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

// ListThreads returns threads, most recently active first.
func (s *Store) ListThreads(ctx context.Context) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id, title, created_at, updated_at FROM threads ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()
	var result []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) RenameThread(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET title = ?, updated_at = ? WHERE id = ?`, title, s.now().Format(timeFmt), id)
	if err != nil {
		return fmt.Errorf("rename thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// DeleteThread removes the thread, its messages, and its draft.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrThreadNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM drafts WHERE thread_id = ?`, id); err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	return tx.Commit()
}

func (s *Store) threadByClientID(ctx context.Context, clientID string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, client_id, title, created_at, updated_at FROM threads WHERE client_id = ?`, clientID)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup thread by client id: %w", err)
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(sc scanner) (*Thread, error) {
	var t Thread
	var created, updated string
	if err := sc.Scan(&t.ID, &t.ClientID, &t.Title, &created, &updated); err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}
