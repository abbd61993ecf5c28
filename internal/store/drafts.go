package store

import "fmt"

// SaveDraft implements thread.DraftSaver. Empty text deletes the draft.
func (s *Store) SaveDraft(threadID, text string) error {
	if text == "" {
		if _, err := s.db.Exec(`DELETE FROM drafts WHERE thread_id = ?`, threadID); err != nil {
			return fmt.Errorf("delete draft: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO drafts (thread_id, text, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at`,
		threadID, text, s.now().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// LoadDrafts implements thread.DraftSaver.
func (s *Store) LoadDrafts() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT thread_id, text FROM drafts`)
	if err != nil {
		return nil, fmt.Errorf("load drafts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("scan draft: %w", err)
		}
		out[id] = text
	}
	return out, rows.Err()
}
