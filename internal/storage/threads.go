package storage

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) CreateThread(t Thread) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	_, err := s.db.Exec(`
		INSERT INTO threads (id, title, user_id, resume_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.UserID, t.ResumeState,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	return err
}

func (s *Store) GetThread(id string) (Thread, error) {
	var t Thread
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, title, user_id, resume_state, created_at, updated_at
		FROM threads WHERE id = ?`, id,
	).Scan(&t.ID, &t.Title, &t.UserID, &t.ResumeState, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, err
	}
	if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Thread{}, err
	}
	if t.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Thread{}, err
	}
	return t, nil
}

// ListThreads returns threads by most recent activity. limit <= 0 returns
// all of them.
func (s *Store) ListThreads(limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT id, title, user_id, resume_state, created_at, updated_at
		FROM threads ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Thread
	for rows.Next() {
		var t Thread
		var createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.Title, &t.UserID, &t.ResumeState, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		if t.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// UpdateThreadResumeState overwrites the serialized resumption state and
// bumps updated_at.
func (s *Store) UpdateThreadResumeState(id, state string) error {
	res, err := s.db.Exec(`UPDATE threads SET resume_state = ?, updated_at = ? WHERE id = ?`,
		state, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteThread removes a thread. Messages cascade via the foreign key.
func (s *Store) DeleteThread(id string) error {
	res, err := s.db.Exec(`DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting thread %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
