package storage

import (
	"fmt"
	"time"
)

// AppendMessages persists a batch of messages for a thread, assigning each
// the next sequence number. The whole batch and the thread's updated_at bump
// happen in one transaction, so sequence assignment is atomic with respect
// to concurrent writers on the same thread.
//
// The input messages are returned with Seq and CreatedAt filled in.
func (s *Store) AppendMessages(threadID string, msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	out := make([]Message, len(msgs))
	copy(out, msgs)

	err := withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning append transaction: %w", err)
		}
		defer tx.Rollback()

		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM threads WHERE id = ?`, threadID).Scan(&exists); err != nil {
			return fmt.Errorf("checking thread %s: %w", threadID, err)
		}
		if exists == 0 {
			return ErrNotFound
		}

		var maxSeq int64
		if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE thread_id = ?`, threadID).Scan(&maxSeq); err != nil {
			return fmt.Errorf("reading max sequence for thread %s: %w", threadID, err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO messages (id, thread_id, seq, role, text_content, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing insert statement: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for i := range out {
			out[i].ThreadID = threadID
			out[i].Seq = maxSeq + int64(i) + 1
			if out[i].CreatedAt.IsZero() {
				out[i].CreatedAt = now
			}
			if _, err := stmt.Exec(out[i].ID, threadID, out[i].Seq, out[i].Role,
				out[i].TextContent, out[i].PayloadJSON, formatTime(out[i].CreatedAt)); err != nil {
				return fmt.Errorf("inserting message %s: %w", out[i].ID, err)
			}
		}

		if _, err := tx.Exec(`UPDATE threads SET updated_at = ? WHERE id = ?`, formatTime(now), threadID); err != nil {
			return fmt.Errorf("touching thread %s: %w", threadID, err)
		}

		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListRecentMessages returns the most recent limit messages of a thread in
// chronological order. The query walks the sequence index descending, so the
// bound does not require a full scan. limit <= 0 returns the whole thread.
func (s *Store) ListRecentMessages(threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1 // sqlite: negative LIMIT means unbounded
	}
	var results []Message
	err := withRetry(func() error {
		rows, err := s.db.Query(`
			SELECT id, thread_id, seq, role, text_content, payload_json, created_at
			FROM messages WHERE thread_id = ?
			ORDER BY seq DESC LIMIT ?`, threadID, limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		results = results[:0]
		for rows.Next() {
			var m Message
			var createdAt string
			if err := rows.Scan(&m.ID, &m.ThreadID, &m.Seq, &m.Role, &m.TextContent, &m.PayloadJSON, &createdAt); err != nil {
				return err
			}
			if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
				return err
			}
			results = append(results, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	// Reverse to oldest-first.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

// CountMessages returns the number of messages in a thread.
func (s *Store) CountMessages(threadID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE thread_id = ?`, threadID).Scan(&count)
	return count, err
}
