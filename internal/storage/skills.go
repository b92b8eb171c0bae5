package storage

import (
	"database/sql"
	"strings"
	"time"
)

func (s *Store) CreateSkill(sk Skill) error {
	now := time.Now().UTC()
	if sk.CreatedAt.IsZero() {
		sk.CreatedAt = now
	}
	if sk.UpdatedAt.IsZero() {
		sk.UpdatedAt = sk.CreatedAt
	}
	_, err := s.db.Exec(`
		INSERT INTO skills (id, code, name, system_prompt, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sk.ID, sk.Code, sk.Name, sk.SystemPrompt, boolToInt(sk.Active),
		formatTime(sk.CreatedAt), formatTime(sk.UpdatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) GetSkill(id string) (Skill, error) {
	return s.scanSkill(s.db.QueryRow(`
		SELECT id, code, name, system_prompt, active, created_at, updated_at
		FROM skills WHERE id = ?`, id))
}

func (s *Store) GetSkillByCode(code string) (Skill, error) {
	return s.scanSkill(s.db.QueryRow(`
		SELECT id, code, name, system_prompt, active, created_at, updated_at
		FROM skills WHERE code = ?`, code))
}

func (s *Store) scanSkill(row *sql.Row) (Skill, error) {
	var sk Skill
	var active int
	var createdAt, updatedAt string
	err := row.Scan(&sk.ID, &sk.Code, &sk.Name, &sk.SystemPrompt, &active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Skill{}, ErrNotFound
	}
	if err != nil {
		return Skill{}, err
	}
	sk.Active = active != 0
	if sk.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Skill{}, err
	}
	if sk.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Skill{}, err
	}
	return sk, nil
}

func (s *Store) ListSkills() ([]Skill, error) {
	rows, err := s.db.Query(`
		SELECT id, code, name, system_prompt, active, created_at, updated_at
		FROM skills ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Skill
	for rows.Next() {
		var sk Skill
		var active int
		var createdAt, updatedAt string
		if err := rows.Scan(&sk.ID, &sk.Code, &sk.Name, &sk.SystemPrompt, &active, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		sk.Active = active != 0
		if sk.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		if sk.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return nil, err
		}
		results = append(results, sk)
	}
	return results, rows.Err()
}

func (s *Store) UpdateSkillPrompt(id, systemPrompt string) error {
	res, err := s.db.Exec(`UPDATE skills SET system_prompt = ?, updated_at = ? WHERE id = ?`,
		systemPrompt, formatTime(time.Now()), id)
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

func (s *Store) DeleteSkill(id string) error {
	res, err := s.db.Exec(`DELETE FROM skills WHERE id = ?`, id)
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

// --- Skill <-> Connection junction ---

// LinkSkillConnection inserts the junction row. Linking twice is a no-op.
func (s *Store) LinkSkillConnection(skillID, connectionID string) error {
	_, err := s.db.Exec(`
		INSERT INTO skill_connections (skill_id, connection_id) VALUES (?, ?)
		ON CONFLICT(skill_id, connection_id) DO NOTHING`,
		skillID, connectionID)
	return err
}

func (s *Store) UnlinkSkillConnection(skillID, connectionID string) error {
	_, err := s.db.Exec(`DELETE FROM skill_connections WHERE skill_id = ? AND connection_id = ?`,
		skillID, connectionID)
	return err
}

// ConnectionsForSkill returns the active connections linked to a skill.
func (s *Store) ConnectionsForSkill(skillID string) ([]Connection, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.name, c.kind, c.config_json, c.active, c.created_at, c.updated_at
		FROM connections c
		JOIN skill_connections sc ON sc.connection_id = c.id
		WHERE sc.skill_id = ? AND c.active = 1
		ORDER BY c.name ASC`, skillID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConnections(rows)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
