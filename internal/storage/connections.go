package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

func (s *Store) CreateConnection(c Connection) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	configJSON, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("encoding connection config: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO connections (id, name, kind, config_json, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Kind, string(configJSON), boolToInt(c.Active),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *Store) GetConnection(id string) (Connection, error) {
	row := s.db.QueryRow(`
		SELECT id, name, kind, config_json, active, created_at, updated_at
		FROM connections WHERE id = ?`, id)

	var c Connection
	var configJSON string
	var active int
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Name, &c.Kind, &configJSON, &active, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Connection{}, ErrNotFound
	}
	if err != nil {
		return Connection{}, err
	}
	c.Active = active != 0
	if err := json.Unmarshal([]byte(configJSON), &c.Config); err != nil {
		return Connection{}, fmt.Errorf("decoding config for connection %s: %w", c.ID, err)
	}
	if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Connection{}, err
	}
	if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Connection{}, err
	}
	return c, nil
}

func (s *Store) ListConnections() ([]Connection, error) {
	rows, err := s.db.Query(`
		SELECT id, name, kind, config_json, active, created_at, updated_at
		FROM connections ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanConnections(rows)
}

func scanConnections(rows *sql.Rows) ([]Connection, error) {
	var results []Connection
	for rows.Next() {
		var c Connection
		var configJSON string
		var active int
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Name, &c.Kind, &configJSON, &active, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		c.Active = active != 0
		if err := json.Unmarshal([]byte(configJSON), &c.Config); err != nil {
			return nil, fmt.Errorf("decoding config for connection %s: %w", c.ID, err)
		}
		var err error
		if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *Store) SetConnectionActive(id string, active bool) error {
	res, err := s.db.Exec(`UPDATE connections SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), formatTime(time.Now()), id)
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

// DeleteConnection removes a connection. Cached tool rows and junction rows
// cascade via foreign keys.
func (s *Store) DeleteConnection(id string) error {
	res, err := s.db.Exec(`DELETE FROM connections WHERE id = ?`, id)
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

// --- Discovered tool cache rows ---

// ReplaceDiscoveredTools atomically swaps a connection's cached tool rows for
// the given set. Existing rows are deleted and the new ones inserted in one
// transaction, so readers never observe a half-refreshed cache.
func (s *Store) ReplaceDiscoveredTools(connectionID string, tools []DiscoveredTool) error {
	return withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning replace transaction: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM discovered_tools WHERE connection_id = ?`, connectionID); err != nil {
			return fmt.Errorf("clearing tool cache for connection %s: %w", connectionID, err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO discovered_tools (id, connection_id, name, description, schema_json, discovered_at, last_verified_at, available)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing insert statement: %w", err)
		}
		defer stmt.Close()

		for _, t := range tools {
			if _, err := stmt.Exec(t.ID, connectionID, t.Name, t.Description, t.SchemaJSON,
				formatTime(t.DiscoveredAt), formatTime(t.LastVerifiedAt), boolToInt(t.Available)); err != nil {
				return fmt.Errorf("inserting tool %s: %w", t.Name, err)
			}
		}

		return tx.Commit()
	})
}

// ListDiscoveredTools returns a connection's cached tool rows. When
// onlyAvailable is set, rows soft-disabled via SetToolAvailability are omitted.
func (s *Store) ListDiscoveredTools(connectionID string, onlyAvailable bool) ([]DiscoveredTool, error) {
	query := `
		SELECT id, connection_id, name, description, schema_json, discovered_at, last_verified_at, available
		FROM discovered_tools WHERE connection_id = ?`
	if onlyAvailable {
		query += ` AND available = 1`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.Query(query, connectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DiscoveredTool
	for rows.Next() {
		var t DiscoveredTool
		var available int
		var discoveredAt, lastVerifiedAt string
		if err := rows.Scan(&t.ID, &t.ConnectionID, &t.Name, &t.Description, &t.SchemaJSON,
			&discoveredAt, &lastVerifiedAt, &available); err != nil {
			return nil, err
		}
		t.Available = available != 0
		if t.DiscoveredAt, err = parseTime("discovered_at", discoveredAt); err != nil {
			return nil, err
		}
		if t.LastVerifiedAt, err = parseTime("last_verified_at", lastVerifiedAt); err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

func (s *Store) GetDiscoveredTool(id string) (DiscoveredTool, error) {
	row := s.db.QueryRow(`
		SELECT id, connection_id, name, description, schema_json, discovered_at, last_verified_at, available
		FROM discovered_tools WHERE id = ?`, id)

	var t DiscoveredTool
	var available int
	var discoveredAt, lastVerifiedAt string
	err := row.Scan(&t.ID, &t.ConnectionID, &t.Name, &t.Description, &t.SchemaJSON,
		&discoveredAt, &lastVerifiedAt, &available)
	if err == sql.ErrNoRows {
		return DiscoveredTool{}, ErrNotFound
	}
	if err != nil {
		return DiscoveredTool{}, err
	}
	t.Available = available != 0
	if t.DiscoveredAt, err = parseTime("discovered_at", discoveredAt); err != nil {
		return DiscoveredTool{}, err
	}
	if t.LastVerifiedAt, err = parseTime("last_verified_at", lastVerifiedAt); err != nil {
		return DiscoveredTool{}, err
	}
	return t, nil
}

// SetToolAvailability soft-toggles a cached tool without rediscovery.
// Re-enabling counts as a verification, disabling does not.
func (s *Store) SetToolAvailability(id string, available bool, now time.Time) error {
	var res sql.Result
	var err error
	if available {
		res, err = s.db.Exec(`UPDATE discovered_tools SET available = 1, last_verified_at = ? WHERE id = ?`,
			formatTime(now), id)
	} else {
		res, err = s.db.Exec(`UPDATE discovered_tools SET available = 0 WHERE id = ?`, id)
	}
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

// ToolCacheInfo reports how many tool rows a connection has cached and the
// most recent last_verified_at among them. A zero time means an empty cache.
func (s *Store) ToolCacheInfo(connectionID string) (count int, lastVerified time.Time, err error) {
	var raw sql.NullString
	err = s.db.QueryRow(`
		SELECT COUNT(*), MAX(last_verified_at)
		FROM discovered_tools WHERE connection_id = ?`, connectionID,
	).Scan(&count, &raw)
	if err != nil {
		return 0, time.Time{}, err
	}
	if !raw.Valid || raw.String == "" {
		return count, time.Time{}, nil
	}
	lastVerified, err = parseTime("last_verified_at", raw.String)
	if err != nil {
		return 0, time.Time{}, err
	}
	return count, lastVerified, nil
}
