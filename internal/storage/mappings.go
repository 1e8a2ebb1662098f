package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lotas/bubblegroups/internal/types"
)

// StoreGroupMapping records that groupID belongs to the mapping's identity.
// Any other mapping for the same (window, app, version) is dropped so at
// most one group is mapped per identity and window.
func (s *Store) StoreGroupMapping(ctx context.Context, m types.GroupMapping) error {
	if m.LastSeenAt.IsZero() {
		m.LastSeenAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM group_mappings WHERE app_id = ? AND version_id = ? AND window_id = ? AND group_id != ?",
		m.AppID, m.VersionID, m.WindowID, m.GroupID,
	); err != nil {
		return fmt.Errorf("drop superseded mappings: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO group_mappings (group_id, app_id, version_id, window_id, last_seen_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(group_id) DO UPDATE SET
    app_id = excluded.app_id,
    version_id = excluded.version_id,
    window_id = excluded.window_id,
    last_seen_ms = excluded.last_seen_ms`,
		m.GroupID, m.AppID, m.VersionID, m.WindowID, toMillis(m.LastSeenAt),
	); err != nil {
		return fmt.Errorf("upsert mapping %d: %w", m.GroupID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetGroupMapping returns the mapping for groupID, or nil if there is none.
func (s *Store) GetGroupMapping(ctx context.Context, groupID int) (*types.GroupMapping, error) {
	var m types.GroupMapping
	var seen int64
	err := s.db.QueryRowContext(ctx,
		"SELECT group_id, app_id, version_id, window_id, last_seen_ms FROM group_mappings WHERE group_id = ?",
		groupID,
	).Scan(&m.GroupID, &m.AppID, &m.VersionID, &m.WindowID, &seen)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query mapping %d: %w", groupID, err)
	}
	m.LastSeenAt = fromMillis(seen)
	return &m, nil
}

// RemoveGroupMapping deletes the mapping for groupID. Missing mappings are
// not an error.
func (s *Store) RemoveGroupMapping(ctx context.Context, groupID int) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM group_mappings WHERE group_id = ?", groupID); err != nil {
		return fmt.Errorf("delete mapping %d: %w", groupID, err)
	}
	return nil
}

// TouchGroupMapping refreshes the mapping's last-seen time.
func (s *Store) TouchGroupMapping(ctx context.Context, groupID int) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE group_mappings SET last_seen_ms = ? WHERE group_id = ?",
		toMillis(s.now()), groupID,
	); err != nil {
		return fmt.Errorf("touch mapping %d: %w", groupID, err)
	}
	return nil
}

// FindGroupsForIdentity returns mappings for (appID, versionID), most
// recently seen first. A windowID of 0 matches every window.
func (s *Store) FindGroupsForIdentity(ctx context.Context, appID, versionID string, windowID int) ([]types.GroupMapping, error) {
	q := "SELECT group_id, app_id, version_id, window_id, last_seen_ms FROM group_mappings WHERE app_id = ? AND version_id = ?"
	args := []any{appID, versionID}
	if windowID != 0 {
		q += " AND window_id = ?"
		args = append(args, windowID)
	}
	q += " ORDER BY last_seen_ms DESC, group_id"
	return s.queryMappings(ctx, q, args...)
}

// ListGroupMappings returns every mapping ordered by group ID.
func (s *Store) ListGroupMappings(ctx context.Context) ([]types.GroupMapping, error) {
	return s.queryMappings(ctx,
		"SELECT group_id, app_id, version_id, window_id, last_seen_ms FROM group_mappings ORDER BY group_id")
}

func (s *Store) queryMappings(ctx context.Context, q string, args ...any) ([]types.GroupMapping, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query mappings: %w", err)
	}
	defer rows.Close()

	var result []types.GroupMapping
	for rows.Next() {
		var m types.GroupMapping
		var seen int64
		if err := rows.Scan(&m.GroupID, &m.AppID, &m.VersionID, &m.WindowID, &seen); err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		m.LastSeenAt = fromMillis(seen)
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mappings: %w", err)
	}
	return result, nil
}
