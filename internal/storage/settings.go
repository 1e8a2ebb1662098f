package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	keyGroupingEnabled = "grouping.enabled"
	keyAppOverrides    = "grouping.appOverrides"
)

// AppOverride holds per-app grouping settings.
type AppOverride struct {
	DisableGrouping bool `json:"disableGrouping,omitempty"`
}

func (s *Store) getSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query setting %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) setSetting(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GroupingEnabled reports the persisted grouping flag, or the store's
// default (true unless set with WithGroupingDefault) when none was saved.
func (s *Store) GroupingEnabled(ctx context.Context) (bool, error) {
	v, ok, err := s.getSetting(ctx, keyGroupingEnabled)
	if err != nil || !ok {
		return s.groupingOn, err
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		return s.groupingOn, fmt.Errorf("parse %s: %w", keyGroupingEnabled, err)
	}
	return enabled, nil
}

// SetGroupingEnabled persists the grouping flag.
func (s *Store) SetGroupingEnabled(ctx context.Context, enabled bool) error {
	return s.setSetting(ctx, keyGroupingEnabled, strconv.FormatBool(enabled))
}

// AppOverrides returns the per-app settings keyed by app ID.
func (s *Store) AppOverrides(ctx context.Context) (map[string]AppOverride, error) {
	out := make(map[string]AppOverride)
	v, ok, err := s.getSetting(ctx, keyAppOverrides)
	if err != nil || !ok {
		return out, err
	}
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", keyAppOverrides, err)
	}
	return out, nil
}

// SetAppOverride stores the settings for one app. A zero override removes
// the entry.
func (s *Store) SetAppOverride(ctx context.Context, appID string, o AppOverride) error {
	unlock := s.locks.lock("settings:" + keyAppOverrides)
	defer unlock()

	all, err := s.AppOverrides(ctx)
	if err != nil {
		return err
	}
	if o == (AppOverride{}) {
		delete(all, appID)
	} else {
		all[appID] = o
	}
	return s.setAppOverrides(ctx, all)
}

func (s *Store) setAppOverrides(ctx context.Context, all map[string]AppOverride) error {
	data, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("encode %s: %w", keyAppOverrides, err)
	}
	return s.setSetting(ctx, keyAppOverrides, string(data))
}

// AddExtensionGroup records that the organizer created groupID.
func (s *Store) AddExtensionGroup(ctx context.Context, groupID int) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO extension_groups (group_id, created_ms) VALUES (?, ?) ON CONFLICT(group_id) DO NOTHING",
		groupID, toMillis(s.now()),
	); err != nil {
		return fmt.Errorf("add extension group %d: %w", groupID, err)
	}
	return nil
}

// RemoveExtensionGroup forgets groupID.
func (s *Store) RemoveExtensionGroup(ctx context.Context, groupID int) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM extension_groups WHERE group_id = ?", groupID); err != nil {
		return fmt.Errorf("remove extension group %d: %w", groupID, err)
	}
	return nil
}

// ListExtensionGroups returns the IDs of groups the organizer created.
func (s *Store) ListExtensionGroups(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT group_id FROM extension_groups ORDER BY group_id")
	if err != nil {
		return nil, fmt.Errorf("query extension groups: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan extension group: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
