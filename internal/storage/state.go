package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/lotas/bubblegroups/internal/types"
)

// State is the full persisted layout, used for backups.
type State struct {
	SchemaVersion   int                       `json:"schemaVersion"`
	Apps            map[string]AppState       `json:"apps"`
	Branches        map[string]BranchState    `json:"branches"`
	Settings        SettingsState             `json:"settings"`
	ExtensionGroups []int                     `json:"extensionGroups"`
	GroupMappings   map[int]GroupMappingState `json:"groupMappings"`
}

type AppState struct {
	AppID       string           `json:"appId"`
	BaseURLs    []string         `json:"baseUrls"`
	URLLastSeen map[string]int64 `json:"urlLastSeen"`
	UpdatedAt   int64            `json:"updatedAt"`
}

type BranchState struct {
	AppID       string `json:"appId"`
	VersionID   string `json:"versionId"`
	ScrapedName string `json:"scrapedName,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Color       string `json:"color,omitempty"`
	UpdatedAt   int64  `json:"updatedAt"`
}

type SettingsState struct {
	Grouping     GroupingSettings       `json:"grouping"`
	AppOverrides map[string]AppOverride `json:"appOverrides,omitempty"`
}

type GroupingSettings struct {
	Enabled bool `json:"enabled"`
}

type GroupMappingState struct {
	GroupID    int    `json:"groupId"`
	AppID      string `json:"appId"`
	VersionID  string `json:"versionId"`
	WindowID   int    `json:"windowId"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

// ExportState reads the whole store into a State.
func (s *Store) ExportState(ctx context.Context) (*State, error) {
	st := &State{
		SchemaVersion: SchemaVersion(),
		Apps:          make(map[string]AppState),
		Branches:      make(map[string]BranchState),
		GroupMappings: make(map[int]GroupMappingState),
	}

	apps, err := s.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range apps {
		as := AppState{
			AppID:       a.AppID,
			BaseURLs:    a.BaseURLs,
			URLLastSeen: make(map[string]int64, len(a.URLLastSeen)),
			UpdatedAt:   toMillis(a.UpdatedAt),
		}
		for h, t := range a.URLLastSeen {
			as.URLLastSeen[h] = toMillis(t)
		}
		st.Apps[a.AppID] = as
	}

	branches, err := s.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range branches {
		key := types.BranchKey{AppID: b.AppID, VersionID: b.VersionID}
		st.Branches[key.String()] = BranchState{
			AppID:       b.AppID,
			VersionID:   b.VersionID,
			ScrapedName: b.ScrapedName,
			DisplayName: b.DisplayName,
			Color:       b.Color,
			UpdatedAt:   toMillis(b.UpdatedAt),
		}
	}

	if st.Settings.Grouping.Enabled, err = s.GroupingEnabled(ctx); err != nil {
		return nil, err
	}
	if st.Settings.AppOverrides, err = s.AppOverrides(ctx); err != nil {
		return nil, err
	}

	if st.ExtensionGroups, err = s.ListExtensionGroups(ctx); err != nil {
		return nil, err
	}
	if st.ExtensionGroups == nil {
		st.ExtensionGroups = []int{}
	}

	mappings, err := s.ListGroupMappings(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range mappings {
		st.GroupMappings[m.GroupID] = GroupMappingState{
			GroupID:    m.GroupID,
			AppID:      m.AppID,
			VersionID:  m.VersionID,
			WindowID:   m.WindowID,
			LastSeenAt: toMillis(m.LastSeenAt),
		}
	}
	return st, nil
}

// ImportState upserts every record of st into the store in one transaction.
// Records missing from st are left alone.
func (s *Store) ImportState(ctx context.Context, st *State) error {
	if st.SchemaVersion > SchemaVersion() {
		return fmt.Errorf("state schema version %d is newer than supported %d", st.SchemaVersion, SchemaVersion())
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	appIDs := make([]string, 0, len(st.Apps))
	for id := range st.Apps {
		appIDs = append(appIDs, id)
	}
	sort.Strings(appIDs)
	for _, id := range appIDs {
		a := st.Apps[id]
		if a.AppID == "" {
			a.AppID = id
		}
		updated := fromMillis(a.UpdatedAt)
		if a.UpdatedAt == 0 {
			updated = s.now()
		}
		if err := ensureAppTx(ctx, tx, a.AppID, s.CanonicalHost(a.AppID), updated); err != nil {
			return err
		}
		for _, h := range a.BaseURLs {
			seen := a.URLLastSeen[h]
			if seen == 0 {
				seen = toMillis(updated)
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO app_urls (app_id, hostname, canonical, last_seen_ms) VALUES (?, ?, ?, ?)
ON CONFLICT(app_id, hostname) DO UPDATE SET last_seen_ms = MAX(last_seen_ms, excluded.last_seen_ms)`,
				a.AppID, h, h == s.CanonicalHost(a.AppID), seen,
			); err != nil {
				return fmt.Errorf("import host %s: %w", h, err)
			}
		}
	}

	for _, b := range st.Branches {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO branches (app_id, version_id, scraped_name, display_name, color, updated_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(app_id, version_id) DO UPDATE SET
    scraped_name = excluded.scraped_name,
    display_name = excluded.display_name,
    color = excluded.color,
    updated_ms = excluded.updated_ms`,
			b.AppID, b.VersionID, nullString(b.ScrapedName), nullString(b.DisplayName), nullString(b.Color), b.UpdatedAt,
		); err != nil {
			return fmt.Errorf("import branch %s:%s: %w", b.AppID, b.VersionID, err)
		}
	}

	for _, id := range st.ExtensionGroups {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO extension_groups (group_id, created_ms) VALUES (?, ?) ON CONFLICT(group_id) DO NOTHING",
			id, toMillis(s.now()),
		); err != nil {
			return fmt.Errorf("import extension group %d: %w", id, err)
		}
	}

	for id, m := range st.GroupMappings {
		if m.GroupID == 0 {
			m.GroupID = id
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO group_mappings (group_id, app_id, version_id, window_id, last_seen_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(group_id) DO UPDATE SET
    app_id = excluded.app_id,
    version_id = excluded.version_id,
    window_id = excluded.window_id,
    last_seen_ms = excluded.last_seen_ms`,
			m.GroupID, m.AppID, m.VersionID, m.WindowID, m.LastSeenAt,
		); err != nil {
			return fmt.Errorf("import mapping %d: %w", m.GroupID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	if err := s.SetGroupingEnabled(ctx, st.Settings.Grouping.Enabled); err != nil {
		return err
	}
	if len(st.Settings.AppOverrides) > 0 {
		unlock := s.locks.lock("settings:" + keyAppOverrides)
		defer unlock()
		if err := s.setAppOverrides(ctx, st.Settings.AppOverrides); err != nil {
			return err
		}
	}
	return nil
}
