package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lotas/bubblegroups/internal/types"
)

// GetBranch returns the branch data for key, or nil if none was recorded.
func (s *Store) GetBranch(ctx context.Context, key types.BranchKey) (*types.Branch, error) {
	return getBranch(ctx, s.db, key)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBranch(ctx context.Context, q queryRower, key types.BranchKey) (*types.Branch, error) {
	b := types.Branch{AppID: key.AppID, VersionID: key.VersionID}
	var scraped, display, color sql.NullString
	var updated int64
	err := q.QueryRowContext(ctx,
		"SELECT scraped_name, display_name, color, updated_ms FROM branches WHERE app_id = ? AND version_id = ?",
		key.AppID, key.VersionID,
	).Scan(&scraped, &display, &color, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query branch %s: %w", key, err)
	}
	b.ScrapedName = scraped.String
	b.DisplayName = display.String
	b.Color = color.String
	b.UpdatedAt = fromMillis(updated)
	return &b, nil
}

// UpdateBranch applies fn to the current branch data (a zero branch if none
// exists) and persists the result. Updates to the same branch are serialized
// so concurrent writers cannot drop each other's fields. fn may return false
// to skip the write.
func (s *Store) UpdateBranch(ctx context.Context, key types.BranchKey, fn func(b *types.Branch) bool) (*types.Branch, error) {
	unlock := s.locks.lock("branch:" + key.String())
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	b, err := getBranch(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if b == nil {
		b = &types.Branch{AppID: key.AppID, VersionID: key.VersionID}
	}
	if !fn(b) {
		return b, nil
	}
	b.AppID, b.VersionID = key.AppID, key.VersionID
	b.UpdatedAt = s.now()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO branches (app_id, version_id, scraped_name, display_name, color, updated_ms)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(app_id, version_id) DO UPDATE SET
    scraped_name = excluded.scraped_name,
    display_name = excluded.display_name,
    color = excluded.color,
    updated_ms = excluded.updated_ms`,
		b.AppID, b.VersionID, nullString(b.ScrapedName), nullString(b.DisplayName), nullString(b.Color), toMillis(b.UpdatedAt),
	); err != nil {
		return nil, fmt.Errorf("upsert branch %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return b, nil
}

// ListBranches returns every branch ordered by app and version.
func (s *Store) ListBranches(ctx context.Context) ([]types.Branch, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT app_id, version_id, scraped_name, display_name, color, updated_ms FROM branches ORDER BY app_id, version_id")
	if err != nil {
		return nil, fmt.Errorf("query branches: %w", err)
	}
	defer rows.Close()

	var result []types.Branch
	for rows.Next() {
		var b types.Branch
		var scraped, display, color sql.NullString
		var updated int64
		if err := rows.Scan(&b.AppID, &b.VersionID, &scraped, &display, &color, &updated); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		b.ScrapedName = scraped.String
		b.DisplayName = display.String
		b.Color = color.String
		b.UpdatedAt = fromMillis(updated)
		result = append(result, b)
	}
	return result, rows.Err()
}
