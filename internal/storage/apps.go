package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lotas/bubblegroups/internal/types"
)

// CanonicalHost returns the platform hostname every app is reachable under.
func (s *Store) CanonicalHost(appID string) string {
	return appID + "." + s.previewSuffix
}

// EnsureApp creates the app record with its canonical host if it does not
// exist yet.
func (s *Store) EnsureApp(ctx context.Context, appID string) error {
	unlock := s.locks.lock("app:" + appID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureAppTx(ctx, tx, appID, s.CanonicalHost(appID), s.now()); err != nil {
		return err
	}
	return tx.Commit()
}

func ensureAppTx(ctx context.Context, tx *sql.Tx, appID, canonical string, now time.Time) error {
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO apps (app_id, updated_ms) VALUES (?, ?) ON CONFLICT(app_id) DO NOTHING",
		appID, toMillis(now),
	); err != nil {
		return fmt.Errorf("insert app %s: %w", appID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO app_urls (app_id, hostname, canonical, last_seen_ms) VALUES (?, ?, TRUE, ?)
ON CONFLICT(app_id, hostname) DO NOTHING`,
		appID, canonical, toMillis(now),
	); err != nil {
		return fmt.Errorf("insert canonical host for %s: %w", appID, err)
	}
	return nil
}

// AddBaseURL records hostname as a confirmed domain of appID. When the app
// holds more custom domains than the cap, the least recently seen ones are
// evicted. The canonical host is never evicted.
func (s *Store) AddBaseURL(ctx context.Context, appID, hostname string) error {
	unlock := s.locks.lock("app:" + appID)
	defer unlock()

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	canonical := s.CanonicalHost(appID)
	if err := ensureAppTx(ctx, tx, appID, canonical, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO app_urls (app_id, hostname, canonical, last_seen_ms) VALUES (?, ?, ?, ?)
ON CONFLICT(app_id, hostname) DO UPDATE SET last_seen_ms = excluded.last_seen_ms`,
		appID, hostname, hostname == canonical, toMillis(now),
	); err != nil {
		return fmt.Errorf("upsert host %s for %s: %w", hostname, appID, err)
	}

	// Ties on last_seen_ms fall back to hostname so eviction is deterministic.
	if _, err := tx.ExecContext(ctx, `
DELETE FROM app_urls WHERE app_id = ? AND NOT canonical AND hostname NOT IN (
    SELECT hostname FROM app_urls WHERE app_id = ? AND NOT canonical
    ORDER BY last_seen_ms DESC, hostname LIMIT ?
)`, appID, appID, s.domainCap); err != nil {
		return fmt.Errorf("evict hosts for %s: %w", appID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE apps SET updated_ms = ? WHERE app_id = ?", toMillis(now), appID,
	); err != nil {
		return fmt.Errorf("touch app %s: %w", appID, err)
	}
	return tx.Commit()
}

// TouchURL refreshes the last-seen time of a known host. Unknown hosts are
// ignored; only AddBaseURL adopts new domains.
func (s *Store) TouchURL(ctx context.Context, appID, hostname string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE app_urls SET last_seen_ms = ? WHERE app_id = ? AND hostname = ?",
		toMillis(s.now()), appID, hostname,
	); err != nil {
		return fmt.Errorf("touch host %s: %w", hostname, err)
	}
	return nil
}

// FindAppByHostname returns the app that hostname was confirmed for, or ""
// if it is unknown.
func (s *Store) FindAppByHostname(ctx context.Context, hostname string) (string, error) {
	var appID string
	err := s.db.QueryRowContext(ctx,
		"SELECT app_id FROM app_urls WHERE hostname = ? ORDER BY last_seen_ms DESC LIMIT 1",
		hostname,
	).Scan(&appID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query host %s: %w", hostname, err)
	}
	return appID, nil
}

// GetApp returns the app record, or nil if the app was never seen.
func (s *Store) GetApp(ctx context.Context, appID string) (*types.App, error) {
	apps, err := s.queryApps(ctx, appID)
	if err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return nil, nil
	}
	return &apps[0], nil
}

// ListApps returns every app ordered by ID.
func (s *Store) ListApps(ctx context.Context) ([]types.App, error) {
	return s.queryApps(ctx, "")
}

func (s *Store) queryApps(ctx context.Context, appID string) ([]types.App, error) {
	q := `SELECT a.app_id, a.updated_ms, u.hostname, u.last_seen_ms
FROM apps a LEFT JOIN app_urls u ON u.app_id = a.app_id`
	var args []any
	if appID != "" {
		q += " WHERE a.app_id = ?"
		args = append(args, appID)
	}
	q += " ORDER BY a.app_id, u.canonical DESC, u.last_seen_ms DESC, u.hostname"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query apps: %w", err)
	}
	defer rows.Close()

	var result []types.App
	for rows.Next() {
		var id string
		var updated int64
		var host sql.NullString
		var seen sql.NullInt64
		if err := rows.Scan(&id, &updated, &host, &seen); err != nil {
			return nil, fmt.Errorf("scan app: %w", err)
		}
		if len(result) == 0 || result[len(result)-1].AppID != id {
			result = append(result, types.App{
				AppID:       id,
				URLLastSeen: make(map[string]time.Time),
				UpdatedAt:   fromMillis(updated),
			})
		}
		if host.Valid {
			a := &result[len(result)-1]
			a.BaseURLs = append(a.BaseURLs, host.String)
			a.URLLastSeen[host.String] = fromMillis(seen.Int64)
		}
	}
	return result, rows.Err()
}
