package grouping

import (
	"context"
	"fmt"

	"github.com/lotas/bubblegroups/internal/applog"
	"github.com/lotas/bubblegroups/internal/host"
	"github.com/lotas/bubblegroups/internal/types"
)

// Resolver derives a tab's identity from its URL.
type Resolver interface {
	Parse(ctx context.Context, rawURL string) (types.Identity, bool, error)
}

// RecoveryResult summarizes a recovery run.
type RecoveryResult struct {
	Tabs            int
	Registered      int
	MappingsDropped int
	Pass            *PassResult
}

// Recover rebuilds in-memory state after a restart: the registry is refilled
// by re-parsing every open tab, stale mappings are dropped, and when
// runPass is set a full planning pass follows.
//
// The rebuild holds the pass lock, so a scheduled pass never sees a
// half-filled registry.
func (e *Engine) Recover(ctx context.Context, resolver Resolver, runPass bool) (RecoveryResult, error) {
	var res RecoveryResult

	e.passMu.Lock()
	defer e.passMu.Unlock()

	e.reg.Reset()
	e.holds.Reset()

	tabs, err := e.host.QueryTabs(ctx, host.TabQuery{})
	if err != nil {
		return res, fmt.Errorf("query tabs: %w", err)
	}
	res.Tabs = len(tabs)
	for _, t := range tabs {
		id, ok, err := resolver.Parse(ctx, t.URL)
		if err != nil {
			applog.Error("recovery.parse", err, "tab", t.ID)
			continue
		}
		if !ok {
			continue
		}
		e.reg.SetTabIdentity(t.ID, t.WindowID, id, t.URL)
		res.Registered++
	}

	dropped, err := e.CleanupStaleGroups(ctx)
	if err != nil {
		applog.Error("recovery.cleanup", err)
	}
	res.MappingsDropped = dropped
	applog.Info("recovery.done", "tabs", res.Tabs, "registered", res.Registered, "dropped", dropped)

	if runPass {
		pass, err := e.planLocked(ctx, "recovery")
		if err != nil {
			return res, err
		}
		res.Pass = &pass
	}
	return res, nil
}

// CleanupStaleGroups drops mappings whose group no longer exists or that
// were not touched within the staleness horizon, and forgets created
// groups the host no longer has. It returns the number of mappings dropped.
func (e *Engine) CleanupStaleGroups(ctx context.Context) (int, error) {
	groups, err := e.host.QueryGroups(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("query groups: %w", err)
	}
	exists := make(map[int]bool, len(groups))
	for _, g := range groups {
		exists[g.ID] = true
	}

	mappings, err := e.store.ListGroupMappings(ctx)
	if err != nil {
		return 0, err
	}
	horizon := e.now().Add(-e.staleAfter)
	dropped := 0
	for _, m := range mappings {
		if exists[m.GroupID] && m.LastSeenAt.After(horizon) {
			continue
		}
		if err := e.store.RemoveGroupMapping(ctx, m.GroupID); err != nil {
			return dropped, err
		}
		dropped++
	}

	created, err := e.store.ListExtensionGroups(ctx)
	if err != nil {
		return dropped, err
	}
	for _, id := range created {
		if !exists[id] {
			if err := e.store.RemoveExtensionGroup(ctx, id); err != nil {
				return dropped, err
			}
		}
	}
	return dropped, nil
}
