package grouping

import (
	"context"
	"errors"
	"fmt"

	"github.com/lotas/bubblegroups/internal/applog"
	"github.com/lotas/bubblegroups/internal/host"
	"github.com/lotas/bubblegroups/internal/types"
)

// MoveOutcome is the result kind of an identity-change move.
type MoveOutcome int

const (
	Moved MoveOutcome = iota
	NoOpNeeded
	Failed
)

func (o MoveOutcome) String() string {
	switch o {
	case Moved:
		return "moved"
	case NoOpNeeded:
		return "noop"
	default:
		return "failed"
	}
}

// MoveResult reports what HandleTabIdentityChange did. Err is set only when
// Outcome is Failed.
type MoveResult struct {
	Outcome MoveOutcome
	GroupID int
	Err     error
}

// OK reports whether the caller may advance the registry to the new identity.
func (r MoveResult) OK() bool { return r.Outcome != Failed }

func failed(err error) MoveResult {
	identityMovesTotal.WithLabelValues(Failed.String()).Inc()
	return MoveResult{Outcome: Failed, Err: err}
}

// HandleTabIdentityChange moves a tab whose identity changed in place into
// the group of its new identity, creating the group if needed. The move is
// confirmed by re-reading the tab. The caller must not record the new
// identity in the registry unless the result is OK.
func (e *Engine) HandleTabIdentityChange(ctx context.Context, tabID int, id types.Identity) MoveResult {
	key := id.BranchKey()
	e.holds.ReleaseIfChanged(tabID, key)

	e.setTransition(tabID, true)
	defer e.setTransition(tabID, false)

	e.passMu.Lock()
	defer e.passMu.Unlock()

	tab, err := e.host.GetTab(ctx, tabID)
	if err != nil {
		return failed(fmt.Errorf("get tab %d: %w", tabID, err))
	}
	if tab.Pinned || e.holds.Holds(tabID, key) {
		return e.noop(types.NoGroup)
	}
	enabled, err := e.store.GroupingEnabled(ctx)
	if err != nil {
		return failed(err)
	}
	overrides, err := e.store.AppOverrides(ctx)
	if err != nil {
		return failed(err)
	}
	if !enabled || overrides[id.AppID].DisableGrouping {
		return e.noop(tab.GroupID)
	}

	bk := BucketKey{WindowID: tab.WindowID, AppID: id.AppID, VersionID: id.VersionID}
	groupID, ok, err := e.findExistingGroup(ctx, bk)
	if err != nil {
		return failed(err)
	}
	if ok && tab.GroupID == groupID {
		return e.noop(groupID)
	}

	if ok {
		e.ledger.Mark(GroupTabsOp(tabID))
		if err := e.retry.Do(ctx, func() error {
			_, err := e.host.GroupTabs(ctx, []int{tabID}, groupID)
			return err
		}); err != nil {
			return failed(fmt.Errorf("move tab %d into group %d: %w", tabID, groupID, err))
		}
		hostMutationsTotal.WithLabelValues("move").Inc()
	} else {
		if groupID, err = e.createGroup(ctx, bk, tabID); err != nil {
			return failed(err)
		}
	}

	after, err := e.host.GetTab(ctx, tabID)
	if err != nil {
		return failed(fmt.Errorf("verify tab %d: %w", tabID, err))
	}
	if after.GroupID != groupID {
		applog.Info("grouping.move.unverified", "tab", tabID, "want", groupID, "got", after.GroupID)
		return failed(fmt.Errorf("tab %d in group %d, want %d: %w", tabID, after.GroupID, groupID, ErrMoveNotVerified))
	}

	identityMovesTotal.WithLabelValues(Moved.String()).Inc()
	applog.Info("grouping.move", "tab", tabID, "group", groupID, "app", id.AppID, "version", id.VersionID)
	return MoveResult{Outcome: Moved, GroupID: groupID}
}

func (e *Engine) noop(groupID int) MoveResult {
	identityMovesTotal.WithLabelValues(NoOpNeeded.String()).Inc()
	return MoveResult{Outcome: NoOpNeeded, GroupID: groupID}
}

// HandleUserTabMove reacts to the user moving a tab between groups. Moving a
// tab out of its identity's group places a hold so the next pass leaves it
// where the user put it; moving it back releases the hold.
func (e *Engine) HandleUserTabMove(ctx context.Context, tabID, windowID, groupID int) error {
	entry := e.reg.GetIdentity(tabID)
	if entry == nil {
		return nil
	}
	key := entry.BranchKey()
	mappings, err := e.store.FindGroupsForIdentity(ctx, key.AppID, key.VersionID, windowID)
	if err != nil {
		return err
	}
	for _, m := range mappings {
		if m.GroupID == groupID {
			e.holds.Release(tabID)
			return nil
		}
	}
	e.holds.Hold(tabID, key)
	applog.Info("grouping.hold", "tab", tabID, "app", key.AppID, "version", key.VersionID)
	return nil
}

// groupKey finds which branch a group belongs to: its mapping, else a vote
// over its tabs.
func (e *Engine) groupKey(ctx context.Context, groupID int) (types.BranchKey, int, bool, error) {
	m, err := e.store.GetGroupMapping(ctx, groupID)
	if err != nil {
		return types.BranchKey{}, 0, false, err
	}
	if m != nil {
		return types.BranchKey{AppID: m.AppID, VersionID: m.VersionID}, m.WindowID, true, nil
	}
	g, err := e.host.GetGroup(ctx, groupID)
	if errors.Is(err, host.ErrNotFound) {
		return types.BranchKey{}, 0, false, nil
	}
	if err != nil {
		return types.BranchKey{}, 0, false, err
	}
	id, ok, err := e.groupIdentity(ctx, groupID)
	if err != nil || !ok {
		return types.BranchKey{}, 0, false, err
	}
	return id.BranchKey(), g.WindowID, true, nil
}

// HandleUserGroupRename decides whether a title change came from the user.
// A title equal to the automatic title is treated as an echo of the
// engine's own write; anything else becomes the branch's display name.
// It reports whether a display name was stored.
func (e *Engine) HandleUserGroupRename(ctx context.Context, groupID int, title string) (bool, error) {
	if title == "" {
		return false, nil
	}
	key, windowID, ok, err := e.groupKey(ctx, groupID)
	if err != nil || !ok {
		return false, err
	}
	b, err := e.store.GetBranch(ctx, key)
	if err != nil {
		return false, err
	}
	auto := ComputeTitle(b, key, len(e.reg.GetWindowApps(windowID)) > 1, false)
	if title == auto {
		return false, nil
	}

	stored := false
	if _, err := e.store.UpdateBranch(ctx, key, func(b *types.Branch) bool {
		if b.DisplayName == title {
			return false
		}
		b.DisplayName = title
		stored = true
		return true
	}); err != nil {
		return false, err
	}
	if stored {
		userChangesTotal.WithLabelValues("rename").Inc()
		applog.Info("grouping.user.rename", "group", groupID, "app", key.AppID, "version", key.VersionID, "title", title)
	}
	return stored, nil
}

// HandleUserGroupColorChange stores an observed color against the group's
// branch. Every color change is taken as intentional, including overrides
// of a reserved color.
func (e *Engine) HandleUserGroupColorChange(ctx context.Context, groupID int, color string) (bool, error) {
	if !types.ValidColor(color) {
		return false, nil
	}
	key, _, ok, err := e.groupKey(ctx, groupID)
	if err != nil || !ok {
		return false, err
	}

	stored := false
	if _, err := e.store.UpdateBranch(ctx, key, func(b *types.Branch) bool {
		if b.Color == color {
			return false
		}
		b.Color = color
		stored = true
		return true
	}); err != nil {
		return false, err
	}
	if !stored {
		return false, nil
	}
	userChangesTotal.WithLabelValues("color").Inc()
	if rc, ok := ReservedColor(key.VersionID); ok && rc != color {
		applog.Info("grouping.user.reserved_color_override", "group", groupID, "version", key.VersionID, "color", color)
	} else {
		applog.Info("grouping.user.color", "group", groupID, "app", key.AppID, "version", key.VersionID, "color", color)
	}
	return true, nil
}
