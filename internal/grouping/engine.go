// Package grouping keeps browser tab groups in line with the identities of
// the tabs they hold: one group per (window, app, version), titled and
// colored from the branch data.
package grouping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lotas/bubblegroups/internal/applog"
	"github.com/lotas/bubblegroups/internal/host"
	"github.com/lotas/bubblegroups/internal/registry"
	"github.com/lotas/bubblegroups/internal/storage"
	"github.com/lotas/bubblegroups/internal/types"
)

// DefaultStaleAfter is how long a mapping may go unused before cleanup drops it.
const DefaultStaleAfter = 24 * time.Hour

// ErrMoveNotVerified means the host accepted a move but the tab was not in
// the target group when re-read.
var ErrMoveNotVerified = errors.New("grouping: tab did not land in target group")

// Store is the durable state the engine reads and writes.
type Store interface {
	GroupingEnabled(ctx context.Context) (bool, error)
	SetGroupingEnabled(ctx context.Context, enabled bool) error
	AppOverrides(ctx context.Context) (map[string]storage.AppOverride, error)

	GetBranch(ctx context.Context, key types.BranchKey) (*types.Branch, error)
	UpdateBranch(ctx context.Context, key types.BranchKey, fn func(b *types.Branch) bool) (*types.Branch, error)

	StoreGroupMapping(ctx context.Context, m types.GroupMapping) error
	GetGroupMapping(ctx context.Context, groupID int) (*types.GroupMapping, error)
	RemoveGroupMapping(ctx context.Context, groupID int) error
	TouchGroupMapping(ctx context.Context, groupID int) error
	FindGroupsForIdentity(ctx context.Context, appID, versionID string, windowID int) ([]types.GroupMapping, error)
	ListGroupMappings(ctx context.Context) ([]types.GroupMapping, error)

	AddExtensionGroup(ctx context.Context, groupID int) error
	RemoveExtensionGroup(ctx context.Context, groupID int) error
	ListExtensionGroups(ctx context.Context) ([]int, error)
}

// Options tune the engine. Zero values use the defaults.
type Options struct {
	Debounce   time.Duration
	LedgerTTL  time.Duration
	StaleAfter time.Duration
	Retry      *RetryPolicy
	Now        func() time.Time
}

// Engine decides which group every registered tab belongs to and is the
// only writer of tab group state.
type Engine struct {
	host       host.Host
	reg        *registry.Registry
	store      Store
	ledger     *Ledger
	holds      *HoldSet
	retry      RetryPolicy
	now        func() time.Time
	staleAfter time.Duration
	debounce   *Debouncer

	// passMu serializes planning passes and identity-change moves so two of
	// them never race to create a group for the same identity.
	passMu sync.Mutex

	mu          sync.Mutex
	transitions map[int]struct{}
	reasons     []string
	baseCtx     context.Context
	lastPass    PassResult
}

// New creates an engine. Call Start before scheduling passes.
func New(h host.Host, reg *registry.Registry, store Store, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	retry := DefaultRetryPolicy()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	prev := retry.OnRetry
	retry.OnRetry = func(attempt int, err error) {
		hostRetriesTotal.Inc()
		applog.Info("grouping.retry", "attempt", attempt, "error", err.Error())
		if prev != nil {
			prev(attempt, err)
		}
	}

	e := &Engine{
		host:        h,
		reg:         reg,
		store:       store,
		ledger:      NewLedger(opts.LedgerTTL, opts.Now),
		holds:       NewHoldSet(),
		retry:       retry,
		now:         opts.Now,
		staleAfter:  opts.StaleAfter,
		transitions: make(map[int]struct{}),
		baseCtx:     context.Background(),
	}
	e.debounce = NewDebouncer(opts.Debounce, e.runScheduled)
	return e
}

// Start sets the context scheduled passes run under.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
}

// Stop cancels any scheduled pass and waits for a running one.
func (e *Engine) Stop() {
	e.debounce.Stop()
}

// Schedule requests a planning pass after the debounce delay. Triggers that
// arrive before it fires are folded into the same pass.
func (e *Engine) Schedule(reason string) {
	e.mu.Lock()
	e.reasons = append(e.reasons, reason)
	e.mu.Unlock()
	e.debounce.Schedule()
}

func (e *Engine) runScheduled() {
	e.mu.Lock()
	ctx := e.baseCtx
	reason := strings.Join(dedupe(e.reasons), ",")
	e.reasons = nil
	e.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if _, err := e.PlanAndExecuteGrouping(ctx, reason); err != nil {
		applog.Error("grouping.pass", err, "reason", reason)
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Registry returns the identity registry the engine reads.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// IsInternalGroupUpdate reports whether a group update event echoes a write
// the engine just issued.
func (e *Engine) IsInternalGroupUpdate(groupID int) bool {
	return e.ledger.IsInternal(UpdateGroupOp(groupID))
}

// IsInternalTabMove reports whether a tab's group change was issued by the
// engine.
func (e *Engine) IsInternalTabMove(tabID int) bool {
	return e.ledger.IsInternal(GroupTabsOp(tabID))
}

// HoldTab keeps tabID out of grouping while it has identity key.
func (e *Engine) HoldTab(tabID int, key types.BranchKey) { e.holds.Hold(tabID, key) }

// ReleaseHold lets tabID be grouped again.
func (e *Engine) ReleaseHold(tabID int) { e.holds.Release(tabID) }

// IsHeld reports whether tabID is held for key.
func (e *Engine) IsHeld(tabID int, key types.BranchKey) bool { return e.holds.Holds(tabID, key) }

// BucketKey identifies one group's worth of tabs.
type BucketKey struct {
	WindowID  int
	AppID     string
	VersionID string
}

func (k BucketKey) Branch() types.BranchKey {
	return types.BranchKey{AppID: k.AppID, VersionID: k.VersionID}
}

func (k BucketKey) String() string {
	return fmt.Sprintf("%d/%s:%s", k.WindowID, k.AppID, k.VersionID)
}

// Bucket is the set of tabs that should share one group.
type Bucket struct {
	Key  BucketKey
	Tabs []*types.Tab
}

// Bucketize partitions entries by (window, app, version), using the host's
// view of each tab. Entries whose tab is gone or pinned, and entries for
// which skip returns true, are left out. Buckets and their tabs are sorted.
func Bucketize(entries []registry.Entry, tabs map[int]*types.Tab, skip func(registry.Entry) bool) []Bucket {
	byKey := make(map[BucketKey]*Bucket)
	for _, e := range entries {
		t, ok := tabs[e.TabID]
		if !ok || t.Pinned {
			continue
		}
		if skip != nil && skip(e) {
			continue
		}
		k := BucketKey{WindowID: t.WindowID, AppID: e.AppID, VersionID: e.VersionID}
		b, ok := byKey[k]
		if !ok {
			b = &Bucket{Key: k}
			byKey[k] = b
		}
		b.Tabs = append(b.Tabs, t)
	}

	out := make([]Bucket, 0, len(byKey))
	for _, b := range byKey {
		sort.Slice(b.Tabs, func(i, j int) bool { return b.Tabs[i].Index < b.Tabs[j].Index || (b.Tabs[i].Index == b.Tabs[j].Index && b.Tabs[i].ID < b.Tabs[j].ID) })
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.WindowID != b.WindowID {
			return a.WindowID < b.WindowID
		}
		if a.AppID != b.AppID {
			return a.AppID < b.AppID
		}
		return a.VersionID < b.VersionID
	})
	return out
}

// PassResult summarizes one planning pass.
type PassResult struct {
	Reason        string
	Skipped       string // why the pass did nothing, if it did nothing
	Buckets       int
	GroupsCreated int
	TabsMoved     int
	TitlesUpdated int
	Errors        int
	Duration      time.Duration
	At            time.Time
}

// LastPass returns the result of the most recent planning pass.
func (e *Engine) LastPass() PassResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPass
}

// PlanAndExecuteGrouping runs one full reconciliation: bucket the registered
// tabs, find or create a group per bucket, move stray tabs in and refresh
// titles. A failing bucket is logged and skipped.
func (e *Engine) PlanAndExecuteGrouping(ctx context.Context, reason string) (PassResult, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()
	return e.planLocked(ctx, reason)
}

// planLocked runs a pass. The caller holds passMu.
func (e *Engine) planLocked(ctx context.Context, reason string) (PassResult, error) {
	start := e.now()
	res := PassResult{Reason: reason, At: start}
	defer func() {
		res.Duration = e.now().Sub(start)
		e.mu.Lock()
		e.lastPass = res
		e.mu.Unlock()
	}()

	enabled, err := e.store.GroupingEnabled(ctx)
	if err != nil {
		passesTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("read grouping flag: %w", err)
	}
	if !enabled {
		res.Skipped = "disabled"
		passesTotal.WithLabelValues("skipped").Inc()
		return res, nil
	}
	if e.reg.GetStats().Tabs == 0 {
		res.Skipped = "no tabs"
		passesTotal.WithLabelValues("skipped").Inc()
		return res, nil
	}

	hostTabs, err := e.host.QueryTabs(ctx, host.TabQuery{})
	if err != nil {
		passesTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("query tabs: %w", err)
	}
	tabs := make(map[int]*types.Tab, len(hostTabs))
	for _, t := range hostTabs {
		tabs[t.ID] = t
	}
	overrides, err := e.store.AppOverrides(ctx)
	if err != nil {
		passesTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("read app overrides: %w", err)
	}

	buckets := Bucketize(e.reg.All(), tabs, func(entry registry.Entry) bool {
		return e.holds.Holds(entry.TabID, entry.BranchKey()) ||
			e.inTransition(entry.TabID) ||
			overrides[entry.AppID].DisableGrouping
	})
	res.Buckets = len(buckets)

	for _, b := range buckets {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.processBucket(ctx, b, &res); err != nil {
			res.Errors++
			bucketErrorsTotal.Inc()
			applog.Error("grouping.bucket", err, "bucket", b.Key.String())
		}
	}

	if err := e.sweep(ctx); err != nil {
		applog.Error("grouping.sweep", err)
	}

	res.Duration = e.now().Sub(start)
	passDuration.Observe(res.Duration.Seconds())
	passesTotal.WithLabelValues("done").Inc()
	applog.Info("grouping.pass.done",
		"reason", reason, "buckets", res.Buckets, "created", res.GroupsCreated,
		"moved", res.TabsMoved, "titles", res.TitlesUpdated, "errors", res.Errors)
	return res, nil
}

func (e *Engine) processBucket(ctx context.Context, b Bucket, res *PassResult) error {
	groupID, placed, err := e.findOrCreateGroup(ctx, b)
	if err != nil {
		return err
	}
	if placed != 0 {
		res.GroupsCreated++
	}

	var toMove []int
	for _, t := range b.Tabs {
		if t.ID == placed || t.GroupID == groupID {
			continue
		}
		toMove = append(toMove, t.ID)
	}
	if len(toMove) > 0 {
		for _, id := range toMove {
			e.ledger.Mark(GroupTabsOp(id))
		}
		if err := e.retry.Do(ctx, func() error {
			_, err := e.host.GroupTabs(ctx, toMove, groupID)
			return err
		}); err != nil {
			if errors.Is(err, host.ErrNotFound) {
				e.forgetGroup(ctx, groupID)
			}
			return fmt.Errorf("move %d tabs into group %d: %w", len(toMove), groupID, err)
		}
		hostMutationsTotal.WithLabelValues("move").Inc()
		res.TabsMoved += len(toMove)
	}

	if placed == 0 {
		wrote, err := e.updateGroupProperties(ctx, groupID, b.Key.Branch(), nil)
		if err != nil {
			return err
		}
		if wrote {
			res.TitlesUpdated++
		}
	}
	return nil
}

// findOrCreateGroup returns the group for the bucket. When it had to create
// one, placed is the tab the group was created with.
func (e *Engine) findOrCreateGroup(ctx context.Context, b Bucket) (groupID, placed int, err error) {
	id, ok, err := e.findExistingGroup(ctx, b.Key)
	if err != nil {
		return 0, 0, err
	}
	if ok {
		return id, 0, nil
	}
	id, err = e.createGroup(ctx, b.Key, b.Tabs[0].ID)
	if err != nil {
		return 0, 0, err
	}
	return id, b.Tabs[0].ID, nil
}

// findExistingGroup looks the identity up in the mapping store, then falls
// back to the groups in the window: one whose mapping names the identity, or
// one whose tabs vote for it. A group found this way is mapped to the
// current window so the next lookup takes the fast path.
func (e *Engine) findExistingGroup(ctx context.Context, key BucketKey) (int, bool, error) {
	mappings, err := e.store.FindGroupsForIdentity(ctx, key.AppID, key.VersionID, key.WindowID)
	if err != nil {
		return 0, false, fmt.Errorf("find mappings: %w", err)
	}
	for _, m := range mappings {
		g, err := e.host.GetGroup(ctx, m.GroupID)
		if errors.Is(err, host.ErrNotFound) {
			e.forgetGroup(ctx, m.GroupID)
			continue
		}
		if err != nil {
			return 0, false, fmt.Errorf("get group %d: %w", m.GroupID, err)
		}
		if g.WindowID != key.WindowID {
			continue
		}
		if err := e.store.TouchGroupMapping(ctx, g.ID); err != nil {
			applog.Error("grouping.mapping.touch", err, "group", g.ID)
		}
		return g.ID, true, nil
	}

	groups, err := e.host.QueryGroups(ctx, key.WindowID)
	if err != nil {
		return 0, false, fmt.Errorf("query groups: %w", err)
	}
	for _, g := range groups {
		m, err := e.store.GetGroupMapping(ctx, g.ID)
		if err != nil {
			return 0, false, fmt.Errorf("get mapping %d: %w", g.ID, err)
		}
		mapped := m != nil && m.AppID == key.AppID && m.VersionID == key.VersionID
		if !mapped {
			id, ok, err := e.groupIdentity(ctx, g.ID)
			if err != nil {
				return 0, false, err
			}
			if !ok || id.BranchKey() != key.Branch() {
				continue
			}
		}
		if err := e.store.StoreGroupMapping(ctx, types.GroupMapping{
			GroupID: g.ID, AppID: key.AppID, VersionID: key.VersionID, WindowID: key.WindowID, LastSeenAt: e.now(),
		}); err != nil {
			return 0, false, fmt.Errorf("backfill mapping %d: %w", g.ID, err)
		}
		if m != nil {
			applog.Info("grouping.mapping.rebind", "group", g.ID, "bucket", key.String(), "was_window", m.WindowID,
				"was", types.BranchKey{AppID: m.AppID, VersionID: m.VersionID}.String())
		} else {
			applog.Info("grouping.mapping.backfill", "group", g.ID, "bucket", key.String())
		}
		return g.ID, true, nil
	}
	return 0, false, nil
}

// groupIdentity votes over the registered identities of a group's tabs.
func (e *Engine) groupIdentity(ctx context.Context, groupID int) (types.Identity, bool, error) {
	members, err := e.host.QueryTabs(ctx, host.TabQuery{GroupID: groupID})
	if err != nil {
		return types.Identity{}, false, fmt.Errorf("query group %d tabs: %w", groupID, err)
	}
	var candidates []types.Identity
	for _, t := range members {
		if entry := e.reg.GetIdentity(t.ID); entry != nil {
			candidates = append(candidates, types.Identity{
				AppID: entry.AppID, VersionID: entry.VersionID, PageType: entry.PageType, Hostname: entry.Hostname,
			})
		}
	}
	id, ok := ResolveMajority(candidates)
	return id, ok, nil
}

// createGroup makes a new group holding tabID, records it and applies the
// initial title and color.
func (e *Engine) createGroup(ctx context.Context, key BucketKey, tabID int) (int, error) {
	var groupID int
	e.ledger.Mark(GroupTabsOp(tabID))
	if err := e.retry.Do(ctx, func() error {
		id, err := e.host.GroupTabs(ctx, []int{tabID}, types.NoGroup)
		groupID = id
		return err
	}); err != nil {
		return 0, fmt.Errorf("create group for %s: %w", key, err)
	}
	hostMutationsTotal.WithLabelValues("create").Inc()

	if err := e.store.AddExtensionGroup(ctx, groupID); err != nil {
		applog.Error("grouping.created.record", err, "group", groupID)
	}
	if err := e.store.StoreGroupMapping(ctx, types.GroupMapping{
		GroupID: groupID, AppID: key.AppID, VersionID: key.VersionID, WindowID: key.WindowID, LastSeenAt: e.now(),
	}); err != nil {
		return groupID, fmt.Errorf("store mapping %d: %w", groupID, err)
	}

	color, err := e.creationColor(ctx, key.Branch(), groupID)
	if err != nil {
		applog.Error("grouping.color", err, "group", groupID)
	}
	if _, err := e.updateGroupProperties(ctx, groupID, key.Branch(), color); err != nil {
		applog.Error("grouping.title.initial", err, "group", groupID)
	}
	applog.Info("grouping.group.created", "group", groupID, "bucket", key.String())
	return groupID, nil
}

// creationColor decides the color of a new group: the branch's stored color,
// else the reserved color (persisted), else nil so the host's pick stands.
// The host's pick is captured into the branch.
func (e *Engine) creationColor(ctx context.Context, key types.BranchKey, groupID int) (*string, error) {
	b, err := e.store.GetBranch(ctx, key)
	if err != nil {
		return nil, err
	}
	if b != nil && b.Color != "" {
		c := b.Color
		return &c, nil
	}
	if c, ok := ReservedColor(key.VersionID); ok {
		_, err := e.store.UpdateBranch(ctx, key, func(b *types.Branch) bool {
			if b.Color != "" {
				return false
			}
			b.Color = c
			return true
		})
		return &c, err
	}

	g, err := e.host.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.Color != "" {
		_, err = e.store.UpdateBranch(ctx, key, func(b *types.Branch) bool {
			if b.Color != "" {
				return false
			}
			b.Color = g.Color
			return true
		})
	}
	return nil, err
}

// updateGroupProperties writes the computed title to groupID if it differs.
// color is only written when given and different. It reports whether a
// write was issued.
func (e *Engine) updateGroupProperties(ctx context.Context, groupID int, key types.BranchKey, color *string) (bool, error) {
	g, err := e.host.GetGroup(ctx, groupID)
	if errors.Is(err, host.ErrNotFound) {
		e.forgetGroup(ctx, groupID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get group %d: %w", groupID, err)
	}
	b, err := e.store.GetBranch(ctx, key)
	if err != nil {
		return false, fmt.Errorf("get branch %s: %w", key, err)
	}

	title := ComputeTitle(b, key, len(e.reg.GetWindowApps(g.WindowID)) > 1, true)
	var u host.GroupUpdate
	if g.Title != title {
		u.Title = &title
	}
	if color != nil && g.Color != *color {
		u.Color = color
	}
	if u.Empty() {
		return false, nil
	}

	e.ledger.Mark(UpdateGroupOp(groupID))
	if err := e.retry.Do(ctx, func() error { return e.host.UpdateGroup(ctx, groupID, u) }); err != nil {
		if errors.Is(err, host.ErrNotFound) {
			e.forgetGroup(ctx, groupID)
			return false, nil
		}
		return false, fmt.Errorf("update group %d: %w", groupID, err)
	}
	hostMutationsTotal.WithLabelValues("update").Inc()
	return true, nil
}

// RefreshBranchTitles re-titles every mapped group of key, in any window.
func (e *Engine) RefreshBranchTitles(ctx context.Context, key types.BranchKey) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	mappings, err := e.store.FindGroupsForIdentity(ctx, key.AppID, key.VersionID, 0)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range mappings {
		if _, err := e.updateGroupProperties(ctx, m.GroupID, key, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sweep forgets created groups the host no longer has. Groups that still
// exist are kept even when empty, along with their branch's title and color.
func (e *Engine) sweep(ctx context.Context) error {
	ids, err := e.store.ListExtensionGroups(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		_, err := e.host.GetGroup(ctx, id)
		if errors.Is(err, host.ErrNotFound) {
			e.forgetGroup(ctx, id)
			continue
		}
		if err != nil {
			return fmt.Errorf("get group %d: %w", id, err)
		}
	}
	return nil
}

// forgetGroup drops every record of a group the host no longer has.
func (e *Engine) forgetGroup(ctx context.Context, groupID int) {
	if err := e.store.RemoveGroupMapping(ctx, groupID); err != nil {
		applog.Error("grouping.forget", err, "group", groupID)
	}
	if err := e.store.RemoveExtensionGroup(ctx, groupID); err != nil {
		applog.Error("grouping.forget", err, "group", groupID)
	}
}

// GroupRemoved handles the host reporting that a group was closed.
func (e *Engine) GroupRemoved(ctx context.Context, groupID int) {
	e.forgetGroup(ctx, groupID)
}

func (e *Engine) inTransition(tabID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.transitions[tabID]
	return ok
}

func (e *Engine) setTransition(tabID int, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.transitions[tabID] = struct{}{}
	} else {
		delete(e.transitions, tabID)
	}
}

// GroupingEnabled reports the persisted grouping flag.
func (e *Engine) GroupingEnabled(ctx context.Context) (bool, error) {
	return e.store.GroupingEnabled(ctx)
}

// SetGroupingEnabled persists the flag and, when enabling, schedules a pass.
func (e *Engine) SetGroupingEnabled(ctx context.Context, enabled bool) error {
	if err := e.store.SetGroupingEnabled(ctx, enabled); err != nil {
		return err
	}
	applog.Info("grouping.enabled", "enabled", enabled)
	if enabled {
		e.Schedule("enabled")
	}
	return nil
}

// Stats describes what the engine currently tracks.
type Stats struct {
	types.Stats
	Groups   int
	Holds    int
	LastPass PassResult
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	mappings, err := e.store.ListGroupMappings(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Stats:    e.reg.GetStats(),
		Groups:   len(mappings),
		Holds:    e.holds.Len(),
		LastPass: e.LastPass(),
	}, nil
}

// ColorForTab returns the branch color of the tab's identity: the stored
// color, else the reserved color, else "".
func (e *Engine) ColorForTab(ctx context.Context, tabID int) (string, error) {
	entry := e.reg.GetIdentity(tabID)
	if entry == nil {
		return "", nil
	}
	b, err := e.store.GetBranch(ctx, entry.BranchKey())
	if err != nil {
		return "", err
	}
	if b != nil && b.Color != "" {
		return b.Color, nil
	}
	c, _ := ReservedColor(entry.VersionID)
	return c, nil
}
