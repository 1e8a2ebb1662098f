// Package hosttest provides an in-memory host.Host for tests.
package hosttest

import (
	"context"
	"sort"
	"sync"

	"github.com/lotas/bubblegroups/internal/host"
	"github.com/lotas/bubblegroups/internal/types"
)

// Call records one mutation issued against the fake.
type Call struct {
	Op      string // "group" or "update"
	TabIDs  []int
	GroupID int
	Update  host.GroupUpdate
}

// Host is an in-memory browser. Empty groups disappear, like in Chrome.
type Host struct {
	mu          sync.Mutex
	tabs        map[int]*types.Tab
	groups      map[int]*types.TabGroup
	nextGroupID int
	colorCycle  []string

	calls []Call

	// BusyFailures makes the next N mutations fail with host.ErrTabBusy.
	BusyFailures int
	// StuckTabs lists tabs that GroupTabs silently refuses to move.
	StuckTabs map[int]bool
}

// New returns an empty fake host.
func New() *Host {
	return &Host{
		tabs:        make(map[int]*types.Tab),
		groups:      make(map[int]*types.TabGroup),
		nextGroupID: 100,
		colorCycle:  []string{types.ColorBlue, types.ColorPurple, types.ColorCyan},
		StuckTabs:   make(map[int]bool),
	}
}

// AddTab places a tab in the fake. GroupID 0 is treated as ungrouped.
func (h *Host) AddTab(tab types.Tab) *types.Tab {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tab.GroupID == 0 {
		tab.GroupID = types.NoGroup
	}
	t := tab
	h.tabs[t.ID] = &t
	return &t
}

// AddGroup places a pre-existing group in the fake.
func (h *Host) AddGroup(g types.TabGroup) {
	h.mu.Lock()
	defer h.mu.Unlock()
	grp := g
	h.groups[grp.ID] = &grp
	if grp.ID >= h.nextGroupID {
		h.nextGroupID = grp.ID + 1
	}
}

// RemoveTab closes a tab.
func (h *Host) RemoveTab(tabID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[tabID]
	if !ok {
		return
	}
	delete(h.tabs, tabID)
	h.dropIfEmpty(t.GroupID)
}

// SetURL changes a tab's URL in place.
func (h *Host) SetURL(tabID int, url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.tabs[tabID]; ok {
		t.URL = url
	}
}

// Ungroup pulls a tab out of its group, as a user would.
func (h *Host) Ungroup(tabID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[tabID]
	if !ok {
		return
	}
	old := t.GroupID
	t.GroupID = types.NoGroup
	h.dropIfEmpty(old)
}

// SetGroupProps edits a group directly, bypassing the call log.
func (h *Host) SetGroupProps(groupID int, title, color string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if g, ok := h.groups[groupID]; ok {
		g.Title = title
		g.Color = color
	}
}

// Calls returns a copy of every mutation issued so far.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}

// ResetCalls clears the mutation log.
func (h *Host) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// Groups returns copies of all groups sorted by ID.
func (h *Host) Groups() []types.TabGroup {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []types.TabGroup
	for _, g := range h.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tab returns a copy of the tab, or nil.
func (h *Host) Tab(tabID int) *types.Tab {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tabs[tabID]
	if !ok {
		return nil
	}
	c := *t
	return &c
}

func (h *Host) GetTab(ctx context.Context, tabID int) (*types.Tab, error) {
	if t := h.Tab(tabID); t != nil {
		return t, nil
	}
	return nil, host.ErrNotFound
}

func (h *Host) QueryTabs(ctx context.Context, q host.TabQuery) ([]*types.Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*types.Tab
	for _, t := range h.tabs {
		if q.WindowID != 0 && t.WindowID != q.WindowID {
			continue
		}
		if q.GroupID != 0 && t.GroupID != q.GroupID {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (h *Host) GroupTabs(ctx context.Context, tabIDs []int, groupID int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.BusyFailures > 0 {
		h.BusyFailures--
		return 0, host.ErrTabBusy
	}
	h.calls = append(h.calls, Call{Op: "group", TabIDs: append([]int(nil), tabIDs...), GroupID: groupID})

	if len(tabIDs) == 0 {
		return 0, host.ErrNotFound
	}
	first, ok := h.tabs[tabIDs[0]]
	if !ok {
		return 0, host.ErrNotFound
	}

	var g *types.TabGroup
	if groupID == types.NoGroup {
		g = &types.TabGroup{
			ID:       h.nextGroupID,
			WindowID: first.WindowID,
			Color:    h.colorCycle[h.nextGroupID%len(h.colorCycle)],
		}
		h.groups[g.ID] = g
		h.nextGroupID++
	} else {
		g, ok = h.groups[groupID]
		if !ok {
			return 0, host.ErrNotFound
		}
	}

	for _, id := range tabIDs {
		t, ok := h.tabs[id]
		if !ok {
			return 0, host.ErrNotFound
		}
		if h.StuckTabs[id] {
			continue
		}
		old := t.GroupID
		t.GroupID = g.ID
		t.WindowID = g.WindowID
		if old != g.ID {
			h.dropIfEmpty(old)
		}
	}
	return g.ID, nil
}

func (h *Host) GetGroup(ctx context.Context, groupID int) (*types.TabGroup, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.groups[groupID]
	if !ok {
		return nil, host.ErrNotFound
	}
	c := *g
	return &c, nil
}

func (h *Host) QueryGroups(ctx context.Context, windowID int) ([]*types.TabGroup, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*types.TabGroup
	for _, g := range h.groups {
		if windowID != 0 && g.WindowID != windowID {
			continue
		}
		c := *g
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (h *Host) UpdateGroup(ctx context.Context, groupID int, u host.GroupUpdate) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.BusyFailures > 0 {
		h.BusyFailures--
		return host.ErrTabBusy
	}
	h.calls = append(h.calls, Call{Op: "update", GroupID: groupID, Update: u})
	g, ok := h.groups[groupID]
	if !ok {
		return host.ErrNotFound
	}
	if u.Title != nil {
		g.Title = *u.Title
	}
	if u.Color != nil {
		g.Color = *u.Color
	}
	return nil
}

// dropIfEmpty must be called with h.mu held.
func (h *Host) dropIfEmpty(groupID int) {
	if groupID == types.NoGroup {
		return
	}
	for _, t := range h.tabs {
		if t.GroupID == groupID {
			return
		}
	}
	delete(h.groups, groupID)
}
