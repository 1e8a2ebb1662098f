// Package registry keeps the in-memory index of which open tab currently
// represents which identity.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/lotas/bubblegroups/internal/types"
)

// Entry is one open tab with a resolved identity.
type Entry struct {
	TabID     int
	WindowID  int
	AppID     string
	VersionID string
	PageType  types.PageType
	Hostname  string
	URL       string
	UpdatedAt time.Time
}

// BranchKey returns the entry's (app, version) pair.
func (e Entry) BranchKey() types.BranchKey {
	return types.BranchKey{AppID: e.AppID, VersionID: e.VersionID}
}

// window -> app -> version -> set of tab IDs
type windowIndex map[string]map[string]map[int]struct{}

// Registry indexes tabs by ID and by window/app/version.
type Registry struct {
	mu      sync.RWMutex
	tabs    map[int]*Entry
	windows map[int]windowIndex
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tabs:    make(map[int]*Entry),
		windows: make(map[int]windowIndex),
		now:     time.Now,
	}
}

// SetTabIdentity records the identity of a tab, replacing any previous one.
func (r *Registry) SetTabIdentity(tabID, windowID int, id types.Identity, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(tabID)

	e := &Entry{
		TabID:     tabID,
		WindowID:  windowID,
		AppID:     id.AppID,
		VersionID: id.VersionID,
		PageType:  id.PageType,
		Hostname:  id.Hostname,
		URL:       url,
		UpdatedAt: r.now(),
	}
	r.tabs[tabID] = e

	apps, ok := r.windows[windowID]
	if !ok {
		apps = make(windowIndex)
		r.windows[windowID] = apps
	}
	versions, ok := apps[id.AppID]
	if !ok {
		versions = make(map[string]map[int]struct{})
		apps[id.AppID] = versions
	}
	set, ok := versions[id.VersionID]
	if !ok {
		set = make(map[int]struct{})
		versions[id.VersionID] = set
	}
	set[tabID] = struct{}{}
}

// RemoveTab forgets a tab. Unknown tabs are ignored.
func (r *Registry) RemoveTab(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(tabID)
}

func (r *Registry) removeLocked(tabID int) {
	e, ok := r.tabs[tabID]
	if !ok {
		return
	}
	delete(r.tabs, tabID)

	apps := r.windows[e.WindowID]
	versions := apps[e.AppID]
	set := versions[e.VersionID]
	delete(set, tabID)

	// Prune empty containers so memory tracks live tabs only.
	if len(set) == 0 {
		delete(versions, e.VersionID)
	}
	if len(versions) == 0 {
		delete(apps, e.AppID)
	}
	if len(apps) == 0 {
		delete(r.windows, e.WindowID)
	}
}

// GetIdentity returns a copy of the tab's entry, or nil.
func (r *Registry) GetIdentity(tabID int) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tabs[tabID]
	if !ok {
		return nil
	}
	c := *e
	return &c
}

// GetWindowTabs returns the entries of a window ordered by tab ID.
func (r *Registry) GetWindowTabs(windowID int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, versions := range r.windows[windowID] {
		for _, set := range versions {
			for id := range set {
				out = append(out, *r.tabs[id])
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// GetWindowApps returns the distinct app IDs registered in a window.
func (r *Registry) GetWindowApps(windowID int) map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]struct{}, len(r.windows[windowID]))
	for app := range r.windows[windowID] {
		out[app] = struct{}{}
	}
	return out
}

// All returns every entry ordered by tab ID.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.tabs))
	for _, e := range r.tabs {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// GetStats returns tab, window and distinct app counts.
func (r *Registry) GetStats() types.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	apps := make(map[string]struct{})
	for _, w := range r.windows {
		for app := range w {
			apps[app] = struct{}{}
		}
	}
	return types.Stats{
		Tabs:    len(r.tabs),
		Windows: len(r.windows),
		Apps:    len(apps),
	}
}

// Reset drops every entry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tabs = make(map[int]*Entry)
	r.windows = make(map[int]windowIndex)
}
