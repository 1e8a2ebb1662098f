package grouping

import (
	"sync"

	"github.com/lotas/bubblegroups/internal/types"
)

// HoldSet tracks tabs the user pulled out of their group. A hold only
// applies while the tab keeps the identity it was placed for.
type HoldSet struct {
	mu    sync.Mutex
	holds map[int]types.BranchKey
}

func NewHoldSet() *HoldSet {
	return &HoldSet{holds: make(map[int]types.BranchKey)}
}

func (h *HoldSet) Hold(tabID int, key types.BranchKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.holds[tabID] = key
}

func (h *HoldSet) Release(tabID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.holds, tabID)
}

// Holds reports whether tabID is held for key.
func (h *HoldSet) Holds(tabID int, key types.BranchKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	held, ok := h.holds[tabID]
	return ok && held == key
}

// ReleaseIfChanged drops the hold on tabID unless it was placed for key.
func (h *HoldSet) ReleaseIfChanged(tabID int, key types.BranchKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if held, ok := h.holds[tabID]; ok && held != key {
		delete(h.holds, tabID)
	}
}

func (h *HoldSet) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.holds)
}

func (h *HoldSet) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.holds = make(map[int]types.BranchKey)
}
