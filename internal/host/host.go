// Package host describes the browser capabilities the organizer consumes:
// reading tabs, grouping them, and reading or updating tab groups.
package host

import (
	"context"
	"errors"
	"strings"

	"github.com/lotas/bubblegroups/internal/types"
)

var (
	// ErrNotFound means the tab or group no longer exists.
	ErrNotFound = errors.New("host: no such tab or group")
	// ErrTabBusy means the browser refused the edit because a tab is being
	// dragged. It is worth retrying.
	ErrTabBusy = errors.New("host: tabs cannot be edited right now")
	// ErrDisconnected means no extension is connected.
	ErrDisconnected = errors.New("host: extension not connected")
	// ErrTimeout means the extension did not answer in time.
	ErrTimeout = errors.New("host: request timed out")
)

// TabQuery filters tabs. Zero values mean "any".
type TabQuery struct {
	WindowID int
	GroupID  int
}

// GroupUpdate carries the properties to change on a group. Nil fields are
// left alone.
type GroupUpdate struct {
	Title *string
	Color *string
}

// Empty reports whether the update changes nothing.
func (u GroupUpdate) Empty() bool {
	return u.Title == nil && u.Color == nil
}

// Host is the tab and tab-group surface of the browser.
type Host interface {
	GetTab(ctx context.Context, tabID int) (*types.Tab, error)
	QueryTabs(ctx context.Context, q TabQuery) ([]*types.Tab, error)
	// GroupTabs adds tabs to groupID, or to a new group in the tabs' window
	// when groupID is types.NoGroup. It returns the resulting group ID.
	GroupTabs(ctx context.Context, tabIDs []int, groupID int) (int, error)
	GetGroup(ctx context.Context, groupID int) (*types.TabGroup, error)
	// QueryGroups lists groups in windowID, or in all windows when windowID is 0.
	QueryGroups(ctx context.Context, windowID int) ([]*types.TabGroup, error)
	UpdateGroup(ctx context.Context, groupID int, u GroupUpdate) error
}

// ClassifyError maps an error message reported by the browser to one of the
// sentinel errors. Unknown messages return nil.
func ClassifyError(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no tab with id"),
		strings.Contains(lower, "no group with id"),
		strings.Contains(lower, "no window with id"):
		return ErrNotFound
	case strings.Contains(lower, "cannot be edited right now"),
		strings.Contains(lower, "dragging"):
		return ErrTabBusy
	}
	return nil
}
