package server

import (
	"encoding/json"
	"fmt"

	"github.com/lotas/bubblegroups/internal/types"
)

type wireTab struct {
	ID       int    `json:"id"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	GroupID  *int   `json:"groupId"`
	WindowID int    `json:"windowId"`
	Index    int    `json:"index"`
	Pinned   bool   `json:"pinned"`
	Status   string `json:"status"`
}

type wireGroup struct {
	ID        int    `json:"id"`
	WindowID  int    `json:"windowId"`
	Title     string `json:"title"`
	Color     string `json:"color"`
	Collapsed bool   `json:"collapsed"`
}

// ChangeInfo is the subset of a tab update the organizer reacts to. Nil
// fields did not change.
type ChangeInfo struct {
	URL     *string `json:"url"`
	Status  string  `json:"status"`
	GroupID *int    `json:"groupId"`
	Pinned  *bool   `json:"pinned"`
	Title   *string `json:"title"`
}

func (wt wireTab) tab() *types.Tab {
	groupID := types.NoGroup
	if wt.GroupID != nil {
		groupID = *wt.GroupID
	}
	return &types.Tab{
		ID:       wt.ID,
		WindowID: wt.WindowID,
		GroupID:  groupID,
		Index:    wt.Index,
		URL:      wt.URL,
		Title:    wt.Title,
		Pinned:   wt.Pinned,
		Status:   wt.Status,
	}
}

func (wg wireGroup) group() *types.TabGroup {
	return &types.TabGroup{
		ID:        wg.ID,
		WindowID:  wg.WindowID,
		Title:     wg.Title,
		Color:     wg.Color,
		Collapsed: wg.Collapsed,
	}
}

// ParseTab converts a raw JSON tab into a Tab. A missing groupId means the
// tab is ungrouped.
func ParseTab(raw json.RawMessage) (*types.Tab, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("parse tab: empty")
	}
	var wt wireTab
	if err := json.Unmarshal(raw, &wt); err != nil {
		return nil, fmt.Errorf("parse tab: %w", err)
	}
	return wt.tab(), nil
}

// ParseTabs converts a raw JSON tab list.
func ParseTabs(raw json.RawMessage) ([]*types.Tab, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var wts []wireTab
	if err := json.Unmarshal(raw, &wts); err != nil {
		return nil, fmt.Errorf("parse tabs: %w", err)
	}
	out := make([]*types.Tab, 0, len(wts))
	for _, wt := range wts {
		out = append(out, wt.tab())
	}
	return out, nil
}

// ParseGroup converts a raw JSON tab group.
func ParseGroup(raw json.RawMessage) (*types.TabGroup, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("parse group: empty")
	}
	var wg wireGroup
	if err := json.Unmarshal(raw, &wg); err != nil {
		return nil, fmt.Errorf("parse group: %w", err)
	}
	return wg.group(), nil
}

// ParseGroups converts a raw JSON tab group list.
func ParseGroups(raw json.RawMessage) ([]*types.TabGroup, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var wgs []wireGroup
	if err := json.Unmarshal(raw, &wgs); err != nil {
		return nil, fmt.Errorf("parse groups: %w", err)
	}
	out := make([]*types.TabGroup, 0, len(wgs))
	for _, wg := range wgs {
		out = append(out, wg.group())
	}
	return out, nil
}

// ParseChangeInfo decodes the changeInfo of a tab.updated event. An absent
// changeInfo decodes to the zero value.
func ParseChangeInfo(raw json.RawMessage) (ChangeInfo, error) {
	var ci ChangeInfo
	if len(raw) == 0 {
		return ci, nil
	}
	if err := json.Unmarshal(raw, &ci); err != nil {
		return ci, fmt.Errorf("parse changeInfo: %w", err)
	}
	return ci, nil
}
