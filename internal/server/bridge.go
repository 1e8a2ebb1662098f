package server

import (
	"context"

	"github.com/lotas/bubblegroups/internal/host"
	"github.com/lotas/bubblegroups/internal/scrape"
	"github.com/lotas/bubblegroups/internal/types"
)

// Commands understood by the extension.
const (
	ActionGetTab       = "tabs.get"
	ActionQueryTabs    = "tabs.query"
	ActionGroupTabs    = "tabs.group"
	ActionGetGroup     = "groups.get"
	ActionQueryGroups  = "groups.query"
	ActionUpdateGroup  = "groups.update"
	ActionScrapeBranch = "scrape-branch"
)

var (
	_ host.Host      = (*Server)(nil)
	_ scrape.Scraper = (*Server)(nil)
)

func (s *Server) GetTab(ctx context.Context, tabID int) (*types.Tab, error) {
	resp, err := s.Call(ctx, OutgoingMsg{Action: ActionGetTab, TabID: tabID})
	if err != nil {
		return nil, err
	}
	return ParseTab(resp.Tab)
}

func (s *Server) QueryTabs(ctx context.Context, q host.TabQuery) ([]*types.Tab, error) {
	msg := OutgoingMsg{Action: ActionQueryTabs, WindowID: q.WindowID}
	if q.GroupID != 0 {
		msg.GroupID = &q.GroupID
	}
	resp, err := s.Call(ctx, msg)
	if err != nil {
		return nil, err
	}
	return ParseTabs(resp.Tabs)
}

func (s *Server) GroupTabs(ctx context.Context, tabIDs []int, groupID int) (int, error) {
	msg := OutgoingMsg{Action: ActionGroupTabs, TabIDs: tabIDs}
	if groupID != types.NoGroup {
		msg.GroupID = &groupID
	}
	resp, err := s.Call(ctx, msg)
	if err != nil {
		return 0, err
	}
	return resp.GroupID, nil
}

func (s *Server) GetGroup(ctx context.Context, groupID int) (*types.TabGroup, error) {
	resp, err := s.Call(ctx, OutgoingMsg{Action: ActionGetGroup, GroupID: &groupID})
	if err != nil {
		return nil, err
	}
	return ParseGroup(resp.Group)
}

func (s *Server) QueryGroups(ctx context.Context, windowID int) ([]*types.TabGroup, error) {
	resp, err := s.Call(ctx, OutgoingMsg{Action: ActionQueryGroups, WindowID: windowID})
	if err != nil {
		return nil, err
	}
	return ParseGroups(resp.Groups)
}

func (s *Server) UpdateGroup(ctx context.Context, groupID int, u host.GroupUpdate) error {
	if u.Empty() {
		return nil
	}
	_, err := s.Call(ctx, OutgoingMsg{Action: ActionUpdateGroup, GroupID: &groupID, Title: u.Title, Color: u.Color})
	return err
}

// ScrapeBranch asks the editor page in tabID for its branch name.
func (s *Server) ScrapeBranch(ctx context.Context, tabID int) (scrape.Result, error) {
	resp, err := s.Call(ctx, OutgoingMsg{Action: ActionScrapeBranch, TabID: tabID})
	if err != nil {
		return scrape.Result{}, err
	}
	return scrape.Result{Name: resp.Name, Content: resp.Content}, nil
}
