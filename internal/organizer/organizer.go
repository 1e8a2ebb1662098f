// Package organizer connects browser events to the grouping engine: it
// resolves tab identities, keeps the registry current, routes user edits to
// arbitration and schedules planning passes.
package organizer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lotas/bubblegroups/internal/applog"
	"github.com/lotas/bubblegroups/internal/grouping"
	"github.com/lotas/bubblegroups/internal/host"
	"github.com/lotas/bubblegroups/internal/identity"
	"github.com/lotas/bubblegroups/internal/registry"
	"github.com/lotas/bubblegroups/internal/scrape"
	"github.com/lotas/bubblegroups/internal/server"
	"github.com/lotas/bubblegroups/internal/types"
)

// AppStore records the domains apps are seen on.
type AppStore interface {
	CanonicalHost(appID string) string
	EnsureApp(ctx context.Context, appID string) error
	AddBaseURL(ctx context.Context, appID, hostname string) error
	TouchURL(ctx context.Context, appID, hostname string) error
}

// Organizer owns the event wiring. Create it with New, call Initialize once
// the extension is connected, feed it events with Run and call Teardown on
// shutdown.
type Organizer struct {
	host    host.Host
	parser  *identity.Parser
	engine  *grouping.Engine
	reg     *registry.Registry
	apps    AppStore
	scraper *scrape.Coordinator // may be nil

	wg      sync.WaitGroup
	mu      sync.Mutex
	baseCtx context.Context
	known   map[string]bool // apps with a stored record
}

func New(h host.Host, parser *identity.Parser, engine *grouping.Engine, apps AppStore, scraper *scrape.Coordinator) *Organizer {
	return &Organizer{
		host:    h,
		parser:  parser,
		engine:  engine,
		reg:     engine.Registry(),
		apps:    apps,
		scraper: scraper,
		baseCtx: context.Background(),
		known:   make(map[string]bool),
	}
}

// Initialize starts the engine and runs the recovery sequence: every open
// tab is re-parsed, stale mappings are dropped and a full pass follows.
func (o *Organizer) Initialize(ctx context.Context) (grouping.RecoveryResult, error) {
	o.mu.Lock()
	o.baseCtx = ctx
	o.mu.Unlock()
	o.engine.Start(ctx)

	res, err := o.engine.Recover(ctx, recordingResolver{o}, true)
	if err != nil {
		return res, fmt.Errorf("recover: %w", err)
	}
	if res.Pass != nil {
		applog.Info("organizer.initialized", "tabs", res.Tabs, "registered", res.Registered,
			"dropped", res.MappingsDropped, "buckets", res.Pass.Buckets, "created", res.Pass.GroupsCreated)
	}
	if o.scraper != nil {
		o.background(func(ctx context.Context) { o.scraper.ScanOnce(ctx) })
	}
	return res, nil
}

// Run handles events until ctx is cancelled or events is closed. A
// connected event re-runs Initialize.
func (o *Organizer) Run(ctx context.Context, events <-chan server.IncomingMsg) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-events:
			if !ok {
				return nil
			}
			if msg.Type == server.EventConnected {
				if _, err := o.Initialize(ctx); err != nil {
					applog.Error("organizer.initialize", err)
				}
				continue
			}
			if err := o.HandleEvent(ctx, msg); err != nil {
				applog.Error("organizer.event", err, "type", msg.Type, "tab", msg.TabID)
			}
		}
	}
}

// Teardown cancels pending passes and waits for background work.
func (o *Organizer) Teardown() {
	o.engine.Stop()
	o.wg.Wait()
}

func (o *Organizer) background(fn func(ctx context.Context)) {
	o.mu.Lock()
	ctx := o.baseCtx
	o.mu.Unlock()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(ctx)
	}()
}

// HandleEvent applies one extension event. Every event schedules a
// debounced planning pass.
func (o *Organizer) HandleEvent(ctx context.Context, msg server.IncomingMsg) error {
	defer o.engine.Schedule(msg.Type)

	switch msg.Type {
	case server.EventTabCreated, server.EventTabAttached:
		tab, err := o.eventTab(ctx, msg)
		if err != nil {
			return err
		}
		return o.resolveTab(ctx, tab)

	case server.EventTabUpdated:
		return o.tabUpdated(ctx, msg)

	case server.EventTabRemoved, server.EventTabDetached:
		o.reg.RemoveTab(msg.TabID)
		o.engine.ReleaseHold(msg.TabID)
		return nil

	case server.EventTabMoved, server.EventGroupCreated:
		return nil

	case server.EventGroupUpdated:
		return o.groupUpdated(ctx, msg)

	case server.EventGroupRemoved:
		groupID := msg.GroupID
		if g, err := server.ParseGroup(msg.Group); err == nil {
			groupID = g.ID
		}
		o.engine.GroupRemoved(ctx, groupID)
		return nil

	case server.EventAppDetected:
		return o.appDetected(ctx, msg.AppID, msg.URL)

	case server.EventBranchName:
		if o.scraper == nil {
			return nil
		}
		return o.scraper.Report(ctx, msg.AppID, msg.VersionID, msg.Name)
	}
	applog.Info("organizer.unknown_event", "type", msg.Type)
	return nil
}

// eventTab returns the tab carried by msg, fetching it from the host when
// the event only names it.
func (o *Organizer) eventTab(ctx context.Context, msg server.IncomingMsg) (*types.Tab, error) {
	if len(msg.Tab) > 0 {
		return server.ParseTab(msg.Tab)
	}
	return o.host.GetTab(ctx, msg.TabID)
}

func (o *Organizer) tabUpdated(ctx context.Context, msg server.IncomingMsg) error {
	ci, err := server.ParseChangeInfo(msg.ChangeInfo)
	if err != nil {
		return err
	}
	tab, err := o.eventTab(ctx, msg)
	if errors.Is(err, host.ErrNotFound) {
		o.reg.RemoveTab(msg.TabID)
		return nil
	}
	if err != nil {
		return err
	}

	if ci.GroupID != nil && !o.engine.IsInternalTabMove(tab.ID) {
		if err := o.engine.HandleUserTabMove(ctx, tab.ID, tab.WindowID, *ci.GroupID); err != nil {
			return fmt.Errorf("user move of tab %d: %w", tab.ID, err)
		}
	}
	if ci.URL != nil || ci.Status == "complete" || ci.Pinned != nil || o.reg.GetIdentity(tab.ID) == nil {
		return o.resolveTab(ctx, tab)
	}
	return nil
}

// resolveTab re-derives the tab's identity and records it. When a grouped
// tab changes identity it is moved first and the registry is only advanced
// if the move succeeded or was unnecessary.
func (o *Organizer) resolveTab(ctx context.Context, tab *types.Tab) error {
	id, ok, err := o.parser.Parse(ctx, tab.URL)
	if err != nil {
		return fmt.Errorf("parse tab %d: %w", tab.ID, err)
	}
	prev := o.reg.GetIdentity(tab.ID)
	if !ok {
		if prev != nil {
			o.reg.RemoveTab(tab.ID)
			o.engine.ReleaseHold(tab.ID)
		}
		return nil
	}

	o.recordApp(ctx, id)

	if prev != nil && prev.BranchKey() != id.BranchKey() && tab.Grouped() {
		res := o.engine.HandleTabIdentityChange(ctx, tab.ID, id)
		if !res.OK() {
			return fmt.Errorf("identity change of tab %d to %s: %w", tab.ID, id.BranchKey(), res.Err)
		}
	}
	o.reg.SetTabIdentity(tab.ID, tab.WindowID, id, tab.URL)

	if o.scraper != nil && id.PageType == types.PageEditor && (prev == nil || prev.BranchKey() != id.BranchKey()) {
		tabID := tab.ID
		o.background(func(ctx context.Context) {
			if _, err := o.scraper.Request(ctx, tabID, id); err != nil && !errors.Is(err, scrape.ErrThrottled) {
				applog.Error("organizer.scrape", err, "tab", tabID)
			}
		})
	}
	return nil
}

// recordApp creates the app record on first sight and refreshes the last
// time the identity's hostname was seen.
func (o *Organizer) recordApp(ctx context.Context, id types.Identity) {
	o.mu.Lock()
	known := o.known[id.AppID]
	o.mu.Unlock()
	if !known {
		if err := o.apps.EnsureApp(ctx, id.AppID); err != nil {
			applog.Error("organizer.ensure_app", err, "app", id.AppID)
		} else {
			o.mu.Lock()
			o.known[id.AppID] = true
			o.mu.Unlock()
		}
	}
	if err := o.apps.TouchURL(ctx, id.AppID, id.Hostname); err != nil {
		applog.Error("organizer.touch_url", err, "app", id.AppID, "host", id.Hostname)
	}
}

// recordingResolver records app data for every identity recovery resolves.
type recordingResolver struct{ o *Organizer }

func (r recordingResolver) Parse(ctx context.Context, rawURL string) (types.Identity, bool, error) {
	id, ok, err := r.o.parser.Parse(ctx, rawURL)
	if err == nil && ok {
		r.o.recordApp(ctx, id)
	}
	return id, ok, err
}

func (o *Organizer) groupUpdated(ctx context.Context, msg server.IncomingMsg) error {
	g, err := server.ParseGroup(msg.Group)
	if err != nil {
		return err
	}
	if o.engine.IsInternalGroupUpdate(g.ID) {
		return nil
	}
	if g.Title != "" {
		if _, err := o.engine.HandleUserGroupRename(ctx, g.ID, g.Title); err != nil {
			return fmt.Errorf("rename of group %d: %w", g.ID, err)
		}
	}
	if g.Color != "" {
		if _, err := o.engine.HandleUserGroupColorChange(ctx, g.ID, g.Color); err != nil {
			return fmt.Errorf("color change of group %d: %w", g.ID, err)
		}
	}
	return nil
}

// appDetected confirms that the page at rawURL belongs to appID. A custom
// domain is recorded as a base URL and open tabs on it are resolved again.
func (o *Organizer) appDetected(ctx context.Context, appID, rawURL string) error {
	hostname := identity.Hostname(rawURL)
	if appID == "" || hostname == "" {
		return nil
	}
	if err := o.apps.EnsureApp(ctx, appID); err != nil {
		return err
	}
	o.mu.Lock()
	o.known[appID] = true
	o.mu.Unlock()
	if hostname == o.apps.CanonicalHost(appID) {
		return nil
	}
	if err := o.apps.AddBaseURL(ctx, appID, hostname); err != nil {
		return err
	}
	applog.Info("organizer.app_detected", "app", appID, "host", hostname)

	tabs, err := o.host.QueryTabs(ctx, host.TabQuery{})
	if err != nil {
		return err
	}
	for _, t := range tabs {
		if identity.Hostname(t.URL) != hostname {
			continue
		}
		if err := o.resolveTab(ctx, t); err != nil {
			applog.Error("organizer.rescan", err, "tab", t.ID)
		}
	}
	return nil
}
