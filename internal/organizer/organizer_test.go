package organizer

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotas/bubblegroups/internal/grouping"
	"github.com/lotas/bubblegroups/internal/host/hosttest"
	"github.com/lotas/bubblegroups/internal/identity"
	"github.com/lotas/bubblegroups/internal/registry"
	"github.com/lotas/bubblegroups/internal/scrape"
	"github.com/lotas/bubblegroups/internal/server"
	"github.com/lotas/bubblegroups/internal/storage"
	"github.com/lotas/bubblegroups/internal/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type emptyScraper struct{}

func (emptyScraper) ScrapeBranch(context.Context, int) (scrape.Result, error) {
	return scrape.Result{}, nil
}

type fixture struct {
	ctx    context.Context
	host   *hosttest.Host
	store  *storage.Store
	clock  *fakeClock
	engine *grouping.Engine
	org    *Organizer
}

var devKey = types.BranchKey{AppID: "acme", VersionID: "dev"}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := storage.New(db).WithClock(clk.Now)
	h := hosttest.New()
	noSleep := grouping.RetryPolicy{
		Attempts: 3,
		Sleep:    func(context.Context, time.Duration) error { return nil },
	}
	engine := grouping.New(h, registry.New(), store, grouping.Options{Now: clk.Now, Retry: &noSleep, Debounce: 10 * time.Millisecond})
	parser := identity.NewParser(identity.Config{}, store, nil, nil)
	sc := scrape.New(emptyScraper{}, store, engine, engine.Registry(), scrape.Options{Now: clk.Now})

	org := New(h, parser, engine, store, sc)
	t.Cleanup(org.Teardown)
	return &fixture{ctx: context.Background(), host: h, store: store, clock: clk, engine: engine, org: org}
}

func editorURL(app, version string) string {
	return "https://bubble.io/page?id=" + app + "&version=" + version
}

func tabJSON(tab *types.Tab) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%d,"windowId":%d,"groupId":%d,"index":%d,"url":%q,"pinned":%t,"status":"complete"}`,
		tab.ID, tab.WindowID, tab.GroupID, tab.Index, tab.URL, tab.Pinned))
}

func groupJSON(g types.TabGroup) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%d,"windowId":%d,"title":%q,"color":%q}`, g.ID, g.WindowID, g.Title, g.Color))
}

// updated sends a tab.updated event carrying the host's current view of the tab.
func (f *fixture) updated(t *testing.T, tabID int, changeInfo string) error {
	t.Helper()
	tab := f.host.Tab(tabID)
	require.NotNil(t, tab)
	return f.org.HandleEvent(f.ctx, server.IncomingMsg{
		Type:       server.EventTabUpdated,
		TabID:      tabID,
		Tab:        tabJSON(tab),
		ChangeInfo: json.RawMessage(changeInfo),
	})
}

func (f *fixture) initDev(t *testing.T) int {
	t.Helper()
	f.host.AddTab(types.Tab{ID: 1, WindowID: 1, Index: 0, URL: editorURL("acme", "dev")})
	f.host.AddTab(types.Tab{ID: 2, WindowID: 1, Index: 1, URL: editorURL("acme", "dev") + "&tab=Data"})
	res, err := f.org.Initialize(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Registered)
	groups := f.host.Groups()
	require.Len(t, groups, 1)
	return groups[0].ID
}

func TestInitializeGroupsOpenTabs(t *testing.T) {
	f := newFixture(t)
	groupID := f.initDev(t)

	g := f.host.Groups()[0]
	assert.Equal(t, "dev", g.Title)
	assert.Equal(t, groupID, f.host.Tab(1).GroupID)
	assert.Equal(t, groupID, f.host.Tab(2).GroupID)

	app, err := f.store.GetApp(f.ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, app, "resolved identities create app data")
	assert.Contains(t, app.BaseURLs, "acme.bubbleapps.io")
}

func TestAppDataForTabsOpenAtStartup(t *testing.T) {
	f := newFixture(t)
	f.host.AddTab(types.Tab{ID: 1, WindowID: 1, URL: "https://zeta.bubbleapps.io/version-dev/"})
	_, err := f.org.Initialize(f.ctx)
	require.NoError(t, err)

	app, err := f.store.GetApp(f.ctx, "zeta")
	require.NoError(t, err)
	require.NotNil(t, app, "recovery records app data")
	assert.Equal(t, []string{"zeta.bubbleapps.io"}, app.BaseURLs)
	startup := app.URLLastSeen["zeta.bubbleapps.io"]

	// A later update with an unchanged identity still refreshes the host.
	f.clock.Advance(time.Minute)
	require.NoError(t, f.updated(t, 1, `{"status":"complete"}`))

	app, err = f.store.GetApp(f.ctx, "zeta")
	require.NoError(t, err)
	require.NotNil(t, app)
	assert.True(t, app.URLLastSeen["zeta.bubbleapps.io"].After(startup))
}

func TestTabCreatedIsGroupedByScheduledPass(t *testing.T) {
	f := newFixture(t)
	_, err := f.org.Initialize(f.ctx)
	require.NoError(t, err)

	tab := f.host.AddTab(types.Tab{ID: 3, WindowID: 1, URL: editorURL("acme", "dev")})
	require.NoError(t, f.org.HandleEvent(f.ctx, server.IncomingMsg{Type: server.EventTabCreated, TabID: 3, Tab: tabJSON(tab)}))

	require.NotNil(t, f.engine.Registry().GetIdentity(3))
	require.Eventually(t, func() bool {
		return f.host.Tab(3).Grouped()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTabAttachedFetchesTabFromHost(t *testing.T) {
	f := newFixture(t)
	_, err := f.org.Initialize(f.ctx)
	require.NoError(t, err)

	f.host.AddTab(types.Tab{ID: 4, WindowID: 2, URL: editorURL("acme", "live")})
	require.NoError(t, f.org.HandleEvent(f.ctx, server.IncomingMsg{Type: server.EventTabAttached, TabID: 4, WindowID: 2}))

	e := f.engine.Registry().GetIdentity(4)
	require.NotNil(t, e)
	assert.Equal(t, 2, e.WindowID)
	assert.Equal(t, "live", e.VersionID)
}

func TestIdentityChangeMovesGroupedTab(t *testing.T) {
	f := newFixture(t)
	devGroup := f.initDev(t)

	f.host.SetURL(2, editorURL("acme", "live"))
	require.NoError(t, f.updated(t, 2, fmt.Sprintf(`{"url":%q}`, editorURL("acme", "live"))))

	e := f.engine.Registry().GetIdentity(2)
	require.NotNil(t, e)
	assert.Equal(t, "live", e.VersionID)

	tab := f.host.Tab(2)
	require.True(t, tab.Grouped())
	assert.NotEqual(t, devGroup, tab.GroupID)
	for _, g := range f.host.Groups() {
		if g.ID == tab.GroupID {
			assert.Equal(t, "Live", g.Title)
			assert.Equal(t, types.ColorGreen, g.Color)
		}
	}
}

func TestIdentityChangeFailureKeepsRegistry(t *testing.T) {
	f := newFixture(t)
	f.initDev(t)

	f.host.StuckTabs[2] = true
	f.host.SetURL(2, editorURL("acme", "live"))
	err := f.updated(t, 2, fmt.Sprintf(`{"url":%q}`, editorURL("acme", "live")))
	require.ErrorIs(t, err, grouping.ErrMoveNotVerified)

	e := f.engine.Registry().GetIdentity(2)
	require.NotNil(t, e)
	assert.Equal(t, "dev", e.VersionID, "registry must not run ahead of the tab's placement")
}

func TestUnresolvableURLRemovesTab(t *testing.T) {
	f := newFixture(t)
	f.initDev(t)

	f.host.SetURL(1, "https://example.com/")
	require.NoError(t, f.updated(t, 1, `{"url":"https://example.com/"}`))
	assert.Nil(t, f.engine.Registry().GetIdentity(1))
}

func TestUserMovePlacesHold(t *testing.T) {
	f := newFixture(t)
	f.initDev(t)
	f.clock.Advance(2 * time.Second)

	f.host.Ungroup(2)
	require.NoError(t, f.updated(t, 2, `{"groupId":-1}`))
	assert.True(t, f.engine.IsHeld(2, devKey))

	_, err := f.engine.PlanAndExecuteGrouping(f.ctx, "test")
	require.NoError(t, err)
	assert.False(t, f.host.Tab(2).Grouped(), "held tab stays where the user put it")

	require.NoError(t, f.org.HandleEvent(f.ctx, server.IncomingMsg{Type: server.EventTabRemoved, TabID: 2}))
	assert.False(t, f.engine.IsHeld(2, devKey))
	assert.Nil(t, f.engine.Registry().GetIdentity(2))
}

func TestEngineMoveIsNotAUserMove(t *testing.T) {
	f := newFixture(t)
	f.initDev(t)

	// The engine just grouped tab 2; the echoed update must not place a hold.
	require.NoError(t, f.updated(t, 2, fmt.Sprintf(`{"groupId":%d}`, f.host.Tab(2).GroupID)))
	assert.False(t, f.engine.IsHeld(2, devKey))
}

func TestGroupUpdated(t *testing.T) {
	f := newFixture(t)
	groupID := f.initDev(t)
	g := f.host.Groups()[0]

	t.Run("engine echo is ignored", func(t *testing.T) {
		echo := g
		echo.Title = "Something else"
		require.NoError(t, f.org.HandleEvent(f.ctx, server.IncomingMsg{Type: server.EventGroupUpdated, Group: groupJSON(echo)}))
		b, err := f.store.GetBranch(f.ctx, devKey)
		require.NoError(t, err)
		assert.Empty(t, b.DisplayName)
	})

	f.clock.Advance(2 * time.Second)

	t.Run("automatic title is not a rename", func(t *testing.T) {
		require.NoError(t, f.org.HandleEvent(f.ctx, server.IncomingMsg{Type: server.EventGroupUpdated, Group: groupJSON(g)}))
		b, err := f.store.GetBranch(f.ctx, devKey)
		require.NoError(t, err)
		assert.Empty(t, b.DisplayName)
	})

	t.Run("user rename and recolor", func(t *testing.T) {
		f.host.SetGroupProps(groupID, "Checkout", types.ColorRed)
		renamed := f.host.Groups()[0]
		require.NoError(t, f.org.HandleEvent(f.ctx, server.IncomingMsg{Type: server.EventGroupUpdated, Group: groupJSON(renamed)}))
		b, err := f.store.GetBranch(f.ctx, devKey)
		require.NoError(t, err)
		assert.Equal(t, "Checkout", b.DisplayName)
		assert.Equal(t, types.ColorRed, b.Color)
	})
}

func TestGroupRemovedDropsMapping(t *testing.T) {
	f := newFixture(t)
	groupID := f.initDev(t)

	f.host.RemoveTab(1)
	f.host.RemoveTab(2)
	require.NoError(t, f.org.HandleEvent(f.ctx, server.IncomingMsg{
		Type:  server.EventGroupRemoved,
		Group: groupJSON(types.TabGroup{ID: groupID, WindowID: 1}),
	}))

	m, err := f.store.GetGroupMapping(f.ctx, groupID)
	require.NoError(t, err)
	assert.Nil(t, m)
	created, err := f.store.ListExtensionGroups(f.ctx)
	require.NoError(t, err)
	assert.NotContains(t, created, groupID)
}

func TestAppDetectedAdoptsCustomDomain(t *testing.T) {
	f := newFixture(t)
	f.host.AddTab(types.Tab{ID: 1, WindowID: 1, URL: editorURL("acme", "dev")})
	f.host.AddTab(types.Tab{ID: 5, WindowID: 1, URL: "https://shop.example.com/version-dev/checkout"})
	res, err := f.org.Initialize(f.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Registered, "unconfirmed custom domains are never adopted")

	require.NoError(t, f.org.HandleEvent(f.ctx, server.IncomingMsg{
		Type:  server.EventAppDetected,
		AppID: "acme",
		URL:   "https://shop.example.com/version-dev/checkout",
	}))

	app, err := f.store.GetApp(f.ctx, "acme")
	require.NoError(t, err)
	assert.Contains(t, app.BaseURLs, "shop.example.com")

	e := f.engine.Registry().GetIdentity(5)
	require.NotNil(t, e)
	assert.Equal(t, devKey, e.BranchKey())
	assert.Equal(t, types.PagePreview, e.PageType)
}

func TestBranchNameRefreshesTitles(t *testing.T) {
	f := newFixture(t)
	groupID := f.initDev(t)

	require.NoError(t, f.org.HandleEvent(f.ctx, server.IncomingMsg{
		Type:      server.EventBranchName,
		AppID:     "acme",
		VersionID: "dev",
		Name:      "Checkout Flow | Bubble Editor",
	}))

	b, err := f.store.GetBranch(f.ctx, devKey)
	require.NoError(t, err)
	assert.Equal(t, "Checkout Flow", b.ScrapedName)
	for _, g := range f.host.Groups() {
		if g.ID == groupID {
			assert.Equal(t, "Checkout Flow", g.Title)
		}
	}
}

func TestRunInitializesOnConnectAndStops(t *testing.T) {
	f := newFixture(t)
	f.host.AddTab(types.Tab{ID: 1, WindowID: 1, URL: editorURL("acme", "dev")})

	ctx, cancel := context.WithCancel(f.ctx)
	events := make(chan server.IncomingMsg, 1)
	done := make(chan error, 1)
	go func() { done <- f.org.Run(ctx, events) }()

	events <- server.IncomingMsg{Type: server.EventConnected}
	require.Eventually(t, func() bool {
		return f.host.Tab(1).Grouped()
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
