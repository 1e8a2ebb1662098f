package grouping

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotas/bubblegroups/internal/host"
	"github.com/lotas/bubblegroups/internal/host/hosttest"
	"github.com/lotas/bubblegroups/internal/types"
)

func TestRecoveryRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.open(t, types.Tab{ID: 1, WindowID: 1, URL: editorURL("acme", "dev")})
	f.open(t, types.Tab{ID: 2, WindowID: 1, URL: "https://acme.bubbleapps.io/version-dev/"})
	f.open(t, types.Tab{ID: 3, WindowID: 1, URL: "https://acme.bubbleapps.io/"})
	f.open(t, types.Tab{ID: 4, WindowID: 2, URL: editorURL("zeta", "feature_x")})
	f.pass(t)

	before, err := f.store.ListGroupMappings(f.ctx)
	require.NoError(t, err)
	require.Len(t, before, 3)

	// Lose everything in memory and, for good measure, the mappings too.
	f.reg.Reset()
	for _, m := range before {
		require.NoError(t, f.store.RemoveGroupMapping(f.ctx, m.GroupID))
	}
	f.host.ResetCalls()

	res, err := f.engine.Recover(f.ctx, f.parser, true)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Registered)
	require.NotNil(t, res.Pass)
	assert.Zero(t, res.Pass.GroupsCreated)
	assert.Empty(t, f.host.Calls(), "recovery must not recreate or retitle groups")

	after, err := f.store.ListGroupMappings(f.ctx)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].GroupID, after[i].GroupID)
		assert.Equal(t, before[i].AppID, after[i].AppID)
		assert.Equal(t, before[i].VersionID, after[i].VersionID)
		assert.Equal(t, before[i].WindowID, after[i].WindowID)
	}
}

func TestRecoveryWithIntactMappingsTakesFastPath(t *testing.T) {
	f := newFixture(t)
	f.open(t, types.Tab{ID: 1, WindowID: 1, URL: editorURL("acme", "dev")})
	f.pass(t)
	f.reg.Reset()
	f.host.ResetCalls()

	res, err := f.engine.Recover(f.ctx, f.parser, false)
	require.NoError(t, err)
	assert.Nil(t, res.Pass)
	assert.Equal(t, 1, f.reg.GetStats().Tabs)

	pass := f.pass(t)
	assert.Zero(t, pass.GroupsCreated)
	assert.Empty(t, f.host.Calls())
}

func TestCleanupStaleGroups(t *testing.T) {
	f := newFixture(t)
	f.open(t, types.Tab{ID: 1, WindowID: 1, URL: editorURL("acme", "dev")})
	f.open(t, types.Tab{ID: 2, WindowID: 1, URL: editorURL("acme", "live")})
	f.pass(t)
	devGroup := f.host.Tab(1).GroupID
	liveGroup := f.host.Tab(2).GroupID

	require.NoError(t, f.store.StoreGroupMapping(f.ctx, types.GroupMapping{GroupID: 999, AppID: "gone", VersionID: "dev", WindowID: 1}))
	require.NoError(t, f.store.AddExtensionGroup(f.ctx, 999))

	dropped, err := f.engine.CleanupStaleGroups(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped, "only the mapping of the missing group goes")
	created, err := f.store.ListExtensionGroups(f.ctx)
	require.NoError(t, err)
	assert.NotContains(t, created, 999)

	// Touch one mapping, then let the other age past the horizon.
	f.clock.Advance(23 * time.Hour)
	require.NoError(t, f.store.TouchGroupMapping(f.ctx, liveGroup))
	f.clock.Advance(2 * time.Hour)

	dropped, err = f.engine.CleanupStaleGroups(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	m, err := f.store.GetGroupMapping(f.ctx, devGroup)
	require.NoError(t, err)
	assert.Nil(t, m, "stale mapping dropped")
	m, err = f.store.GetGroupMapping(f.ctx, liveGroup)
	require.NoError(t, err)
	assert.NotNil(t, m)

	// The group itself survives; the next pass re-adopts it by vote.
	f.host.ResetCalls()
	res := f.pass(t)
	assert.Zero(t, res.GroupsCreated)
	m, err = f.store.GetGroupMapping(f.ctx, devGroup)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "dev", m.VersionID)
}

type failingResolver struct{}

func (failingResolver) Parse(context.Context, string) (types.Identity, bool, error) {
	return types.Identity{}, false, errors.New("lookup failed")
}

func TestRecoverySkipsUnparseableTabs(t *testing.T) {
	f := newFixture(t)
	f.host.AddTab(types.Tab{ID: 1, WindowID: 1, URL: editorURL("acme", "dev")})

	res, err := f.engine.Recover(f.ctx, failingResolver{}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Tabs)
	assert.Zero(t, res.Registered)
	assert.Equal(t, "no tabs", res.Pass.Skipped)
}

// gatedHost blocks the first full tab query until release is closed.
type gatedHost struct {
	*hosttest.Host
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (h *gatedHost) QueryTabs(ctx context.Context, q host.TabQuery) ([]*types.Tab, error) {
	h.once.Do(func() {
		close(h.entered)
		<-h.release
	})
	return h.Host.QueryTabs(ctx, q)
}

func TestRecoveryExcludesConcurrentPass(t *testing.T) {
	f := newFixture(t)
	f.open(t, types.Tab{ID: 1, WindowID: 1, URL: editorURL("acme", "dev")})
	f.pass(t)

	gate := &gatedHost{Host: f.host, entered: make(chan struct{}), release: make(chan struct{})}
	e := New(gate, f.reg, f.store, Options{Now: f.clock.Now})
	t.Cleanup(e.Stop)

	recovered := make(chan error, 1)
	go func() {
		_, err := e.Recover(f.ctx, f.parser, true)
		recovered <- err
	}()
	<-gate.entered
	require.Zero(t, f.reg.GetStats().Tabs, "registry is being rebuilt")

	passed := make(chan PassResult, 1)
	go func() {
		res, _ := e.PlanAndExecuteGrouping(f.ctx, "scheduled")
		passed <- res
	}()
	select {
	case <-passed:
		t.Fatal("pass ran against a half-rebuilt registry")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-recovered)
	res := <-passed
	assert.Empty(t, res.Skipped)
	assert.Equal(t, 1, res.Buckets)
}
