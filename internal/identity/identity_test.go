package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotas/bubblegroups/internal/cache"
	"github.com/lotas/bubblegroups/internal/types"
)

type lookupFunc func(ctx context.Context, host string) (string, error)

func (f lookupFunc) FindAppByHostname(ctx context.Context, host string) (string, error) {
	return f(ctx, host)
}

func hosts(m map[string]string) AppLookup {
	return lookupFunc(func(_ context.Context, host string) (string, error) {
		return m[host], nil
	})
}

func TestParseCanonical(t *testing.T) {
	p := NewParser(Config{}, nil, nil, nil)

	tests := []struct {
		name string
		url  string
		want types.Identity
		ok   bool
	}{
		{
			name: "editor with version",
			url:  "https://bubble.io/page?id=acme&tab=Design&version=dev",
			want: types.Identity{AppID: "acme", VersionID: "dev", PageType: types.PageEditor, Hostname: "bubble.io"},
			ok:   true,
		},
		{
			name: "editor defaults to test",
			url:  "https://bubble.io/page?id=acme",
			want: types.Identity{AppID: "acme", VersionID: "test", PageType: types.PageEditor, Hostname: "bubble.io"},
			ok:   true,
		},
		{
			name: "editor without app",
			url:  "https://bubble.io/page?version=dev",
		},
		{
			name: "bubble.io non-editor page",
			url:  "https://bubble.io/home?id=acme",
		},
		{
			name: "preview with version",
			url:  "https://acme.bubbleapps.io/version-test/index?debug_mode=true",
			want: types.Identity{AppID: "acme", VersionID: "test", PageType: types.PagePreview, Hostname: "acme.bubbleapps.io"},
			ok:   true,
		},
		{
			name: "preview without version is live",
			url:  "https://acme.bubbleapps.io/checkout",
			want: types.Identity{AppID: "acme", VersionID: "live", PageType: types.PagePreview, Hostname: "acme.bubbleapps.io"},
			ok:   true,
		},
		{
			name: "nested subdomain is not an app",
			url:  "https://a.b.bubbleapps.io/",
		},
		{
			name: "other scheme",
			url:  "chrome://newtab",
		},
		{
			name: "garbage",
			url:  "::not a url",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.ParseCanonical(tt.url)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCustomDomain(t *testing.T) {
	ctx := context.Background()
	p := NewParser(Config{}, hosts(map[string]string{"shop.acme.com": "acme"}), nil, nil)

	id, ok, err := p.Parse(ctx, "https://shop.acme.com/version-feature-x/cart")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Identity{AppID: "acme", VersionID: "feature-x", PageType: types.PagePreview, Hostname: "shop.acme.com"}, id)

	id, ok, err = p.Parse(ctx, "https://shop.acme.com/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "live", id.VersionID)
}

func TestParseNeverAdoptsUnknownDomain(t *testing.T) {
	ctx := context.Background()
	recent := cache.NewTTL[string, string](time.Minute, nil)
	p := NewParser(Config{}, hosts(nil), recent, nil)

	// Seeing the version on the canonical domain primes the cache.
	_, ok, err := p.Parse(ctx, "https://acme.bubbleapps.io/version-dev/")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = p.Parse(ctx, "https://evil.example.com/version-dev/")
	require.NoError(t, err)
	assert.False(t, ok, "version path alone must not resolve without the opt-in parameter")

	id, ok, err := p.Parse(ctx, "https://evil.example.com/version-dev/?bubblegroups=1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acme", id.AppID)
	assert.Equal(t, "dev", id.VersionID)

	_, ok, err = p.Parse(ctx, "https://evil.example.com/?bubblegroups=1")
	require.NoError(t, err)
	assert.False(t, ok, "opt-in without a version path has nothing to look up")
}

func TestParseFallsBackToBoundedCache(t *testing.T) {
	clk := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clk }
	recent := cache.NewTTL[string, string](time.Minute, now)
	known := cache.NewBounded[string, string](10, now)
	p := NewParser(Config{}, nil, recent, known)

	p.Remember(types.Identity{AppID: "acme", VersionID: "dev"})
	clk = clk.Add(time.Hour)

	app, ok := p.LastApp("dev")
	require.True(t, ok)
	assert.Equal(t, "acme", app)
	assert.Equal(t, 0, recent.Len(), "expired TTL entry should be evicted")
}

func TestParseLookupError(t *testing.T) {
	boom := errors.New("db closed")
	p := NewParser(Config{}, lookupFunc(func(context.Context, string) (string, error) { return "", boom }), nil, nil)

	_, ok, err := p.Parse(context.Background(), "https://shop.acme.com/")
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestHostname(t *testing.T) {
	assert.Equal(t, "shop.acme.com", Hostname("https://Shop.Acme.com:8443/x"))
	assert.Equal(t, "", Hostname("about:blank"))
}
