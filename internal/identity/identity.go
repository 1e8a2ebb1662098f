// Package identity derives which app, version and page type a tab belongs
// to from its URL.
package identity

import (
	"context"
	"net/url"
	"strings"

	"github.com/lotas/bubblegroups/internal/cache"
	"github.com/lotas/bubblegroups/internal/types"
)

const (
	DefaultEditorHost    = "bubble.io"
	DefaultPreviewSuffix = "bubbleapps.io"
	DefaultOptInParam    = "bubblegroups"

	versionPrefix = "version-"
)

// AppLookup finds the app a custom domain was confirmed for. It returns ""
// for unknown hosts.
type AppLookup interface {
	FindAppByHostname(ctx context.Context, hostname string) (string, error)
}

// Config holds the URL shapes the parser recognizes.
type Config struct {
	EditorHost    string
	PreviewSuffix string
	OptInParam    string
}

// Parser turns tab URLs into identities.
type Parser struct {
	cfg    Config
	apps   AppLookup
	recent *cache.TTL[string, string]
	known  *cache.Bounded[string, string]
}

// NewParser creates a parser. recent and known map version IDs to the app
// they were last seen under; either may be nil.
func NewParser(cfg Config, apps AppLookup, recent *cache.TTL[string, string], known *cache.Bounded[string, string]) *Parser {
	if cfg.EditorHost == "" {
		cfg.EditorHost = DefaultEditorHost
	}
	if cfg.PreviewSuffix == "" {
		cfg.PreviewSuffix = DefaultPreviewSuffix
	}
	if cfg.OptInParam == "" {
		cfg.OptInParam = DefaultOptInParam
	}
	return &Parser{cfg: cfg, apps: apps, recent: recent, known: known}
}

// ParseCanonical handles the editor page and the platform preview domain.
// It does no I/O.
func (p *Parser) ParseCanonical(rawURL string) (types.Identity, bool) {
	u, ok := parseHTTP(rawURL)
	if !ok {
		return types.Identity{}, false
	}
	host := strings.ToLower(u.Hostname())

	if host == p.cfg.EditorHost || host == "www."+p.cfg.EditorHost {
		if u.Path != "/page" {
			return types.Identity{}, false
		}
		q := u.Query()
		app := q.Get("id")
		if app == "" {
			return types.Identity{}, false
		}
		version := q.Get("version")
		if version == "" {
			version = "test"
		}
		return types.Identity{AppID: app, VersionID: version, PageType: types.PageEditor, Hostname: host}, true
	}

	if app, ok := strings.CutSuffix(host, "."+p.cfg.PreviewSuffix); ok && app != "" && !strings.Contains(app, ".") {
		return types.Identity{AppID: app, VersionID: previewVersion(u.Path), PageType: types.PagePreview, Hostname: host}, true
	}
	return types.Identity{}, false
}

// Parse resolves rawURL, falling back to confirmed custom domains and, for
// URLs carrying the opt-in parameter, to the last app a version was seen
// under. Unrecognized domains never resolve.
func (p *Parser) Parse(ctx context.Context, rawURL string) (types.Identity, bool, error) {
	if id, ok := p.ParseCanonical(rawURL); ok {
		p.Remember(id)
		return id, true, nil
	}

	u, ok := parseHTTP(rawURL)
	if !ok {
		return types.Identity{}, false, nil
	}
	host := strings.ToLower(u.Hostname())
	if host == p.cfg.EditorHost || host == "www."+p.cfg.EditorHost || strings.HasSuffix(host, "."+p.cfg.PreviewSuffix) {
		return types.Identity{}, false, nil
	}

	if p.apps != nil {
		app, err := p.apps.FindAppByHostname(ctx, host)
		if err != nil {
			return types.Identity{}, false, err
		}
		if app != "" {
			id := types.Identity{AppID: app, VersionID: previewVersion(u.Path), PageType: types.PagePreview, Hostname: host}
			p.Remember(id)
			return id, true, nil
		}
	}

	if !u.Query().Has(p.cfg.OptInParam) {
		return types.Identity{}, false, nil
	}
	version, ok := pathVersion(u.Path)
	if !ok {
		return types.Identity{}, false, nil
	}
	app, ok := p.LastApp(version)
	if !ok {
		return types.Identity{}, false, nil
	}
	id := types.Identity{AppID: app, VersionID: version, PageType: types.PagePreview, Hostname: host}
	p.Remember(id)
	return id, true, nil
}

// Remember records that id's version was just seen under its app.
func (p *Parser) Remember(id types.Identity) {
	if p.recent != nil {
		p.recent.Set(id.VersionID, id.AppID)
	}
	if p.known != nil {
		p.known.Set(id.VersionID, id.AppID)
	}
}

// LastApp returns the app versionID was last seen under.
func (p *Parser) LastApp(versionID string) (string, bool) {
	if p.recent != nil {
		if app, ok := p.recent.Get(versionID); ok {
			return app, true
		}
	}
	if p.known != nil {
		return p.known.Get(versionID)
	}
	return "", false
}

// Hostname returns the lowercased host of rawURL, or "" if it is not an
// http(s) URL.
func Hostname(rawURL string) string {
	u, ok := parseHTTP(rawURL)
	if !ok {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func parseHTTP(rawURL string) (*url.URL, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return nil, false
	}
	return u, true
}

func pathVersion(path string) (string, bool) {
	first, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	v, ok := strings.CutPrefix(first, versionPrefix)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func previewVersion(path string) string {
	if v, ok := pathVersion(path); ok {
		return v
	}
	return "live"
}
