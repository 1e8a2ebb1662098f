package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a running organizer's API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for addr, either "host:port" or a full URL.
func NewClient(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{base: strings.TrimRight(addr, "/"), http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: HTTP %d: %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var s StatsResponse
	return s, c.do(ctx, http.MethodGet, "/stats", nil, &s)
}

func (c *Client) Regroup(ctx context.Context) (PassResponse, error) {
	var p PassResponse
	return p, c.do(ctx, http.MethodPost, "/regroup", nil, &p)
}

func (c *Client) GroupingEnabled(ctx context.Context) (bool, error) {
	var g GroupingResponse
	err := c.do(ctx, http.MethodGet, "/grouping", nil, &g)
	return g.Enabled, err
}

func (c *Client) SetGroupingEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPut, "/grouping", map[string]bool{"enabled": enabled}, nil)
}

func (c *Client) TabColor(ctx context.Context, tabID int) (string, error) {
	var cr ColorResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tabs/%d/color", tabID), nil, &cr)
	return cr.Color, err
}

func (c *Client) ReportName(ctx context.Context, appID, versionID, name string) error {
	path := "/branches/" + url.PathEscape(appID) + "/" + url.PathEscape(versionID) + "/name"
	return c.do(ctx, http.MethodPost, path, NameRequest{Name: name}, nil)
}
