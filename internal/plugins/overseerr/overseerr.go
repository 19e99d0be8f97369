// Package overseerr declares the Overseerr plugin: a request-manager
// poller whose shared payload is subject to a per-user Transport filter
// (§4.4) that redacts requests the viewing user isn't entitled to see.
// The filter is registered against the Transport at boot, in cmd/hub;
// this package only shapes the raw payload the filter operates on.
package overseerr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sawpanic/streamhub/internal/hub/plugin"
)

// TypeID is this plugin's registered integration type.
const TypeID = "overseerr"

// BaseIntervalMS matches the built-in default table (60s).
const BaseIntervalMS = 60000

// Request is one row of Overseerr's /request response.
type Request struct {
	ID          int    `json:"id"`
	Status      int    `json:"status"`
	MediaType   string `json:"mediaType"`
	RequestedBy int    `json:"requestedByUserId"`
	Title       string `json:"title"`
}

// New builds the Overseerr Plugin record.
func New() plugin.Plugin {
	return plugin.Plugin{
		ID:       TypeID,
		Name:     "Overseerr",
		Category: "request-manager",
		Poller: &plugin.Poller{
			IntervalMS: BaseIntervalMS,
			Poll:       poll,
		},
	}
}

func poll(ctx context.Context, inst plugin.Instance, ad plugin.Adapter) (any, error) {
	url, _ := inst.Config["url"].(string)
	key, _ := inst.Config["apiKey"].(string)
	if url == "" || key == "" {
		return nil, fmt.Errorf("URL and API key required")
	}

	body, err := ad.Get(ctx, "/api/v1/request", map[string]string{"X-Api-Key": key})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Results []Request `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("overseerr: decode requests: %w", err)
	}

	return map[string]any{"requests": resp.Results}, nil
}

// Filter redacts requests the viewing user did not make. It still
// writes `_meta` alongside the filtered `requests` slice, which then
// participates in the *next* broadcast's JSON Patch diff rather than
// being stripped.
func Filter(canSeeAll func(userID string) bool) func(userID string, data any, topic string) any {
	return func(userID string, data any, topic string) any {
		m, ok := data.(map[string]any)
		if !ok {
			return data
		}
		if canSeeAll != nil && canSeeAll(userID) {
			return m
		}
		reqs, _ := m["requests"].([]Request)
		visible := make([]Request, 0, len(reqs))
		for _, r := range reqs {
			if fmt.Sprint(r.RequestedBy) == userID {
				visible = append(visible, r)
			}
		}
		return map[string]any{
			"requests": visible,
			"_meta":    map[string]any{"filteredForUser": userID},
		}
	}
}
