// Package radarr declares the Radarr plugin: a poller with two subtype
// overrides (queue, missing), mirroring sonarr's precedence-table
// exercise for the movie-request-manager integration type.
package radarr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sawpanic/streamhub/internal/hub/plugin"
)

// TypeID is this plugin's registered integration type.
const TypeID = "radarr"

// Base and subtype interval defaults.
const (
	BaseIntervalMS    = 5000
	QueueIntervalMS   = 3000
	MissingIntervalMS = 60000
)

// QueueItem is one row of Radarr's /queue response.
type QueueItem struct {
	ID       int     `json:"id"`
	Title    string  `json:"title"`
	Status   string  `json:"status"`
	Progress float64 `json:"sizeleft"`
}

// Movie is one row of /movie or /wanted/missing.
type Movie struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Year        int    `json:"year"`
	HasFile     bool   `json:"hasFile"`
	Monitored   bool   `json:"monitored"`
}

// New builds the Radarr Plugin record.
func New() plugin.Plugin {
	return plugin.Plugin{
		ID:       TypeID,
		Name:     "Radarr",
		Category: "request-manager",
		Poller: &plugin.Poller{
			IntervalMS: BaseIntervalMS,
			Poll:       pollMovies,
			Subtypes: map[string]plugin.SubPoller{
				"queue":   {IntervalMS: QueueIntervalMS, Poll: pollQueue},
				"missing": {IntervalMS: MissingIntervalMS, Poll: pollMissing},
			},
		},
	}
}

func requireAPIKey(inst plugin.Instance) error {
	url, _ := inst.Config["url"].(string)
	key, _ := inst.Config["apiKey"].(string)
	if url == "" || key == "" {
		return fmt.Errorf("URL and API key required")
	}
	return nil
}

func pollMovies(ctx context.Context, inst plugin.Instance, ad plugin.Adapter) (any, error) {
	if err := requireAPIKey(inst); err != nil {
		return nil, err
	}
	body, err := ad.Get(ctx, "/api/v3/movie", map[string]string{"X-Api-Key": apiKey(inst)})
	if err != nil {
		return nil, err
	}
	var movies []Movie
	if err := json.Unmarshal(body, &movies); err != nil {
		return nil, fmt.Errorf("radarr: decode movies: %w", err)
	}
	return map[string]any{"movies": movies}, nil
}

func pollQueue(ctx context.Context, inst plugin.Instance, ad plugin.Adapter) (any, error) {
	if err := requireAPIKey(inst); err != nil {
		return nil, err
	}
	body, err := ad.Get(ctx, "/api/v3/queue", map[string]string{"X-Api-Key": apiKey(inst)})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Records []QueueItem `json:"records"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("radarr: decode queue: %w", err)
	}
	out := make([]any, 0, len(resp.Records))
	for _, r := range resp.Records {
		out = append(out, r)
	}
	return out, nil
}

func pollMissing(ctx context.Context, inst plugin.Instance, ad plugin.Adapter) (any, error) {
	if err := requireAPIKey(inst); err != nil {
		return nil, err
	}
	body, err := ad.Get(ctx, "/api/v3/wanted/missing", map[string]string{"X-Api-Key": apiKey(inst)})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Records []Movie `json:"records"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("radarr: decode missing: %w", err)
	}
	out := make([]any, 0, len(resp.Records))
	for _, m := range resp.Records {
		out = append(out, m)
	}
	return out, nil
}

func apiKey(inst plugin.Instance) string {
	key, _ := inst.Config["apiKey"].(string)
	return key
}
