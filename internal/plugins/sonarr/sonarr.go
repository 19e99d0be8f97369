// Package sonarr declares the Sonarr plugin: a poller with three
// subtype overrides (queue, calendar, missing) exercising the Poller
// Orchestrator's subtype-interval precedence table (§4.5).
package sonarr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sawpanic/streamhub/internal/hub/plugin"
)

// TypeID is this plugin's registered integration type.
const TypeID = "sonarr"

// Base and subtype interval defaults, mirrored by the Poller
// Orchestrator's builtin table. The orchestrator consults its builtin
// subtype table first, so these subtype values take effect only for a
// subtype that table has no entry for.
const (
	BaseIntervalMS     = 5000
	QueueIntervalMS    = 3000
	CalendarIntervalMS = 300000
	MissingIntervalMS  = 60000
)

// QueueItem is one row of Sonarr's /queue response.
type QueueItem struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Progress float64 `json:"sizeleft"`
}

// Episode is one row of /calendar or /wanted/missing.
type Episode struct {
	ID            int    `json:"id"`
	SeriesTitle   string `json:"seriesTitle"`
	EpisodeNumber int    `json:"episodeNumber"`
	AirDate       string `json:"airDate"`
	Monitored     bool   `json:"monitored"`
}

// New builds the Sonarr Plugin record.
func New() plugin.Plugin {
	return plugin.Plugin{
		ID:       TypeID,
		Name:     "Sonarr",
		Category: "request-manager",
		Poller: &plugin.Poller{
			IntervalMS: BaseIntervalMS,
			Poll:       pollSeries,
			Subtypes: map[string]plugin.SubPoller{
				"queue":    {IntervalMS: QueueIntervalMS, Poll: pollQueue},
				"calendar": {IntervalMS: CalendarIntervalMS, Poll: pollCalendar},
				"missing":  {IntervalMS: MissingIntervalMS, Poll: pollMissing},
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

func pollSeries(ctx context.Context, inst plugin.Instance, ad plugin.Adapter) (any, error) {
	if err := requireAPIKey(inst); err != nil {
		return nil, err
	}
	body, err := ad.Get(ctx, "/api/v3/series", map[string]string{"X-Api-Key": apiKey(inst)})
	if err != nil {
		return nil, err
	}
	var series []map[string]any
	if err := json.Unmarshal(body, &series); err != nil {
		return nil, fmt.Errorf("sonarr: decode series: %w", err)
	}
	return map[string]any{"series": series}, nil
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
		return nil, fmt.Errorf("sonarr: decode queue: %w", err)
	}
	out := make([]any, 0, len(resp.Records))
	for _, r := range resp.Records {
		out = append(out, r)
	}
	return out, nil
}

func pollCalendar(ctx context.Context, inst plugin.Instance, ad plugin.Adapter) (any, error) {
	if err := requireAPIKey(inst); err != nil {
		return nil, err
	}
	body, err := ad.Get(ctx, "/api/v3/calendar", map[string]string{"X-Api-Key": apiKey(inst)})
	if err != nil {
		return nil, err
	}
	var episodes []Episode
	if err := json.Unmarshal(body, &episodes); err != nil {
		return nil, fmt.Errorf("sonarr: decode calendar: %w", err)
	}
	out := make([]any, 0, len(episodes))
	for _, e := range episodes {
		out = append(out, e)
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
		Records []Episode `json:"records"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("sonarr: decode missing: %w", err)
	}
	out := make([]any, 0, len(resp.Records))
	for _, e := range resp.Records {
		out = append(out, e)
	}
	return out, nil
}

func apiKey(inst plugin.Instance) string {
	key, _ := inst.Config["apiKey"].(string)
	return key
}
