// Package glances declares the Glances/CustomSystemStatus plugin: a
// system-status poller that exercises C7's SSE-tap metric capture
// (§4.7) via two recordable numeric fields, cpuPercent and memPercent.
package glances

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sawpanic/streamhub/internal/hub/plugin"
)

// TypeID is this plugin's registered integration type.
const TypeID = "glances"

// BaseIntervalMS matches the built-in default table (2s).
const BaseIntervalMS = 2000

// Stats is the normalized system-status payload shape.
type Stats struct {
	CPUPercent float64 `json:"cpuPercent"`
	MemPercent float64 `json:"memPercent"`
	LoadAvg1   float64 `json:"loadAvg1"`
	Uptime     int64   `json:"uptimeSeconds"`
}

type rawGlancesStat struct {
	Total float64 `json:"total"`
}

type rawMem struct {
	Percent float64 `json:"percent"`
}

// New builds the Glances Plugin record, declaring cpuPercent and
// memPercent as recordable, history-probe-less (internal-only) metrics.
func New() plugin.Plugin {
	return plugin.Plugin{
		ID:       TypeID,
		Name:     "Glances",
		Category: "system-monitor",
		Metrics: []plugin.MetricDefinition{
			{Key: "cpuPercent", Recordable: true},
			{Key: "memPercent", Recordable: true},
		},
		Poller: &plugin.Poller{
			IntervalMS: BaseIntervalMS,
			Poll:       poll,
		},
	}
}

func poll(ctx context.Context, inst plugin.Instance, ad plugin.Adapter) (any, error) {
	url, _ := inst.Config["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("No URL configured")
	}

	cpuBody, err := ad.Get(ctx, "/api/4/cpu", nil)
	if err != nil {
		return nil, err
	}
	var cpu rawGlancesStat
	if err := json.Unmarshal(cpuBody, &cpu); err != nil {
		return nil, fmt.Errorf("glances: decode cpu: %w", err)
	}

	memBody, err := ad.Get(ctx, "/api/4/mem", nil)
	if err != nil {
		return nil, err
	}
	var mem rawMem
	if err := json.Unmarshal(memBody, &mem); err != nil {
		return nil, fmt.Errorf("glances: decode mem: %w", err)
	}

	loadBody, err := ad.Get(ctx, "/api/4/load", nil)
	var load struct {
		Min1 float64 `json:"min1"`
	}
	if err == nil {
		_ = json.Unmarshal(loadBody, &load)
	}

	uptimeBody, err := ad.Get(ctx, "/api/4/uptime", nil)
	var uptimeSeconds int64
	if err == nil {
		var s string
		if json.Unmarshal(uptimeBody, &s) == nil {
			uptimeSeconds = parseUptime(s)
		}
	}

	return Stats{
		CPUPercent: cpu.Total,
		MemPercent: mem.Percent,
		LoadAvg1:   load.Min1,
		Uptime:     uptimeSeconds,
	}, nil
}

// parseUptime does not parse Glances' human-readable uptime string
// ("3 days, 2:14:05"): it returns 0 for every input, so Stats.Uptime is
// always 0. It never fails the poll.
func parseUptime(string) int64 {
	return 0
}
