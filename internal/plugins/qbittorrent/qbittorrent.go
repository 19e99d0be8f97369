// Package qbittorrent declares the qBittorrent plugin: a poll-only
// integration type with no realtime capability and no recordable
// metrics, exercising the plain poller path of §4.5.
package qbittorrent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sawpanic/streamhub/internal/hub/plugin"
)

// TypeID is this plugin's registered integration type.
const TypeID = "qbittorrent"

// BaseIntervalMS matches the built-in default table (5s).
const BaseIntervalMS = 5000

// Torrent is one row of the /torrents/info response.
type Torrent struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	DLSpeed  int64   `json:"dlspeed"`
	UPSpeed  int64   `json:"upspeed"`
	ETA      int64   `json:"eta"`
}

// New builds the qBittorrent Plugin record.
func New() plugin.Plugin {
	return plugin.Plugin{
		ID:       TypeID,
		Name:     "qBittorrent",
		Category: "download-client",
		Poller: &plugin.Poller{
			IntervalMS: BaseIntervalMS,
			Poll:       poll,
		},
	}
}

func poll(ctx context.Context, inst plugin.Instance, ad plugin.Adapter) (any, error) {
	if err := requireConfig(inst); err != nil {
		return nil, err
	}

	body, err := ad.Get(ctx, "/api/v2/torrents/info", nil)
	if err != nil {
		return nil, err
	}

	var torrents []Torrent
	if err := json.Unmarshal(body, &torrents); err != nil {
		return nil, fmt.Errorf("qbittorrent: decode torrents: %w", err)
	}

	out := make([]any, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, t)
	}
	return out, nil
}

func requireConfig(inst plugin.Instance) error {
	url, _ := inst.Config["url"].(string)
	if url == "" {
		return fmt.Errorf("No URL configured")
	}
	return nil
}
