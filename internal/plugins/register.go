// Package plugins assembles every built-in integration type into a
// single registry the rest of the hub depends on. cmd/hub imports only
// this package, never the individual plugin packages directly.
package plugins

import (
	"github.com/sawpanic/streamhub/internal/hub/plugin"
	"github.com/sawpanic/streamhub/internal/plugins/glances"
	"github.com/sawpanic/streamhub/internal/plugins/overseerr"
	"github.com/sawpanic/streamhub/internal/plugins/plex"
	"github.com/sawpanic/streamhub/internal/plugins/qbittorrent"
	"github.com/sawpanic/streamhub/internal/plugins/radarr"
	"github.com/sawpanic/streamhub/internal/plugins/sonarr"
)

// Registry builds the plugin.Registry populated with every built-in
// integration type. The only error path is a duplicate type id among
// the built-ins, which is a programmer error, not a runtime condition.
func Registry() *plugin.Registry {
	r, err := plugin.NewRegistry([]plugin.Plugin{
		qbittorrent.New(),
		sonarr.New(),
		radarr.New(),
		overseerr.New(),
		plex.New(),
		glances.New(),
	})
	if err != nil {
		panic(err)
	}
	return r
}
