package plugin

import "testing"

func TestRegistryGetAndEnumerate(t *testing.T) {
	r, err := NewRegistry([]Plugin{
		{ID: "qbittorrent", Name: "qBittorrent", Category: "download"},
		{ID: "sonarr", Name: "Sonarr", Category: "pvr"},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	p, ok := r.Get("sonarr")
	if !ok || p.Name != "Sonarr" {
		t.Fatalf("Get(sonarr) = %+v, %v", p, ok)
	}

	if _, ok := r.Get("missing"); ok {
		t.Fatalf("Get(missing) unexpectedly found")
	}

	if len(r.All()) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(r.All()))
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry([]Plugin{
		{ID: "dup"},
		{ID: "dup"},
	})
	if err == nil {
		t.Fatal("expected error for duplicate plugin id")
	}
}

func TestPluginHelpers(t *testing.T) {
	p := Plugin{
		ID: "plex",
		Metrics: []MetricDefinition{
			{Key: "cpu", Recordable: true},
			{Key: "internal_only", Recordable: false},
		},
		Realtime: &Realtime{CreateManager: func(Instance, RealtimeCallbacks) RealtimeManager { return nil }},
	}
	if !p.HasMetrics() {
		t.Fatal("expected HasMetrics true")
	}
	if !p.IsRealtime() {
		t.Fatal("expected IsRealtime true")
	}
	if len(p.RecordableMetrics()) != 1 {
		t.Fatalf("expected 1 recordable metric, got %d", len(p.RecordableMetrics()))
	}
}
