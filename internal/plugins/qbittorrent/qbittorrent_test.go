package qbittorrent

import (
	"context"
	"testing"

	"github.com/sawpanic/streamhub/internal/hub/plugin"
)

type fakeAdapter struct {
	body []byte
	err  error
}

func (f fakeAdapter) Get(ctx context.Context, path string, opts map[string]string) ([]byte, error) {
	return f.body, f.err
}
func (f fakeAdapter) Post(ctx context.Context, path string, body []byte, opts map[string]string) ([]byte, error) {
	return f.body, f.err
}
func (f fakeAdapter) Request(ctx context.Context, method, path string, body []byte, opts map[string]string) ([]byte, error) {
	return f.body, f.err
}

func TestPollMissingURLReturnsError(t *testing.T) {
	inst := plugin.Instance{Config: map[string]any{}}
	_, err := poll(context.Background(), inst, fakeAdapter{})
	if err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestPollDecodesTorrents(t *testing.T) {
	inst := plugin.Instance{Config: map[string]any{"url": "http://qb.local"}}
	body := []byte(`[{"hash":"abc","name":"file.iso","state":"downloading","progress":0.5,"dlspeed":1024,"upspeed":0,"eta":60}]`)
	out, err := poll(context.Background(), inst, fakeAdapter{body: body})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list, ok := out.([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected one torrent, got %#v", out)
	}
	tr, ok := list[0].(Torrent)
	if !ok || tr.Hash != "abc" || tr.Progress != 0.5 {
		t.Fatalf("unexpected torrent: %#v", list[0])
	}
}

func TestNewDeclaresPollOnlyPlugin(t *testing.T) {
	p := New()
	if p.ID != TypeID {
		t.Fatalf("expected id %q, got %q", TypeID, p.ID)
	}
	if p.IsRealtime() {
		t.Fatal("qbittorrent must not be realtime")
	}
	if p.HasMetrics() {
		t.Fatal("qbittorrent declares no recordable metrics")
	}
}
