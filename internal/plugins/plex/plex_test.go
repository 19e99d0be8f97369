package plex

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

func TestPollRequiresURLAndToken(t *testing.T) {
	inst := plugin.Instance{Config: map[string]any{}}
	_, err := poll(context.Background(), inst, fakeAdapter{})
	if err == nil {
		t.Fatal("expected error for missing url/token")
	}
}

func TestPollDecodesSessions(t *testing.T) {
	inst := plugin.Instance{Config: map[string]any{"url": "http://plex.local", "token": "tok"}}
	body := []byte(`{"MediaContainer":{"Metadata":[{"sessionKey":"1","title":"Movie","Player":{"state":"playing"},"User":{"title":"alice"},"viewOffset":5000,"duration":10000}]}}`)
	out, err := poll(context.Background(), inst, fakeAdapter{body: body})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", out)
	}
	sessions, ok := m["sessions"].([]Session)
	if !ok || len(sessions) != 1 {
		t.Fatalf("unexpected sessions: %#v", m["sessions"])
	}
	if sessions[0].Progress != 0.5 || sessions[0].User != "alice" {
		t.Fatalf("unexpected session: %+v", sessions[0])
	}
}

func TestNotificationsURLBuildsWebsocketScheme(t *testing.T) {
	m := &Manager{baseURL: "http://plex.local:32400", token: "tok"}
	url, err := m.notificationsURL()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "ws://plex.local:32400/:/websockets/notifications?X-Plex-Token=tok"
	if url != want {
		t.Fatalf("expected %q, got %q", want, url)
	}
}

func TestNotificationsURLUsesSecureScheme(t *testing.T) {
	m := &Manager{baseURL: "https://plex.local", token: "tok"}
	url, err := m.notificationsURL()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url[:6] != "wss://" {
		t.Fatalf("expected wss scheme, got %q", url)
	}
}

func TestNotificationsURLRequiresToken(t *testing.T) {
	m := &Manager{baseURL: "http://plex.local"}
	if _, err := m.notificationsURL(); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestNewDeclaresRealtimeCapability(t *testing.T) {
	p := New()
	if !p.IsRealtime() {
		t.Fatal("expected plex to declare realtime capability")
	}
}

func TestManagerIsConnectedDefaultsFalse(t *testing.T) {
	m := &Manager{}
	if m.IsConnected() {
		t.Fatal("expected fresh manager to report disconnected")
	}
}
