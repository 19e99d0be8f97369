package glances

import (
	"context"
	"testing"

	"github.com/sawpanic/streamhub/internal/hub/plugin"
)

type fakeAdapter struct {
	responses map[string][]byte
}

func (f fakeAdapter) Get(ctx context.Context, path string, opts map[string]string) ([]byte, error) {
	return f.responses[path], nil
}
func (f fakeAdapter) Post(ctx context.Context, path string, body []byte, opts map[string]string) ([]byte, error) {
	return nil, nil
}
func (f fakeAdapter) Request(ctx context.Context, method, path string, body []byte, opts map[string]string) ([]byte, error) {
	return nil, nil
}

func TestPollMissingURLReturnsError(t *testing.T) {
	inst := plugin.Instance{Config: map[string]any{}}
	_, err := poll(context.Background(), inst, fakeAdapter{})
	if err == nil {
		t.Fatal("expected error for missing url")
	}
}

func TestPollAssemblesStats(t *testing.T) {
	inst := plugin.Instance{Config: map[string]any{"url": "http://glances.local"}}
	ad := fakeAdapter{responses: map[string][]byte{
		"/api/4/cpu":    []byte(`{"total":12.5}`),
		"/api/4/mem":    []byte(`{"percent":55.2}`),
		"/api/4/load":   []byte(`{"min1":0.8}`),
		"/api/4/uptime": []byte(`"3 days, 2:14:05"`),
	}}
	out, err := poll(context.Background(), inst, ad)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats, ok := out.(Stats)
	if !ok {
		t.Fatalf("expected Stats, got %T", out)
	}
	if stats.CPUPercent != 12.5 || stats.MemPercent != 55.2 || stats.LoadAvg1 != 0.8 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestNewDeclaresRecordableMetrics(t *testing.T) {
	p := New()
	metrics := p.RecordableMetrics()
	if len(metrics) != 2 {
		t.Fatalf("expected 2 recordable metrics, got %d", len(metrics))
	}
}
