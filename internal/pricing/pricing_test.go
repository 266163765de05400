package pricing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoadAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rates.yaml")
	doc := `rates:
  - model: deepseek-chat
    provider: deepseek
    input_per_token: 0.000001
    output_per_token: 0.000002
  - model: " GPT-4o-Mini "
    input_per_token: 0.00000015
    output_per_token: 0.0000006
  - model: ""
    input_per_token: 1
    output_per_token: 1
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write rates: %v", err)
	}

	table := NewTable()
	n, err := table.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 parsed rates, got %d", n)
	}
	if table.Len() != 2 {
		t.Fatalf("expected 2 usable rates, got %d", table.Len())
	}

	r, ok := table.Lookup("deepseek-chat")
	if !ok {
		t.Fatalf("expected deepseek-chat rate")
	}
	if r.InputPerToken != 0.000001 || r.OutputPerToken != 0.000002 {
		t.Fatalf("unexpected rate %#v", r)
	}

	// Model names are case/space normalised.
	if _, ok := table.Lookup("gpt-4o-mini"); !ok {
		t.Fatalf("expected normalised lookup to succeed")
	}

	if _, ok := table.Lookup("unknown-model"); ok {
		t.Fatalf("unknown model must miss without a fallback")
	}
}

func TestFallbackRate(t *testing.T) {
	table := NewTable()
	table.Replace([]Rate{{Model: "known", InputPerToken: 1, OutputPerToken: 1}})
	table.SetFallback(Rate{Model: "default", InputPerToken: 0.5, OutputPerToken: 0.5})

	r, ok := table.Lookup("never-heard-of-it")
	if !ok {
		t.Fatalf("fallback should answer unknown models")
	}
	if r.Model != "default" {
		t.Fatalf("expected fallback rate, got %#v", r)
	}
}

func TestAutoRefreshStopsOnCancel(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "rates:\n  - model: m\n    input_per_token: 1\n    output_per_token: 1\n")
	}))
	defer srv.Close()

	table := NewTable()
	ctx, cancel := context.WithCancel(context.Background())
	table.StartAutoRefresh(ctx, LoaderConfig{RemoteURL: srv.URL, RefreshInterval: 5 * time.Millisecond})

	if table.Len() != 1 {
		t.Fatalf("initial load missing, len=%d", table.Len())
	}

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hits.Load() < 3 {
		t.Fatalf("periodic refresh never ran, hits=%d", hits.Load())
	}

	cancel()
	time.Sleep(20 * time.Millisecond) // let an in-flight tick drain
	after := hits.Load()
	time.Sleep(50 * time.Millisecond)
	if got := hits.Load(); got != after {
		t.Fatalf("refresh continued after cancel: %d then %d", after, got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	table := NewTable()
	if _, err := table.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
