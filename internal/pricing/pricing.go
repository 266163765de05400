// Package pricing holds per-model token rates used to translate usage into cost.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Rate describes what one token costs for a model, in USD.
type Rate struct {
	Model          string  `yaml:"model" json:"model"`
	Provider       string  `yaml:"provider,omitempty" json:"provider,omitempty"`
	InputPerToken  float64 `yaml:"input_per_token" json:"input_per_token"`
	OutputPerToken float64 `yaml:"output_per_token" json:"output_per_token"`
	UpdatedAt      string  `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// Table holds loaded rates with simple lookups. Safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	rates    map[string]Rate
	fallback *Rate
	source   string
	client   *http.Client
	logger   Logger
}

// Logger is a minimal logging interface.
type Logger interface {
	Printf(format string, args ...any)
}

// LoaderConfig controls where to load rates from.
type LoaderConfig struct {
	LocalPath       string
	RemoteURL       string
	RefreshInterval time.Duration
	HTTPClient      *http.Client
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		rates:  make(map[string]Rate),
		client: http.DefaultClient,
	}
}

// SetLogger sets an optional logger for warnings/errors.
func (t *Table) SetLogger(l Logger) {
	t.logger = l
}

// SetFallback configures a rate used when a model is unknown. Without a
// fallback, Lookup fails for unknown models and the caller decides whether
// to charge zero or reject.
func (t *Table) SetFallback(r Rate) {
	t.mu.Lock()
	t.fallback = &r
	t.mu.Unlock()
}

// Lookup returns the rate for a model. The second return reports whether the
// model (or a configured fallback) was found.
func (t *Table) Lookup(model string) (Rate, bool) {
	key := strings.ToLower(strings.TrimSpace(model))
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.rates[key]; ok {
		return r, true
	}
	if t.fallback != nil {
		return *t.fallback, true
	}
	return Rate{}, false
}

// Replace swaps in a full set of rates. Used by tests and by callers that
// manage their own rate source.
func (t *Table) Replace(rates []Rate) {
	t.apply(rates, "inline")
}

// Len reports how many models have rates loaded.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rates)
}

// Load refreshes rates from a local YAML file; returns number of rates loaded.
func (t *Table) Load(path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("pricing: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	rates, err := parseRates(b)
	if err != nil {
		return 0, fmt.Errorf("pricing: parse %s: %w", path, err)
	}
	t.apply(rates, path)
	return len(rates), nil
}

// Fetch pulls rates from a remote URL serving the same YAML document.
func (t *Table) Fetch(url string) (int, error) {
	if strings.TrimSpace(url) == "" {
		return 0, errors.New("pricing: empty url")
	}
	client := t.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, errors.New(resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	rates, err := parseRates(body)
	if err != nil {
		return 0, fmt.Errorf("pricing: parse %s: %w", url, err)
	}
	t.apply(rates, url)
	return len(rates), nil
}

// rateFile is the on-disk document shape.
type rateFile struct {
	Rates []Rate `yaml:"rates"`
}

func parseRates(b []byte) ([]Rate, error) {
	var doc rateFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc.Rates, nil
}

// apply replaces current rates.
func (t *Table) apply(rates []Rate, src string) {
	m := make(map[string]Rate)
	for _, r := range rates {
		model := strings.ToLower(strings.TrimSpace(r.Model))
		if model == "" {
			continue
		}
		if r.InputPerToken < 0 || r.OutputPerToken < 0 {
			continue
		}
		m[model] = r
	}
	t.mu.Lock()
	t.rates = m
	t.source = src
	t.mu.Unlock()
}

// StartAutoRefresh loads rates once, then reloads on a ticker until ctx is
// cancelled. Remote wins when both sources are configured; a failed remote
// fetch falls back to the local file.
func (t *Table) StartAutoRefresh(ctx context.Context, cfg LoaderConfig) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 24 * time.Hour
	}
	if cfg.HTTPClient != nil {
		t.client = cfg.HTTPClient
	}
	reload := func(stage string) {
		if cfg.RemoteURL != "" {
			if _, err := t.Fetch(cfg.RemoteURL); err == nil {
				return
			} else if t.logger != nil {
				t.logger.Printf("pricing: %s remote fetch failed (%s): %v", stage, cfg.RemoteURL, err)
			}
		}
		if cfg.LocalPath != "" {
			if _, err := t.Load(cfg.LocalPath); err != nil && t.logger != nil {
				t.logger.Printf("pricing: %s local load failed (%s): %v", stage, cfg.LocalPath, err)
			}
		}
	}
	reload("initial")
	go func() {
		ticker := time.NewTicker(cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reload("periodic")
			}
		}
	}()
}
