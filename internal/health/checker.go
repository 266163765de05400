package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a single probe.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is a probed part of the system.
type Component struct {
	Name string `json:"name"`
	Type string `json:"type"` // store, http, cache
	CheckResult
}

// Pinger is satisfied by the ledger and message stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WorkerProber reports whether the completion worker answers its health
// endpoint.
type WorkerProber interface {
	Healthy(ctx context.Context) error
}

// RateSource reports how many pricing rates are currently loaded.
type RateSource interface {
	Len() int
}

// Checker runs probes against the service's dependencies.
type Checker struct {
	components []Component
	mu         sync.RWMutex

	ledger   Pinger
	messages Pinger
	worker   WorkerProber
	pricing  RateSource

	storeTimeout    time.Duration
	workerTimeout   time.Duration
	maxStoreLatency time.Duration
}

// Config holds health checker configuration.
type Config struct {
	Ledger   Pinger
	Messages Pinger
	Worker   WorkerProber
	Pricing  RateSource

	StoreTimeout    time.Duration
	WorkerTimeout   time.Duration
	MaxStoreLatency time.Duration
}

// New creates a new health checker.
func New(cfg Config) *Checker {
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.WorkerTimeout == 0 {
		cfg.WorkerTimeout = 5 * time.Second
	}
	if cfg.MaxStoreLatency == 0 {
		cfg.MaxStoreLatency = 100 * time.Millisecond
	}

	return &Checker{
		ledger:          cfg.Ledger,
		messages:        cfg.Messages,
		worker:          cfg.Worker,
		pricing:         cfg.Pricing,
		storeTimeout:    cfg.StoreTimeout,
		workerTimeout:   cfg.WorkerTimeout,
		maxStoreLatency: cfg.MaxStoreLatency,
	}
}

// Check runs all probes concurrently and returns the overall status.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	var wg sync.WaitGroup
	results := make(chan Component, 8)

	if c.ledger != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkStore(ctx, "ledger_store", c.ledger)
		}()
	}

	if c.messages != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkStore(ctx, "message_store", c.messages)
		}()
	}

	if c.worker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkWorker(ctx)
		}()
	}

	if c.pricing != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.checkPricing()
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	components := make([]Component, 0)
	for comp := range results {
		components = append(components, comp)
	}

	c.mu.Lock()
	c.components = components
	c.mu.Unlock()

	return c.calculateOverallStatus(components)
}

// checkStore pings a persistence backend and flags slow responses.
func (c *Checker) checkStore(ctx context.Context, name string, p Pinger) Component {
	comp := Component{
		Name: name,
		Type: "store",
		CheckResult: CheckResult{
			Timestamp: time.Now(),
		},
	}

	start := time.Now()

	storeCtx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()

	err := p.Ping(storeCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "Store unreachable"
		return comp
	}

	if comp.Latency > c.maxStoreLatency {
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("High latency: %v", comp.Latency)
	} else {
		comp.Status = StatusHealthy
		comp.Message = "Connected"
	}

	return comp
}

// checkWorker probes the completion worker's health endpoint. A worker
// outage degrades the service (submissions queue up) but does not make it
// unhealthy: reads, the ledger, and callbacks for in-flight work still
// function.
func (c *Checker) checkWorker(ctx context.Context) Component {
	comp := Component{
		Name: "completion_worker",
		Type: "http",
		CheckResult: CheckResult{
			Timestamp: time.Now(),
		},
	}

	start := time.Now()

	workerCtx, cancel := context.WithTimeout(ctx, c.workerTimeout)
	defer cancel()

	err := c.worker.Healthy(workerCtx)
	comp.Latency = time.Since(start)

	if err != nil {
		comp.Status = StatusDegraded
		comp.Error = err.Error()
		comp.Message = "Worker unreachable"
		return comp
	}

	comp.Status = StatusHealthy
	comp.Message = "Reachable"
	return comp
}

// checkPricing verifies that at least one model rate is loaded. Without
// rates every completion falls back to the default rate, so an empty table
// degrades the service rather than failing it.
func (c *Checker) checkPricing() Component {
	comp := Component{
		Name: "pricing_table",
		Type: "cache",
		CheckResult: CheckResult{
			Timestamp: time.Now(),
		},
	}

	n := c.pricing.Len()
	if n == 0 {
		comp.Status = StatusDegraded
		comp.Message = "No model rates loaded"
		return comp
	}

	comp.Status = StatusHealthy
	comp.Message = fmt.Sprintf("%d model rates loaded", n)
	return comp
}

// calculateOverallStatus determines overall health based on component statuses.
func (c *Checker) calculateOverallStatus(components []Component) HealthStatus {
	overallStatus := StatusHealthy
	criticalUnhealthy := false

	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			// Store failures are critical
			if comp.Type == "store" {
				criticalUnhealthy = true
			}
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		case StatusDegraded:
			if overallStatus == StatusHealthy {
				overallStatus = StatusDegraded
			}
		}
	}

	if criticalUnhealthy {
		overallStatus = StatusUnhealthy
	}

	return HealthStatus{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Components: components,
	}
}

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

// GetLastStatus returns the result of the most recent Check without
// re-probing.
func (c *Checker) GetLastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.components) == 0 {
		return HealthStatus{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
		}
	}

	return c.calculateOverallStatus(c.components)
}
