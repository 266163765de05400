package metrics

import (
	"sync"
	"time"
)

// Collector collects and exports metrics for Prometheus.
// This implementation uses manual metric tracking without external dependencies.
// For production, consider integrating prometheus/client_golang.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests      map[string]int64 // by endpoint
	totalRequestsDur   map[string]int64 // total duration in ms
	requestErrors      map[string]int64 // by endpoint
	requestsInProgress map[string]int64 // current in-flight requests

	// Rate limit metrics
	rateLimitHits  int64
	rateLimitByKey map[string]int64

	// Submission metrics
	submissionsAccepted int64
	submissionsRejected map[string]int64 // by reason

	// Webhook metrics
	webhookOutcomes map[string]int64 // applied, duplicate, rejected, failed

	// Billing metrics
	creditsSpent          int64
	creditsGranted        int64
	totalPromptTokens     int64
	totalCompletionTokens int64
	tokensByModel         map[string]int64

	// Sweep metrics
	messagesSwept int64

	// System metrics
	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:       make(map[string]int64),
		totalRequestsDur:    make(map[string]int64),
		requestErrors:       make(map[string]int64),
		requestsInProgress:  make(map[string]int64),
		rateLimitByKey:      make(map[string]int64),
		submissionsRejected: make(map[string]int64),
		webhookOutcomes:     make(map[string]int64),
		tokensByModel:       make(map[string]int64),
		startTime:           time.Now(),
	}
}

// RecordRequest records a request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records an error for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[endpoint]++
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]++
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]--
}

// RecordRateLimitHit records a rate limit rejection.
func (c *Collector) RecordRateLimitHit(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rateLimitHits++
	c.rateLimitByKey[key]++
}

// RecordSubmission records a submit attempt. reason is empty on success.
func (c *Collector) RecordSubmission(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reason == "" {
		c.submissionsAccepted++
	} else {
		c.submissionsRejected[reason]++
	}
}

// RecordWebhook records which branch a callback took.
func (c *Collector) RecordWebhook(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.webhookOutcomes[outcome]++
}

// RecordCharge records a settled charge and the usage behind it.
func (c *Collector) RecordCharge(model string, creditUnits, promptTokens, completionTokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.creditsSpent += creditUnits
	c.totalPromptTokens += promptTokens
	c.totalCompletionTokens += completionTokens
	if model != "" {
		c.tokensByModel[model] += promptTokens + completionTokens
	}
}

// RecordGrant records credits entering the system (grants, topups, refunds).
func (c *Collector) RecordGrant(creditUnits int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.creditsGranted += creditUnits
}

// RecordSweep records how many stale messages a sweep pass failed.
func (c *Collector) RecordSweep(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messagesSwept += int64(count)
}

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime                int64
	TotalRequests         map[string]int64
	TotalRequestsDur      map[string]int64
	RequestErrors         map[string]int64
	RequestsInProgress    map[string]int64
	RateLimitHits         int64
	RateLimitByKey        map[string]int64
	SubmissionsAccepted   int64
	SubmissionsRejected   map[string]int64
	WebhookOutcomes       map[string]int64
	CreditsSpent          int64
	CreditsGranted        int64
	TotalPromptTokens     int64
	TotalCompletionTokens int64
	TokensByModel         map[string]int64
	MessagesSwept         int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:                int64(time.Since(c.startTime).Seconds()),
		TotalRequests:         copyMap(c.totalRequests),
		TotalRequestsDur:      copyMap(c.totalRequestsDur),
		RequestErrors:         copyMap(c.requestErrors),
		RequestsInProgress:    copyMap(c.requestsInProgress),
		RateLimitHits:         c.rateLimitHits,
		RateLimitByKey:        copyMap(c.rateLimitByKey),
		SubmissionsAccepted:   c.submissionsAccepted,
		SubmissionsRejected:   copyMap(c.submissionsRejected),
		WebhookOutcomes:       copyMap(c.webhookOutcomes),
		CreditsSpent:          c.creditsSpent,
		CreditsGranted:        c.creditsGranted,
		TotalPromptTokens:     c.totalPromptTokens,
		TotalCompletionTokens: c.totalCompletionTokens,
		TokensByModel:         copyMap(c.tokensByModel),
		MessagesSwept:         c.messagesSwept,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
