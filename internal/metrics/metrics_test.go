package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("/v1/threads", 5*time.Millisecond)
	c.RecordRequest("/v1/threads", 7*time.Millisecond)
	c.RecordError("/v1/threads")
	c.RecordSubmission("")
	c.RecordSubmission("insufficient_balance")
	c.RecordWebhook("applied")
	c.RecordWebhook("duplicate")
	c.RecordWebhook("applied")
	c.RecordCharge("gpt-4o-mini", 33, 500, 300)
	c.RecordGrant(1000)
	c.RecordSweep(2)
	c.RecordRateLimitHit("user-1234")

	snap := c.GetSnapshot()
	if snap.TotalRequests["/v1/threads"] != 2 || snap.TotalRequestsDur["/v1/threads"] != 12 {
		t.Fatalf("unexpected request counters %+v", snap)
	}
	if snap.SubmissionsAccepted != 1 || snap.SubmissionsRejected["insufficient_balance"] != 1 {
		t.Fatalf("unexpected submission counters %+v", snap)
	}
	if snap.WebhookOutcomes["applied"] != 2 || snap.WebhookOutcomes["duplicate"] != 1 {
		t.Fatalf("unexpected webhook counters %+v", snap)
	}
	if snap.CreditsSpent != 33 || snap.CreditsGranted != 1000 {
		t.Fatalf("unexpected credit counters %+v", snap)
	}
	if snap.TokensByModel["gpt-4o-mini"] != 800 || snap.MessagesSwept != 2 {
		t.Fatalf("unexpected usage counters %+v", snap)
	}

	// Snapshot is a copy, not a view.
	snap.TotalRequests["/v1/threads"] = 99
	if c.GetSnapshot().TotalRequests["/v1/threads"] != 2 {
		t.Fatalf("snapshot aliases collector state")
	}
}

func TestFormatPrometheus(t *testing.T) {
	c := NewCollector()
	c.RecordWebhook("applied")
	c.RecordCharge("gpt-4o-mini", 33, 500, 300)
	c.RecordRateLimitHit("user-1234")

	out := FormatPrometheus(c.GetSnapshot())
	for _, want := range []string{
		"crescendo_uptime_seconds",
		`crescendo_webhook_outcomes_total{outcome="applied"} 1`,
		"crescendo_credits_spent_total 33",
		`crescendo_tokens_by_model_total{model="gpt-4o-mini"} 800`,
		`crescendo_rate_limit_by_key_total{key="user_***1234"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("exposition missing %q:\n%s", want, out)
		}
	}
}
