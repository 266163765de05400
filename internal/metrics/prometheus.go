package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP crescendo_uptime_seconds Time since the service started\n")
	sb.WriteString("# TYPE crescendo_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("crescendo_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_requests_total Total number of requests by endpoint\n")
	sb.WriteString("# TYPE crescendo_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		sb.WriteString(fmt.Sprintf("crescendo_requests_total{endpoint=\"%s\"} %d\n", endpoint, snap.TotalRequests[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_request_errors_total Total number of request errors by endpoint\n")
	sb.WriteString("# TYPE crescendo_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		sb.WriteString(fmt.Sprintf("crescendo_request_errors_total{endpoint=\"%s\"} %d\n", endpoint, snap.RequestErrors[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_requests_in_progress Current number of requests being processed\n")
	sb.WriteString("# TYPE crescendo_requests_in_progress gauge\n")
	for _, endpoint := range sortedKeys(snap.RequestsInProgress) {
		if count := snap.RequestsInProgress[endpoint]; count > 0 {
			sb.WriteString(fmt.Sprintf("crescendo_requests_in_progress{endpoint=\"%s\"} %d\n", endpoint, count))
		}
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE crescendo_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		sb.WriteString(fmt.Sprintf("crescendo_request_duration_ms_total{endpoint=\"%s\"} %d\n", endpoint, snap.TotalRequestsDur[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_rate_limit_hits_total Total number of rate limit rejections\n")
	sb.WriteString("# TYPE crescendo_rate_limit_hits_total counter\n")
	sb.WriteString(fmt.Sprintf("crescendo_rate_limit_hits_total %d\n", snap.RateLimitHits))
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_rate_limit_by_key_total Rate limit hits by user\n")
	sb.WriteString("# TYPE crescendo_rate_limit_by_key_total counter\n")
	for _, key := range sortedKeys(snap.RateLimitByKey) {
		sb.WriteString(fmt.Sprintf("crescendo_rate_limit_by_key_total{key=\"%s\"} %d\n", maskUserID(key), snap.RateLimitByKey[key]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_submissions_accepted_total Messages accepted into the pipeline\n")
	sb.WriteString("# TYPE crescendo_submissions_accepted_total counter\n")
	sb.WriteString(fmt.Sprintf("crescendo_submissions_accepted_total %d\n", snap.SubmissionsAccepted))
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_submissions_rejected_total Rejected submissions by reason\n")
	sb.WriteString("# TYPE crescendo_submissions_rejected_total counter\n")
	for _, reason := range sortedKeys(snap.SubmissionsRejected) {
		sb.WriteString(fmt.Sprintf("crescendo_submissions_rejected_total{reason=\"%s\"} %d\n", reason, snap.SubmissionsRejected[reason]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_webhook_outcomes_total Completion callbacks by processing branch\n")
	sb.WriteString("# TYPE crescendo_webhook_outcomes_total counter\n")
	for _, outcome := range sortedKeys(snap.WebhookOutcomes) {
		sb.WriteString(fmt.Sprintf("crescendo_webhook_outcomes_total{outcome=\"%s\"} %d\n", outcome, snap.WebhookOutcomes[outcome]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_credits_spent_total Credit units debited for completions\n")
	sb.WriteString("# TYPE crescendo_credits_spent_total counter\n")
	sb.WriteString(fmt.Sprintf("crescendo_credits_spent_total %d\n", snap.CreditsSpent))
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_credits_granted_total Credit units granted, topped up or refunded\n")
	sb.WriteString("# TYPE crescendo_credits_granted_total counter\n")
	sb.WriteString(fmt.Sprintf("crescendo_credits_granted_total %d\n", snap.CreditsGranted))
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_prompt_tokens_total Total prompt tokens billed\n")
	sb.WriteString("# TYPE crescendo_prompt_tokens_total counter\n")
	sb.WriteString(fmt.Sprintf("crescendo_prompt_tokens_total %d\n", snap.TotalPromptTokens))
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_completion_tokens_total Total completion tokens billed\n")
	sb.WriteString("# TYPE crescendo_completion_tokens_total counter\n")
	sb.WriteString(fmt.Sprintf("crescendo_completion_tokens_total %d\n", snap.TotalCompletionTokens))
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_tokens_by_model_total Total tokens by model\n")
	sb.WriteString("# TYPE crescendo_tokens_by_model_total counter\n")
	for _, model := range sortedKeys(snap.TokensByModel) {
		sb.WriteString(fmt.Sprintf("crescendo_tokens_by_model_total{model=\"%s\"} %d\n", model, snap.TokensByModel[model]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP crescendo_messages_swept_total Stale messages failed by the sweep\n")
	sb.WriteString("# TYPE crescendo_messages_swept_total counter\n")
	sb.WriteString(fmt.Sprintf("crescendo_messages_swept_total %d\n", snap.MessagesSwept))
	sb.WriteString("\n")

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func maskUserID(userID string) string {
	if len(userID) <= 4 {
		return "user_***"
	}
	// Show last 4 characters only
	return "user_***" + userID[len(userID)-4:]
}
