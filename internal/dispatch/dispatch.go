// Package dispatch hands queued messages to the external AI worker fleet.
// Dispatch is fire-and-forget from the submitter's point of view: a failure
// is reported and counted, but the queued record stays put and the stale
// sweep eventually fails it if no callback ever arrives.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crescendoschool/crescendo-core/internal/webhook"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Job is the payload handed to the worker. CallbackURL is where the worker
// posts its signed status callbacks.
type Job struct {
	MessageID   string        `json:"message_id"`
	ThreadID    string        `json:"thread_id"`
	UserID      string        `json:"user_id"`
	Content     string        `json:"content"`
	History     []HistoryItem `json:"history,omitempty"`
	CallbackURL string        `json:"callback_url"`
}

// HistoryItem is one prior exchange included for conversation context.
type HistoryItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// errorResponse matches the worker's error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// WorkerClient submits jobs to the worker fleet. Request bodies carry the
// same HMAC signature scheme the worker uses on its callbacks, so each side
// authenticates the other with one shared secret.
type WorkerClient struct {
	baseURL     *url.URL
	httpClient  HTTPClient
	signer      *webhook.Signer
	callbackURL string
}

// NewWorkerClient constructs a client for the worker base URL.
func NewWorkerClient(baseURL, callbackURL string, signer *webhook.Signer, httpClient HTTPClient) (*WorkerClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid worker base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WorkerClient{
		baseURL:     parsed,
		httpClient:  httpClient,
		signer:      signer,
		callbackURL: callbackURL,
	}, nil
}

// Dispatch posts the job to the worker's completion endpoint.
func (c *WorkerClient) Dispatch(ctx context.Context, job Job) error {
	if job.CallbackURL == "" {
		job.CallbackURL = c.callbackURL
	}
	return c.post(ctx, "/v1/completions", job)
}

// Healthy probes the worker's health endpoint.
func (c *WorkerClient) Healthy(ctx context.Context) error {
	rel, err := url.Parse("/health")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.ResolveReference(rel).String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("worker unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *WorkerClient) post(ctx context.Context, path string, payload any) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	rel, err := url.Parse(path)
	if err != nil {
		return err
	}
	endpoint := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		req.Header.Set(webhook.SignatureHeader, c.signer.Sign(buf))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		var errPayload errorResponse
		if err := json.Unmarshal(data, &errPayload); err == nil && strings.TrimSpace(errPayload.Error) != "" {
			return fmt.Errorf("worker error: %s", errPayload.Error)
		}
		return fmt.Errorf("worker error: status %d", resp.StatusCode)
	}
	return nil
}
