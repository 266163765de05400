package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/crescendoschool/crescendo-core/internal/webhook"
)

type stubHTTPClient struct {
	handler func(*http.Request) (*http.Response, error)
}

func (s *stubHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return s.handler(req)
}

func TestDispatchSignsBody(t *testing.T) {
	signer := webhook.NewSigner("shared")
	var captured *http.Request
	var capturedBody []byte
	stub := &stubHTTPClient{
		handler: func(req *http.Request) (*http.Response, error) {
			captured = req
			capturedBody, _ = io.ReadAll(req.Body)
			body := io.NopCloser(strings.NewReader(`{}`))
			return &http.Response{StatusCode: http.StatusAccepted, Body: body, Header: make(http.Header)}, nil
		},
	}

	client, err := NewWorkerClient("http://worker.internal", "http://api.internal/internal/webhooks/completion", signer, stub)
	if err != nil {
		t.Fatalf("NewWorkerClient: %v", err)
	}

	job := Job{MessageID: "m1", ThreadID: "t1", UserID: "u1", Content: "hello"}
	if err := client.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if captured.Method != http.MethodPost || captured.URL.Path != "/v1/completions" {
		t.Fatalf("unexpected request: %s %s", captured.Method, captured.URL.Path)
	}
	sig := captured.Header.Get(webhook.SignatureHeader)
	if err := signer.Verify(capturedBody, sig); err != nil {
		t.Fatalf("body signature invalid: %v", err)
	}

	var sent Job
	if err := json.Unmarshal(capturedBody, &sent); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if sent.MessageID != "m1" || sent.CallbackURL != "http://api.internal/internal/webhooks/completion" {
		t.Fatalf("unexpected job %+v", sent)
	}
}

func TestDispatchSurfacesWorkerError(t *testing.T) {
	stub := &stubHTTPClient{
		handler: func(req *http.Request) (*http.Response, error) {
			body := io.NopCloser(strings.NewReader(`{"error":"queue full"}`))
			return &http.Response{StatusCode: http.StatusServiceUnavailable, Body: body, Header: make(http.Header)}, nil
		},
	}
	client, err := NewWorkerClient("http://worker.internal", "", nil, stub)
	if err != nil {
		t.Fatalf("NewWorkerClient: %v", err)
	}
	err = client.Dispatch(context.Background(), Job{MessageID: "m1"})
	if err == nil || !strings.Contains(err.Error(), "queue full") {
		t.Fatalf("expected worker error, got %v", err)
	}
}

func TestHealthy(t *testing.T) {
	stub := &stubHTTPClient{
		handler: func(req *http.Request) (*http.Response, error) {
			if req.URL.Path != "/health" {
				t.Fatalf("unexpected path %s", req.URL.Path)
			}
			body := io.NopCloser(strings.NewReader(`ok`))
			return &http.Response{StatusCode: http.StatusOK, Body: body, Header: make(http.Header)}, nil
		},
	}
	client, err := NewWorkerClient("http://worker.internal", "", nil, stub)
	if err != nil {
		t.Fatalf("NewWorkerClient: %v", err)
	}
	if err := client.Healthy(context.Background()); err != nil {
		t.Fatalf("Healthy: %v", err)
	}
}
