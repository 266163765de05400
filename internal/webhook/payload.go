package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crescendoschool/crescendo-core/internal/messagestore"
)

// ErrBadPayload is returned when a callback body is malformed or fails
// validation. Never retried; the sender's payload will not improve.
var ErrBadPayload = errors.New("webhook: bad payload")

// TokenUsage reports what the worker consumed for one completion.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// ModelInfo identifies which model produced the completion.
type ModelInfo struct {
	Provider  string `json:"provider"`
	ModelName string `json:"model_name"`
}

// Result carries the completion outcome for a completed callback.
type Result struct {
	Content    string     `json:"content"`
	TokenUsage TokenUsage `json:"token_usage"`
	ModelInfo  ModelInfo  `json:"model_info"`
}

// Callback is the body of a worker completion webhook.
type Callback struct {
	MessageID    string  `json:"message_id"`
	ThreadID     string  `json:"thread_id"`
	Status       string  `json:"status"`
	Result       *Result `json:"result,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// ParseCallback decodes and validates a callback body.
func ParseCallback(body []byte) (*Callback, error) {
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := cb.Validate(); err != nil {
		return nil, err
	}
	return &cb, nil
}

// Validate enforces the callback contract: required ids, a status the state
// machine accepts as a target, a result iff completed, an error message iff
// error.
func (c *Callback) Validate() error {
	if c.MessageID == "" {
		return fmt.Errorf("%w: message_id required", ErrBadPayload)
	}
	if c.ThreadID == "" {
		return fmt.Errorf("%w: thread_id required", ErrBadPayload)
	}
	switch messagestore.Status(c.Status) {
	case messagestore.StatusProcessing:
		if c.Result != nil {
			return fmt.Errorf("%w: processing callback must not carry a result", ErrBadPayload)
		}
	case messagestore.StatusCompleted:
		if c.Result == nil {
			return fmt.Errorf("%w: completed callback requires a result", ErrBadPayload)
		}
		u := c.Result.TokenUsage
		if u.InputTokens < 0 || u.OutputTokens < 0 || u.TotalTokens < 0 {
			return fmt.Errorf("%w: negative token counts", ErrBadPayload)
		}
		if c.Result.ModelInfo.ModelName == "" {
			return fmt.Errorf("%w: model_name required on completion", ErrBadPayload)
		}
	case messagestore.StatusError:
		if c.ErrorMessage == "" {
			return fmt.Errorf("%w: error callback requires error_message", ErrBadPayload)
		}
	default:
		return fmt.Errorf("%w: status %q not accepted", ErrBadPayload, c.Status)
	}
	return nil
}
