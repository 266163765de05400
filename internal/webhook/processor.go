package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/crescendoschool/crescendo-core/internal/costing"
	"github.com/crescendoschool/crescendo-core/internal/ledger"
	"github.com/crescendoschool/crescendo-core/internal/messagestore"
	"github.com/crescendoschool/crescendo-core/internal/notifier"
)

// ErrPersistence wraps transient storage failures that survived the retry
// budget. Handlers map it to a 5xx so the sender redelivers.
var ErrPersistence = errors.New("webhook: persistence failure")

// Outcome reports which branch a callback took, for logging and metrics.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
)

// ChargeRecorder receives applied charges, typically the metrics collector.
type ChargeRecorder interface {
	RecordCharge(model string, creditUnits, promptTokens, completionTokens int64)
}

// Processor drives message transitions and ledger charges from verified
// callbacks. All methods are safe for concurrent use.
type Processor struct {
	messages messagestore.Store
	accounts ledger.Store
	calc     *costing.Calculator
	events   notifier.Publisher
	logger   *log.Logger
	charges  ChargeRecorder

	// retry budget for transient ledger failures
	retries int
	backoff time.Duration
}

// SetChargeRecorder registers a sink for applied charges. Optional.
func (p *Processor) SetChargeRecorder(r ChargeRecorder) { p.charges = r }

// NewProcessor wires a Processor. events may be nil when no realtime channel
// is configured.
func NewProcessor(messages messagestore.Store, accounts ledger.Store, calc *costing.Calculator, events notifier.Publisher, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{
		messages: messages,
		accounts: accounts,
		calc:     calc,
		events:   events,
		logger:   logger,
		retries:  3,
		backoff:  50 * time.Millisecond,
	}
}

// Process applies one verified callback. Returned errors follow the handler
// contract: ErrBadPayload for validation failures, messagestore.ErrNotFound
// for unknown threads or messages, ErrPersistence for storage failures worth
// a redelivery. Duplicate and out-of-order deliveries return OutcomeDuplicate
// with a nil error.
func (p *Processor) Process(ctx context.Context, cb *Callback) (Outcome, error) {
	thread, err := p.messages.Thread(ctx, cb.ThreadID)
	if err != nil {
		if errors.Is(err, messagestore.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: load thread: %v", ErrPersistence, err)
	}
	msg, err := p.messages.Message(ctx, cb.MessageID)
	if err != nil {
		if errors.Is(err, messagestore.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: load message: %v", ErrPersistence, err)
	}
	if msg.ThreadID != thread.ID {
		return "", fmt.Errorf("%w: message %s does not belong to thread %s", ErrBadPayload, cb.MessageID, cb.ThreadID)
	}

	switch messagestore.Status(cb.Status) {
	case messagestore.StatusProcessing:
		return p.transition(ctx, messagestore.TransitionRequest{
			MessageID: cb.MessageID,
			To:        messagestore.StatusProcessing,
		}, thread)
	case messagestore.StatusError:
		return p.transition(ctx, messagestore.TransitionRequest{
			MessageID:   cb.MessageID,
			To:          messagestore.StatusError,
			ErrorReason: cb.ErrorMessage,
		}, thread)
	case messagestore.StatusCompleted:
		return p.complete(ctx, cb, thread)
	default:
		return "", fmt.Errorf("%w: status %q not accepted", ErrBadPayload, cb.Status)
	}
}

func (p *Processor) transition(ctx context.Context, req messagestore.TransitionRequest, thread *messagestore.Thread) (Outcome, error) {
	res, err := p.messages.Transition(ctx, req)
	if err != nil {
		if errors.Is(err, messagestore.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: transition: %v", ErrPersistence, err)
	}
	if !res.Applied {
		p.logger.Printf("duplicate/out-of-order callback message=%s to=%s current=%s", req.MessageID, req.To, res.Message.Status)
		return OutcomeDuplicate, nil
	}
	p.publish(thread.ID, res.Message)
	return OutcomeApplied, nil
}

// complete handles the completed branch: CAS to completed, then charge the
// ledger exactly once. A CAS loss to a concurrent identical delivery still
// checks for a missing charge, healing the window where an earlier delivery
// completed the message but crashed before the debit landed. The cost record
// unique key makes the charge itself idempotent regardless.
func (p *Processor) complete(ctx context.Context, cb *Callback, thread *messagestore.Thread) (Outcome, error) {
	res, err := p.messages.Transition(ctx, messagestore.TransitionRequest{
		MessageID: cb.MessageID,
		To:        messagestore.StatusCompleted,
		Content:   cb.Result.Content,
	})
	if err != nil {
		if errors.Is(err, messagestore.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: transition: %v", ErrPersistence, err)
	}

	outcome := OutcomeApplied
	if res.Applied {
		// Publish as soon as the transition lands. A charge failure below
		// surfaces a 5xx and the redelivery heals the ledger through the
		// duplicate branch, which never publishes.
		p.publish(thread.ID, res.Message)
	} else {
		if res.Message.Status != messagestore.StatusCompleted {
			p.logger.Printf("out-of-order completed callback message=%s current=%s", cb.MessageID, res.Message.Status)
			return OutcomeDuplicate, nil
		}
		charged, err := p.accounts.CostRecorded(ctx, cb.MessageID)
		if err != nil {
			return "", fmt.Errorf("%w: cost lookup: %v", ErrPersistence, err)
		}
		if charged {
			p.logger.Printf("duplicate completed callback message=%s, already charged", cb.MessageID)
			return OutcomeDuplicate, nil
		}
		// Message completed earlier but the charge never landed; retry it.
		outcome = OutcomeDuplicate
	}

	if err := p.charge(ctx, cb, thread); err != nil {
		return "", err
	}
	return outcome, nil
}

func (p *Processor) charge(ctx context.Context, cb *Callback, thread *messagestore.Thread) error {
	breakdown, err := p.calc.Compute(costing.Usage{
		InputTokens:  cb.Result.TokenUsage.InputTokens,
		OutputTokens: cb.Result.TokenUsage.OutputTokens,
		TotalTokens:  cb.Result.TokenUsage.TotalTokens,
	}, cb.Result.ModelInfo.ModelName)
	if err != nil {
		// The message is already completed with content attached, so this
		// cannot fail the callback. An unpriced model is an operational
		// problem, handled like an uncollectable charge.
		p.logger.Printf("unpriced model %q message=%s, charge skipped: %v", cb.Result.ModelInfo.ModelName, cb.MessageID, err)
		return nil
	}
	if breakdown.CreditUnits == 0 {
		return nil
	}

	entry := ledger.Entry{
		UserID:      thread.UserID,
		Type:        ledger.TypeSpend,
		Amount:      -breakdown.CreditUnits,
		MessageID:   cb.MessageID,
		ThreadID:    thread.ID,
		Description: fmt.Sprintf("completion %s", cb.Result.ModelInfo.ModelName),
		Cost:        &breakdown,
	}

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrPersistence, ctx.Err())
			case <-time.After(p.backoff << (attempt - 1)):
			}
		}
		_, err := p.accounts.Append(ctx, entry)
		switch {
		case err == nil:
			if p.charges != nil {
				p.charges.RecordCharge(breakdown.Model, breakdown.CreditUnits, breakdown.InputTokens, breakdown.OutputTokens)
			}
			return nil
		case errors.Is(err, ledger.ErrDuplicateCharge):
			// Lost the race to a concurrent delivery; charge already landed.
			return nil
		case errors.Is(err, ledger.ErrInsufficientBalance):
			// Content was already delivered; an uncollectable charge is an
			// operational problem, not the sender's.
			p.logger.Printf("uncollectable charge user=%s message=%s units=%d", thread.UserID, cb.MessageID, breakdown.CreditUnits)
			return nil
		case errors.Is(err, ledger.ErrNotFound):
			p.logger.Printf("charge against missing account user=%s message=%s", thread.UserID, cb.MessageID)
			return nil
		default:
			lastErr = err
		}
	}
	return fmt.Errorf("%w: ledger append: %v", ErrPersistence, lastErr)
}

func (p *Processor) publish(threadID string, msg *messagestore.Message) {
	if p.events == nil {
		return
	}
	p.events.Publish(threadID, notifier.Event{
		MessageID:    msg.ID,
		ThreadID:     threadID,
		Status:       string(msg.Status),
		Version:      msg.Version,
		Content:      msg.Content,
		ErrorMessage: msg.ErrorReason,
		At:           msg.UpdatedAt,
	})
}
