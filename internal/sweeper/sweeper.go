// Package sweeper periodically fails messages stuck in queued or processing.
// A worker that never calls back leaves a placeholder behind; the sweep is
// the reconciliation path that turns it into a visible error.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/crescendoschool/crescendo-core/internal/messagestore"
	"github.com/crescendoschool/crescendo-core/internal/notifier"
)

// StaleReason is the error text attached to swept messages.
const StaleReason = "processing failed"

// Config tunes the sweep loop.
type Config struct {
	// Deadline is how long a message may sit in queued/processing before it
	// is failed.
	Deadline time.Duration
	// Interval is the sweep cadence.
	Interval time.Duration
}

// DefaultConfig returns the sweep defaults.
func DefaultConfig() Config {
	return Config{
		Deadline: 10 * time.Minute,
		Interval: time.Minute,
	}
}

// SweepRecorder receives sweep counts, typically the metrics collector.
type SweepRecorder interface {
	RecordSweep(count int)
}

// Sweeper runs the periodic sweep.
type Sweeper struct {
	messages messagestore.Store
	events   notifier.Publisher
	cfg      Config
	logger   *log.Logger
	metrics  SweepRecorder
}

// SetSweepRecorder registers a sink for sweep counts. Optional.
func (s *Sweeper) SetSweepRecorder(r SweepRecorder) { s.metrics = r }

// New creates a Sweeper. events may be nil.
func New(messages messagestore.Store, events notifier.Publisher, cfg Config, logger *log.Logger) *Sweeper {
	def := DefaultConfig()
	if cfg.Deadline <= 0 {
		cfg.Deadline = def.Deadline
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[sweeper] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Sweeper{messages: messages, events: events, cfg: cfg, logger: logger}
}

// Run sweeps on the configured cadence until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Printf("sweep failed: %v", err)
			} else if n > 0 {
				s.logger.Printf("swept %d stale messages", n)
			}
		}
	}
}

// SweepOnce fails everything idle past the deadline and publishes the
// resulting error states. Returns how many messages were swept.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.cfg.Deadline)
	swept, err := s.messages.SweepStale(ctx, cutoff, StaleReason)
	if err != nil {
		return 0, err
	}
	if s.metrics != nil && len(swept) > 0 {
		s.metrics.RecordSweep(len(swept))
	}
	if s.events != nil {
		for _, m := range swept {
			s.events.Publish(m.ThreadID, notifier.Event{
				MessageID:    m.ID,
				ThreadID:     m.ThreadID,
				Status:       string(m.Status),
				Version:      m.Version,
				ErrorMessage: m.ErrorReason,
				At:           m.UpdatedAt,
			})
		}
	}
	return len(swept), nil
}
