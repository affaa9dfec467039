// Package pipeline composes fetch and delivery into one acquisition run.
// It is the single error boundary of the acquisition path: nothing above
// it ever sees a raw error, so the scheduler's failure bookkeeping is
// uniform regardless of where a cycle broke.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"feedback-relay/deliver"
	"feedback-relay/pkg/feedback"
)

// Fetcher acquires raw records for a look-back window.
type Fetcher interface {
	Fetch(ctx context.Context, windowMinutes int) ([]feedback.RawRecord, string, error)
}

// Deliverer pushes records downstream with dedup.
type Deliverer interface {
	Process(ctx context.Context, records []feedback.RawRecord) (deliver.Result, error)
}

// Outcome is the structured result of one acquisition cycle.
type Outcome struct {
	Success       bool
	FeedbackCount int
	Method        string
	Message       string
}

// Pipeline runs fetch-then-deliver.
type Pipeline struct {
	fetcher   Fetcher
	deliverer Deliverer
	logger    *slog.Logger
}

// New creates a pipeline.
func New(fetcher Fetcher, deliverer Deliverer, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		fetcher:   fetcher,
		deliverer: deliverer,
		logger:    logger,
	}
}

// Run executes one cycle. It never returns an error and never panics
// upward; every failure comes back as a structured Outcome.
func (p *Pipeline) Run(ctx context.Context, windowMinutes int) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Acquisition cycle panicked", "panic", r)
			out = Outcome{Success: false, Message: fmt.Sprintf("cycle panicked: %v", r)}
		}
	}()

	records, method, err := p.fetcher.Fetch(ctx, windowMinutes)
	if err != nil {
		p.logger.Error("Fetch failed", "error", err)
		return Outcome{Success: false, Message: fmt.Sprintf("fetch failed: %v", err)}
	}

	result, err := p.deliverer.Process(ctx, records)
	if err != nil {
		p.logger.Error("Delivery failed", "error", err, "fetched", len(records), "method", method)
		return Outcome{
			Success:       false,
			FeedbackCount: len(records),
			Method:        method,
			Message:       fmt.Sprintf("delivery failed: %v", err),
		}
	}

	msg := fmt.Sprintf("fetched %d records via %s, delivered %d, skipped %d",
		len(records), method, result.Delivered, result.Skipped)
	p.logger.Info("Acquisition cycle completed",
		"fetched", len(records),
		"method", method,
		"delivered", result.Delivered,
		"skipped", result.Skipped)

	return Outcome{
		Success:       true,
		FeedbackCount: len(records),
		Method:        method,
		Message:       msg,
	}
}
