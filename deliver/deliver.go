// Package deliver maps portal records to the downstream shape, filters
// out already-delivered ids through the persistent ledger and submits the
// remainder as one batch.
package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"feedback-relay/pkg/feedback"
)

// DeliveryError indicates the downstream ingestion API refused a batch.
// The ledger stays untouched so the batch is retried on a later cycle.
type DeliveryError struct {
	Code int
	Msg  string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("downstream rejected batch: code %d: %s", e.Code, e.Msg)
}

// IsDeliveryError checks whether an error is a downstream rejection.
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// Ledger persists the ids of already-delivered records.
type Ledger interface {
	LoadLedger(ctx context.Context) ([]feedback.LedgerEntry, error)
	SaveLedger(ctx context.Context, entries []feedback.LedgerEntry) error
}

// Result summarizes one delivery pass.
type Result struct {
	Delivered int
	Skipped   int
}

type payload struct {
	AppName   string                    `json:"app_name"`
	Feedbacks []feedback.DeliveryRecord `json:"feedbacks"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Deliverer submits feedback batches downstream with ledger-based dedup.
type Deliverer struct {
	client  *http.Client
	ledger  Ledger
	logger  *slog.Logger
	apiURL  string
	appName string
	now     func() time.Time
}

// New creates a deliverer. client may be nil, in which case a client with
// a 30s timeout is used.
func New(apiURL, appName string, ledger Ledger, client *http.Client, logger *slog.Logger) *Deliverer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Deliverer{
		client:  client,
		ledger:  ledger,
		logger:  logger,
		apiURL:  apiURL,
		appName: appName,
		now:     time.Now,
	}
}

// Process maps, deduplicates and submits the given records. An all-known
// batch is a success with zero delivered, not an error. Ledger membership
// only changes after the downstream API accepts the batch, so a failed
// batch is retried wholesale on the next cycle.
func (d *Deliverer) Process(ctx context.Context, records []feedback.RawRecord) (Result, error) {
	if len(records) == 0 {
		d.logger.Info("No feedback records to deliver")
		return Result{}, nil
	}

	entries, err := d.ledger.LoadLedger(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load ledger: %w", err)
	}
	sent := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		sent[e.ID] = struct{}{}
	}

	var batch []feedback.DeliveryRecord
	for _, r := range records {
		if _, ok := sent[r.ID]; ok {
			continue
		}
		batch = append(batch, feedback.MapRecord(r))
	}
	skipped := len(records) - len(batch)

	if len(batch) == 0 {
		d.logger.Info("All records already delivered, skipping push", "skipped", skipped)
		return Result{Skipped: skipped}, nil
	}

	d.logger.Info("Submitting feedback batch",
		"total", len(records),
		"new", len(batch),
		"skipped", skipped)

	if err := d.submit(ctx, batch); err != nil {
		return Result{Skipped: skipped}, err
	}

	ts := d.now().UnixMilli()
	for _, rec := range batch {
		entries = append(entries, feedback.LedgerEntry{ID: rec.UIN, Timestamp: ts})
	}
	if err := d.ledger.SaveLedger(ctx, entries); err != nil {
		// Best-effort bookkeeping: the batch is already downstream, a
		// stale ledger only risks a duplicate send next cycle.
		d.logger.Warn("Failed to persist ledger after delivery", "error", err)
	}

	d.logger.Info("Feedback batch delivered", "delivered", len(batch), "skipped", skipped)
	return Result{Delivered: len(batch), Skipped: skipped}, nil
}

// submit posts one batch and checks the API's application-level code.
func (d *Deliverer) submit(ctx context.Context, batch []feedback.DeliveryRecord) error {
	body, err := json.Marshal(payload{AppName: d.appName, Feedbacks: batch})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("downstream request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			d.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	d.logger.Info("Downstream request completed",
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"batch_size", len(batch))

	if resp.StatusCode != http.StatusOK {
		return &DeliveryError{Code: resp.StatusCode, Msg: "unexpected HTTP status"}
	}

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("decode downstream response: %w", err)
	}
	if apiResp.Code != 200 {
		return &DeliveryError{Code: apiResp.Code, Msg: apiResp.Msg}
	}
	return nil
}
