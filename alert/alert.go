// Package alert sends throttled operator alerts through an outbound
// webhook.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultMinInterval is the minimum gap between two alarms from the same
// supervision scope.
const DefaultMinInterval = 6 * time.Hour

// Throttle gates repeated alarms. Each supervision scope owns its own
// instance; within a scope all failure sources share the same gate.
type Throttle struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastSentAt  time.Time
}

// NewThrottle creates a throttle with the given minimum interval.
func NewThrottle(minInterval time.Duration) *Throttle {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Throttle{minInterval: minInterval}
}

// AllowAndMark reports whether an alarm may fire now and, when it may,
// records it as fired in the same critical section, so two concurrent
// callers can never both pass the gate. The first alarm is always
// allowed.
func (t *Throttle) AllowAndMark(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastSentAt.IsZero() && now.Sub(t.lastSentAt) < t.minInterval {
		return false
	}
	t.lastSentAt = now
	return true
}

// textMessage is the webhook payload shape.
type textMessage struct {
	MsgType string      `json:"msgtype"`
	Text    textContent `json:"text"`
}

type textContent struct {
	Content       string   `json:"content"`
	MentionedList []string `json:"mentioned_list"`
}

type webhookResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// Notifier posts alert messages to a group-chat webhook. An unconfigured
// webhook URL turns every send into a logged no-op.
type Notifier struct {
	client     *http.Client
	logger     *slog.Logger
	webhookURL string
	mentioned  []string
}

// NewNotifier creates a notifier. client may be nil, in which case a
// client with a 10s timeout is used.
func NewNotifier(webhookURL string, mentioned []string, client *http.Client, logger *slog.Logger) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Notifier{
		client:     client,
		logger:     logger,
		webhookURL: webhookURL,
		mentioned:  mentioned,
	}
}

// Alarm sends an urgent operator alert describing a fully interrupted
// task. Failures to deliver the alert are logged, never fatal: an alarm
// must not take the pipeline down with it.
func (n *Notifier) Alarm(ctx context.Context, kind, detail string) {
	content := fmt.Sprintf(
		"[URGENT] feedback relay task interrupted\ntime: %s\nkind: %s\ndetail: %s\nautomatic retries exhausted, manual attention required",
		time.Now().Format(time.RFC3339), kind, detail)

	if err := n.sendText(ctx, content); err != nil {
		n.logger.Warn("Failed to deliver alarm", "kind", kind, "error", err)
		return
	}
	n.logger.Info("Alarm delivered", "kind", kind)
}

// sendText posts one text message to the webhook.
func (n *Notifier) sendText(ctx context.Context, content string) error {
	if n.webhookURL == "" {
		n.logger.Info("No webhook configured, skipping alert", "content_length", len(content))
		return nil
	}

	payload, err := json.Marshal(textMessage{
		MsgType: "text",
		Text: textContent{
			Content:       content,
			MentionedList: append([]string{}, n.mentioned...),
		},
	})
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	err = retry.Do(
		func() error {
			req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
			if reqErr != nil {
				return fmt.Errorf("create request: %w", reqErr)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, doErr := n.client.Do(req)
			if doErr != nil {
				return doErr
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					n.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("webhook HTTP %d", resp.StatusCode)
			}

			var body webhookResponse
			if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr != nil {
				return fmt.Errorf("decode webhook response: %w", decodeErr)
			}
			if body.ErrCode != 0 {
				return fmt.Errorf("webhook errcode %d: %s", body.ErrCode, body.ErrMsg)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, retryErr error) {
			n.logger.Info("Retrying alert send after error", "attempt", attempt, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("after retries: %w", err)
	}
	return nil
}
