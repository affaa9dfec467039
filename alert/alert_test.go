package alert

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestThrottleSpacing(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	th := NewThrottle(6 * time.Hour)

	if !th.AllowAndMark(base) {
		t.Fatal("first alarm should always be allowed")
	}

	// Two failures one hour apart: exactly one alarm.
	if th.AllowAndMark(base.Add(time.Hour)) {
		t.Error("alarm 1h after the last one should be throttled")
	}

	// Failures seven hours apart: a second alarm fires.
	if !th.AllowAndMark(base.Add(7 * time.Hour)) {
		t.Error("alarm 7h after the last one should be allowed")
	}
}

func TestThrottleSharedAcrossFailureKinds(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	th := NewThrottle(6 * time.Hour)

	// One gate per scope: a second failure source inside the window is
	// throttled no matter what triggered the first alarm.
	th.AllowAndMark(base)
	if th.AllowAndMark(base.Add(5 * time.Hour)) {
		t.Error("distinct failure kinds must share the same throttle window")
	}
}

func TestThrottleSingleWinnerUnderContention(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	th := NewThrottle(6 * time.Hour)

	var wg sync.WaitGroup
	var passed atomic.Int32
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.AllowAndMark(base) {
				passed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := passed.Load(); got != 1 {
		t.Errorf("%d concurrent callers passed the gate, want 1", got)
	}
}

func TestAlarmPostsWebhookPayload(t *testing.T) {
	var got textMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if _, err := w.Write([]byte(`{"errcode":0,"errmsg":"ok"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, []string{"oncall"}, srv.Client(), testLogger())
	n.Alarm(context.Background(), "task fully interrupted", "5 consecutive failures")

	if got.MsgType != "text" {
		t.Errorf("msgtype = %q, want text", got.MsgType)
	}
	if got.Text.Content == "" {
		t.Error("alarm content is empty")
	}
	if len(got.Text.MentionedList) != 1 || got.Text.MentionedList[0] != "oncall" {
		t.Errorf("mentioned_list = %v, want [oncall]", got.Text.MentionedList)
	}
}

func TestSendTextNoWebhookIsNoOp(t *testing.T) {
	n := NewNotifier("", nil, nil, testLogger())
	if err := n.sendText(context.Background(), "hello"); err != nil {
		t.Errorf("sendText() with no webhook = %v, want nil", err)
	}
}

func TestSendTextNonZeroErrcode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if _, err := w.Write([]byte(`{"errcode":93000,"errmsg":"invalid key"}`)); err != nil {
			t.Errorf("write response: %v", err)
		}
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, nil, srv.Client(), testLogger())
	if err := n.sendText(context.Background(), "hello"); err == nil {
		t.Error("sendText() = nil, want error on non-zero errcode")
	}
}
