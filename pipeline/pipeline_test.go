package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"feedback-relay/deliver"
	"feedback-relay/pkg/feedback"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFetcher struct {
	records []feedback.RawRecord
	method  string
	err     error
	panics  bool
}

func (f *fakeFetcher) Fetch(context.Context, int) ([]feedback.RawRecord, string, error) {
	if f.panics {
		panic("selector vanished")
	}
	return f.records, f.method, f.err
}

type fakeDeliverer struct {
	result deliver.Result
	err    error
}

func (d *fakeDeliverer) Process(context.Context, []feedback.RawRecord) (deliver.Result, error) {
	return d.result, d.err
}

func TestRunSuccess(t *testing.T) {
	p := New(
		&fakeFetcher{records: []feedback.RawRecord{{ID: "p1"}, {ID: "p2"}}, method: "cookie"},
		&fakeDeliverer{result: deliver.Result{Delivered: 1, Skipped: 1}},
		testLogger(),
	)

	out := p.Run(context.Background(), 30)
	if !out.Success {
		t.Fatalf("Run() = %+v, want success", out)
	}
	if out.FeedbackCount != 2 || out.Method != "cookie" {
		t.Errorf("Outcome = %+v, want 2 records via cookie", out)
	}
	if !strings.Contains(out.Message, "delivered 1") {
		t.Errorf("Message = %q, want delivery counts", out.Message)
	}
}

func TestRunFetchFailure(t *testing.T) {
	p := New(
		&fakeFetcher{err: errors.New("portal unreachable")},
		&fakeDeliverer{},
		testLogger(),
	)

	out := p.Run(context.Background(), 30)
	if out.Success {
		t.Fatal("Run() reported success on fetch failure")
	}
	if !strings.Contains(out.Message, "portal unreachable") {
		t.Errorf("Message = %q, want underlying error text", out.Message)
	}
}

func TestRunDeliveryFailure(t *testing.T) {
	p := New(
		&fakeFetcher{records: []feedback.RawRecord{{ID: "p1"}}, method: "login"},
		&fakeDeliverer{err: &deliver.DeliveryError{Code: 500, Msg: "ingest unavailable"}},
		testLogger(),
	)

	out := p.Run(context.Background(), 30)
	if out.Success {
		t.Fatal("Run() reported success on delivery failure")
	}
	if out.FeedbackCount != 1 || out.Method != "login" {
		t.Errorf("Outcome = %+v, want fetch facts preserved on delivery failure", out)
	}
}

func TestRunRecoversPanic(t *testing.T) {
	p := New(&fakeFetcher{panics: true}, &fakeDeliverer{}, testLogger())

	out := p.Run(context.Background(), 30)
	if out.Success {
		t.Fatal("Run() reported success after panic")
	}
	if !strings.Contains(out.Message, "selector vanished") {
		t.Errorf("Message = %q, want panic detail", out.Message)
	}
}
