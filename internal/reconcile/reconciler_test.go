package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/netra-labs/netra-go/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestStats_EmptySet(t *testing.T) {
	r := New(15*time.Second, 2, testLogger())

	s := r.Stats()
	if s.TotalOptimistic != 0 || s.TotalConfirmed != 0 || s.TotalFailed != 0 {
		t.Errorf("Expected zero counters on empty set, got %+v", s)
	}
	if s.AverageReconcileTime != 0 {
		t.Errorf("Expected zero average on empty set, got %v", s.AverageReconcileTime)
	}
}

func TestConfirm_ByTempID(t *testing.T) {
	r := New(15*time.Second, 2, testLogger())
	opt := r.Add("hello")

	tempID, ok := r.Confirm(protocol.UserMessageConfirmed{
		TempID:    opt.TempID,
		MessageID: "srv-1",
		Content:   "hello",
	})
	if !ok {
		t.Fatal("Expected confirmation to match")
	}
	if tempID != opt.TempID {
		t.Errorf("Expected temp ID %q, got %q", opt.TempID, tempID)
	}

	entry, found := r.Get(opt.TempID)
	if !found {
		t.Fatal("Expected entry to exist")
	}
	if entry.Status != StatusConfirmed {
		t.Errorf("Expected confirmed status, got %q", entry.Status)
	}
	if entry.MessageID != "srv-1" {
		t.Errorf("Expected server message ID recorded, got %q", entry.MessageID)
	}
}

func TestConfirm_TempIDTakesPrecedenceOverContent(t *testing.T) {
	r := New(15*time.Second, 2, testLogger())
	first := r.Add("same text")
	second := r.Add("same text")

	// The echo names the second entry explicitly; content matching would
	// have picked the first.
	tempID, ok := r.Confirm(protocol.UserMessageConfirmed{
		TempID:    second.TempID,
		MessageID: "srv-2",
		Content:   "same text",
	})
	if !ok {
		t.Fatal("Expected confirmation to match")
	}
	if tempID != second.TempID {
		t.Errorf("Expected second entry matched, got %q (first is %q)", tempID, first.TempID)
	}
}

func TestConfirm_ByContentEarliestSequenceWins(t *testing.T) {
	r := New(15*time.Second, 2, testLogger())
	first := r.Add("duplicate")
	second := r.Add("duplicate")

	tempID, ok := r.Confirm(protocol.UserMessageConfirmed{
		MessageID: "srv-1",
		Content:   "duplicate",
	})
	if !ok {
		t.Fatal("Expected confirmation to match")
	}
	if tempID != first.TempID {
		t.Errorf("Expected earliest entry matched, got %q", tempID)
	}

	// A second identical echo resolves to the remaining pending entry.
	tempID, ok = r.Confirm(protocol.UserMessageConfirmed{
		MessageID: "srv-2",
		Content:   "duplicate",
	})
	if !ok {
		t.Fatal("Expected second confirmation to match")
	}
	if tempID != second.TempID {
		t.Errorf("Expected second entry matched, got %q", tempID)
	}
}

func TestConfirm_NormalizesWhitespace(t *testing.T) {
	r := New(15*time.Second, 2, testLogger())
	opt := r.Add("  hello   world ")

	_, ok := r.Confirm(protocol.UserMessageConfirmed{
		MessageID: "srv-1",
		Content:   "hello world",
	})
	if !ok {
		t.Error("Expected whitespace-normalized content to match")
	}

	entry, _ := r.Get(opt.TempID)
	if entry.Status != StatusConfirmed {
		t.Errorf("Expected confirmed, got %q", entry.Status)
	}
}

func TestConfirm_NoMatch(t *testing.T) {
	r := New(15*time.Second, 2, testLogger())
	r.Add("something")

	if _, ok := r.Confirm(protocol.UserMessageConfirmed{
		MessageID: "srv-1",
		Content:   "entirely different",
	}); ok {
		t.Error("Expected no match for unrelated content")
	}

	if _, ok := r.Confirm(protocol.UserMessageConfirmed{
		TempID:    "unknown-temp-id",
		MessageID: "srv-2",
		Content:   "something",
	}); ok {
		t.Error("Expected no fallback to content when the echoed temp ID is unknown")
	}
}

func TestSweep_RetriesThenFails(t *testing.T) {
	r := New(10*time.Second, 2, testLogger())
	opt := r.Add("will time out")

	// Before the timeout nothing moves.
	retries, failures := r.Sweep(time.Now())
	if len(retries) != 0 || len(failures) != 0 {
		t.Fatalf("Expected no transitions before timeout, got %d retries %d failures", len(retries), len(failures))
	}

	// First expiry: retry 1.
	retries, failures = r.Sweep(time.Now().Add(11 * time.Second))
	if len(retries) != 1 || len(failures) != 0 {
		t.Fatalf("Expected 1 retry, got %d retries %d failures", len(retries), len(failures))
	}
	if retries[0].Retries != 1 {
		t.Errorf("Expected retry count 1, got %d", retries[0].Retries)
	}

	// Second expiry: retry 2.
	retries, _ = r.Sweep(time.Now().Add(22 * time.Second))
	if len(retries) != 1 || retries[0].Retries != 2 {
		t.Fatalf("Expected second retry, got %+v", retries)
	}

	// Third expiry: retries exhausted, permanent failure.
	retries, failures = r.Sweep(time.Now().Add(33 * time.Second))
	if len(retries) != 0 || len(failures) != 1 {
		t.Fatalf("Expected permanent failure, got %d retries %d failures", len(retries), len(failures))
	}

	entry, _ := r.Get(opt.TempID)
	if entry.Status != StatusFailed {
		t.Errorf("Expected failed status, got %q", entry.Status)
	}

	s := r.Stats()
	if s.TotalFailed != 1 {
		t.Errorf("Expected 1 failed in stats, got %d", s.TotalFailed)
	}
	if s.TotalTimeout != 3 {
		t.Errorf("Expected 3 timeout events, got %d", s.TotalTimeout)
	}
	if s.CurrentPendingCount != 0 {
		t.Errorf("Expected no pending entries, got %d", s.CurrentPendingCount)
	}
}

func TestSweep_ConfirmedEntriesUntouched(t *testing.T) {
	r := New(10*time.Second, 2, testLogger())
	opt := r.Add("confirmed early")
	r.Confirm(protocol.UserMessageConfirmed{TempID: opt.TempID, MessageID: "srv-1", Content: "confirmed early"})

	retries, failures := r.Sweep(time.Now().Add(time.Minute))
	if len(retries) != 0 || len(failures) != 0 {
		t.Errorf("Expected confirmed entry untouched by sweep, got %d retries %d failures", len(retries), len(failures))
	}
}

func TestStats_Aggregates(t *testing.T) {
	r := New(10*time.Second, 0, testLogger())

	a := r.Add("a")
	r.Add("b")
	c := r.Add("c")

	r.Confirm(protocol.UserMessageConfirmed{TempID: a.TempID, MessageID: "srv-a", Content: "a"})
	r.Confirm(protocol.UserMessageConfirmed{TempID: c.TempID, MessageID: "srv-c", Content: "c"})
	r.Sweep(time.Now().Add(time.Minute)) // fails "b" (no retries configured)

	s := r.Stats()
	if s.TotalOptimistic != 3 {
		t.Errorf("Expected 3 total, got %d", s.TotalOptimistic)
	}
	if s.TotalConfirmed != 2 {
		t.Errorf("Expected 2 confirmed, got %d", s.TotalConfirmed)
	}
	if s.TotalFailed != 1 {
		t.Errorf("Expected 1 failed, got %d", s.TotalFailed)
	}
	if s.CurrentPendingCount != 0 {
		t.Errorf("Expected 0 pending, got %d", s.CurrentPendingCount)
	}
	if s.AverageReconcileTime < 0 {
		t.Errorf("Expected non-negative average, got %v", s.AverageReconcileTime)
	}
}

func TestRun_NonPositiveIntervalDoesNotPanic(t *testing.T) {
	r := New(10*time.Second, 2, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A zero interval must fall back to a sane default, not panic the
	// ticker.
	r.Run(ctx, 0, nil)
	r.Run(ctx, -time.Second, nil)
}

func TestReset(t *testing.T) {
	r := New(10*time.Second, 2, testLogger())
	r.Add("x")
	r.Sweep(time.Now().Add(time.Minute))

	r.Reset()

	s := r.Stats()
	if s.TotalOptimistic != 0 || s.TotalTimeout != 0 {
		t.Errorf("Expected empty stats after reset, got %+v", s)
	}
}
