// Package reconcile matches locally created optimistic messages against
// their server-confirmed echoes and ages out the ones that never arrive.
package reconcile

import (
	"context"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/netra-labs/netra-go/internal/protocol"
)

// Status is the reconciliation state of one optimistic message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Optimistic is a locally created message awaiting server confirmation.
type Optimistic struct {
	TempID      string
	Content     string
	ContentHash uint64
	Seq         int64
	CreatedAt   time.Time
	Status      Status
	Retries     int

	// Set on confirmation.
	MessageID string
	Latency   time.Duration
}

// Stats aggregates the reconciliation set. Derived on demand, never
// independently mutated.
type Stats struct {
	TotalOptimistic      int
	TotalConfirmed       int
	TotalFailed          int
	TotalTimeout         int
	AverageReconcileTime time.Duration
	CurrentPendingCount  int
}

// Reconciler owns the optimistic-message set. It is the only component
// that mutates entries after creation.
type Reconciler struct {
	timeout    time.Duration
	maxRetries int
	logger     *slog.Logger

	mu            sync.Mutex
	entries       []*Optimistic
	seq           int64
	timeoutEvents int
}

// New creates a reconciler. Entries pending longer than timeout are
// retried up to maxRetries times, then failed permanently.
func New(timeout time.Duration, maxRetries int, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		timeout:    timeout,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Add creates a pending optimistic message for content and returns a
// snapshot of it.
func (r *Reconciler) Add(content string) Optimistic {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	entry := &Optimistic{
		TempID:      uuid.NewString(),
		Content:     content,
		ContentHash: contentHash(content),
		Seq:         r.seq,
		CreatedAt:   time.Now(),
		Status:      StatusPending,
	}
	r.entries = append(r.entries, entry)
	return *entry
}

// Confirm matches a server echo against the pending set. The explicit
// temp ID wins when the server echoes one; otherwise the content hash is
// used, earliest sequence first. Returns the matched temp ID, or false
// when the echo matches nothing (a genuinely new inbound message).
func (r *Reconciler) Confirm(msg protocol.UserMessageConfirmed) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.findLocked(msg)
	if entry == nil {
		return "", false
	}

	entry.Status = StatusConfirmed
	entry.MessageID = msg.MessageID
	entry.Latency = time.Since(entry.CreatedAt)
	r.logger.Debug("optimistic message confirmed",
		"temp_id", entry.TempID, "seq", entry.Seq, "latency", entry.Latency)
	return entry.TempID, true
}

func (r *Reconciler) findLocked(msg protocol.UserMessageConfirmed) *Optimistic {
	if msg.TempID != "" {
		for _, e := range r.entries {
			if e.Status == StatusPending && e.TempID == msg.TempID {
				return e
			}
		}
		return nil
	}

	hash := contentHash(msg.Content)
	// Entries are in sequence order; identical content resolves to the
	// earliest pending entry.
	for _, e := range r.entries {
		if e.Status == StatusPending && e.ContentHash == hash {
			return e
		}
	}
	return nil
}

// Sweep transitions pending entries older than the timeout. Entries with
// retries remaining go back to pending (retry count incremented) and are
// returned as retries so the caller can re-send them; exhausted entries
// fail permanently.
func (r *Reconciler) Sweep(now time.Time) (retries, failures []Optimistic) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.Status != StatusPending || now.Sub(e.CreatedAt) < r.timeout {
			continue
		}

		e.Status = StatusTimeout
		r.timeoutEvents++

		if e.Retries < r.maxRetries {
			e.Retries++
			e.Status = StatusPending
			e.CreatedAt = now // restart the timeout clock for the retry
			retries = append(retries, *e)
			r.logger.Debug("optimistic message timed out, retrying",
				"temp_id", e.TempID, "retry", e.Retries)
		} else {
			e.Status = StatusFailed
			failures = append(failures, *e)
			r.logger.Warn("optimistic message failed permanently",
				"temp_id", e.TempID, "retries", e.Retries)
		}
	}
	return retries, failures
}

// Run sweeps on a fixed interval until ctx is cancelled, invoking
// onRetry for each entry that should be re-sent.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, onRetry func(Optimistic)) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				retries, _ := r.Sweep(now)
				if onRetry != nil {
					for _, e := range retries {
						onRetry(e)
					}
				}
			}
		}
	}()
}

// Get returns a snapshot of the entry with the given temp ID.
func (r *Reconciler) Get(tempID string) (Optimistic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.TempID == tempID {
			return *e, true
		}
	}
	return Optimistic{}, false
}

// Stats aggregates the current entry set. Safe on an empty set.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		TotalOptimistic: len(r.entries),
		TotalTimeout:    r.timeoutEvents,
	}
	var latencySum time.Duration
	for _, e := range r.entries {
		switch e.Status {
		case StatusConfirmed:
			s.TotalConfirmed++
			latencySum += e.Latency
		case StatusFailed:
			s.TotalFailed++
		case StatusPending, StatusTimeout:
			s.CurrentPendingCount++
		}
	}
	if s.TotalConfirmed > 0 {
		s.AverageReconcileTime = latencySum / time.Duration(s.TotalConfirmed)
	}
	return s
}

// Reset drops all entries. Used when the owning chat session clears its
// message list.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.timeoutEvents = 0
}

// contentHash is a stable FNV-1a hash over normalized content: trimmed,
// inner whitespace collapsed.
func contentHash(content string) uint64 {
	normalized := strings.Join(strings.Fields(content), " ")
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))
	return h.Sum64()
}
