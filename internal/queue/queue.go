// Package queue implements the coalescing work queue between the Router and
// the Document Builder: entries are keyed by (index, root_pk), FIFO per
// index, and re-submission of an already-queued key keeps only the latest
// cause transaction id rather than duplicating the entry.
package queue

import (
	"context"
	"sync"

	"github.com/jackc/pglogrepl"

	"github.com/pgsearchsync/pgsearchsync/internal/observability"
)

// Entry is one coalesced unit of work: a root PK due for rebuild, tagged
// with the latest cause_xid submitted for it since it was last drained, and
// the WAL position of the event that produced that cause_xid.
type Entry struct {
	Index    string
	RootPK   string
	CauseXid uint32
	CauseLSN pglogrepl.LSN
}

type key struct {
	index  string
	rootPK string
}

// Queue is a coalescing, per-index-FIFO work queue with high/low water-mark
// back-pressure. Safe for concurrent Submit from the Router and concurrent
// Drain from the Builder, one goroutine per index on each side.
type Queue struct {
	mu           sync.Mutex
	fifo         map[string][]key // index -> ordered distinct keys currently queued
	present      map[key]*Entry   // coalescing set: current cause_xid per key
	notEmpty     map[string]chan struct{}
	highWaterMark int
	lowWaterMark  int
	metrics       *observability.Metrics
}

// New returns a Queue with the given back-pressure thresholds. highWaterMark
// must be >= lowWaterMark.
func New(highWaterMark, lowWaterMark int, metrics *observability.Metrics) *Queue {
	return &Queue{
		fifo:          map[string][]key{},
		present:       map[key]*Entry{},
		notEmpty:      map[string]chan struct{}{},
		highWaterMark: highWaterMark,
		lowWaterMark:  lowWaterMark,
		metrics:       metrics,
	}
}

// Depth returns the number of distinct (index, root_pk) entries currently
// queued for index.
func (q *Queue) Depth(index string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo[index])
}

// Submit enqueues (index, rootPK) with causeXid/causeLSN, coalescing with
// any already-queued entry for the same key by keeping the latest cause_xid
// and its corresponding LSN. Submit never blocks; back-pressure is enforced
// by WaitForCapacity, which the engine's event pump calls after each event.
func (q *Queue) Submit(index, rootPK string, causeXid uint32, causeLSN pglogrepl.LSN) {
	q.mu.Lock()
	k := key{index: index, rootPK: rootPK}
	if existing, ok := q.present[k]; ok {
		existing.CauseXid = causeXid
		existing.CauseLSN = causeLSN
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.RecordQueueCoalesce(index)
		}
		return
	}

	entry := &Entry{Index: index, RootPK: rootPK, CauseXid: causeXid, CauseLSN: causeLSN}
	q.present[k] = entry
	q.fifo[index] = append(q.fifo[index], k)
	depth := len(q.fifo[index])
	ch := q.notifyChan(index)
	q.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}

	if q.metrics != nil {
		q.metrics.RecordQueueEnqueue(index)
		q.metrics.UpdateQueueDepth(index, depth)
	}
}

// DrainBatch removes up to maxItems entries from the front of index's FIFO
// and returns them. Returns an empty slice (never blocks) if the queue is
// currently empty.
func (q *Queue) DrainBatch(index string, maxItems int) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := q.fifo[index]
	n := maxItems
	if n > len(keys) {
		n = len(keys)
	}

	batch := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		k := keys[i]
		batch = append(batch, q.present[k])
		delete(q.present, k)
	}
	q.fifo[index] = keys[n:]

	if ch, ok := q.notEmpty[index]; ok && n > 0 {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	if q.metrics != nil {
		q.metrics.RecordQueueDequeue(index, n)
		q.metrics.UpdateQueueDepth(index, len(q.fifo[index]))
	}
	return batch
}

// WaitForCapacity blocks until index's depth drops to the low-water mark,
// returning immediately if it is already below the high-water mark. The
// engine's event pump calls this after routing each event, so no further
// Consumer events are read while it blocks.
func (q *Queue) WaitForCapacity(ctx context.Context, index string) error {
	q.mu.Lock()
	depth := len(q.fifo[index])
	q.mu.Unlock()

	if q.highWaterMark <= 0 || depth < q.highWaterMark {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notifyChanBlocking(index):
		}
		q.mu.Lock()
		depth = len(q.fifo[index])
		q.mu.Unlock()
		if depth <= q.lowWaterMark {
			return nil
		}
	}
}

// notifyChan returns index's notification channel, creating it if absent.
// Callers must hold q.mu.
func (q *Queue) notifyChan(index string) chan struct{} {
	ch, ok := q.notEmpty[index]
	if !ok {
		ch = make(chan struct{}, 1)
		q.notEmpty[index] = ch
	}
	return ch
}

// notifyChanBlocking is a poll-friendly wrapper used while waiting to drop
// below the low-water mark: it ticks on every drain so the waiter re-checks
// depth without a busy loop. Draining sends on the same channel Submit uses.
func (q *Queue) notifyChanBlocking(index string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notifyChan(index)
}
