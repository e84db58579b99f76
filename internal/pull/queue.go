package pull

import (
	"sync"
)

// Queue holds identifiers announced by a remote that this pull has not
// replicated yet, oldest first.
//
// The stream reader only appends; the worker alone takes items off the
// front. A remote can announce thousands of identifiers during a backfill
// while each replication costs a fetch and a commit, so the reader must
// never block on the worker or the remote would see a stalled consumer.
// Duplicate announcements are kept: the worker skips identifiers the pull
// owner already has, which also covers content committed locally between
// announcement and replication.
type Queue struct {
	mu      sync.Mutex
	pending []string
	closed  bool
	ready   chan struct{} // capacity 1; closed by Close
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		pending: make([]string, 0, 64),
		ready:   make(chan struct{}, 1),
	}
}

// Enqueue appends an announced identifier. It reports false once the pull
// is closing, which tells the reader to stop.
func (q *Queue) Enqueue(uri string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.pending = append(q.pending, uri)

	// A wakeup already pending covers this item too.
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue takes the oldest identifier, or reports false when nothing is
// waiting.
func (q *Queue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return "", false
	}
	uri := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	if len(q.pending) == 0 {
		q.pending = q.pending[:0:0]
	}
	return uri, true
}

// Wait fires after an Enqueue and is closed by Close. The worker selects on
// it together with its stop signal, then calls TryDequeue.
func (q *Queue) Wait() <-chan struct{} {
	return q.ready
}

// Len is the replication backlog, exported as a gauge.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close refuses further announcements. Identifiers already queued can still
// be taken; the worker decides whether to drain them.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
}
