package keeper

import "sync"

// ForwardRequestQueue is a lane's ordered window of outstanding forward
// requests, keyed by send order. It is single-producer (the lane's send
// loop) and single-consumer (the lane's receive loop), so a plain mutex
// protecting the slice is enough; Peek/FindAndRemove/RemoveFrontIf are
// atomic with respect to each other.
type ForwardRequestQueue struct {
	mu      sync.Mutex
	entries []*ForwardRequest
}

// NewForwardRequestQueue creates an empty queue.
func NewForwardRequestQueue() *ForwardRequestQueue {
	return &ForwardRequestQueue{}
}

// Push appends a request to the tail. Called before the request is sent on
// the wire, so the receive side can correlate a response that arrives
// before Push returns.
func (q *ForwardRequestQueue) Push(req *ForwardRequest) {
	q.mu.Lock()
	q.entries = append(q.entries, req)
	q.mu.Unlock()
}

// Peek returns the earliest (head) entry without removing it.
func (q *ForwardRequestQueue) Peek() (*ForwardRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return nil, false
	}
	return q.entries[0], true
}

// Len reports the number of in-flight entries, for metrics.
func (q *ForwardRequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// RemoveFrontIf walks the head of the queue in order, removing every entry
// for which pred returns true, stopping at the first entry that fails the
// predicate. Returns true iff at least one entry was removed.
func (q *ForwardRequestQueue) RemoveFrontIf(pred func(*ForwardRequest) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := false
	i := 0
	for i < len(q.entries) && pred(q.entries[i]) {
		i++
		removed = true
	}
	if removed {
		q.entries = q.entries[i:]
	}
	return removed
}

// FindAndRemove removes the first entry matching pred, wherever it sits in
// the queue (the leader may reply to independent sessions out of send
// order). Returns the removed entry and true if one was found.
func (q *ForwardRequestQueue) FindAndRemove(pred func(*ForwardRequest) bool) (*ForwardRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if pred(e) {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return e, true
		}
	}
	return nil, false
}

// ForEach invokes fn for every entry currently queued, in order, then
// clears the queue. Used by shutdown drain to synthesize a terminal
// response for every entry that will never receive a real one.
func (q *ForwardRequestQueue) ForEach(fn func(*ForwardRequest)) {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, e := range entries {
		fn(e)
	}
}
