package keeper

import (
	"hash/fnv"
	"time"
)

// RequestsQueue is a bounded multi-lane FIFO. Requests are routed to a lane
// by hash(session_id) mod parallel; within a lane, order is preserved end
// to end. Push fails (returns false) rather than blocking when the lane is
// full — callers surface that as server-busy back-pressure.
type RequestsQueue struct {
	lanes []chan ClientRequest
}

// NewRequestsQueue creates a queue with the given number of lanes, each
// bounded to capacity entries (20000 in the reference implementation).
func NewRequestsQueue(parallel int, capacity int) *RequestsQueue {
	q := &RequestsQueue{lanes: make([]chan ClientRequest, parallel)}
	for i := range q.lanes {
		q.lanes[i] = make(chan ClientRequest, capacity)
	}
	return q
}

// Lanes returns the number of lanes this queue was built with.
func (q *RequestsQueue) Lanes() int {
	return len(q.lanes)
}

// LaneFor returns the lane a session is bound to. A session never moves
// lanes during its lifetime, since the hash of its session_id never
// changes.
func LaneFor(sessionID int64, parallel int) Lane {
	h := fnv.New64a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(sessionID >> (8 * i))
	}
	_, _ = h.Write(b[:])
	return Lane(h.Sum64() % uint64(parallel))
}

// Push routes req to its session's lane and enqueues it, non-blocking.
// Returns false if that lane is full.
func (q *RequestsQueue) Push(req ClientRequest) bool {
	lane := LaneFor(req.SessionID, len(q.lanes))
	return q.PushLane(lane, req)
}

// PushLane enqueues req directly onto the given lane, non-blocking. Push
// calls it with the lane computed from the session id.
func (q *RequestsQueue) PushLane(lane Lane, req ClientRequest) bool {
	select {
	case q.lanes[lane] <- req:
		return true
	default:
		return false
	}
}

// Depth reports the current number of buffered entries in a lane, for
// metrics collection.
func (q *RequestsQueue) Depth(lane Lane) int {
	return len(q.lanes[lane])
}

// TryPop blocks up to maxWait for an entry on the given lane. Returns
// ok=false on timeout.
func (q *RequestsQueue) TryPop(lane Lane, maxWait time.Duration) (ClientRequest, bool) {
	if maxWait <= 0 {
		select {
		case req := <-q.lanes[lane]:
			return req, true
		default:
			return ClientRequest{}, false
		}
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case req := <-q.lanes[lane]:
		return req, true
	case <-timer.C:
		return ClientRequest{}, false
	}
}

// TryPopAny drains a single entry from any non-empty lane, used only
// during shutdown drain.
func (q *RequestsQueue) TryPopAny() (ClientRequest, bool) {
	for _, lane := range q.lanes {
		select {
		case req := <-lane:
			return req, true
		default:
		}
	}
	return ClientRequest{}, false
}
