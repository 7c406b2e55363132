package keeper

import (
	"time"

	"github.com/kvkeeper/keeper/pkg/metrics"
)

// defaultResponseQueueCapacity bounds how many resolved responses may be
// waiting for a worker before RequestProcessor.OnCommit/OnError block.
// Workers only ever invoke the caller's callback, never touch Raft state, so
// this backpressure is strictly isolated from commit application.
const defaultResponseQueueCapacity = 4096

// responseJob pairs a resolved ClientResponse with the callback it must be
// delivered to.
type responseJob struct {
	cb       UserResponseCallBack
	resp     ClientResponse
	enqueued time.Time
}

// ResponsesQueue decouples callback delivery from the goroutine that
// resolved it. RequestProcessor.OnCommit and OnError enqueue here instead of
// invoking the callback inline, since OnCommit runs synchronously inside
// raft's single serialized FSM-apply path: a callback that blocks on I/O
// there (e.g. writing a client's TCP socket) would stall commit application
// for every other session on the node. Run is meant to be called by a small
// pool of worker goroutines, not just one.
type ResponsesQueue struct {
	jobs chan responseJob
}

// NewResponsesQueue creates a queue holding up to capacity pending jobs.
func NewResponsesQueue(capacity int) *ResponsesQueue {
	return &ResponsesQueue{jobs: make(chan responseJob, capacity)}
}

// Push enqueues a resolved response for delivery. Blocks if the queue is
// full.
func (q *ResponsesQueue) Push(cb UserResponseCallBack, resp ClientResponse) {
	q.jobs <- responseJob{cb: cb, resp: resp, enqueued: time.Now()}
}

// Close signals every Run worker to exit once the queue drains. Jobs already
// buffered are still delivered before a worker returns.
func (q *ResponsesQueue) Close() {
	close(q.jobs)
}

// Len reports the number of jobs waiting for a worker, for metrics.
func (q *ResponsesQueue) Len() int {
	return len(q.jobs)
}

// Run delivers jobs until the queue is closed and drained. Call it from each
// of a response worker pool's goroutines; the channel distributes jobs
// across however many call Run, never delivering one job twice.
func (q *ResponsesQueue) Run() {
	for job := range q.jobs {
		job.cb(job.resp)
		metrics.ProcessorResponseDuration.Observe(time.Since(job.enqueued).Seconds())
	}
}

// Deliver synchronously pops and invokes at most one queued job. Used by
// tests that construct a RequestProcessor directly, without running a
// worker pool against it. Returns false if the queue is empty.
func (q *ResponsesQueue) Deliver() bool {
	select {
	case job, ok := <-q.jobs:
		if !ok {
			return false
		}
		job.cb(job.resp)
		metrics.ProcessorResponseDuration.Observe(time.Since(job.enqueued).Seconds())
		return true
	default:
		return false
	}
}
