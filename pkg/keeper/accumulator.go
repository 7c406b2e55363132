package keeper

import (
	"sync"
	"time"

	"github.com/kvkeeper/keeper/pkg/log"
	"github.com/kvkeeper/keeper/pkg/metrics"
)

// RequestAccumulator coalesces consecutive requests into one Raft apply
// call, up to maxBatchSize or until a batch-boundary request (new/update/
// close session) forces an early flush. It never reorders two entries from
// the same lane: entries are appended to the batch in the order they
// arrive from the (single) accumulator input channel, which every request
// worker writes to only after popping its own lane in order.
type RequestAccumulator struct {
	raftNode     RaftNode
	processor    *RequestProcessor
	maxBatchSize int
	applyTimeout time.Duration

	inCh   chan accumulatorEntry
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type accumulatorEntry struct {
	sessionID int64
	xid       int32
	opNum     int32
	op        string
	data      []byte
	boundary  bool
}

// NewRequestAccumulator creates an accumulator. Call Start to begin its
// flush loop and Stop to drain it.
func NewRequestAccumulator(raftNode RaftNode, processor *RequestProcessor, maxBatchSize int, applyTimeout time.Duration) *RequestAccumulator {
	return &RequestAccumulator{
		raftNode:     raftNode,
		processor:    processor,
		maxBatchSize: maxBatchSize,
		applyTimeout: applyTimeout,
		inCh:         make(chan accumulatorEntry, maxBatchSize*4),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the single flush-loop goroutine.
func (a *RequestAccumulator) Start() {
	a.wg.Add(1)
	go a.run()
}

// Stop signals the flush loop to exit once its input channel drains, and
// waits for it to do so.
func (a *RequestAccumulator) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

// PushUserRequest enqueues a local (leader-side) user request for batching.
// Returns false if the accumulator's input channel is full.
func (a *RequestAccumulator) PushUserRequest(req ClientRequest) bool {
	data, _ := encodeMsgPack(UserRequestCommand{
		SessionID: req.SessionID,
		Xid:       req.Xid,
		OpNum:     req.OpNum,
		Payload:   req.Payload,
	})
	return a.push(accumulatorEntry{
		sessionID: req.SessionID,
		xid:       req.Xid,
		opNum:     req.OpNum,
		op:        OpUserRequest,
		data:      data,
	})
}

// PushNewSession enqueues a new-session boundary request.
func (a *RequestAccumulator) PushNewSession(internalID, timeoutMs int64, ownerNodeID int32) bool {
	data, _ := encodeMsgPack(NewSessionCommand{InternalID: internalID, TimeoutMs: timeoutMs, OwnerNodeID: ownerNodeID})
	return a.push(accumulatorEntry{sessionID: internalID, op: OpNewSession, data: data, boundary: true})
}

// PushUpdateSession enqueues an update-session boundary request.
func (a *RequestAccumulator) PushUpdateSession(sessionID, timeoutMs int64, ownerNodeID int32) bool {
	data, _ := encodeMsgPack(UpdateSessionCommand{SessionID: sessionID, TimeoutMs: timeoutMs, OwnerNodeID: ownerNodeID})
	return a.push(accumulatorEntry{sessionID: sessionID, op: OpUpdateSession, data: data, boundary: true})
}

// PushCloseSession enqueues a close-session boundary request, issued by the
// dead-session cleaner.
func (a *RequestAccumulator) PushCloseSession(sessionID int64) bool {
	data, _ := encodeMsgPack(CloseSessionCommand{SessionID: sessionID})
	return a.push(accumulatorEntry{sessionID: sessionID, op: OpCloseSession, data: data, boundary: true})
}

// PushSyncSessions enqueues a sync-sessions entry, applied on the leader
// when it receives a ForwardSyncSessions frame from a follower.
func (a *RequestAccumulator) PushSyncSessions(entries map[int64]int64) bool {
	data, _ := encodeMsgPack(SyncSessionsCommand{Entries: entries})
	return a.push(accumulatorEntry{op: OpSyncSessions, data: data, boundary: true})
}

func (a *RequestAccumulator) push(e accumulatorEntry) bool {
	select {
	case a.inCh <- e:
		return true
	default:
		return false
	}
}

func (a *RequestAccumulator) run() {
	defer a.wg.Done()

	var batch []accumulatorEntry
	for {
		if len(batch) == 0 {
			select {
			case e, ok := <-a.inCh:
				if !ok {
					return
				}
				batch = append(batch, e)
			case <-a.stopCh:
				for {
					select {
					case e, ok := <-a.inCh:
						if !ok {
							a.flush(batch)
							return
						}
						batch = append(batch, e)
						if len(batch) >= a.maxBatchSize || e.boundary {
							a.flush(batch)
							batch = nil
						}
					default:
						a.flush(batch)
						return
					}
				}
			}
			continue
		}

		select {
		case e, ok := <-a.inCh:
			if !ok {
				a.flush(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= a.maxBatchSize || e.boundary {
				a.flush(batch)
				batch = nil
			}
		default:
			// Input drained for now: flush whatever is pending rather than
			// wait for it to reach maxBatchSize.
			a.flush(batch)
			batch = nil
		}
	}
}

func (a *RequestAccumulator) flush(batch []accumulatorEntry) {
	if len(batch) == 0 {
		return
	}

	timer := metrics.NewTimer()
	cmds := make([]Command, len(batch))
	for i, e := range batch {
		cmds[i] = Command{Op: e.op, Data: e.data}
	}

	err := a.raftNode.ApplyBatch(cmds, a.applyTimeout)
	timer.ObserveDuration(metrics.RaftApplyDuration)
	metrics.AccumulatorBatchSize.Observe(float64(len(batch)))

	if err != nil {
		log.Errorf("raft apply batch failed", err)
		for _, e := range batch {
			a.processor.OnError(false, RaftCodeFailed, e.sessionID, e.xid, e.opNum)
		}
	}
}
