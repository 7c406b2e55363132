package keeper

import (
	"strconv"
	"sync"
	"time"

	"github.com/kvkeeper/keeper/pkg/log"
	"github.com/kvkeeper/keeper/pkg/metrics"
)

// RequestForwarder ships follower-side requests to the Raft leader and
// delivers the leader's responses back to RequestProcessor. It owns one
// send goroutine and one receive goroutine per lane, each paired with a
// ForwardRequestQueue that tracks requests awaiting a response so a
// response frame (or a timeout) can be matched back to the request that
// produced it.
type RequestForwarder struct {
	parallel           int
	sessionSyncPeriod  time.Duration
	operationTimeout   time.Duration
	raftNode           RaftNode
	sessions           SessionManager
	pool               *ForwardConnectionPool
	processor          *RequestProcessor
	filterLocalSession func(sessionID int64) bool

	requestsQueue *RequestsQueue
	laneQueues    []*ForwardRequestQueue

	sessionSyncMu   sync.Mutex
	sessionSyncIdx  int
	sessionSyncTime time.Time

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewRequestForwarder creates a forwarder with parallel lanes. Call Start to
// launch its goroutines.
func NewRequestForwarder(
	parallel int,
	queueCapacity int,
	sessionSyncPeriod time.Duration,
	operationTimeout time.Duration,
	raftNode RaftNode,
	sessions SessionManager,
	pool *ForwardConnectionPool,
	processor *RequestProcessor,
	filterLocalSession func(sessionID int64) bool,
) *RequestForwarder {
	laneQueues := make([]*ForwardRequestQueue, parallel)
	for i := range laneQueues {
		laneQueues[i] = NewForwardRequestQueue()
	}

	return &RequestForwarder{
		parallel:            parallel,
		sessionSyncPeriod:   sessionSyncPeriod,
		operationTimeout:    operationTimeout,
		raftNode:            raftNode,
		sessions:            sessions,
		pool:                pool,
		processor:           processor,
		filterLocalSession:  filterLocalSession,
		requestsQueue:       NewRequestsQueue(parallel, queueCapacity),
		laneQueues:          laneQueues,
		sessionSyncTime:     time.Now(),
		shutdownCh:          make(chan struct{}),
	}
}

// Push enqueues a client request, on a follower, to be forwarded to the
// leader. Non-blocking; returns false if the request's lane is full.
func (f *RequestForwarder) Push(req ClientRequest) bool {
	return f.requestsQueue.Push(req)
}

// InFlight reports how many forwarded requests on lane are awaiting a
// response, for metrics.
func (f *RequestForwarder) InFlight(lane Lane) int {
	return f.laneQueues[lane].Len()
}

// Start launches the parallel send/receive goroutine pairs.
func (f *RequestForwarder) Start() {
	for lane := 0; lane < f.parallel; lane++ {
		f.wg.Add(2)
		go f.runSend(Lane(lane))
		go f.runReceive(Lane(lane))
	}
}

func (f *RequestForwarder) isMySessionSyncTurn(lane Lane) bool {
	f.sessionSyncMu.Lock()
	defer f.sessionSyncMu.Unlock()
	return f.sessionSyncIdx%f.parallel == int(lane)
}

func (f *RequestForwarder) sessionSyncElapsed() time.Duration {
	f.sessionSyncMu.Lock()
	defer f.sessionSyncMu.Unlock()
	return time.Since(f.sessionSyncTime)
}

func (f *RequestForwarder) advanceSessionSync() {
	f.sessionSyncMu.Lock()
	f.sessionSyncTime = time.Now()
	f.sessionSyncIdx++
	f.sessionSyncMu.Unlock()
}

// runSend is the per-lane send loop: pop the next queued request, forward
// it to the leader, and on this lane's session-sync turn also forward the
// expiration times of the sessions in this node's session table that pass
// the local-session filter.
func (f *RequestForwarder) runSend(lane Lane) {
	defer f.wg.Done()

	for {
		select {
		case <-f.shutdownCh:
			return
		default:
		}

		maxWait := f.sessionSyncPeriod
		if f.isMySessionSyncTurn(lane) {
			elapsed := f.sessionSyncElapsed()
			if elapsed >= f.sessionSyncPeriod {
				maxWait = 0
			} else {
				maxWait = f.sessionSyncPeriod - elapsed
			}
		}

		if req, ok := f.requestsQueue.TryPop(lane, maxWait); ok {
			f.sendOne(lane, req)
		}

		if f.isMySessionSyncTurn(lane) && f.sessionSyncElapsed() >= f.sessionSyncPeriod {
			if !f.raftNode.IsLeader() && f.raftNode.IsLeaderAlive() {
				f.sendSessionSync(lane)
			}
			f.advanceSessionSync()
		}
	}
}

func (f *RequestForwarder) sendOne(lane Lane, req ClientRequest) {
	if f.raftNode.IsLeader() {
		log.Warn("a leader switch may have occurred suddenly while forwarding")
		f.processor.OnError(false, RaftCodeFailed, req.SessionID, req.Xid, req.OpNum)
		return
	}
	if !f.raftNode.IsLeaderAlive() {
		f.processor.OnError(false, RaftCodeFailed, req.SessionID, req.Xid, req.OpNum)
		return
	}

	conn := f.pool.Get(f.raftNode.LeaderID(), lane)
	if conn == nil || conn.State() != ConnConnected {
		log.Warn("no forward connection available for current leader")
		f.processor.OnError(false, RaftCodeFailed, req.SessionID, req.Xid, req.OpNum)
		return
	}

	fwReq := &ForwardRequest{
		Kind:           ForwardUserOp,
		OriginServerID: f.raftNode.MyID(),
		OriginLane:     lane,
		SendTime:       time.Now(),
		SessionID:      req.SessionID,
		Xid:            req.Xid,
		OpNum:          req.OpNum,
		Payload:        req.Payload,
	}

	f.laneQueues[lane].Push(fwReq)
	if err := conn.Send(fwReq); err != nil {
		log.Errorf("error forwarding request", err)
		f.laneQueues[lane].FindAndRemove(func(r *ForwardRequest) bool { return r == fwReq })
		f.processor.OnError(false, RaftCodeFailed, req.SessionID, req.Xid, req.OpNum)
	}
}

// PushSessionOp forwards a new-session or update-session request to the
// leader. Unlike Push, it sends immediately on lane rather than going
// through requestsQueue — session churn is rare enough relative to user
// requests that Dispatcher.PushSessionRequest bypasses its own lane queue
// for the same reason. key is the forward correlation key: internalID for
// ForwardNewSession, sessionID for ForwardUpdateSession. Returns false if
// there's no live, connected leader to send to right now.
func (f *RequestForwarder) PushSessionOp(kind ForwardKind, key, internalID, timeoutMs int64) bool {
	if f.raftNode.IsLeader() {
		log.Warn("a leader switch may have occurred suddenly while forwarding a session request")
		return false
	}
	if !f.raftNode.IsLeaderAlive() {
		return false
	}

	lane := LaneFor(key, f.parallel)
	conn := f.pool.Get(f.raftNode.LeaderID(), lane)
	if conn == nil || conn.State() != ConnConnected {
		log.Warn("no forward connection available for current leader")
		return false
	}

	fwReq := &ForwardRequest{
		Kind:           kind,
		OriginServerID: f.raftNode.MyID(),
		OriginLane:     lane,
		SendTime:       time.Now(),
		InternalID:     internalID,
		TimeoutMs:      timeoutMs,
	}
	if kind == ForwardUpdateSession {
		fwReq.SessionID = key
	}

	f.laneQueues[lane].Push(fwReq)
	if err := conn.Send(fwReq); err != nil {
		log.Errorf("error forwarding session request", err)
		f.laneQueues[lane].FindAndRemove(func(r *ForwardRequest) bool { return r == fwReq })
		return false
	}
	return true
}

func (f *RequestForwarder) sendSessionSync(lane Lane) {
	conn := f.pool.Get(f.raftNode.LeaderID(), lane)
	if conn == nil {
		log.Warn("no forward connection available for session sync")
		return
	}

	sessionToExpiration := f.sessions.SessionToExpirationTime()
	if f.filterLocalSession != nil {
		for sid := range sessionToExpiration {
			if !f.filterLocalSession(sid) {
				delete(sessionToExpiration, sid)
			}
		}
	}
	if len(sessionToExpiration) == 0 {
		return
	}

	fwReq := &ForwardRequest{
		Kind:           ForwardSyncSessions,
		OriginServerID: f.raftNode.MyID(),
		OriginLane:     lane,
		SendTime:       time.Now(),
		SyncToken:      syncToken(),
		SyncEntries:    sessionToExpiration,
	}

	f.laneQueues[lane].Push(fwReq)
	if err := conn.Send(fwReq); err != nil {
		log.Errorf("error forwarding session sync", err)
		f.laneQueues[lane].FindAndRemove(func(r *ForwardRequest) bool { return r == fwReq })
	}
}

// runReceive is the per-lane receive loop: watch for the earliest
// in-flight request timing out, and otherwise wait for the leader's next
// response frame.
func (f *RequestForwarder) runReceive(lane Lane) {
	defer f.wg.Done()

	for {
		select {
		case <-f.shutdownCh:
			return
		default:
		}

		maxWait := f.sessionSyncPeriod

		if earliest, ok := f.laneQueues[lane].Peek(); ok {
			deadline := earliest.SendTime.Add(f.operationTimeout)
			if time.Now().After(deadline) {
				f.processTimeoutRequest(lane)
				if e2, ok := f.laneQueues[lane].Peek(); ok {
					deadline = e2.SendTime.Add(f.operationTimeout)
				}
			}
			if wait := time.Until(deadline); wait < maxWait {
				maxWait = wait
			}
		}

		if f.raftNode.IsLeader() || !f.raftNode.IsLeaderAlive() {
			time.Sleep(f.sessionSyncPeriod)
			continue
		}

		leaderID := f.raftNode.LeaderID()
		if leaderID == f.raftNode.MyID() || leaderID == -1 {
			log.Info("became leader or lost the leader mid-receive, retrying shortly")
			time.Sleep(f.sessionSyncPeriod)
			continue
		}

		conn := f.pool.Get(leaderID, lane)
		if conn == nil || conn.State() != ConnConnected {
			time.Sleep(f.sessionSyncPeriod)
			continue
		}

		if maxWait <= 0 {
			maxWait = time.Millisecond
		}
		resp, err := conn.ReceiveResponse(maxWait)
		if err != nil {
			continue
		}
		f.processResponse(lane, resp)
	}
}

// processTimeoutRequest drops every request at the front of lane's queue
// whose deadline has passed, synthesizing a TIMEOUT response for each.
func (f *RequestForwarder) processTimeoutRequest(lane Lane) {
	now := time.Now()
	f.laneQueues[lane].RemoveFrontIf(func(req *ForwardRequest) bool {
		if now.Before(req.SendTime.Add(f.operationTimeout)) {
			return false
		}
		log.Warn("forward request timed out")
		f.deliverTerminal(req, RaftCodeTimeout)
		return true
	})
}

func (f *RequestForwarder) processResponse(lane Lane, resp *ForwardResponse) {
	metrics.ForwardRequestsTotal.WithLabelValues(strconv.Itoa(int(lane)), "received").Inc()

	req, found := f.laneQueues[lane].FindAndRemove(func(r *ForwardRequest) bool {
		return r.Kind == resp.Kind && resp.match(r)
	})
	if !found {
		log.Warn("no matching forward request for response")
		return
	}

	if resp.Accepted {
		return
	}

	log.Warn("received failed forward response")
	f.deliverTerminal(req, resp.RaftCode)
}

// deliverTerminal resolves req's originator with code, for timeouts and
// leader rejections alike. SyncSessions requests have no per-client
// callback to resolve.
func (f *RequestForwarder) deliverTerminal(req *ForwardRequest, code RaftCode) {
	switch req.Kind {
	case ForwardUserOp:
		f.processor.OnError(false, code, req.SessionID, req.Xid, req.OpNum)
	case ForwardNewSession:
		f.processor.OnError(false, code, req.InternalID, 0, 0)
	case ForwardUpdateSession:
		f.processor.OnError(false, code, req.SessionID, 0, 0)
	}
}

// Shutdown signals the send/receive goroutines to stop and waits for them
// to exit, then drains every lane's in-flight forward queue (synthesizing a
// FAILED response for each) and the raw requests queue (synthesizing
// CANCELLED).
func (f *RequestForwarder) Shutdown() {
	close(f.shutdownCh)
	f.wg.Wait()

	for _, q := range f.laneQueues {
		q.ForEach(func(req *ForwardRequest) {
			f.deliverTerminal(req, RaftCodeFailed)
		})
	}

	for {
		req, ok := f.requestsQueue.TryPopAny()
		if !ok {
			break
		}
		f.processor.OnError(false, RaftCodeCancelled, req.SessionID, req.Xid, req.OpNum)
	}
}

func syncToken() string {
	return time.Now().Format(time.RFC3339Nano)
}
