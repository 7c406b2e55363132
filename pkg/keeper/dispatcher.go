package keeper

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvkeeper/keeper/pkg/log"
	"github.com/kvkeeper/keeper/pkg/metrics"
)

// Dispatcher is the façade every transport-facing component (the client
// protocol handler, the inter-node forward listener) talks to: it admits
// requests, routes them to either the accumulator (leader, local) or the
// forwarder (follower), and delivers responses back through registered
// callbacks exactly once per request.
type Dispatcher struct {
	parallel int

	requestsQueue *RequestsQueue
	accumulator   *RequestAccumulator
	forwarder     *RequestForwarder
	processor     *RequestProcessor
	raftNode      RaftNode
	sessions      SessionManager
	pool          *ForwardConnectionPool

	deadSessionCheckPeriod time.Duration
	reconnectInterval      time.Duration
	responseWorkers        int

	state atomic.Int32

	newSessionInternalIDCounter atomic.Int64

	configUpdateCh chan map[int32]ClusterPeer

	shutdownCh  chan struct{}
	wg          sync.WaitGroup
	responsesWg sync.WaitGroup
}

// DispatcherConfig collects the knobs needed to assemble a Dispatcher;
// pkg/config decodes these from the on-disk settings file.
type DispatcherConfig struct {
	Parallel               int
	QueueCapacity          int
	SessionSyncPeriod      time.Duration
	OperationTimeout       time.Duration
	ApplyTimeout           time.Duration
	MaxBatchSize           int
	DeadSessionCheckPeriod time.Duration
	MinSessionTimeoutMs    int64
	MaxSessionTimeoutMs    int64
	ReconnectInterval      time.Duration
	ResponseWorkers        int
}

// NewDispatcher wires the full request-processing chain: requestsQueue ->
// (accumulator | forwarder) -> processor -> registered callback. fsm is
// shared with the raft.Raft instance that owns it; the caller is
// responsible for constructing raft.Raft with fsm and wrapping it with
// NewRaftNode before calling this.
func NewDispatcher(cfg DispatcherConfig, raftNode RaftNode, fsm *FSM, pool *ForwardConnectionPool) *Dispatcher {
	processor := NewRequestProcessor()
	fsm.SetApplyCallback(processor.OnCommit)

	accumulator := NewRequestAccumulator(raftNode, processor, cfg.MaxBatchSize, cfg.ApplyTimeout)

	d := &Dispatcher{
		parallel:               cfg.Parallel,
		requestsQueue:          NewRequestsQueue(cfg.Parallel, cfg.QueueCapacity),
		accumulator:            accumulator,
		processor:              processor,
		raftNode:               raftNode,
		sessions:               fsm,
		pool:                   pool,
		deadSessionCheckPeriod: cfg.DeadSessionCheckPeriod,
		reconnectInterval:      cfg.ReconnectInterval,
		responseWorkers:        cfg.ResponseWorkers,
		configUpdateCh:         make(chan map[int32]ClusterPeer, 16),
		shutdownCh:             make(chan struct{}),
	}

	d.forwarder = NewRequestForwarder(
		cfg.Parallel,
		cfg.QueueCapacity,
		cfg.SessionSyncPeriod,
		cfg.OperationTimeout,
		raftNode,
		fsm,
		pool,
		processor,
		d.IsLocalSession,
	)

	return d
}

// Start launches the dispatcher's request/response worker pools, the dead
// session cleaner, the config-update thread, the forward-connection redial
// loop, and the accumulator and forwarder's own goroutines.
func (d *Dispatcher) Start() {
	d.state.Store(int32(StateRunning))

	d.accumulator.Start()
	d.forwarder.Start()
	d.pool.Start(d.shutdownCh, d.reconnectInterval)

	for lane := 0; lane < d.parallel; lane++ {
		d.wg.Add(1)
		go d.requestThread(Lane(lane))
	}

	responseWorkers := d.responseWorkers
	if responseWorkers <= 0 {
		responseWorkers = 1
	}
	for i := 0; i < responseWorkers; i++ {
		d.responsesWg.Add(1)
		go d.responseThread()
	}

	d.wg.Add(1)
	go d.deadSessionCleanThread()

	d.wg.Add(1)
	go d.updateConfigurationThread()
}

// Shutdown stops admission, drains the forwarder and accumulator, and waits
// for every dispatcher goroutine to exit.
func (d *Dispatcher) Shutdown() {
	d.state.Store(int32(StateShuttingDown))
	close(d.shutdownCh)
	d.wg.Wait()

	d.forwarder.Shutdown()
	d.accumulator.Stop()
	d.processor.DrainWithCode(RaftCodeCancelled)

	// Close only after the callback registry is fully drained above: once
	// it's empty, OnCommit/OnError can no longer push anything new, so
	// closing here can't race a producer against a closed channel. Workers
	// still deliver whatever forwarder.Shutdown/accumulator.Stop queued
	// before the drain ran.
	d.processor.Responses().Close()
	d.responsesWg.Wait()

	d.pool.CloseAll()

	d.state.Store(int32(StateStopped))
}

// responseThread is one of the response worker pool's goroutines: it
// delivers resolved responses so the Raft FSM-apply goroutine that resolved
// them (RequestProcessor.OnCommit) never blocks on a callback itself.
func (d *Dispatcher) responseThread() {
	defer d.responsesWg.Done()
	d.processor.Responses().Run()
}

// PushRequest admits a client request bound to an already-established
// session. cb is invoked exactly once, whether the outcome is a commit, a
// forward failure, or a shutdown. Returns false if the request was
// rejected at admission (dispatcher not running, or lane queue full) — in
// that case cb is never invoked and the caller must respond to the client
// itself.
func (d *Dispatcher) PushRequest(req ClientRequest, cb UserResponseCallBack) bool {
	laneLabel := strconv.Itoa(int(LaneFor(req.SessionID, d.parallel)))

	if DispatcherState(d.state.Load()) != StateRunning {
		metrics.QueueRejectedTotal.WithLabelValues(laneLabel, "shutdown").Inc()
		return false
	}

	d.processor.RegisterCallBack(req.SessionID, req.Xid, cb)
	if !d.requestsQueue.Push(req) {
		d.processor.UnregisterCallBack(req.SessionID, req.Xid)
		metrics.QueueRejectedTotal.WithLabelValues(laneLabel, "queue_full").Inc()
		return false
	}
	metrics.QueueEnqueuedTotal.WithLabelValues(laneLabel).Inc()
	return true
}

// PushSessionRequest admits a new-session or update-session request,
// bypassing the lane queue (session churn is rare relative to user
// requests and always forces an accumulator flush boundary regardless).
// Routed exactly like PushRequest: applied directly through the
// accumulator when this node is leader, forwarded to the leader otherwise.
func (d *Dispatcher) PushSessionRequest(isNew bool, sessionID, internalID, timeoutMs int64, ownerNodeID int32, cb UserResponseCallBack) {
	key := sessionID
	if isNew {
		key = internalID
	}
	d.processor.RegisterCallBack(key, 0, cb)

	if d.raftNode.IsLeader() {
		var ok bool
		if isNew {
			ok = d.accumulator.PushNewSession(internalID, timeoutMs, ownerNodeID)
		} else {
			ok = d.accumulator.PushUpdateSession(sessionID, timeoutMs, ownerNodeID)
		}
		if !ok {
			d.processor.OnError(false, RaftCodeFailed, key, 0, 0)
		}
		return
	}

	kind := ForwardUpdateSession
	if isNew {
		kind = ForwardNewSession
	}
	if !d.forwarder.PushSessionOp(kind, key, internalID, timeoutMs) {
		d.processor.OnError(false, RaftCodeFailed, key, 0, 0)
	}
}

// PushForwardRequest is called by the leader's inbound forward-connection
// handler when it receives a frame from a follower. cb is invoked exactly
// once with the outcome, letting the handler reply to the follower with the
// request's real result rather than a blind acknowledgement; sync-sessions
// frames have no single-client outcome to report and never invoke cb.
func (d *Dispatcher) PushForwardRequest(originServerID int32, originLane Lane, req *ForwardRequest, cb UserResponseCallBack) {
	switch req.Kind {
	case ForwardUserOp:
		d.processor.RegisterCallBack(req.SessionID, req.Xid, cb)
		if !d.accumulator.PushUserRequest(ClientRequest{
			SessionID: req.SessionID,
			Xid:       req.Xid,
			OpNum:     req.OpNum,
			Payload:   req.Payload,
		}) {
			d.processor.OnError(false, RaftCodeFailed, req.SessionID, req.Xid, req.OpNum)
		}
	case ForwardNewSession:
		d.processor.RegisterCallBack(req.InternalID, 0, cb)
		if !d.accumulator.PushNewSession(req.InternalID, req.TimeoutMs, originServerID) {
			d.processor.OnError(false, RaftCodeFailed, req.InternalID, 0, 0)
		}
	case ForwardUpdateSession:
		d.processor.RegisterCallBack(req.SessionID, 0, cb)
		if !d.accumulator.PushUpdateSession(req.SessionID, req.TimeoutMs, originServerID) {
			d.processor.OnError(false, RaftCodeFailed, req.SessionID, 0, 0)
		}
	case ForwardSyncSessions:
		d.accumulator.PushSyncSessions(req.SyncEntries)
	}
}

// IsLocalSession reports whether sessionID is present in the session
// table. Which node created the session is not checked: any session the
// table knows about counts.
func (d *Dispatcher) IsLocalSession(sessionID int64) bool {
	_, ok := d.sessions.SessionToExpirationTime()[sessionID]
	return ok
}

// FilterLocalSessions removes, in place, every entry of sessionToExpiration
// whose session is not in the session table. Ownership is not checked: a
// session created on another node and present in the table is kept. Mirrors keeper_dispatcher->filterLocalSessions in the forwarder's
// send loop.
func (d *Dispatcher) FilterLocalSessions(sessionToExpiration map[int64]int64) {
	known := d.sessions.SessionToExpirationTime()
	for sid := range sessionToExpiration {
		if _, ok := known[sid]; !ok {
			delete(sessionToExpiration, sid)
		}
	}
}

// NextInternalSessionID returns a fresh internal id for a NewSession
// request. The counter steps by cluster size and the result is offset by
// this node's raft ID, so nodes whose IDs differ modulo the cluster size
// never hand out the same id.
func (d *Dispatcher) NextInternalSessionID() int64 {
	stride := int64(d.raftNode.ClusterNodeCount())
	if stride <= 0 {
		stride = 1
	}
	return d.newSessionInternalIDCounter.Add(stride) + int64(d.raftNode.MyID())
}

// UpdateConfiguration enqueues a cluster configuration change to be
// applied asynchronously; the update is dropped if the queue is full.
func (d *Dispatcher) UpdateConfiguration(peers map[int32]ClusterPeer) {
	select {
	case d.configUpdateCh <- peers:
	default:
		log.Warn("configuration update queue full, dropping update")
	}
}

// requestThread pops admitted requests off one lane and routes each to the
// accumulator (if this node is currently leader) or the forwarder.
func (d *Dispatcher) requestThread(lane Lane) {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdownCh:
			return
		default:
		}

		req, ok := d.requestsQueue.TryPop(lane, 200*time.Millisecond)
		if !ok {
			continue
		}

		if d.raftNode.IsLeader() {
			if !d.accumulator.PushUserRequest(req) {
				d.processor.OnError(false, RaftCodeFailed, req.SessionID, req.Xid, req.OpNum)
			}
		} else if !d.forwarder.Push(req) {
			d.processor.OnError(false, RaftCodeFailed, req.SessionID, req.Xid, req.OpNum)
		}
	}
}

// deadSessionCleanThread periodically scans the session table and retires
// expired sessions through the ordinary close-session apply path.
func (d *Dispatcher) deadSessionCleanThread() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.deadSessionCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdownCh:
			return
		case <-ticker.C:
			if !d.raftNode.IsLeader() {
				continue
			}
			now := time.Now().UnixMilli()
			for _, sid := range d.sessions.GetDeadSessions(now) {
				d.accumulator.PushCloseSession(sid)
				metrics.SessionExpirationsTotal.Inc()
			}
		}
	}
}

// updateConfigurationThread applies queued cluster configuration changes to
// the forward connection pool, one at a time, in arrival order.
func (d *Dispatcher) updateConfigurationThread() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdownCh:
			return
		case peers := <-d.configUpdateCh:
			d.pool.ApplyDiff(peers)
		}
	}
}

// The methods below satisfy metrics.StatsSource.

func (d *Dispatcher) IsLeader() bool {
	return d.raftNode.IsLeader()
}

func (d *Dispatcher) RaftStats() (logIndex uint64, appliedIndex uint64, peers int) {
	logIndex, appliedIndex = d.raftNode.Stats()
	peers = d.raftNode.ClusterNodeCount()
	return
}

func (d *Dispatcher) LaneStats() []metrics.LaneStats {
	stats := make([]metrics.LaneStats, d.parallel)
	for lane := 0; lane < d.parallel; lane++ {
		stats[lane] = metrics.LaneStats{
			Lane:            lane,
			QueueDepth:      d.requestsQueue.Depth(Lane(lane)),
			ForwardInFlight: d.forwarder.InFlight(Lane(lane)),
		}
	}
	return stats
}

func (d *Dispatcher) SessionCount() int {
	return d.sessions.SessionCount()
}

func (d *Dispatcher) ConnectedPeers() int {
	return d.pool.ConnectedCount()
}

func (d *Dispatcher) ResponseQueueDepth() int {
	return d.processor.Responses().Len()
}

var _ metrics.StatsSource = (*Dispatcher)(nil)
