package keeper

import (
	"sync"
)

// callbackKey identifies one in-flight (session, xid) pair awaiting a
// response. xid is scoped to a session, so the pair is the correlation key
// for both the user-facing callback registry and the forwarder's matching
// logic upstream of this processor.
type callbackKey struct {
	sessionID int64
	xid       int32
}

// UserResponseCallBack is invoked exactly once per (session, xid) admitted
// through the Dispatcher, whether the outcome is success or failure.
type UserResponseCallBack func(resp ClientResponse)

// RequestProcessor is the single point through which every code path that
// can terminate a client request — commit-time FSM.Apply success, Raft
// apply failure, forward timeout, forward connection loss, leadership
// change mid-forward, shutdown — funnels into exactly one callback
// invocation. It is the enforcement point for the exactly-one-response
// invariant: resolving a key takes its callback out of the registry, so a
// second resolution of the same key is a no-op.
type RequestProcessor struct {
	mu        sync.Mutex
	callbacks map[callbackKey]UserResponseCallBack
	responses *ResponsesQueue
}

// NewRequestProcessor creates an empty processor with its own response
// delivery queue. Call Responses().Run() from a worker pool (Dispatcher
// does this in Start) to actually deliver what OnCommit/OnError resolve.
func NewRequestProcessor() *RequestProcessor {
	return &RequestProcessor{
		callbacks: make(map[callbackKey]UserResponseCallBack),
		responses: NewResponsesQueue(defaultResponseQueueCapacity),
	}
}

// Responses returns the queue OnCommit and OnError enqueue resolved
// responses into.
func (p *RequestProcessor) Responses() *ResponsesQueue {
	return p.responses
}

// RegisterCallBack records the callback for (sessionID, xid). Called by the
// Dispatcher at admission time, before the request reaches the accumulator
// or forwarder, so that a reply arriving before registration can never
// happen.
func (p *RequestProcessor) RegisterCallBack(sessionID int64, xid int32, cb UserResponseCallBack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks[callbackKey{sessionID, xid}] = cb
}

// UnregisterCallBack removes a pending callback without invoking it, used
// when the Dispatcher rejects a request at admission after registering its
// callback and reports the failure to the caller directly.
func (p *RequestProcessor) UnregisterCallBack(sessionID int64, xid int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.callbacks, callbackKey{sessionID, xid})
}

func (p *RequestProcessor) takeCallBack(sessionID int64, xid int32) (UserResponseCallBack, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := callbackKey{sessionID, xid}
	cb, ok := p.callbacks[key]
	if ok {
		delete(p.callbacks, key)
	}
	return cb, ok
}

// OnCommit is wired as FSM.onApply: invoked synchronously on every node
// after a user-request, new-session or update-session log entry is
// applied, from inside raft's single
// serialized FSM-apply goroutine. Only the node that registered the
// callback for this key actually has one; on every other node (and on a
// node that already resolved the key, e.g. via a timeout) this is a
// harmless no-op. The resolved response is handed to the response queue
// rather than invoked directly: cb may block on client I/O, and that must
// never stall the apply goroutine every other session's commit depends on.
func (p *RequestProcessor) OnCommit(sessionID int64, xid int32, opNum int32, payload []byte, applyErr error) {
	cb, ok := p.takeCallBack(sessionID, xid)
	if !ok {
		return
	}

	resp := ClientResponse{SessionID: sessionID, Xid: xid, OpNum: opNum, Payload: payload}
	if applyErr != nil {
		resp.Code = RaftCodeFailed
		resp.Err = applyErr
	} else {
		resp.Code = RaftCodeOK
	}
	p.responses.Push(cb, resp)
}

// OnError resolves (sessionID, xid) with a terminal failure code, without
// waiting for (or requiring) a matching commit. fromLeader distinguishes a
// leader-originated rejection (forwarded request refused) from a locally
// detected failure (queue full, apply error, forward timeout); both share
// this path since the caller-visible outcome is identical.
func (p *RequestProcessor) OnError(fromLeader bool, code RaftCode, sessionID int64, xid int32, opNum int32) {
	cb, ok := p.takeCallBack(sessionID, xid)
	if !ok {
		return
	}

	resp := ClientResponse{
		SessionID: sessionID,
		Xid:       xid,
		OpNum:     opNum,
		Code:      code,
	}
	switch code {
	case RaftCodeTimeout:
		resp.Err = ErrTimeout
	case RaftCodeCancelled:
		resp.Err = ErrShutdown
	default:
		resp.Err = ErrRaftRejected
	}
	p.responses.Push(cb, resp)
}

// PendingCount reports the number of callbacks awaiting resolution, for
// metrics and graceful-shutdown draining.
func (p *RequestProcessor) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.callbacks)
}

// DrainWithCode resolves every still-pending callback with code, used on
// shutdown so no registered callback is ever silently dropped. Invokes each
// callback directly rather than through the response queue, since this
// always runs as the last step before the queue itself is closed — pushing
// here instead would just have the queue forward the call right back.
func (p *RequestProcessor) DrainWithCode(code RaftCode) {
	p.mu.Lock()
	pending := p.callbacks
	p.callbacks = make(map[callbackKey]UserResponseCallBack)
	p.mu.Unlock()

	for key, cb := range pending {
		cb(ClientResponse{SessionID: key.sessionID, Xid: key.xid, Code: code, Err: ErrShutdown})
	}
}
