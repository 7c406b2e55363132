package keeper

import (
	"strconv"
	"time"
)

// Lane is a runner slot in [0, parallel). A session is pinned to
// hash(session_id) mod parallel for its entire lifetime.
type Lane int

// Session is the authoritative record of a client session, owned by the
// Raft state machine (FSM), not by any one node's network layer.
type Session struct {
	SessionID      int64
	ExpirationTime int64 // unix millis
	TimeoutMs      int64 // clamped negotiated timeout, reused on every extension
	OwnerNodeID    int32
	IsLocal        bool
}

// ClientRequest is a single client operation bound to a session, queued in
// submission order. Named RequestForSession in the source this is modeled
// on; Go naming drops the "For" qualifier since the session binding is
// already the SessionID field.
type ClientRequest struct {
	SessionID  int64
	Xid        int32
	OpNum      int32
	Payload    []byte
	ReceivedAt time.Time
}

// ClientResponse is what RequestProcessor hands back to a registered
// callback: either a successful payload or a terminal error/code, never
// both, and never neither.
type ClientResponse struct {
	SessionID int64
	Xid       int32
	OpNum     int32
	Payload   []byte
	Code      RaftCode
	Err       error
}

// ForwardKind is the closed set of forward-frame kinds. Heartbeat (5) is
// reserved by the wire format but never emitted by any component here —
// see DESIGN.md for why it stays unused rather than removed.
type ForwardKind uint8

const (
	ForwardUserOp ForwardKind = iota + 1
	ForwardNewSession
	ForwardUpdateSession
	ForwardSyncSessions
	ForwardHeartbeat
)

func (k ForwardKind) String() string {
	switch k {
	case ForwardUserOp:
		return "user_op"
	case ForwardNewSession:
		return "new_session"
	case ForwardUpdateSession:
		return "update_session"
	case ForwardSyncSessions:
		return "sync_sessions"
	case ForwardHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// ForwardRequest is a request shipped from a follower to the leader over a
// forward connection. The per-kind field groups below are meaningful
// according to Kind; ForwardUpdateSession also uses SessionID.
type ForwardRequest struct {
	Kind           ForwardKind
	OriginServerID int32
	OriginLane     Lane
	SendTime       time.Time

	// ForwardUserOp
	SessionID int64
	Xid       int32
	OpNum     int32
	Payload   []byte

	// ForwardNewSession / ForwardUpdateSession
	InternalID int64
	TimeoutMs  int64

	// ForwardSyncSessions
	SyncToken   string
	SyncEntries map[int64]int64 // session_id -> expiration_time
}

// key returns the correlation key this request will be matched against in
// a ForwardResponse, per Kind: (session_id, xid) for user ops, internal_id
// for session ops, a sender-side token for sync-sessions.
func (r *ForwardRequest) key() interface{} {
	switch r.Kind {
	case ForwardUserOp:
		return [2]int64{r.SessionID, int64(r.Xid)}
	case ForwardNewSession:
		return r.InternalID
	case ForwardUpdateSession:
		return r.SessionID
	case ForwardSyncSessions:
		return r.SyncToken
	default:
		return nil
	}
}

// ForwardResponse is the leader's reply to a ForwardRequest: whether it was
// accepted into the Raft log, and on failure, the terminal RaftCode.
type ForwardResponse struct {
	Kind     ForwardKind
	Accepted bool
	RaftCode RaftCode

	SessionID  int64
	Xid        int32
	InternalID int64
	SyncToken  string
}

// match implements the correlation rule from the data model: by
// (session_id, xid) for user ops, by internal_id for new-session, by
// session_id for update-session, by token for sync-sessions.
func (resp *ForwardResponse) match(req *ForwardRequest) bool {
	if resp.Kind != req.Kind {
		return false
	}
	switch resp.Kind {
	case ForwardUserOp:
		return resp.SessionID == req.SessionID && resp.Xid == req.Xid
	case ForwardNewSession:
		return resp.InternalID == req.InternalID
	case ForwardUpdateSession:
		return resp.SessionID == req.SessionID
	case ForwardSyncSessions:
		return resp.SyncToken == req.SyncToken
	default:
		return false
	}
}

// Command is the Raft log payload, msgpack-encoded end to end with the
// forward wire frames, unlike the teacher's JSON-encoded manager.Command.
type Command struct {
	Op   string
	Data []byte
}

// Command ops applied by FSM.Apply.
const (
	OpUserRequest   = "user_request"
	OpNewSession    = "new_session"
	OpUpdateSession = "update_session"
	OpCloseSession  = "close_session"
	OpSyncSessions  = "sync_sessions"
)

// UserRequestCommand is the Data payload for OpUserRequest.
type UserRequestCommand struct {
	SessionID int64
	Xid       int32
	OpNum     int32
	Payload   []byte
}

// NewSessionCommand is the Data payload for OpNewSession.
type NewSessionCommand struct {
	InternalID  int64
	TimeoutMs   int64
	OwnerNodeID int32
}

// UpdateSessionCommand is the Data payload for OpUpdateSession.
type UpdateSessionCommand struct {
	SessionID   int64
	TimeoutMs   int64
	OwnerNodeID int32
}

// CloseSessionCommand is the Data payload for OpCloseSession.
type CloseSessionCommand struct {
	SessionID int64
}

// SyncSessionsCommand is the Data payload for OpSyncSessions, applied by the
// leader when it receives a ForwardSyncSessions frame from a follower.
type SyncSessionsCommand struct {
	Entries map[int64]int64
}

// ConnState is the forward connection lifecycle:
// DISCONNECTED -> CONNECTING -> CONNECTED -> DISCONNECTED.
type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

// DispatcherState is the Dispatcher lifecycle. Admission is rejected in any
// state other than StateRunning.
type DispatcherState int32

const (
	StateInit DispatcherState = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

// ClusterPeer is one non-self entry of the cluster config snapshot.
type ClusterPeer struct {
	ID      int32
	Host    string
	Port    int
	Learner bool
}

// Endpoint returns the host:port forward address for this peer.
func (p ClusterPeer) Endpoint() string {
	return p.Host + ":" + strconv.Itoa(p.Port)
}
