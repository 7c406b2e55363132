package keeper

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// FSM implements raft.FSM for the keeper core. It owns the session table
// (session_id -> Session) that is the source of truth referenced
// throughout this package as "the state machine" — the znode data tree
// itself is a separate collaborator this core does not model.
type FSM struct {
	mu sync.RWMutex

	sessions     map[int64]*Session
	minTimeoutMs int64
	maxTimeoutMs int64

	// onApply, if set, is invoked synchronously after every applied user
	// request (with err set when it failed, e.g. for an unknown session) and
	// after every new-session and update-session entry, letting
	// RequestProcessor turn a commit into a response event without the FSM
	// knowing about queues or callbacks.
	onApply func(sessionID int64, xid int32, opNum int32, payload []byte, err error)
}

// NewFSM creates an FSM whose SessionManager clamps requested session
// timeouts to [minTimeoutMs, maxTimeoutMs], restoring the bound that
// original_source/src/Service/Settings.h carries as
// min_session_timeout_ms/max_session_timeout_ms but the distilled spec
// dropped.
func NewFSM(minTimeoutMs, maxTimeoutMs int64) *FSM {
	return &FSM{
		sessions:     make(map[int64]*Session),
		minTimeoutMs: minTimeoutMs,
		maxTimeoutMs: maxTimeoutMs,
	}
}

// SetApplyCallback wires the RequestProcessor hook. Must be called before
// Apply is ever invoked by raft.
func (f *FSM) SetApplyCallback(fn func(sessionID int64, xid int32, opNum int32, payload []byte, err error)) {
	f.onApply = fn
}

func (f *FSM) clampTimeout(ms int64) int64 {
	if f.minTimeoutMs > 0 && ms < f.minTimeoutMs {
		return f.minTimeoutMs
	}
	if f.maxTimeoutMs > 0 && ms > f.maxTimeoutMs {
		return f.maxTimeoutMs
	}
	return ms
}

// Apply applies one committed Raft log entry. Called by the raft library
// on every node, in log order, for every committed entry.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := decodeMsgPack(log.Data, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}

	switch cmd.Op {
	case OpUserRequest:
		return f.applyUserRequest(cmd.Data)
	case OpNewSession:
		return f.applyNewSession(cmd.Data)
	case OpUpdateSession:
		return f.applyUpdateSession(cmd.Data)
	case OpCloseSession:
		return f.applyCloseSession(cmd.Data)
	case OpSyncSessions:
		return f.applySyncSessions(cmd.Data)
	default:
		return fmt.Errorf("unknown command op: %s", cmd.Op)
	}
}

func (f *FSM) applyUserRequest(data []byte) error {
	var c UserRequestCommand
	if err := decodeMsgPack(data, &c); err != nil {
		return err
	}

	f.mu.Lock()
	sess, ok := f.sessions[c.SessionID]
	if ok {
		sess.ExpirationTime = time.Now().UnixMilli() + sess.TimeoutMs
	}
	f.mu.Unlock()

	var err error
	if !ok {
		err = fmt.Errorf("user request for unknown session %d", c.SessionID)
	}
	if f.onApply != nil {
		f.onApply(c.SessionID, c.Xid, c.OpNum, c.Payload, err)
	}
	return err
}

func (f *FSM) applyNewSession(data []byte) error {
	var c NewSessionCommand
	if err := decodeMsgPack(data, &c); err != nil {
		return err
	}

	timeout := f.clampTimeout(c.TimeoutMs)
	sess := &Session{
		SessionID:      c.InternalID,
		ExpirationTime: time.Now().UnixMilli() + timeout,
		TimeoutMs:      timeout,
		OwnerNodeID:    c.OwnerNodeID,
	}

	f.mu.Lock()
	f.sessions[sess.SessionID] = sess
	f.mu.Unlock()

	if f.onApply != nil {
		f.onApply(sess.SessionID, 0, 0, nil, nil)
	}
	return nil
}

func (f *FSM) applyUpdateSession(data []byte) error {
	var c UpdateSessionCommand
	if err := decodeMsgPack(data, &c); err != nil {
		return err
	}

	timeout := f.clampTimeout(c.TimeoutMs)

	f.mu.Lock()
	sess, ok := f.sessions[c.SessionID]
	if !ok {
		sess = &Session{SessionID: c.SessionID}
		f.sessions[c.SessionID] = sess
	}
	sess.ExpirationTime = time.Now().UnixMilli() + timeout
	sess.TimeoutMs = timeout
	sess.OwnerNodeID = c.OwnerNodeID
	f.mu.Unlock()

	if f.onApply != nil {
		f.onApply(c.SessionID, 0, 0, nil, nil)
	}
	return nil
}

func (f *FSM) applyCloseSession(data []byte) error {
	var c CloseSessionCommand
	if err := decodeMsgPack(data, &c); err != nil {
		return err
	}

	f.mu.Lock()
	delete(f.sessions, c.SessionID)
	f.mu.Unlock()
	return nil
}

func (f *FSM) applySyncSessions(data []byte) error {
	var c SyncSessionsCommand
	if err := decodeMsgPack(data, &c); err != nil {
		return err
	}

	f.mu.Lock()
	for sid, exp := range c.Entries {
		sess, ok := f.sessions[sid]
		if !ok {
			sess = &Session{SessionID: sid}
			f.sessions[sid] = sess
		}
		if exp > sess.ExpirationTime {
			sess.ExpirationTime = exp
		}
	}
	f.mu.Unlock()
	return nil
}

// SessionToExpirationTime returns a snapshot of every session and its
// expiration time, the input to the follower's session-sync frame and the
// dead-session cleaner's scan.
func (f *FSM) SessionToExpirationTime() map[int64]int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[int64]int64, len(f.sessions))
	for sid, sess := range f.sessions {
		out[sid] = sess.ExpirationTime
	}
	return out
}

// HandleRemoteSession ingests one (session_id, expiration_time) pair from
// a follower's sync-sessions frame, on the leader. It never regresses an
// expiration time the leader already holds.
func (f *FSM) HandleRemoteSession(sessionID, expirationTime int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sess, ok := f.sessions[sessionID]
	if !ok {
		f.sessions[sessionID] = &Session{SessionID: sessionID, ExpirationTime: expirationTime}
		return
	}
	if expirationTime > sess.ExpirationTime {
		sess.ExpirationTime = expirationTime
	}
}

// GetDeadSessions returns every session whose expiration time is before
// now, for the dead-session cleaner.
func (f *FSM) GetDeadSessions(now int64) []int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var dead []int64
	for sid, sess := range f.sessions {
		if sess.ExpirationTime < now {
			dead = append(dead, sid)
		}
	}
	return dead
}

// SessionCount reports the number of sessions in the table, for metrics.
func (f *FSM) SessionCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sessions)
}

// Snapshot captures the session table for Raft log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	sessions := make(map[int64]*Session, len(f.sessions))
	for sid, sess := range f.sessions {
		cp := *sess
		sessions[sid] = &cp
	}
	return &fsmSnapshot{sessions: sessions}, nil
}

// Restore replaces the session table from a previously persisted snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var sessions map[int64]*Session
	if err := decodeMsgPack(data, &sessions); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.sessions = sessions
	f.mu.Unlock()
	return nil
}

type fsmSnapshot struct {
	sessions map[int64]*Session
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := encodeMsgPack(s.sessions)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
