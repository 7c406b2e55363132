package keeper

// SessionManager is the state-machine view of sessions consumed by the
// Dispatcher and RequestForwarder: the session registry, its expiration
// times, and follower->leader ingestion of synced sessions. *FSM satisfies
// this; tests use a fake.
type SessionManager interface {
	SessionToExpirationTime() map[int64]int64
	HandleRemoteSession(sessionID, expirationTime int64)
	GetDeadSessions(now int64) []int64
	SessionCount() int
}

var _ SessionManager = (*FSM)(nil)
