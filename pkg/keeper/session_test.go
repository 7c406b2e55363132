package keeper

import "sync"

// fakeSessionManager is a minimal SessionManager double for forwarder and
// dispatcher tests that don't need a full FSM.
type fakeSessionManager struct {
	mu      sync.Mutex
	entries map[int64]int64
}

func newFakeSessionManager() *fakeSessionManager {
	return &fakeSessionManager{entries: make(map[int64]int64)}
}

func (f *fakeSessionManager) SessionToExpirationTime() map[int64]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]int64, len(f.entries))
	for k, v := range f.entries {
		out[k] = v
	}
	return out
}

func (f *fakeSessionManager) HandleRemoteSession(sessionID, expirationTime int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.entries[sessionID]; !ok || expirationTime > cur {
		f.entries[sessionID] = expirationTime
	}
}

func (f *fakeSessionManager) GetDeadSessions(now int64) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var dead []int64
	for sid, exp := range f.entries {
		if exp < now {
			dead = append(dead, sid)
		}
	}
	return dead
}

func (f *fakeSessionManager) SessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

var _ SessionManager = (*fakeSessionManager)(nil)
