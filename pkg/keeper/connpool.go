package keeper

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kvkeeper/keeper/pkg/log"
)

// Dialer opens one forward connection to a peer. Satisfied by net.Dialer
// directly for plain TCP, or by a small adapter wrapping
// pkg/security.LoadClientConfig for mTLS.
type Dialer interface {
	Dial(network, address string) (net.Conn, error)
}

// TLSDialer wraps a net.Dialer with a tls.Config, used when the cluster
// config requires mTLS between peers.
type TLSDialer struct {
	Dialer    net.Dialer
	TLSConfig *tls.Config
}

func (d *TLSDialer) Dial(network, address string) (net.Conn, error) {
	return tls.DialWithDialer(&d.Dialer, network, address, d.TLSConfig)
}

// ForwardConnectionPool owns one ForwardConnection per (peer, lane) and
// reconciles that set against cluster configuration changes. New (peer,
// lane) pairs start DISCONNECTED; Start launches the background redial loop
// that drives them to CONNECTED (and redials them after a drop) so this
// pool's bookkeeping job is backed by an actual live connection over time.
type ForwardConnectionPool struct {
	mu          sync.RWMutex
	parallel    int
	dialTimeout time.Duration
	dialer      Dialer

	peers       map[int32]ClusterPeer
	connections map[int32][]*ForwardConnection // peer id -> one per lane
}

// NewForwardConnectionPool creates an empty pool. parallel is the number of
// lanes, fixed for the cluster's lifetime.
func NewForwardConnectionPool(parallel int, dialTimeout time.Duration, dialer Dialer) *ForwardConnectionPool {
	if dialer == nil {
		dialer = &net.Dialer{Timeout: dialTimeout}
	}
	return &ForwardConnectionPool{
		parallel:    parallel,
		dialTimeout: dialTimeout,
		dialer:      dialer,
		peers:       make(map[int32]ClusterPeer),
		connections: make(map[int32][]*ForwardConnection),
	}
}

// Get returns the connection for (peerID, lane), or nil if that peer isn't
// currently a member of the pool's cluster config.
func (p *ForwardConnectionPool) Get(peerID int32, lane Lane) *ForwardConnection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conns, ok := p.connections[peerID]
	if !ok || int(lane) >= len(conns) {
		return nil
	}
	return conns[lane]
}

// Peers returns a snapshot of the current peer set.
func (p *ForwardConnectionPool) Peers() []ClusterPeer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ClusterPeer, 0, len(p.peers))
	for _, peer := range p.peers {
		out = append(out, peer)
	}
	return out
}

// ConnectedCount reports how many peers have at least one CONNECTED lane,
// for metrics.
func (p *ForwardConnectionPool) ConnectedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, conns := range p.connections {
		for _, c := range conns {
			if c.State() == ConnConnected {
				count++
				break
			}
		}
	}
	return count
}

// ApplyDiff reconciles the pool against a fresh cluster configuration:
// unchanged peers keep their connections untouched, new peers and peers
// whose entry changed get a fresh set of disconnected placeholders (dialed
// by the redial loop Start launches; a changed peer's old connections are
// closed first), and removed peers have their connections closed and
// evicted.
//
// server_id for the peer being removed is captured into a local (id) before
// any mutation of p.connections or p.peers below. An earlier revision of
// this logic looked up server_id's slice *after* deleting the map entry it
// came from, which always missed (the delete invalidated the very entry the
// lookup needed) and leaked the old connections instead of closing them.
func (p *ForwardConnectionPool) ApplyDiff(newPeers map[int32]ClusterPeer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, peer := range newPeers {
		if old, exists := p.peers[id]; exists {
			if old == peer {
				continue
			}
			for _, c := range p.connections[id] {
				c.Close()
			}
		}
		conns := make([]*ForwardConnection, p.parallel)
		for lane := 0; lane < p.parallel; lane++ {
			conns[lane] = NewDisconnectedForwardConnection(id, Lane(lane))
		}
		p.connections[id] = conns
		p.peers[id] = peer
		log.Info(fmt.Sprintf("forward pool: added peer %d at %s", id, peer.Endpoint()))
	}

	for id := range p.peers {
		if _, stillPresent := newPeers[id]; stillPresent {
			continue
		}
		id := id // capture server_id before removing its map entries
		conns := p.connections[id]
		delete(p.connections, id)
		delete(p.peers, id)
		for _, c := range conns {
			c.Close()
		}
		log.Info(fmt.Sprintf("forward pool: removed peer %d", id))
	}
}

// Dial attempts to (re)establish the connection for (peerID, lane), using
// the peer's current endpoint. No-op (returns ErrNoConnection) if peerID is
// no longer in the pool. If the connection isn't currently DISCONNECTED
// (already CONNECTING or CONNECTED), Dial is a no-op rather than clobbering
// a connection another caller is already establishing or already using.
func (p *ForwardConnectionPool) Dial(peerID int32, lane Lane) error {
	p.mu.RLock()
	peer, ok := p.peers[peerID]
	conns := p.connections[peerID]
	p.mu.RUnlock()
	if !ok || int(lane) >= len(conns) {
		return ErrNoConnection
	}

	conn := conns[lane]
	if !conn.MarkConnecting() {
		return nil
	}

	dialed, err := p.dialer.Dial("tcp", peer.Endpoint())
	if err != nil {
		conn.state.Store(int32(ConnDisconnected))
		return fmt.Errorf("dial peer %d lane %d: %w", peerID, lane, err)
	}
	conn.Attach(dialed)
	return nil
}

// Start launches the background goroutine that periodically redials every
// (peer, lane) pair currently DISCONNECTED, driving the DISCONNECTED ->
// CONNECTING -> CONNECTED transition the forwarder's send and receive loops
// otherwise only ever observe. It runs until stopCh closes. interval <= 0
// falls back to a 1-second redial cadence.
func (p *ForwardConnectionPool) Start(stopCh <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go p.reconnectLoop(stopCh, interval)
}

func (p *ForwardConnectionPool) reconnectLoop(stopCh <-chan struct{}, interval time.Duration) {
	p.redialDisconnected()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.redialDisconnected()
		}
	}
}

type redialTarget struct {
	peerID int32
	lane   Lane
}

func (p *ForwardConnectionPool) redialDisconnected() {
	p.mu.RLock()
	var targets []redialTarget
	for peerID, conns := range p.connections {
		for lane, c := range conns {
			if c.State() == ConnDisconnected {
				targets = append(targets, redialTarget{peerID, Lane(lane)})
			}
		}
	}
	p.mu.RUnlock()

	for _, t := range targets {
		if err := p.Dial(t.peerID, t.lane); err != nil {
			log.Warn(fmt.Sprintf("redial failed for peer %d lane %d: %v", t.peerID, t.lane, err))
		}
	}
}

// CloseAll closes every connection in the pool, used on shutdown.
func (p *ForwardConnectionPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, conns := range p.connections {
		for _, c := range conns {
			c.Close()
		}
	}
}
