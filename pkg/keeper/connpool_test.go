package keeper

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDialer struct {
	dialed []string
	fail   bool
}

func (d *fakeDialer) Dial(network, address string) (net.Conn, error) {
	d.dialed = append(d.dialed, address)
	if d.fail {
		return nil, assertionError("dial failed")
	}
	client, _ := net.Pipe()
	return client, nil
}

func TestForwardConnectionPoolApplyDiffAddsPeers(t *testing.T) {
	p := NewForwardConnectionPool(2, time.Second, &fakeDialer{})

	p.ApplyDiff(map[int32]ClusterPeer{
		1: {ID: 1, Host: "10.0.0.1", Port: 9000},
	})

	peers := p.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, int32(1), peers[0].ID)

	for lane := 0; lane < 2; lane++ {
		conn := p.Get(1, Lane(lane))
		require.NotNil(t, conn)
		assert.Equal(t, ConnDisconnected, conn.State())
	}
}

func TestForwardConnectionPoolApplyDiffRemovesPeersAndClosesConnections(t *testing.T) {
	p := NewForwardConnectionPool(1, time.Second, &fakeDialer{})
	p.ApplyDiff(map[int32]ClusterPeer{1: {ID: 1, Host: "h", Port: 1}})

	require.NoError(t, p.Dial(1, 0))
	assert.Equal(t, ConnConnected, p.Get(1, 0).State())

	p.ApplyDiff(map[int32]ClusterPeer{})

	assert.Nil(t, p.Get(1, 0))
	assert.Empty(t, p.Peers())
}

func TestForwardConnectionPoolApplyDiffLeavesUnchangedPeersAlone(t *testing.T) {
	p := NewForwardConnectionPool(1, time.Second, &fakeDialer{})
	p.ApplyDiff(map[int32]ClusterPeer{1: {ID: 1, Host: "h", Port: 1}})
	require.NoError(t, p.Dial(1, 0))

	original := p.Get(1, 0)

	p.ApplyDiff(map[int32]ClusterPeer{1: {ID: 1, Host: "h", Port: 1}})

	assert.Same(t, original, p.Get(1, 0), "reapplying the same peer set must not replace existing connections")
}

func TestForwardConnectionPoolDialUnknownPeerFails(t *testing.T) {
	p := NewForwardConnectionPool(1, time.Second, &fakeDialer{})
	err := p.Dial(99, 0)
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestForwardConnectionPoolConnectedCount(t *testing.T) {
	p := NewForwardConnectionPool(2, time.Second, &fakeDialer{})
	p.ApplyDiff(map[int32]ClusterPeer{
		1: {ID: 1, Host: "h1", Port: 1},
		2: {ID: 2, Host: "h2", Port: 2},
	})
	assert.Equal(t, 0, p.ConnectedCount())

	require.NoError(t, p.Dial(1, 0))
	assert.Equal(t, 1, p.ConnectedCount())
}

func TestForwardConnectionPoolStartRedialsDisconnectedConnections(t *testing.T) {
	p := NewForwardConnectionPool(1, time.Second, &fakeDialer{})
	p.ApplyDiff(map[int32]ClusterPeer{1: {ID: 1, Host: "h", Port: 1}})
	require.Equal(t, ConnDisconnected, p.Get(1, 0).State())

	stopCh := make(chan struct{})
	defer close(stopCh)
	p.Start(stopCh, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return p.Get(1, 0).State() == ConnConnected
	}, time.Second, time.Millisecond)
}

func TestForwardConnectionPoolStartLeavesConnectedConnectionsAlone(t *testing.T) {
	dialer := &fakeDialer{}
	p := NewForwardConnectionPool(1, time.Second, dialer)
	p.ApplyDiff(map[int32]ClusterPeer{1: {ID: 1, Host: "h", Port: 1}})
	require.NoError(t, p.Dial(1, 0))

	stopCh := make(chan struct{})
	defer close(stopCh)
	p.Start(stopCh, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, dialer.dialed, 1, "an already-connected lane must never be redialed")
}

func TestForwardConnectionPoolCloseAll(t *testing.T) {
	p := NewForwardConnectionPool(1, time.Second, &fakeDialer{})
	p.ApplyDiff(map[int32]ClusterPeer{1: {ID: 1, Host: "h", Port: 1}})
	require.NoError(t, p.Dial(1, 0))

	p.CloseAll()
	assert.Equal(t, ConnDisconnected, p.Get(1, 0).State())
}
