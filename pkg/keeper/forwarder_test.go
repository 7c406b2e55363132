package keeper

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnectedPool(t *testing.T, parallel int, peerID int32) (*ForwardConnectionPool, []net.Conn) {
	t.Helper()
	pool := NewForwardConnectionPool(parallel, time.Second, &fakeDialer{})
	pool.ApplyDiff(map[int32]ClusterPeer{peerID: {ID: peerID, Host: "h", Port: 1}})

	leaderEnds := make([]net.Conn, parallel)
	for lane := 0; lane < parallel; lane++ {
		clientConn, leaderConn := net.Pipe()
		pool.Get(peerID, Lane(lane)).Attach(clientConn)
		leaderEnds[lane] = leaderConn
	}
	return pool, leaderEnds
}

func TestRequestForwarderSendOneDeliversOnAcceptedResponse(t *testing.T) {
	raftNode := newFakeRaftNode()
	raftNode.leader = false
	raftNode.leaderAlive = true
	raftNode.leaderID = 2
	raftNode.myID = 1

	pool, leaderEnds := newConnectedPool(t, 1, 2)
	defer leaderEnds[0].Close()

	processor := NewRequestProcessor()
	sessions := newFakeSessionManager()
	f := NewRequestForwarder(1, 8, time.Hour, 5*time.Second, raftNode, sessions, pool, processor, func(int64) bool { return true })

	respCh := make(chan ClientResponse, 1)
	processor.RegisterCallBack(10, 1, func(r ClientResponse) { respCh <- r })

	leaderConn := NewForwardConnection(-1, -1, leaderEnds[0])
	recvCh := receiveAsync(leaderConn)

	f.sendOne(0, ClientRequest{SessionID: 10, Xid: 1, OpNum: 5})
	assert.Equal(t, 1, f.InFlight(0))

	got := <-recvCh
	require.NoError(t, got.err)
	assert.Equal(t, int64(10), got.req.SessionID)

	go func() {
		require.NoError(t, leaderConn.SendResponse(&ForwardResponse{
			Kind: ForwardUserOp, Accepted: true, RaftCode: RaftCodeOK, SessionID: 10, Xid: 1,
		}))
	}()

	f.processResponse(0, mustReceiveResponse(t, pool.Get(2, 0)))
	assert.Equal(t, 0, f.InFlight(0))
}

func mustReceiveResponse(t *testing.T, conn *ForwardConnection) *ForwardResponse {
	t.Helper()
	resp, err := conn.ReceiveResponse(time.Second)
	require.NoError(t, err)
	return resp
}

type receivedRequest struct {
	req *ForwardRequest
	err error
}

// receiveAsync runs conn.Receive in its own goroutine, so that a write on
// the other end of a net.Pipe (which blocks until read) has a reader.
func receiveAsync(conn *ForwardConnection) <-chan receivedRequest {
	ch := make(chan receivedRequest, 1)
	go func() {
		req, err := conn.Receive(time.Second)
		ch <- receivedRequest{req, err}
	}()
	return ch
}

func TestRequestForwarderSendOneFailsWithoutLiveLeader(t *testing.T) {
	raftNode := newFakeRaftNode()
	raftNode.leader = false
	raftNode.leaderAlive = false

	pool := NewForwardConnectionPool(1, time.Second, &fakeDialer{})
	processor := NewRequestProcessor()
	sessions := newFakeSessionManager()
	f := NewRequestForwarder(1, 8, time.Hour, 5*time.Second, raftNode, sessions, pool, processor, func(int64) bool { return true })

	var got ClientResponse
	processor.RegisterCallBack(1, 1, func(r ClientResponse) { got = r })

	f.sendOne(0, ClientRequest{SessionID: 1, Xid: 1})
	require.True(t, processor.Responses().Deliver())
	assert.Equal(t, RaftCodeFailed, got.Code)
}

func TestRequestForwarderPushSessionOpSendsNewSessionFrame(t *testing.T) {
	raftNode := newFakeRaftNode()
	raftNode.leader = false
	raftNode.leaderAlive = true
	raftNode.leaderID = 2
	raftNode.myID = 1

	pool, leaderEnds := newConnectedPool(t, 1, 2)
	defer leaderEnds[0].Close()

	processor := NewRequestProcessor()
	sessions := newFakeSessionManager()
	f := NewRequestForwarder(1, 8, time.Hour, 5*time.Second, raftNode, sessions, pool, processor, func(int64) bool { return true })

	leaderConn := NewForwardConnection(-1, -1, leaderEnds[0])
	recvCh := receiveAsync(leaderConn)

	ok := f.PushSessionOp(ForwardNewSession, 42, 42, 4000)
	require.True(t, ok)
	assert.Equal(t, 1, f.InFlight(0))

	got := <-recvCh
	require.NoError(t, got.err)
	assert.Equal(t, ForwardNewSession, got.req.Kind)
	assert.Equal(t, int64(42), got.req.InternalID)
	assert.Equal(t, int64(4000), got.req.TimeoutMs)
}

func TestRequestForwarderPushSessionOpFailsWithoutLiveLeader(t *testing.T) {
	raftNode := newFakeRaftNode()
	raftNode.leader = false
	raftNode.leaderAlive = false

	pool := NewForwardConnectionPool(1, time.Second, &fakeDialer{})
	processor := NewRequestProcessor()
	sessions := newFakeSessionManager()
	f := NewRequestForwarder(1, 8, time.Hour, 5*time.Second, raftNode, sessions, pool, processor, func(int64) bool { return true })

	ok := f.PushSessionOp(ForwardUpdateSession, 7, 0, 4000)
	assert.False(t, ok)
	assert.Equal(t, 0, f.InFlight(0))
}

func TestRequestForwarderProcessTimeoutRequestDeliversTimeout(t *testing.T) {
	raftNode := newFakeRaftNode()
	pool := NewForwardConnectionPool(1, time.Second, &fakeDialer{})
	processor := NewRequestProcessor()
	sessions := newFakeSessionManager()
	f := NewRequestForwarder(1, 8, time.Hour, time.Millisecond, raftNode, sessions, pool, processor, func(int64) bool { return true })

	var got ClientResponse
	processor.RegisterCallBack(5, 1, func(r ClientResponse) { got = r })

	f.laneQueues[0].Push(&ForwardRequest{Kind: ForwardUserOp, SessionID: 5, Xid: 1, SendTime: time.Now().Add(-time.Second)})

	f.processTimeoutRequest(0)
	require.True(t, processor.Responses().Deliver())

	assert.Equal(t, RaftCodeTimeout, got.Code)
	assert.Equal(t, 0, f.InFlight(0))
}

func TestRequestForwarderShutdownDrainsBothQueues(t *testing.T) {
	raftNode := newFakeRaftNode()
	pool := NewForwardConnectionPool(1, time.Second, &fakeDialer{})
	processor := NewRequestProcessor()
	sessions := newFakeSessionManager()
	f := NewRequestForwarder(1, 8, time.Hour, time.Second, raftNode, sessions, pool, processor, func(int64) bool { return true })

	var inFlightResp, queuedResp ClientResponse
	processor.RegisterCallBack(1, 1, func(r ClientResponse) { inFlightResp = r })
	processor.RegisterCallBack(2, 1, func(r ClientResponse) { queuedResp = r })

	f.laneQueues[0].Push(&ForwardRequest{Kind: ForwardUserOp, SessionID: 1, Xid: 1, SendTime: time.Now()})
	require.True(t, f.Push(ClientRequest{SessionID: 2, Xid: 1}))

	// No goroutines started: Shutdown's wg.Wait() returns immediately and
	// the drain logic runs directly against the queues populated above.
	f.Shutdown()
	require.True(t, processor.Responses().Deliver())
	require.True(t, processor.Responses().Deliver())

	assert.Equal(t, RaftCodeFailed, inFlightResp.Code)
	assert.Equal(t, RaftCodeCancelled, queuedResp.Code)
}
