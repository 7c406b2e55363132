package keeper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestAccumulatorFlushesOnBoundary(t *testing.T) {
	raftNode := newFakeRaftNode()
	processor := NewRequestProcessor()
	a := NewRequestAccumulator(raftNode, processor, 10, time.Second)
	a.Start()
	defer a.Stop()

	require.True(t, a.PushUserRequest(ClientRequest{SessionID: 1, Xid: 1}))
	require.True(t, a.PushNewSession(100, 5000, 0))

	require.Eventually(t, func() bool {
		raftNode.mu.Lock()
		defer raftNode.mu.Unlock()
		return len(raftNode.batches) == 1 && len(raftNode.batches[0]) == 2
	}, time.Second, time.Millisecond)
}

func TestRequestAccumulatorFlushesAtMaxBatchSize(t *testing.T) {
	raftNode := newFakeRaftNode()
	processor := NewRequestProcessor()
	a := NewRequestAccumulator(raftNode, processor, 2, time.Second)
	a.Start()
	defer a.Stop()

	for i := 0; i < 2; i++ {
		require.True(t, a.PushUserRequest(ClientRequest{SessionID: int64(i), Xid: int32(i)}))
	}

	require.Eventually(t, func() bool {
		raftNode.mu.Lock()
		defer raftNode.mu.Unlock()
		return len(raftNode.batches) == 1 && len(raftNode.batches[0]) == 2
	}, time.Second, time.Millisecond)
}

func TestRequestAccumulatorApplyBatchFailureResolvesEveryEntry(t *testing.T) {
	raftNode := newFakeRaftNode()
	raftNode.applyBatchErr = assertionError("apply failed")
	processor := NewRequestProcessor()
	a := NewRequestAccumulator(raftNode, processor, 10, time.Second)
	a.Start()
	defer a.Stop()

	var got1, got2 ClientResponse
	processor.RegisterCallBack(1, 1, func(r ClientResponse) { got1 = r })
	processor.RegisterCallBack(2, 0, func(r ClientResponse) { got2 = r })

	require.True(t, a.PushUserRequest(ClientRequest{SessionID: 1, Xid: 1}))
	require.True(t, a.PushNewSession(2, 5000, 0))

	require.Eventually(t, func() bool {
		processor.Responses().Deliver()
		processor.Responses().Deliver()
		return got1.Code == RaftCodeFailed && got2.Code == RaftCodeFailed
	}, time.Second, time.Millisecond)
}

func TestRequestAccumulatorPushFailsWhenInputChannelFull(t *testing.T) {
	raftNode := newFakeRaftNode()
	processor := NewRequestProcessor()
	// maxBatchSize*4 == capacity; never call Start so the channel never drains.
	a := NewRequestAccumulator(raftNode, processor, 1, time.Second)

	for i := 0; i < 4; i++ {
		require.True(t, a.PushUserRequest(ClientRequest{SessionID: int64(i), Xid: int32(i)}))
	}
	assert.False(t, a.PushUserRequest(ClientRequest{SessionID: 99, Xid: 1}), "push must fail once the input channel is saturated")
}
