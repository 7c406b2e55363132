package keeper

import (
	"fmt"
	"time"

	"github.com/hashicorp/raft"
)

// RaftNode is the Raft collaborator this package consumes: leadership
// queries, log append, and cluster configuration, exactly the surface
// named in the external interfaces contract (is_leader, is_leader_alive,
// leader_id, my_id, cluster_node_count, append_entry,
// register_config_reload_listener). Nothing else in this package touches
// *raft.Raft directly.
type RaftNode interface {
	IsLeader() bool
	IsLeaderAlive() bool
	LeaderID() int32
	MyID() int32
	ClusterNodeCount() int
	Apply(cmd Command, timeout time.Duration) error
	// ApplyBatch coalesces multiple commands into a single Raft append,
	// mirroring NuRaft's batched append_entries call. err is non-nil only
	// when the whole batch failed before any entry committed (e.g. a
	// leader switch mid-apply); a successfully committed entry's own
	// outcome reaches callers through FSM.Apply's onApply hook, not
	// through this return value.
	ApplyBatch(cmds []Command, timeout time.Duration) error
	Stats() (lastIndex, appliedIndex uint64)
	RegisterConfigReloadListener(fn func())
}

// hraftNode adapts *raft.Raft to RaftNode. server IDs are small integers
// (int32), carried as raft.ServerID strings; the mapping is the
// responsibility of whatever builds the cluster configuration (cmd/keeperd
// and pkg/config).
type hraftNode struct {
	raft     *raft.Raft
	serverID int32

	reloadListeners []func()
}

// NewRaftNode wraps an already-bootstrapped *raft.Raft.
func NewRaftNode(r *raft.Raft, myID int32) RaftNode {
	return &hraftNode{raft: r, serverID: myID}
}

func (n *hraftNode) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

func (n *hraftNode) IsLeaderAlive() bool {
	addr, id := n.raft.LeaderWithID()
	return addr != "" && id != ""
}

func (n *hraftNode) LeaderID() int32 {
	_, id := n.raft.LeaderWithID()
	if id == "" {
		return -1
	}
	return serverIDToInt32(id)
}

func (n *hraftNode) MyID() int32 {
	return n.serverID
}

func (n *hraftNode) ClusterNodeCount() int {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return 0
	}
	return len(future.Configuration().Servers)
}

func (n *hraftNode) Apply(cmd Command, timeout time.Duration) error {
	data, err := encodeMsgPack(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if applyErr, ok := resp.(error); ok && applyErr != nil {
			return applyErr
		}
	}
	return nil
}

func (n *hraftNode) ApplyBatch(cmds []Command, timeout time.Duration) error {
	datas := make([][]byte, len(cmds))
	for i, cmd := range cmds {
		data, err := encodeMsgPack(cmd)
		if err != nil {
			return fmt.Errorf("encode command %d: %w", i, err)
		}
		datas[i] = data
	}

	future := n.raft.ApplyBatch(datas, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply batch: %w", err)
	}
	return nil
}

func (n *hraftNode) Stats() (lastIndex, appliedIndex uint64) {
	return n.raft.LastIndex(), n.raft.AppliedIndex()
}

// RegisterConfigReloadListener registers fn to be invoked whenever the
// cluster configuration changes. hashicorp/raft has no built-in reload
// hook for the forward-connection config this package cares about (peer
// forwarding endpoints, learner flags aren't part of raft.Configuration);
// this method exists to satisfy the RaftNode contract for components that
// were written against the abstract collaborator. Registered listeners run
// only when notifyConfigReload is called, and nothing in this module calls
// it.
func (n *hraftNode) RegisterConfigReloadListener(fn func()) {
	n.reloadListeners = append(n.reloadListeners, fn)
}

// notifyConfigReload invokes every registered reload listener in order.
func (n *hraftNode) notifyConfigReload() {
	for _, fn := range n.reloadListeners {
		fn()
	}
}

func serverIDToInt32(id raft.ServerID) int32 {
	var n int32
	for _, c := range id {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int32(c-'0')
	}
	return n
}
