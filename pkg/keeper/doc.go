/*
Package keeper implements the request dispatch and forwarding core of a
ZooKeeper-compatible coordination node built on Raft consensus. It owns
everything between "a client request arrived on some node" and "a raft.Log
entry committed", but not the client wire protocol, the znode data tree, or
cluster bootstrap — those are the caller's concern (cmd/keeperd wires this
package to hashicorp/raft and to a transport).

# Processing chain

A request admitted through Dispatcher.PushRequest flows through one of two
paths depending on whether this node currently holds Raft leadership:

	leader:   requestsQueue -> RequestAccumulator -> RaftNode.ApplyBatch -> FSM.Apply -> RequestProcessor
	follower: requestsQueue -> RequestForwarder    -> leader's ForwardConnection -> (above, on the leader)
	                                                -> ForwardConnection response -> RequestProcessor

Every request is pinned to a lane by LaneFor(session_id, parallel) and stays
on that lane for its entire lifetime, which is what gives same-session
requests their FIFO ordering: one requestThread goroutine per lane, one
accumulator flush loop, one forwarder send/receive goroutine pair per lane.

RequestProcessor is the only place a client-visible response is produced;
every termination path — commit, apply failure, forward timeout, forward
rejection, shutdown — resolves through either its OnCommit or OnError entry
point, and each resolves a given (session_id, xid) at most once.

# Session lifecycle

FSM is both the raft.FSM and the session registry: session_id ->
Session{expiration_time, timeout_ms, owner_node_id}. New/update/close-session
commands are boundary commands that always force an accumulator flush, since
session_sync and user-request ordering only needs to be preserved within a
session, not across one. Followers periodically forward their local
sessions' expiration times to the leader (RequestForwarder's session-sync
turn) so a leader election doesn't require every session to be recreated.

# Cluster forwarding

ForwardConnectionPool tracks one ForwardConnection per (peer, lane),
reconciled against cluster configuration changes by ApplyDiff. Config
changes come from outside this package, not from hashicorp/raft's own
configuration machinery (which has no concept of forwarding endpoints), and
are handed in via Dispatcher.UpdateConfiguration. cmd/keeperd applies the
configured peer list once at startup and does not watch the config file.
*/
package keeper
