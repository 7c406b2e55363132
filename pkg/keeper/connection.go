package keeper

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// wire frame layout, modeled on the length-prefixed request/response framing
// used by ZooKeeper's own client protocol (connect request/response each
// carry a big-endian uint32 byte count ahead of the encoded body): a 1-byte
// kind, two 4-byte origin fields, then a uint32-length-prefixed msgpack body.
//
//	request  frame: u8 kind | u32 origin_server_id | u32 origin_lane | u32 body_len | body
//	response frame: u8 kind | u8 accepted | u32 raft_code | u32 body_len | body
const (
	requestHeaderLen  = 1 + 4 + 4 + 4
	responseHeaderLen = 1 + 1 + 4 + 4
	maxFrameBody      = 64 << 20
)

// forwardWireRequest is the msgpack body of a request frame; ForwardRequest
// itself carries a time.Time (SendTime) that is reset locally on receipt, so
// it is not part of the wire body.
type forwardWireRequest struct {
	SessionID   int64
	Xid         int32
	OpNum       int32
	Payload     []byte
	InternalID  int64
	TimeoutMs   int64
	SyncToken   string
	SyncEntries map[int64]int64
}

type forwardWireResponse struct {
	SessionID  int64
	Xid        int32
	InternalID int64
	SyncToken  string
}

// ForwardConnection is one persistent TCP (optionally TLS) connection
// carrying forwarded requests from a follower lane to the leader. Each lane
// on each peer owns exactly one of these; Send and Receive are called from
// the forwarder's dedicated per-lane send/receive goroutines respectively
// and never concurrently with themselves, but Close/State may be called
// from any goroutine.
type ForwardConnection struct {
	peerID int32
	lane   Lane

	mu    sync.Mutex
	conn  net.Conn
	state atomic.Int32 // ConnState

	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewForwardConnection wraps an already-dialed connection (plain TCP or
// tls.Conn from pkg/security) as CONNECTED.
func NewForwardConnection(peerID int32, lane Lane, conn net.Conn) *ForwardConnection {
	c := &ForwardConnection{peerID: peerID, lane: lane, conn: conn}
	c.state.Store(int32(ConnConnected))
	return c
}

// NewDisconnectedForwardConnection creates a connection placeholder with no
// underlying socket, used by ForwardConnectionPool before the dial succeeds.
func NewDisconnectedForwardConnection(peerID int32, lane Lane) *ForwardConnection {
	c := &ForwardConnection{peerID: peerID, lane: lane}
	c.state.Store(int32(ConnDisconnected))
	return c
}

// State reports the current connection lifecycle state.
func (c *ForwardConnection) State() ConnState {
	return ConnState(c.state.Load())
}

// MarkConnecting transitions a DISCONNECTED connection into CONNECTING,
// guarding a redial attempt against racing with a concurrent one, or with a
// dial that already succeeded. Returns false if the connection wasn't
// DISCONNECTED.
func (c *ForwardConnection) MarkConnecting() bool {
	return c.state.CompareAndSwap(int32(ConnDisconnected), int32(ConnConnecting))
}

// Attach installs a freshly dialed socket and marks the connection CONNECTED,
// replacing whatever was there before (if anything).
func (c *ForwardConnection) Attach(conn net.Conn) {
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	c.state.Store(int32(ConnConnected))
}

// Close tears down the socket and marks the connection DISCONNECTED. Safe to
// call more than once.
func (c *ForwardConnection) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.state.Store(int32(ConnDisconnected))
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Send encodes and writes one ForwardRequest frame. Returns ErrNoConnection
// if the socket isn't currently attached.
func (c *ForwardConnection) Send(req *ForwardRequest) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNoConnection
	}

	body, err := encodeMsgPack(forwardWireRequest{
		SessionID:   req.SessionID,
		Xid:         req.Xid,
		OpNum:       req.OpNum,
		Payload:     req.Payload,
		InternalID:  req.InternalID,
		TimeoutMs:   req.TimeoutMs,
		SyncToken:   req.SyncToken,
		SyncEntries: req.SyncEntries,
	})
	if err != nil {
		return fmt.Errorf("encode forward request: %w", err)
	}

	frame := make([]byte, requestHeaderLen+len(body))
	frame[0] = byte(req.Kind)
	binary.BigEndian.PutUint32(frame[1:5], uint32(req.OriginServerID))
	binary.BigEndian.PutUint32(frame[5:9], uint32(req.OriginLane))
	binary.BigEndian.PutUint32(frame[9:13], uint32(len(body)))
	copy(frame[requestHeaderLen:], body)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = conn.Write(frame)
	if err != nil {
		c.state.Store(int32(ConnDisconnected))
		return fmt.Errorf("write forward request: %w", err)
	}
	return nil
}

// SendResponse encodes and writes one ForwardResponse frame, used by the
// leader's inbound handler to reply to a follower.
func (c *ForwardConnection) SendResponse(resp *ForwardResponse) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNoConnection
	}

	body, err := encodeMsgPack(forwardWireResponse{
		SessionID:  resp.SessionID,
		Xid:        resp.Xid,
		InternalID: resp.InternalID,
		SyncToken:  resp.SyncToken,
	})
	if err != nil {
		return fmt.Errorf("encode forward response: %w", err)
	}

	frame := make([]byte, responseHeaderLen+len(body))
	frame[0] = byte(resp.Kind)
	if resp.Accepted {
		frame[1] = 1
	}
	binary.BigEndian.PutUint32(frame[2:6], uint32(resp.RaftCode))
	binary.BigEndian.PutUint32(frame[6:10], uint32(len(body)))
	copy(frame[responseHeaderLen:], body)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = conn.Write(frame)
	if err != nil {
		c.state.Store(int32(ConnDisconnected))
		return fmt.Errorf("write forward response: %w", err)
	}
	return nil
}

// Receive blocks (up to timeout, if positive) for the next ForwardRequest
// frame, used by the leader's inbound handler.
func (c *ForwardConnection) Receive(timeout time.Duration) (*ForwardRequest, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNoConnection
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	header := make([]byte, requestHeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		c.state.Store(int32(ConnDisconnected))
		return nil, fmt.Errorf("read forward request header: %w", err)
	}

	bodyLen := binary.BigEndian.Uint32(header[9:13])
	if bodyLen > maxFrameBody {
		return nil, fmt.Errorf("forward request body too large: %d bytes", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		c.state.Store(int32(ConnDisconnected))
		return nil, fmt.Errorf("read forward request body: %w", err)
	}

	var wire forwardWireRequest
	if err := decodeMsgPack(body, &wire); err != nil {
		return nil, fmt.Errorf("decode forward request: %w", err)
	}

	return &ForwardRequest{
		Kind:           ForwardKind(header[0]),
		OriginServerID: int32(binary.BigEndian.Uint32(header[1:5])),
		OriginLane:     Lane(binary.BigEndian.Uint32(header[5:9])),
		SendTime:       time.Now(),
		SessionID:      wire.SessionID,
		Xid:            wire.Xid,
		OpNum:          wire.OpNum,
		Payload:        wire.Payload,
		InternalID:     wire.InternalID,
		TimeoutMs:      wire.TimeoutMs,
		SyncToken:      wire.SyncToken,
		SyncEntries:    wire.SyncEntries,
	}, nil
}

// ReceiveResponse blocks (up to timeout, if positive) for the next
// ForwardResponse frame, used by the follower's per-lane receive goroutine.
func (c *ForwardConnection) ReceiveResponse(timeout time.Duration) (*ForwardResponse, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNoConnection
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	header := make([]byte, responseHeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		c.state.Store(int32(ConnDisconnected))
		return nil, fmt.Errorf("read forward response header: %w", err)
	}

	bodyLen := binary.BigEndian.Uint32(header[6:10])
	if bodyLen > maxFrameBody {
		return nil, fmt.Errorf("forward response body too large: %d bytes", bodyLen)
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		c.state.Store(int32(ConnDisconnected))
		return nil, fmt.Errorf("read forward response body: %w", err)
	}

	var wire forwardWireResponse
	if err := decodeMsgPack(body, &wire); err != nil {
		return nil, fmt.Errorf("decode forward response: %w", err)
	}

	return &ForwardResponse{
		Kind:       ForwardKind(header[0]),
		Accepted:   header[1] == 1,
		RaftCode:   RaftCode(binary.BigEndian.Uint32(header[2:6])),
		SessionID:  wire.SessionID,
		Xid:        wire.Xid,
		InternalID: wire.InternalID,
		SyncToken:  wire.SyncToken,
	}, nil
}
