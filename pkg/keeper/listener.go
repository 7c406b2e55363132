package keeper

import (
	"net"

	"github.com/kvkeeper/keeper/pkg/log"
)

// ForwardListener accepts inbound forward connections from followers and
// feeds each request into the Dispatcher, replying once the request's
// outcome is known. One goroutine runs the accept loop; one goroutine runs
// per accepted connection, since a follower multiplexes all of its lanes
// as separate TCP connections (one per lane, matching ForwardConnectionPool's
// per-(peer,lane) shape), not as one connection carrying every lane.
type ForwardListener struct {
	listener   net.Listener
	dispatcher *Dispatcher
	shutdownCh chan struct{}
}

// NewForwardListener wraps an already-bound listener (plain TCP, or
// tls.NewListener wrapping one with pkg/security.LoadServerConfig).
func NewForwardListener(listener net.Listener, dispatcher *Dispatcher) *ForwardListener {
	return &ForwardListener{
		listener:   listener,
		dispatcher: dispatcher,
		shutdownCh: make(chan struct{}),
	}
}

// Serve runs the accept loop until Close is called. Meant to be run in its
// own goroutine.
func (l *ForwardListener) Serve() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.shutdownCh:
				return
			default:
			}
			log.Errorf("forward listener accept failed", err)
			continue
		}
		go l.handle(conn)
	}
}

// Close stops the accept loop and closes the underlying listener.
func (l *ForwardListener) Close() error {
	close(l.shutdownCh)
	return l.listener.Close()
}

func (l *ForwardListener) handle(conn net.Conn) {
	fc := NewForwardConnection(-1, -1, conn)
	defer fc.Close()

	for {
		req, err := fc.Receive(0)
		if err != nil {
			return
		}

		resp := l.process(req)
		if err := fc.SendResponse(resp); err != nil {
			log.Errorf("failed to send forward response", err)
			return
		}
	}
}

// process pushes req into the dispatcher and, for kinds with a single
// client-visible outcome, blocks for that outcome so the reply reflects
// what actually happened rather than mere admission.
func (l *ForwardListener) process(req *ForwardRequest) *ForwardResponse {
	resp := &ForwardResponse{Kind: req.Kind}

	if req.Kind == ForwardSyncSessions {
		l.dispatcher.PushForwardRequest(req.OriginServerID, req.OriginLane, req, nil)
		resp.Accepted = true
		resp.SyncToken = req.SyncToken
		return resp
	}

	done := make(chan ClientResponse, 1)
	l.dispatcher.PushForwardRequest(req.OriginServerID, req.OriginLane, req, func(cr ClientResponse) {
		done <- cr
	})
	cr := <-done

	resp.Accepted = cr.Code == RaftCodeOK
	resp.RaftCode = cr.Code
	switch req.Kind {
	case ForwardUserOp:
		resp.SessionID, resp.Xid = req.SessionID, req.Xid
	case ForwardNewSession:
		resp.InternalID = req.InternalID
	case ForwardUpdateSession:
		resp.SessionID = req.SessionID
	}
	return resp
}
