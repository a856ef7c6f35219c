package broker

import (
	"context"
	"net"
	"time"

	"github.com/go-munnel/munnel/internal/relay"
)

// keepAliveInterval is how often an authenticated, registered agent-session
// writes a KEEP_ALIVE heartbeat, and how often the agent itself does the
// same (spec §5).
const keepAliveInterval = 5000 * time.Millisecond

// agentSession is Component D: one per connected agent control stream.
// Grounded on original_source/src/server.rs's agent_control_thread.
type agentSession struct {
	agentID    string
	conn       net.Conn
	remoteAddr string
	psk        string
	logger     relay.Logger

	events chan<- agentEvent
	orders chan agentOrder
}

func newAgentSession(agentID string, conn net.Conn, psk string, events chan<- agentEvent, logger relay.Logger) *agentSession {
	return &agentSession{
		agentID:    agentID,
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		psk:        psk,
		logger:     logger,
		events:     events,
		orders:     make(chan agentOrder, 1000),
	}
}

// run authenticates the stream, dispatches NEW_AGENT/CONNECT/
// CANCEL_CONNECTION, and -- if the stream becomes a control stream via
// NEW_AGENT -- enters the keep-alive/order select loop until the stream
// closes or ctx is cancelled. It always sends exactly one agentDeregistered
// event before returning, mirroring the Rust source's spawn-then-deregister
// pattern in run_server.
func (s *agentSession) run(ctx context.Context) {
	defer func() {
		s.events <- agentDeregistered{agentID: s.agentID}
	}()

	if !s.authenticate() {
		s.conn.Close()
		return
	}

	for {
		verb, err := relay.ReadLine(s.conn)
		if err != nil {
			s.logger.DLogf("agent %s: control read ended: %s", s.remoteAddr, err)
			s.conn.Close()
			return
		}

		switch verb {
		case relay.VerbNewAgent:
			groupName, err := relay.ReadArg(s.conn, "groupName")
			if err != nil {
				s.logger.WLogf("agent %s: %s", s.remoteAddr, err)
				s.conn.Close()
				return
			}
			if err := relay.WriteOK(s.conn); err != nil {
				s.logger.WLogf("agent %s: writing OK: %s", s.remoteAddr, err)
				s.conn.Close()
				return
			}
			s.events <- agentRegistered{
				agentID:    s.agentID,
				groupName:  groupName,
				remoteAddr: s.remoteAddr,
				orders:     s.orders,
			}
			s.controlLoop(ctx)
			s.conn.Close()
			return

		case relay.VerbConnect:
			connectionID, err := relay.ReadArg(s.conn, "connectionId")
			if err != nil {
				s.logger.WLogf("agent %s: %s", s.remoteAddr, err)
				s.conn.Close()
				return
			}
			s.logger.ILogf("agent %s: data stream for connection %s", s.remoteAddr, connectionID)
			// Ownership of s.conn transfers to the broker's splice task: no
			// further framed reads happen on it, and this session ends
			// without closing it.
			s.events <- agentConnected{
				agentID:      s.agentID,
				connectionID: connectionID,
				remoteAddr:   s.remoteAddr,
				stream:       s.conn,
			}
			return

		case relay.VerbCancelConnection:
			connectionID, err := relay.ReadArg(s.conn, "connectionId")
			if err != nil {
				s.logger.WLogf("agent %s: %s", s.remoteAddr, err)
				s.conn.Close()
				return
			}
			s.logger.ILogf("agent %s: cancelled connection %s", s.remoteAddr, connectionID)
			s.events <- agentCancelled{connectionID: connectionID}
			s.conn.Close()
			return

		default:
			s.logger.WLogf("agent %s: unrecognized command %q, dropping connection", s.remoteAddr, verb)
			s.conn.Close()
			return
		}
	}
}

// authenticate enforces that the first verb is PRE_SHARED_KEY with the
// exact configured key. No further verbs are accepted until this passes
// (spec §4.D).
func (s *agentSession) authenticate() bool {
	verb, err := relay.ReadLine(s.conn)
	if err != nil {
		return false
	}
	if verb != relay.VerbPreSharedKey {
		s.logger.WLogf("agent %s: tried %q before authenticating, dropping connection", s.remoteAddr, verb)
		return false
	}
	key, err := relay.ReadArg(s.conn, "preSharedKey")
	if err != nil {
		return false
	}
	if key != s.psk {
		s.logger.WLogf("agent %s: sent wrong pre-shared key, closing connection", s.remoteAddr)
		return false
	}
	return true
}

// controlLoop is only reached after NEW_AGENT. It selects among the next
// framed verb, a keep-alive tick, a broker order, and ctx cancellation
// (spec §4.D, §5).
func (s *agentSession) controlLoop(ctx context.Context) {
	lines := make(chan string, 1)
	readErrs := make(chan error, 1)
	go func() {
		for {
			line, err := relay.ReadLine(s.conn)
			if err != nil {
				readErrs <- err
				return
			}
			lines <- line
		}
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := relay.WriteKeepAlive(s.conn); err != nil {
				s.logger.WLogf("agent %s: writing keep-alive: %s", s.remoteAddr, err)
				return
			}

		case err := <-readErrs:
			s.logger.DLogf("agent %s: control stream closed: %s", s.remoteAddr, err)
			return

		case verb := <-lines:
			switch verb {
			case relay.VerbOK, relay.VerbKeepAlive:
				// no-op heartbeats/acks
			default:
				s.logger.WLogf("agent %s: unexpected verb on control stream: %q", s.remoteAddr, verb)
			}

		case order := <-s.orders:
			switch o := order.(type) {
			case agentConnectOrder:
				if err := relay.WriteAgentConnect(s.conn, o.destAddress, o.connectionID); err != nil {
					s.logger.WLogf("agent %s: writing CONNECT order: %s", s.remoteAddr, err)
					return
				}
			}
		}
	}
}
