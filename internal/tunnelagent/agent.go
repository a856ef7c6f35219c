// Package tunnelagent implements Component C: the process that runs
// inside a private network, dials out to the broker's control endpoint,
// and on CONNECT orders dials internal destinations and proxies bytes.
// Grounded on original_source/src/agent.rs's run_agent/proxy_connection.
package tunnelagent

import (
	"context"
	"net"
	"time"

	"github.com/jpillora/backoff"

	"github.com/go-munnel/munnel/internal/relay"
)

// keepAliveInterval matches the broker's own heartbeat cadence (spec §5).
const keepAliveInterval = 5000 * time.Millisecond

// reconnectInterval is the fixed delay between reconnect attempts (spec
// §5). It is expressed as a degenerate backoff.Backoff (Min == Max) so
// the agent reuses the teacher's retry idiom instead of hand-rolling a
// timer, even though the spec calls for a constant interval rather than
// exponential backoff.
const reconnectInterval = 5000 * time.Millisecond

// Agent is Component C.
type Agent struct {
	relay.ShutdownHelper

	groupName      string
	serverEndpoint string
	psk            string
	logger         relay.Logger
}

// NewAgent creates an Agent that will register in groupName (empty string
// for "any service") against serverEndpoint.
func NewAgent(groupName, serverEndpoint, psk string, logger relay.Logger) *Agent {
	a := &Agent{
		groupName:      groupName,
		serverEndpoint: serverEndpoint,
		psk:            psk,
		logger:         logger,
	}
	a.InitShutdownHelper(logger, a)
	return a
}

// HandleOnceShutdown has nothing to release directly; each dialed
// connection is owned and closed by the loop that created it.
func (a *Agent) HandleOnceShutdown(completionErr error) error {
	return completionErr
}

// Run dials, registers, and services control commands until ctx is
// cancelled, reconnecting on a fixed interval after every disconnect
// (spec §5).
func (a *Agent) Run(ctx context.Context) error {
	a.ILogf("running in agent mode - group: %q, server: %s", a.groupName, a.serverEndpoint)
	a.ShutdownOnContext(ctx)

	b := &backoff.Backoff{Min: reconnectInterval, Max: reconnectInterval}

	for !a.IsStartedShutdown() {
		a.runOnce(ctx)

		if ctx.Err() != nil || a.IsStartedShutdown() {
			break
		}

		d := b.Duration()
		a.ILogf("waiting %s before reconnecting...", d)
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
	}
	return a.Shutdown(nil)
}

// runOnce dials the server, performs the PRE_SHARED_KEY/NEW_AGENT
// handshake, and -- on success -- runs the control loop until the
// connection ends.
func (a *Agent) runOnce(ctx context.Context) {
	a.ILogf("connecting to %s...", a.serverEndpoint)
	conn, err := net.Dial("tcp", a.serverEndpoint)
	if err != nil {
		a.ELogf("failed to connect to server: %s", err)
		return
	}
	defer conn.Close()

	if err := relay.WritePreSharedKey(conn, a.psk); err != nil {
		a.ELogf("could not send pre-shared key: %s", err)
		return
	}
	if err := relay.WriteNewAgent(conn, a.groupName); err != nil {
		a.ELogf("could not send NEW_AGENT: %s", err)
		return
	}

	reply, err := relay.ReadLine(conn)
	if err != nil {
		a.ELogf("error reading registration response: %s", err)
		return
	}
	if reply != relay.VerbOK {
		a.ELogf("unrecognized server response %q, aborting", reply)
		return
	}

	a.ILogf("connected to %s and awaiting connection commands", a.serverEndpoint)
	a.controlLoop(ctx, conn)
}

// controlMessage is a fully-decoded line off the control connection. CONNECT
// carries destAddress/connectionID already read off the wire by the same
// goroutine that read the verb: nothing downstream ever issues a second,
// competing read against conn for a verb's trailing argument lines.
type controlMessage struct {
	verb         string
	destAddress  string
	connectionID string
}

// controlLoop reads framed verbs off the control connection, dispatching
// CONNECT to a new proxyConnection goroutine, while independently writing
// KEEP_ALIVE on a fixed tick (spec §4.C, §5).
func (a *Agent) controlLoop(ctx context.Context, conn net.Conn) {
	lines := make(chan controlMessage, 1)
	readErrs := make(chan error, 1)
	go func() {
		for {
			verb, err := relay.ReadLine(conn)
			if err != nil {
				readErrs <- err
				return
			}
			msg := controlMessage{verb: verb}
			if verb == relay.VerbConnect {
				destAddress, err := relay.ReadArg(conn, "destAddress")
				if err != nil {
					readErrs <- err
					return
				}
				connectionID, err := relay.ReadArg(conn, "connectionId")
				if err != nil {
					readErrs <- err
					return
				}
				msg.destAddress = destAddress
				msg.connectionID = connectionID
			}
			lines <- msg
		}
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-a.ShutdownStartedChan():
			return

		case <-ticker.C:
			if err := relay.WriteKeepAlive(conn); err != nil {
				a.ELogf("could not write keep-alive to server: %s", err)
				return
			}

		case err := <-readErrs:
			a.WLogf("agent control connection closed: %s", err)
			return

		case msg := <-lines:
			switch msg.verb {
			case relay.VerbOK, relay.VerbKeepAlive:
				// no-op heartbeats/acks

			case relay.VerbConnect:
				logger := a.logger.Fork("connection %s", msg.connectionID)
				go proxyConnection(logger, a.serverEndpoint, a.psk, msg.destAddress, msg.connectionID)

			default:
				a.WLogf("unrecognized command %q from server", msg.verb)
			}
		}
	}
}
