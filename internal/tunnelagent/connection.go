package tunnelagent

import (
	"net"

	"github.com/jpillora/sizestr"

	"github.com/go-munnel/munnel/internal/relay"
)

// proxyConnection is Component C's per-CONNECT task. Grounded on
// original_source/src/agent.rs's proxy_connection: dial the internal
// destination, then open a second control connection back to the
// server to present it as the data half of connectionID. If the
// destination dial fails, it tells the server to give up on this
// connection instead of silently leaving the client hanging (spec
// §4.C).
func proxyConnection(logger relay.Logger, serverEndpoint, psk, destAddress, connectionID string) {
	destConn, err := net.Dial("tcp", destAddress)
	if err != nil {
		logger.ELogf("connection %s: could not dial destination %s: %s", connectionID, destAddress, err)
		sendCancelConnection(logger, serverEndpoint, psk, connectionID)
		return
	}

	serverConn, err := net.Dial("tcp", serverEndpoint)
	if err != nil {
		logger.ELogf("connection %s: could not reconnect to server %s: %s", connectionID, serverEndpoint, err)
		destConn.Close()
		return
	}

	if err := relay.WriteDataConnect(serverConn, psk, connectionID); err != nil {
		logger.ELogf("connection %s: could not open data stream: %s", connectionID, err)
		destConn.Close()
		serverConn.Close()
		return
	}

	logger.ILogf("connection %s: proxying between %s and %s", connectionID, serverEndpoint, destAddress)
	sent, received := relay.Pipe(serverConn, destConn)
	logger.ILogf("connection %s closed: %s sent, %s received", connectionID, sizestr.ToString(sent), sizestr.ToString(received))
}

// sendCancelConnection opens a short-lived control connection to tell the
// server to discard a pending connection it cannot service (spec §9's
// resolution of the cancellation-authentication Open Question: the stream
// authenticates with PRE_SHARED_KEY before CANCEL_CONNECTION).
func sendCancelConnection(logger relay.Logger, serverEndpoint, psk, connectionID string) {
	conn, err := net.Dial("tcp", serverEndpoint)
	if err != nil {
		logger.ELogf("connection %s: could not reach server %s to cancel: %s", connectionID, serverEndpoint, err)
		return
	}
	defer conn.Close()
	if err := relay.WriteCancelConnection(conn, psk, connectionID); err != nil {
		logger.ELogf("connection %s: could not send cancellation: %s", connectionID, err)
	}
}
