package relay

import (
	"fmt"
	"io"
)

// Control verbs, one per line, case-sensitive ASCII (spec §4.B).
const (
	VerbPreSharedKey     = "PRE_SHARED_KEY"
	VerbNewAgent         = "NEW_AGENT"
	VerbConnect          = "CONNECT"
	VerbCancelConnection = "CANCEL_CONNECTION"
	VerbKeepAlive        = "KEEP_ALIVE"
	VerbOK               = "OK"
)

// WritePreSharedKey writes the PRE_SHARED_KEY handshake line pair.
func WritePreSharedKey(w io.Writer, key string) error {
	return WriteLines(w, VerbPreSharedKey, key)
}

// WriteNewAgent writes the NEW_AGENT registration line pair.
func WriteNewAgent(w io.Writer, groupName string) error {
	return WriteLines(w, VerbNewAgent, groupName)
}

// WriteOK writes a bare OK acknowledgement line.
func WriteOK(w io.Writer) error {
	return WriteLine(w, VerbOK)
}

// WriteKeepAlive writes a bare KEEP_ALIVE heartbeat line.
func WriteKeepAlive(w io.Writer) error {
	return WriteLine(w, VerbKeepAlive)
}

// WriteAgentConnect writes the server->agent CONNECT order: destAddress
// then connectionId.
func WriteAgentConnect(w io.Writer, destAddress, connectionID string) error {
	return WriteLines(w, VerbConnect, destAddress, connectionID)
}

// WriteDataConnect writes the agent->server data-stream opener:
// PRE_SHARED_KEY/key followed by CONNECT/connectionId.
func WriteDataConnect(w io.Writer, key, connectionID string) error {
	return WriteLines(w, VerbPreSharedKey, key, VerbConnect, connectionID)
}

// WriteCancelConnection writes the agent->server cancellation: the
// authenticated PRE_SHARED_KEY/key pair followed by
// CANCEL_CONNECTION/connectionId (spec §9's resolution of the
// unauthenticated-cancellation Open Question).
func WriteCancelConnection(w io.Writer, key, connectionID string) error {
	return WriteLines(w, VerbPreSharedKey, key, VerbCancelConnection, connectionID)
}

// ReadArg reads exactly one more framed line, treating EOF/closed-without-data
// as a protocol error described by what (e.g. "groupName", "connectionId").
func ReadArg(r io.Reader, what string) (string, error) {
	line, err := ReadLine(r)
	if err != nil {
		return "", fmt.Errorf("relay: reading %s: %w", what, err)
	}
	return line, nil
}
