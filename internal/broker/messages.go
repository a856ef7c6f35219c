package broker

import "net"

// agentEvent is the tagged-variant envelope an agent-session (Component D)
// sends to the broker (Component F), replacing the single
// optional-field AppCommand struct of original_source/src/server.rs per
// spec §9's redesign guidance: one case per verb/message.
type agentEvent interface {
	isAgentEvent()
}

// agentRegistered is sent once, after NEW_AGENT has been acknowledged.
// orders is the session-local channel the broker uses to push CONNECT
// orders back to this agent.
type agentRegistered struct {
	agentID    string
	groupName  string
	remoteAddr string
	orders     chan<- agentOrder
}

func (agentRegistered) isAgentEvent() {}

// agentConnected is sent when this session's stream received a CONNECT,
// i.e. it is the data half for connectionID. stream is handed off entirely
// -- the session never touches it again after sending this event.
type agentConnected struct {
	agentID      string
	connectionID string
	remoteAddr   string
	stream       net.Conn
}

func (agentConnected) isAgentEvent() {}

// agentCancelled is sent when this session's stream received CANCEL_CONNECTION.
type agentCancelled struct {
	connectionID string
}

func (agentCancelled) isAgentEvent() {}

// agentDeregistered is sent exactly once, when an agent-session's loop ends.
type agentDeregistered struct {
	agentID string
}

func (agentDeregistered) isAgentEvent() {}

// agentOrder is the tagged-variant envelope the broker sends to an
// individual agent-session's inbox.
type agentOrder interface {
	isAgentOrder()
}

// agentConnectOrder instructs the agent-session to write CONNECT,
// destAddress, connectionID to its agent.
type agentConnectOrder struct {
	destAddress  string
	connectionID string
}

func (agentConnectOrder) isAgentOrder() {}

// serviceEvent is the tagged-variant envelope a service-listener
// (Component E) sends to the broker.
type serviceEvent interface {
	isServiceEvent()
}

// serviceRegistered is sent once a service-listener's bind succeeds.
type serviceRegistered struct {
	serviceName string
	orders      chan<- serviceOrder
}

func (serviceRegistered) isServiceEvent() {}

// serviceClientConnected is sent for every accepted client connection.
type serviceClientConnected struct {
	serviceName string
	stream      net.Conn
	remoteAddr  string
}

func (serviceClientConnected) isServiceEvent() {}

// serviceDeregistered is sent exactly once, when a service-listener's
// accept loop ends.
type serviceDeregistered struct {
	serviceName string
}

func (serviceDeregistered) isServiceEvent() {}

// serviceOrder is the tagged-variant envelope the broker sends to an
// individual service-listener's inbox.
type serviceOrder interface {
	isServiceOrder()
}

// serviceShutdownOrder instructs the listener to stop accepting and exit.
type serviceShutdownOrder struct{}

func (serviceShutdownOrder) isServiceOrder() {}
