// Package broker implements the server-side core of the reverse-tunnel
// relay: Component F (the single-tasked event loop that owns all server
// state), Component D (per-agent control sessions), and Component E
// (per-service client listeners). Grounded on
// original_source/src/server.rs's run_server/agent_control_thread/
// service_control_thread/reconcile_agents_and_services.
package broker

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/go-munnel/munnel/internal/relay"
)

// maxAgentConnections is the cap on registered-plus-in-flight-unauthenticated
// agent control connections (spec §5's CapacityExceeded policy).
const maxAgentConnections = 1000

// reconcileInterval is how often the broker re-evaluates which services
// have a supporting agent (spec §5).
const reconcileInterval = 1000 * time.Millisecond

// channelCapacity bounds every broker-facing message channel (spec §5).
const channelCapacity = 1000

// agentRegistration is the broker's bookkeeping for one authenticated,
// registered agent (spec §3's AgentRegistration entity).
type agentRegistration struct {
	agentID    string
	groupName  string
	remoteAddr string
	seq        int64
	orders     chan<- agentOrder
}

// pendingConnection is the broker's bookkeeping for a client stream
// awaiting its agent-originated data stream (spec §3's PendingConnection
// entity).
type pendingConnection struct {
	connectionID     string
	serviceName      string
	clientStream     net.Conn
	clientRemoteAddr string
	agentDestAddress string
}

// serviceHandle is the broker's bookkeeping for an active service listener
// (spec §3's ServiceListenerHandle entity). orders is nil until the
// listener has bound and sent serviceRegistered.
type serviceHandle struct {
	serviceName      string
	agentDestAddress string
	counter          int
	orders           chan<- serviceOrder
}

// Broker is Component F: the single-tasked server event loop. It
// exclusively owns agentsByGroup, servicesByName, and pendingByID; every
// other task (agent-session, service-listener, splice) reaches it only
// through agentEvents/serviceEvents, never a shared reference (spec §5).
type Broker struct {
	relay.ShutdownHelper

	configs     []relay.ServiceConfig
	configByName map[string]relay.ServiceConfig
	bindAddress string
	psk         string
	logger      relay.Logger

	agentEvents   chan agentEvent
	serviceEvents chan serviceEvent

	agentsByGroup  map[string]map[string]*agentRegistration
	servicesByName map[string]*serviceHandle
	pendingByID    map[string]*pendingConnection

	agentSessionCount int
	agentSeq          int64

	// agentConnTotal/agentConnOpen track all-time and currently-open agent
	// control connections; they back Stats()/the /stats admin endpoint.
	// Both are only ever touched from the single event-loop goroutine
	// except via the atomic ops below, which let Stats() be called
	// concurrently from relay.StatusServer's HTTP handler goroutine.
	agentConnTotal int32
	agentConnOpen  int32

	listener net.Listener
	running  int32
}

// NewBroker creates a Broker for the given merged service configuration
// set, agent control bind address, and pre-shared key.
func NewBroker(configs []relay.ServiceConfig, bindAddress, psk string, logger relay.Logger) *Broker {
	b := &Broker{
		configs:        configs,
		configByName:   make(map[string]relay.ServiceConfig, len(configs)),
		bindAddress:    bindAddress,
		psk:            psk,
		logger:         logger,
		agentEvents:    make(chan agentEvent, channelCapacity),
		serviceEvents:  make(chan serviceEvent, channelCapacity),
		agentsByGroup:  make(map[string]map[string]*agentRegistration),
		servicesByName: make(map[string]*serviceHandle),
		pendingByID:    make(map[string]*pendingConnection),
	}
	for _, c := range configs {
		if _, exists := b.configByName[c.ServiceName]; !exists {
			b.configByName[c.ServiceName] = c
		}
		b.logger.ILogf("service config - name: %s, agent group: %q, bind: %s, dest: %s",
			c.ServiceName, c.AgentGroupName, c.ServerBindEndpoint, c.AgentServiceEndpoint)
	}
	b.InitShutdownHelper(logger, b)
	return b
}

// HandleOnceShutdown closes the agent control listener, unblocking Run.
func (b *Broker) HandleOnceShutdown(completionErr error) error {
	if b.listener != nil {
		if err := b.listener.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// IsAlive reports whether the broker's event loop is currently running;
// it backs relay.StatusServer's /health handler.
func (b *Broker) IsAlive() bool {
	return atomic.LoadInt32(&b.running) == 1
}

// Stats reports the currently-open and total agent control connection
// counts; it backs relay.StatusServer's /stats handler.
func (b *Broker) Stats() string {
	return fmt.Sprintf("agents [%d/%d]", atomic.LoadInt32(&b.agentConnOpen), atomic.LoadInt32(&b.agentConnTotal))
}

// Run binds the agent control endpoint and runs the broker's event loop
// until ctx is cancelled or a fatal accept error occurs. If no service
// configs were supplied, it returns immediately (spec §4.F: "no hot
// reload in this design").
func (b *Broker) Run(ctx context.Context) error {
	if len(b.configs) == 0 {
		b.logger.ELogf("no service configurations supplied; exiting")
		return nil
	}

	ln, err := net.Listen("tcp", b.bindAddress)
	if err != nil {
		b.logger.ELogf("could not listen on %s: %s", b.bindAddress, err)
		return err
	}
	b.listener = ln
	defer ln.Close()

	b.logger.ILogf("listening for agent control connections on %s", b.bindAddress)

	sessionCtx, cancelSessions := context.WithCancel(ctx)
	defer cancelSessions()

	b.ShutdownOnContext(ctx)
	atomic.StoreInt32(&b.running, 1)
	defer atomic.StoreInt32(&b.running, 0)

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			accepted <- acceptResult{conn, err}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case res := <-accepted:
			if res.err != nil {
				b.logger.DLogf("agent control accept ended: %s", res.err)
				return nil
			}
			b.handleAccept(sessionCtx, res.conn)

		case ev := <-b.agentEvents:
			b.handleAgentEvent(sessionCtx, ev)

		case ev := <-b.serviceEvents:
			b.handleServiceEvent(ev)

		case <-ticker.C:
			b.reconcile(sessionCtx)
		}
	}
}

func (b *Broker) handleAccept(ctx context.Context, conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	b.logger.ILogf("accepted agent control connection from %s", remoteAddr)

	if b.agentSessionCount >= maxAgentConnections {
		b.logger.ELogf("closing new agent connection from %s: exceeded max agent connections", remoteAddr)
		conn.Close()
		return
	}

	b.agentSessionCount++
	atomic.AddInt32(&b.agentConnTotal, 1)
	atomic.AddInt32(&b.agentConnOpen, 1)
	agentID := relay.NewID()
	session := newAgentSession(agentID, conn, b.psk, b.agentEvents, b.logger.Fork("agent %s", remoteAddr))
	go session.run(ctx)
}

func (b *Broker) handleAgentEvent(ctx context.Context, ev agentEvent) {
	switch e := ev.(type) {
	case agentRegistered:
		if e.groupName != "" {
			b.logger.ILogf("agent %s connected (group %q)", e.remoteAddr, e.groupName)
		} else {
			b.logger.ILogf("agent %s connected (all groups)", e.remoteAddr)
		}
		group, ok := b.agentsByGroup[e.groupName]
		if !ok {
			group = make(map[string]*agentRegistration)
			b.agentsByGroup[e.groupName] = group
		}
		b.agentSeq++
		group[e.agentID] = &agentRegistration{
			agentID:    e.agentID,
			groupName:  e.groupName,
			remoteAddr: e.remoteAddr,
			seq:        b.agentSeq,
			orders:     e.orders,
		}
		b.reconcile(ctx)

	case agentConnected:
		pc, ok := b.pendingByID[e.connectionID]
		if !ok {
			b.logger.ELogf("agent %s reported CONNECT for unknown connection %s", e.remoteAddr, e.connectionID)
			e.stream.Close()
			return
		}
		delete(b.pendingByID, e.connectionID)
		b.logger.ILogf("proxying connection %s from %s to %s (%s) for service %q",
			e.connectionID, e.remoteAddr, pc.clientRemoteAddr, pc.agentDestAddress, pc.serviceName)
		go func() {
			sent, received := relay.Pipe(pc.clientStream, e.stream)
			b.logger.ILogf("connection %s for service %q closed: %s from agent, %s from client",
				e.connectionID, pc.serviceName, sizestr.ToString(received), sizestr.ToString(sent))
		}()

	case agentCancelled:
		if pc, ok := b.pendingByID[e.connectionID]; ok {
			delete(b.pendingByID, e.connectionID)
			pc.clientStream.Close()
		}
		b.logger.ILogf("cancelled connection %s", e.connectionID)

	case agentDeregistered:
		b.agentSessionCount--
		atomic.AddInt32(&b.agentConnOpen, -1)
		for groupName, group := range b.agentsByGroup {
			if reg, ok := group[e.agentID]; ok {
				delete(group, e.agentID)
				b.logger.ILogf("deregistered agent %s", reg.remoteAddr)
				if len(group) == 0 {
					delete(b.agentsByGroup, groupName)
				}
			}
		}
		b.reconcile(ctx)
	}
}

func (b *Broker) handleServiceEvent(ev serviceEvent) {
	switch e := ev.(type) {
	case serviceRegistered:
		if handle, ok := b.servicesByName[e.serviceName]; ok {
			handle.orders = e.orders
			b.logger.ILogf("registered service %q", e.serviceName)
		}

	case serviceClientConnected:
		handle, ok := b.servicesByName[e.serviceName]
		if !ok {
			b.logger.ELogf("client connection for unknown service %q", e.serviceName)
			e.stream.Close()
			return
		}

		candidates := b.candidateAgents(e.serviceName)
		if len(candidates) == 0 {
			b.logger.ELogf("no agent available to handle connection from %s for service %q", e.remoteAddr, e.serviceName)
			e.stream.Close()
			return
		}

		connectionID := relay.NewID()
		b.pendingByID[connectionID] = &pendingConnection{
			connectionID:     connectionID,
			serviceName:      e.serviceName,
			clientStream:     e.stream,
			clientRemoteAddr: e.remoteAddr,
			agentDestAddress: handle.agentDestAddress,
		}

		idx := handle.counter % len(candidates)
		handle.counter++
		chosen := candidates[idx]

		b.logger.ILogf("selected agent %s in group %q for connection from %s, connection %s: proxying to %s",
			chosen.remoteAddr, chosen.groupName, e.remoteAddr, connectionID, handle.agentDestAddress)

		chosen.orders <- agentConnectOrder{
			destAddress:  handle.agentDestAddress,
			connectionID: connectionID,
		}

	case serviceDeregistered:
		delete(b.servicesByName, e.serviceName)
		b.logger.ILogf("deregistered service %q", e.serviceName)
	}
}

// candidateAgents returns the agents eligible to serve serviceName: the
// union of agents in group "" and agents in the service's own configured
// group (spec §9's resolution of the candidate-set Open Question), ordered
// by registration sequence so round-robin selection is deterministic.
func (b *Broker) candidateAgents(serviceName string) []*agentRegistration {
	cfg, ok := b.configByName[serviceName]
	if !ok {
		return nil
	}

	var candidates []*agentRegistration
	if group, ok := b.agentsByGroup[""]; ok {
		for _, a := range group {
			candidates = append(candidates, a)
		}
	}
	if cfg.AgentGroupName != "" {
		if group, ok := b.agentsByGroup[cfg.AgentGroupName]; ok {
			for _, a := range group {
				candidates = append(candidates, a)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	return candidates
}

// reconcile starts a listener for every service with at least one
// candidate agent and no running listener, and shuts down listeners for
// services that have lost their last candidate agent (spec §4.F).
func (b *Broker) reconcile(ctx context.Context) {
	for _, cfg := range b.configs {
		canSupport := b.hasCandidate(cfg.AgentGroupName)

		if canSupport {
			if _, exists := b.servicesByName[cfg.ServiceName]; exists {
				continue
			}
			b.logger.ILogf("registering new service %q", cfg.ServiceName)
			b.servicesByName[cfg.ServiceName] = &serviceHandle{
				serviceName:      cfg.ServiceName,
				agentDestAddress: cfg.AgentServiceEndpoint,
				counter:          1,
			}
			listener := newServiceListener(cfg.ServiceName, cfg.ServerBindEndpoint, b.serviceEvents, b.logger.Fork("service %s", cfg.ServiceName))
			go listener.run(ctx)
		} else if handle, exists := b.servicesByName[cfg.ServiceName]; exists && handle.orders != nil {
			handle.orders <- serviceShutdownOrder{}
		}
	}
}

func (b *Broker) hasCandidate(groupName string) bool {
	if group, ok := b.agentsByGroup[""]; ok && len(group) > 0 {
		return true
	}
	if groupName != "" {
		if group, ok := b.agentsByGroup[groupName]; ok && len(group) > 0 {
			return true
		}
	}
	return false
}
