package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-munnel/munnel/internal/relay"
)

func TestAgentSessionRejectsWrongKey(t *testing.T) {
	conn, peer := net.Pipe()
	events := make(chan agentEvent, 10)
	s := newAgentSession("agent1", conn, "correct-key", events, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.run(ctx)

	relay.WritePreSharedKey(peer, "wrong-key")

	select {
	case ev := <-events:
		if _, ok := ev.(agentDeregistered); !ok {
			t.Fatalf("got %T, want agentDeregistered after a failed authentication", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for agentDeregistered")
	}

	peer.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := peer.Read(buf); err == nil {
		t.Fatalf("session should close the stream after a bad pre-shared key")
	}
}

func TestAgentSessionRegistersOnNewAgent(t *testing.T) {
	conn, peer := net.Pipe()
	events := make(chan agentEvent, 10)
	s := newAgentSession("agent1", conn, "key1", events, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.run(ctx)

	relay.WritePreSharedKey(peer, "key1")
	relay.WriteNewAgent(peer, "east")

	reply, err := relay.ReadLine(peer)
	if err != nil || reply != relay.VerbOK {
		t.Fatalf("got (%q, %v), want OK", reply, err)
	}

	select {
	case ev := <-events:
		reg, ok := ev.(agentRegistered)
		if !ok {
			t.Fatalf("got %T, want agentRegistered", ev)
		}
		if reg.groupName != "east" || reg.agentID != "agent1" {
			t.Fatalf("got %+v, want group=east agentID=agent1", reg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for agentRegistered")
	}

	cancel()
	peer.Close()
}

func TestAgentSessionConnectTransfersStreamOwnership(t *testing.T) {
	conn, peer := net.Pipe()
	events := make(chan agentEvent, 10)
	s := newAgentSession("agent1", conn, "key1", events, testLogger())

	ctx := context.Background()
	go s.run(ctx)

	relay.WritePreSharedKey(peer, "key1")
	relay.WriteLines(peer, relay.VerbConnect, "conn-1")

	select {
	case ev := <-events:
		connected, ok := ev.(agentConnected)
		if !ok {
			t.Fatalf("got %T, want agentConnected", ev)
		}
		if connected.connectionID != "conn-1" {
			t.Fatalf("got connectionID %q, want conn-1", connected.connectionID)
		}
		if connected.stream != conn {
			t.Fatalf("agentConnected.stream must be the original stream, ownership transfers without re-wrapping")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for agentConnected")
	}
}

func TestAgentSessionCancelConnection(t *testing.T) {
	conn, peer := net.Pipe()
	events := make(chan agentEvent, 10)
	s := newAgentSession("agent1", conn, "key1", events, testLogger())

	go s.run(context.Background())

	relay.WritePreSharedKey(peer, "key1")
	relay.WriteLines(peer, relay.VerbCancelConnection, "conn-9")

	select {
	case ev := <-events:
		c, ok := ev.(agentCancelled)
		if !ok {
			t.Fatalf("got %T, want agentCancelled", ev)
		}
		if c.connectionID != "conn-9" {
			t.Fatalf("got connectionID %q, want conn-9", c.connectionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for agentCancelled")
	}
}
