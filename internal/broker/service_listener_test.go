package broker

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestServiceListenerRegistersAndAcceptsThenShutsDown(t *testing.T) {
	events := make(chan serviceEvent, 10)
	l := newServiceListener("web", "127.0.0.1:0", events, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.run(ctx)

	select {
	case ev := <-events:
		reg, ok := ev.(serviceRegistered)
		if !ok {
			t.Fatalf("got %T, want serviceRegistered", ev)
		}
		if reg.serviceName != "web" {
			t.Fatalf("got serviceName %q, want web", reg.serviceName)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for serviceRegistered")
	}

	l.orders <- serviceShutdownOrder{}

	select {
	case ev := <-events:
		if _, ok := ev.(serviceDeregistered); !ok {
			t.Fatalf("got %T, want serviceDeregistered after SHUTDOWN", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for serviceDeregistered")
	}
}

func TestServiceListenerAcceptsClientConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("could not reserve a port: %s", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	events := make(chan serviceEvent, 10)
	l := newServiceListener("web", addr, events, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.run(ctx)

	select {
	case ev := <-events:
		if _, ok := ev.(serviceRegistered); !ok {
			t.Fatalf("got %T, want serviceRegistered", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for serviceRegistered")
	}

	client, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("could not dial service listener: %s", err)
	}
	defer client.Close()

	select {
	case ev := <-events:
		cc, ok := ev.(serviceClientConnected)
		if !ok {
			t.Fatalf("got %T, want serviceClientConnected", ev)
		}
		if cc.serviceName != "web" {
			t.Fatalf("got serviceName %q, want web", cc.serviceName)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for serviceClientConnected")
	}
}
