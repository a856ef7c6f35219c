package broker

import (
	"context"
	"net"

	"github.com/go-munnel/munnel/internal/relay"
)

// serviceListener is Component E: one per active service, accepting client
// connections on the service's bind endpoint. Grounded on
// original_source/src/server.rs's service_control_thread.
type serviceListener struct {
	serviceName string
	bindAddress string
	logger      relay.Logger

	events chan<- serviceEvent
	orders chan serviceOrder
}

func newServiceListener(serviceName, bindAddress string, events chan<- serviceEvent, logger relay.Logger) *serviceListener {
	return &serviceListener{
		serviceName: serviceName,
		bindAddress: bindAddress,
		logger:      logger,
		events:      events,
		orders:      make(chan serviceOrder, 1000),
	}
}

// run binds bindAddress, registers with the broker, then accepts client
// connections until a SHUTDOWN order arrives, ctx is cancelled, or the
// listener errors. It always sends exactly one serviceDeregistered event
// before returning.
func (l *serviceListener) run(ctx context.Context) {
	defer func() {
		l.events <- serviceDeregistered{serviceName: l.serviceName}
	}()

	ln, err := net.Listen("tcp", l.bindAddress)
	if err != nil {
		l.logger.ELogf("service %s: could not listen on %s: %s", l.serviceName, l.bindAddress, err)
		return
	}
	defer ln.Close()

	l.logger.ILogf("service %s: listening on %s", l.serviceName, l.bindAddress)
	l.events <- serviceRegistered{serviceName: l.serviceName, orders: l.orders}

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

	for {
		select {
		case <-ctx.Done():
			return

		case order := <-l.orders:
			switch order.(type) {
			case serviceShutdownOrder:
				l.logger.ILogf("service %s: shutting down listener", l.serviceName)
				return
			}

		case res := <-accepted:
			if res.err != nil {
				l.logger.ELogf("service %s: accept error: %s", l.serviceName, res.err)
				return
			}
			remoteAddr := res.conn.RemoteAddr().String()
			l.logger.ILogf("service %s: accepted connection from %s", l.serviceName, remoteAddr)
			l.events <- serviceClientConnected{
				serviceName: l.serviceName,
				stream:      res.conn,
				remoteAddr:  remoteAddr,
			}
		}
	}
}
