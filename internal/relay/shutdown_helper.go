package relay

import (
	"context"
	"sync"
)

// OnceShutdownHandler is implemented by the object managed by a ShutdownHelper.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine, with
	// completionErr as an advisory completion value. It should actually shut
	// down, then return the real completion value.
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is implemented by objects that provide asynchronous shutdown.
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown. Idempotent.
	StartShutdown(completionErr error)

	// ShutdownDoneChan is closed once shutdown has completed.
	ShutdownDoneChan() <-chan struct{}

	// WaitShutdown blocks until shutdown is complete and returns the final status.
	WaitShutdown() error
}

// ShutdownHelper is a base that manages start-once/shutdown-once lifecycle
// for an object that implements OnceShutdownHandler, including composing
// shutdown of child AsyncShutdowners.
type ShutdownHelper struct {
	Logger

	lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	isStartedShutdown bool
	isDoneShutdown    bool
	shutdownErr       error

	shutdownStartedChan chan struct{}
	shutdownHandlerDone chan struct{}
	shutdownDoneChan    chan struct{}

	wg sync.WaitGroup
}

// InitShutdownHelper initializes a ShutdownHelper in place.
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDone = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// StartShutdown schedules asynchronous shutdown. Only the first call has effect.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	h.lock.Lock()
	if h.isStartedShutdown {
		h.lock.Unlock()
		return
	}
	h.isStartedShutdown = true
	h.shutdownErr = completionErr
	h.lock.Unlock()

	close(h.shutdownStartedChan)
	go func() {
		h.shutdownErr = h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		close(h.shutdownHandlerDone)
		h.wg.Wait()
		h.lock.Lock()
		h.isDoneShutdown = true
		h.lock.Unlock()
		close(h.shutdownDoneChan)
	}()
}

// ShutdownStartedChan is closed as soon as shutdown is initiated.
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownDoneChan is closed after shutdown has completed.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// IsStartedShutdown returns true once StartShutdown has been called.
func (h *ShutdownHelper) IsStartedShutdown() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.isStartedShutdown
}

// WaitShutdown blocks until shutdown is complete, then returns the final status.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	return h.shutdownErr
}

// Shutdown initiates shutdown if not already started, waits for completion,
// and returns the final status.
func (h *ShutdownHelper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// Close shuts down with a nil advisory completion status.
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// ShutdownOnContext begins background monitoring of ctx, starting shutdown
// with ctx.Err() if it completes before shutdown otherwise begins.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// AddShutdownChild registers child so that, once this helper's own
// HandleOnceShutdown has returned, child is shut down (if not already) with
// the same advisory error, and this helper's shutdown waits for it.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDone:
			child.StartShutdown(h.shutdownErr)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
