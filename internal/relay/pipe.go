package relay

import (
	"io"
	"sync"
)

// Pipe is Component G: it concurrently copies bytes in both directions
// between a and b until both directions have reached EOF and both streams
// are closed. It returns (bytesAtoB, bytesBtoA) -- the byte count sent from
// a to b, and from b to a, respectively. Closing one direction does not
// stop the other; Pipe only returns once both io.Copy calls have finished.
func Pipe(a io.ReadWriteCloser, b io.ReadWriteCloser) (int64, int64) {
	var aToB, bToA int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		aToB, _ = io.Copy(b, a)
		if whc, ok := b.(WriteHalfCloser); ok {
			whc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		bToA, _ = io.Copy(a, b)
		if whc, ok := a.(WriteHalfCloser); ok {
			whc.CloseWrite()
		}
	}()
	wg.Wait()
	a.Close()
	b.Close()
	return aToB, bToA
}
