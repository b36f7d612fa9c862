package dblock

import (
	"net"
	"time"
)

// Test packages that truncate the shared database serialize through this
// lock. A TCP listener works across processes, unlike a sync.Mutex.
const lockAddr = "127.0.0.1:45433"

func Acquire() func() {
	for {
		ln, err := net.Listen("tcp", lockAddr)
		if err == nil {
			return func() { ln.Close() }
		}
		time.Sleep(50 * time.Millisecond)
	}
}
