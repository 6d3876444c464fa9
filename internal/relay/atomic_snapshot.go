package relay

import "sync/atomic"

// atomicSnapshot lets the owning Processor publish a Snapshot that other
// goroutines (subscription matching, the router's read paths) can load
// without contending with the processor's own mailbox loop.
type atomicSnapshot struct {
	v atomic.Value
}

func (a *atomicSnapshot) store(s Snapshot) {
	a.v.Store(s)
}

func (a *atomicSnapshot) load() Snapshot {
	v := a.v.Load()
	if v == nil {
		return Snapshot{}
	}
	return v.(Snapshot)
}
