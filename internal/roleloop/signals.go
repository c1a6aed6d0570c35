package roleloop

import "sync/atomic"

// LoopSignals is how SIGHUP/SIGINT/SIGTERM reach a running loop
// observed via a flag that the loop polls between ticks, so no work
// is preempted mid-transition. cmd/repmgrd wires the
// actual os/signal channel to these setters; the loop itself only
// ever polls.
type LoopSignals struct {
	reload   int32
	shutdown int32
}

func (s *LoopSignals) RequestReload()   { atomic.StoreInt32(&s.reload, 1) }
func (s *LoopSignals) RequestShutdown() { atomic.StoreInt32(&s.shutdown, 1) }

// TakeReload reports and clears a pending reload request.
func (s *LoopSignals) TakeReload() bool {
	return atomic.CompareAndSwapInt32(&s.reload, 1, 0)
}

// ShutdownRequested reports a pending shutdown without clearing it;
// shutdown is terminal, unlike reload.
func (s *LoopSignals) ShutdownRequested() bool {
	return atomic.LoadInt32(&s.shutdown) == 1
}
