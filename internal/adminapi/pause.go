package adminapi

import "sync/atomic"

// PauseGate is the daemon's repmgrd_is_paused() flag, flipped only
// by the admin API's /pause and /resume
// endpoints and consulted by every role loop before it invokes the
// failover driver.
type PauseGate struct {
	paused int32
}

func (g *PauseGate) IsPaused() bool { return atomic.LoadInt32(&g.paused) == 1 }
func (g *PauseGate) Pause()         { atomic.StoreInt32(&g.paused, 1) }
func (g *PauseGate) Resume()        { atomic.StoreInt32(&g.paused, 0) }
