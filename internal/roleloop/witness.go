package roleloop

import (
	"time"

	"repmgrd/internal/eventlog"
	"repmgrd/internal/metadata"
	"repmgrd/internal/replprobe"
)

// NodeTableCache is the local durable copy the witness keeps of the
// cluster's node-record set; it survives a restart. The witness loop
// only writes it (SaveNodeTable); nothing in the daemon calls
// LoadNodeTable. Satisfied by *localstore.Store.
type NodeTableCache interface {
	SaveNodeTable(ownerID int, nodes []*metadata.NodeRecord) error
	LoadNodeTable(ownerID int) ([]*metadata.NodeRecord, error)
}

// WitnessLoop is the C6 witness role loop: it never stands for
// election and never runs follow_command; witness failover is a
// strict subset of the standby case. It only tracks the primary
// connection and, on loss, waits for a promotion notification before
// refreshing its local copy of the node-record set.
type WitnessLoop struct {
	Store               metadata.Store
	Prober              replprobe.Prober
	Config              Config
	Signals             *LoopSignals
	PrimaryNotifyTimeout time.Duration
	Sleep               func(time.Duration)

	// NodeCache persists the synced node table locally; nil means
	// syncNodeTable only re-reads from Store without caching.
	NodeCache NodeTableCache

	// StatusLog emits the periodic log_status_interval keep-alive;
	// nil disables it regardless of Config.LogStatusInterval.
	StatusLog *eventlog.Logger
}

func NewWitnessLoop(store metadata.Store, prober replprobe.Prober, cfg Config, signals *LoopSignals) *WitnessLoop {
	return &WitnessLoop{Store: store, Prober: prober, Config: cfg, Signals: signals, Sleep: time.Sleep}
}

func (w *WitnessLoop) Run(local *metadata.NodeRecord, stop <-chan struct{}) error {
	if local.UpstreamID == nil {
		primary, err := w.Store.GetPrimary()
		if err != nil || primary == nil {
			return nil
		}
		local.UpstreamID = &primary.NodeID
	}
	_ = w.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventStart, Success: true, Timestamp: time.Now()})

	monitorTicker := time.NewTicker(w.Config.MonitorIntervalSecs)
	defer monitorTicker.Stop()
	syncInterval := w.Config.WitnessSyncInterval
	if syncInterval <= 0 {
		syncInterval = w.Config.MonitorIntervalSecs
	}
	syncTicker := time.NewTicker(syncInterval)
	defer syncTicker.Stop()

	statusTicker, statusStop := w.startStatusTicker()
	defer statusStop()

	for {
		select {
		case <-stop:
			_ = w.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventShutdown, Success: true, Timestamp: time.Now()})
			return nil
		case <-statusTicker:
			w.emitStatus(local)
		case <-monitorTicker.C:
			if w.Signals.ShutdownRequested() {
				_ = w.Store.AppendEvent(metadata.Event{NodeID: local.NodeID, Kind: metadata.EventShutdown, Success: true, Timestamp: time.Now()})
				return nil
			}
			upstream, err := w.Store.GetNode(*local.UpstreamID)
			if err != nil || upstream == nil {
				continue
			}
			if pingNode(upstream.ConnInfo, w.Prober, w.Config.ConnectionCheckType) {
				continue
			}
			w.awaitNewPrimary(local)
		case <-syncTicker.C:
			w.syncNodeTable(local)
		}
	}
}

// awaitNewPrimary polls the shared notification slot; the witness
// never promotes or follows a command, it only learns who to point at
// next and refreshes its view.
func (w *WitnessLoop) awaitNewPrimary(local *metadata.NodeRecord) {
	deadline := time.Now().Add(w.primaryNotifyTimeout())
	for time.Now().Before(deadline) {
		n, err := w.Store.ReadNotification(local.NodeID)
		if err == nil && !n.None && !n.Rerun {
			local.UpstreamID = &n.NodeID
			w.syncNodeTable(local)
			return
		}
		w.Sleep(time.Second)
	}
}

func (w *WitnessLoop) primaryNotifyTimeout() time.Duration {
	if w.PrimaryNotifyTimeout > 0 {
		return w.PrimaryNotifyTimeout
	}
	return 30 * time.Second
}

// syncNodeTable copies the primary's node-record set into the
// witness's own locally persisted view, via NodeCache.
func (w *WitnessLoop) syncNodeTable(local *metadata.NodeRecord) {
	primary, err := w.Store.GetPrimary()
	if err != nil || primary == nil {
		return
	}
	siblings, err := w.Store.ActiveSiblings(primary.NodeID, local.NodeID)
	if err != nil {
		return
	}
	nodes := append([]*metadata.NodeRecord{primary}, siblings...)
	if w.NodeCache == nil {
		return
	}
	_ = w.NodeCache.SaveNodeTable(local.NodeID, nodes)
}

// startStatusTicker returns a channel that fires every
// Config.LogStatusInterval, or a nil channel (never fires) when
// status logging is disabled.
func (w *WitnessLoop) startStatusTicker() (<-chan time.Time, func()) {
	if w.StatusLog == nil || w.Config.LogStatusInterval <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(w.Config.LogStatusInterval)
	return t.C, t.Stop
}

func (w *WitnessLoop) emitStatus(local *metadata.NodeRecord) {
	if w.StatusLog == nil {
		return
	}
	upstream := 0
	if local.UpstreamID != nil {
		upstream = *local.UpstreamID
	}
	_ = w.StatusLog.EmitStatus(eventlog.Status{NodeID: local.NodeID, Role: string(local.Role), Upstream: upstream})
}
