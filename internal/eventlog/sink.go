package eventlog

import (
	"repmgrd/internal/eventstream"
	"repmgrd/internal/metadata"
)

// Sink wraps a metadata.Store so every AppendEvent call also reaches
// the log file and the admin API's live event feed, without every
// call site in election/failover/roleloop needing to know about
// either. Embedding means every other Store method passes straight
// through unchanged.
type Sink struct {
	metadata.Store
	Logger *Logger
	Hub    *eventstream.Hub
}

func NewSink(store metadata.Store, logger *Logger, hub *eventstream.Hub) *Sink {
	return &Sink{Store: store, Logger: logger, Hub: hub}
}

func (s *Sink) AppendEvent(e metadata.Event) error {
	err := s.Store.AppendEvent(e)
	if s.Logger != nil {
		_ = s.Logger.Emit(e)
	}
	if s.Hub != nil {
		s.Hub.Publish(e)
	}
	return err
}

var _ metadata.Store = (*Sink)(nil)
