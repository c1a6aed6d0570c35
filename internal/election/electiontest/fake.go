// Package electiontest provides a fixture-driven election.Scanner for
// exercising internal/election against literal end-to-end scenarios
// without a live Postgres connection.
package electiontest

import (
	"repmgrd/internal/election"
	"repmgrd/internal/metadata"
	"repmgrd/internal/replprobe"
)

// FakeScanner returns pre-seeded SiblingViews keyed by node id, and a
// pre-seeded CanFollow verdict keyed by target node id.
type FakeScanner struct {
	Views     map[int]election.SiblingView
	CanFollowResult map[int]bool
	CanFollowErr    map[int]error
}

func New() *FakeScanner {
	return &FakeScanner{
		Views:           make(map[int]election.SiblingView),
		CanFollowResult: make(map[int]bool),
		CanFollowErr:    make(map[int]error),
	}
}

func (f *FakeScanner) Scan(node *metadata.NodeRecord) (election.SiblingView, error) {
	if v, ok := f.Views[node.NodeID]; ok {
		return v, nil
	}
	return election.SiblingView{NodeID: node.NodeID, DaemonPIDPresent: false}, nil
}

func (f *FakeScanner) CanFollow(localLSN replprobe.LSN, local, target *metadata.NodeRecord) (bool, error) {
	if err, ok := f.CanFollowErr[target.NodeID]; ok && err != nil {
		return false, err
	}
	return f.CanFollowResult[target.NodeID], nil
}

var _ election.Scanner = (*FakeScanner)(nil)
