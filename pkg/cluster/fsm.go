package cluster

import (
	"io"

	"github.com/hashicorp/raft"
)

// noopFSM satisfies raft.FSM without replicating any state. Leadership
// itself is the only fact this raft group exists to agree on; the
// log's entries (if ever applied) are discarded, and snapshots are
// always empty.
type noopFSM struct{}

func (f *noopFSM) Apply(_ *raft.Log) interface{} {
	return nil
}

func (f *noopFSM) Snapshot() (raft.FSMSnapshot, error) {
	return emptySnapshot{}, nil
}

func (f *noopFSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type emptySnapshot struct{}

func (emptySnapshot) Persist(sink raft.SnapshotSink) error {
	return sink.Close()
}

func (emptySnapshot) Release() {}
