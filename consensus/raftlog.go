// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package consensus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/dreamware/coredb/docdberr"
)

const tickInterval = 20 * time.Millisecond

// proposeReq is one pending AppendCommand call waiting for its entry
// to be assigned a log index.
type proposeReq struct {
	envelope commandEnvelope
	result   chan proposeResult
}

type proposeResult struct {
	index uint64
	err   error
}

// RaftLog is the reference Log implementation: a single-member
// go.etcd.io/etcd/raft/v3 group driving an in-process state machine.
// There is no peer transport — member ID 1 is the only voter, so it
// becomes leader as soon as NewRaftLog campaigns and every Propose
// commits on the next Ready cycle. Multi-node replication of the
// consensus log itself is out of this module's scope; RaftLog exists
// so AppendCommand/WaitForIndexNotification are backed by a real log
// library rather than a mutex-protected map pretending to be one.
type RaftLog struct {
	rn      *raft.RawNode
	storage *raft.MemoryStorage

	proposeC chan proposeReq
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.RWMutex
	records map[string]*DatabaseRecord
	blobs   map[string][]byte
	applied uint64

	pending []proposeReq

	waitersMu sync.Mutex
	waiters   map[uint64][]chan struct{}
}

// NewRaftLog starts a single-node raft group and its apply loop.
func NewRaftLog() (*RaftLog, error) {
	storage := raft.NewMemoryStorage()
	cfg := &raft.Config{
		ID:              1,
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         storage,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
	}
	rn, err := raft.NewRawNode(cfg)
	if err != nil {
		return nil, docdberr.Wrap(docdberr.Consensus, err, "start raft group")
	}
	if err := rn.Bootstrap([]raft.Peer{{ID: 1}}); err != nil {
		return nil, docdberr.Wrap(docdberr.Consensus, err, "bootstrap raft group")
	}

	l := &RaftLog{
		rn:       rn,
		storage:  storage,
		proposeC: make(chan proposeReq, 64),
		done:     make(chan struct{}),
		records:  make(map[string]*DatabaseRecord),
		blobs:    make(map[string][]byte),
		waiters:  make(map[uint64][]chan struct{}),
	}

	// Bootstrap's configuration-change entry must be processed through
	// Ready/Advance before the lone voter can campaign; otherwise raft
	// refuses the campaign with a pending-configuration error.
	l.drainReady()

	// A lone voter wins any election it calls; skip the randomized
	// election timeout so the group is immediately writable.
	if err := rn.Campaign(); err != nil {
		return nil, docdberr.Wrap(docdberr.Consensus, err, "campaign for leadership")
	}
	l.drainReady()

	go l.run()
	return l, nil
}

func (l *RaftLog) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.rn.Tick()
		case req := <-l.proposeC:
			data, err := json.Marshal(req.envelope)
			if err != nil {
				req.result <- proposeResult{err: docdberr.Wrap(docdberr.Consensus, err, "marshal command envelope")}
				continue
			}
			if err := l.rn.Propose(data); err != nil {
				req.result <- proposeResult{err: docdberr.Wrap(docdberr.Consensus, err, "propose command")}
				continue
			}
			l.pending = append(l.pending, req)
		}
		l.drainReady()
	}
}

// drainReady processes every outstanding raft.Ready. Single-node
// groups never produce cross-node Messages, but HasReady/Ready/Advance
// is still the correct protocol with the library.
func (l *RaftLog) drainReady() {
	for l.rn.HasReady() {
		rd := l.rn.Ready()

		if !raft.IsEmptyHardState(rd.HardState) {
			_ = l.storage.SetHardState(rd.HardState)
		}
		if len(rd.Entries) > 0 {
			_ = l.storage.Append(rd.Entries)
			l.assignPendingIndices(rd.Entries)
		}
		if len(rd.CommittedEntries) > 0 {
			l.applyCommitted(rd.CommittedEntries)
		}
		l.rn.Advance(rd)
	}
}

// assignPendingIndices resolves AppendCommand's returned index as soon
// as the proposal's entry is durably appended to the unstable log,
// matching proposals to entries in FIFO order. That ordering holds
// because this process is the group's only proposer and proposeC is
// drained by a single goroutine.
func (l *RaftLog) assignPendingIndices(entries []raftpb.Entry) {
	for _, ent := range entries {
		if ent.Type != raftpb.EntryNormal || len(ent.Data) == 0 || len(l.pending) == 0 {
			continue
		}
		req := l.pending[0]
		l.pending = l.pending[1:]
		req.result <- proposeResult{index: ent.Index}
	}
}

func (l *RaftLog) applyCommitted(entries []raftpb.Entry) {
	l.mu.Lock()
	for _, ent := range entries {
		if ent.Type == raftpb.EntryNormal && len(ent.Data) > 0 {
			var env commandEnvelope
			if err := json.Unmarshal(ent.Data, &env); err == nil {
				l.applyEnvelope(env)
			}
		}
		l.applied = ent.Index
	}
	applied := l.applied
	l.mu.Unlock()

	l.wake(applied)
}

func (l *RaftLog) applyEnvelope(env commandEnvelope) {
	switch env.CmdType {
	case (&SetDatabaseRecordCommand{}).Type():
		var cmd SetDatabaseRecordCommand
		if json.Unmarshal(env.Payload, &cmd) == nil {
			l.records[cmd.Database] = cmd.Record
		}
	case (&PutBlobCommand{}).Type():
		var cmd PutBlobCommand
		if json.Unmarshal(env.Payload, &cmd) == nil {
			l.blobs[cmd.Key] = cmd.Value
		}
	case (&DeleteBlobCommand{}).Type():
		var cmd DeleteBlobCommand
		if json.Unmarshal(env.Payload, &cmd) == nil {
			delete(l.blobs, cmd.Key)
		}
	}
}

func (l *RaftLog) wake(applied uint64) {
	l.waitersMu.Lock()
	defer l.waitersMu.Unlock()
	for index, chans := range l.waiters {
		if index > applied {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(l.waiters, index)
	}
}

// ReadRawDatabaseRecord implements Log.
func (l *RaftLog) ReadRawDatabaseRecord(ctx context.Context, database string) (*DatabaseRecord, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[database]
	if !ok {
		return nil, l.applied, nil
	}
	clone := *rec
	return &clone, l.applied, nil
}

// AppendCommand implements Log.
func (l *RaftLog) AppendCommand(ctx context.Context, database string, cmd Command) (uint64, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return 0, docdberr.Wrap(docdberr.Consensus, err, "marshal command")
	}
	req := proposeReq{
		envelope: commandEnvelope{Database: database, CmdType: cmd.Type(), Payload: payload},
		result:   make(chan proposeResult, 1),
	}

	select {
	case l.proposeC <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-l.done:
		return 0, docdberr.New(docdberr.Consensus, "consensus log is closed")
	}

	select {
	case res := <-req.result:
		return res.index, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-l.done:
		return 0, docdberr.New(docdberr.Consensus, "consensus log is closed")
	}
}

// WaitForIndexNotification implements Log.
func (l *RaftLog) WaitForIndexNotification(ctx context.Context, index uint64, timeout time.Duration) error {
	l.mu.RLock()
	applied := l.applied
	l.mu.RUnlock()
	if applied >= index {
		return nil
	}

	ch := make(chan struct{})
	l.waitersMu.Lock()
	l.waiters[index] = append(l.waiters[index], ch)
	l.waitersMu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-ch:
		return nil
	case <-tctx.Done():
		return docdberr.Wrap(docdberr.Consensus, tctx.Err(), "wait for index notification timed out")
	}
}

// GetBlob implements Log.
func (l *RaftLog) GetBlob(ctx context.Context, key string) ([]byte, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.blobs[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Close implements Log. It is safe to call more than once.
func (l *RaftLog) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}
