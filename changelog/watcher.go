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

package changelog

import "sync"

// Watcher is a broadcast wakeup for "a new entry was appended". The
// outbound replication worker and the subscription connection both
// block on it when they have caught up to the tail, the same way the
// teacher's raft group parks a goroutine on a one-shot notify channel
// and wakes it on commit (raft/group.go's notify type) — generalized
// here to fan-out, since more than one reader waits on the same log.
type Watcher struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewWatcher returns a Watcher with no pending notification.
func NewWatcher() *Watcher {
	return &Watcher{ch: make(chan struct{})}
}

// Notify wakes every goroutine currently blocked on C.
func (w *Watcher) Notify() {
	w.mu.Lock()
	closed := w.ch
	w.ch = make(chan struct{})
	w.mu.Unlock()
	close(closed)
}

// C returns the channel to select on; it closes on the next Notify
// call. Callers must re-fetch C after it fires to wait for the
// following notification.
func (w *Watcher) C() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}
