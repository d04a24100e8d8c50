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

package subscription

import (
	"sync"
	"time"

	"github.com/dreamware/coredb/docdberr"
	"github.com/dreamware/coredb/metrics"
)

// workerSlot is one worker connection's admission record: Drop tears
// down the worker's transport with a reason string, the same "drop"
// vocabulary spec.md §4.9 uses.
type workerSlot struct {
	WorkerID string
	Drop     func(reason string)
}

type subEntry struct {
	strategy Strategy
	active   []workerSlot
	waiting  []workerSlot

	lastFailureAt time.Time
}

// Supervisor is the Subscription Supervisor (component J): arbitrates,
// per subscription id, which worker connection(s) are currently active
// under one of the four strategies.
type Supervisor struct {
	mu   sync.Mutex
	subs map[string]*subEntry
}

// NewSupervisor returns an empty Supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{subs: make(map[string]*subEntry)}
}

func (sv *Supervisor) entry(subID string, strategy Strategy) *subEntry {
	e, ok := sv.subs[subID]
	if !ok {
		e = &subEntry{strategy: strategy}
		sv.subs[subID] = e
	}
	e.strategy = strategy
	return e
}

// RegisterSubscriptionConnection admits worker under subID's current
// strategy. Returns whether it was admitted as active; a rejected
// OpenIfFree worker gets accepted=false, err=nil (spec.md §4.9:
// "rejected immediately", not an error condition). Admission also
// counts as a connection success, resetting the failure stopwatch.
func (sv *Supervisor) RegisterSubscriptionConnection(subID string, strategy Strategy, worker workerSlot) (accepted bool, err error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	e := sv.entry(subID, strategy)
	e.lastFailureAt = time.Time{}

	defer func() {
		metrics.SubscriptionActiveWorkers.WithLabelValues(subID).Set(float64(len(e.active)))
	}()

	switch strategy {
	case OpenIfFree:
		if len(e.active) > 0 {
			return false, nil
		}
		e.active = []workerSlot{worker}
		return true, nil

	case WaitForFree:
		if len(e.active) == 0 {
			e.active = []workerSlot{worker}
			return true, nil
		}
		e.waiting = append(e.waiting, worker)
		return false, nil

	case TakeOver:
		for _, old := range e.active {
			old.Drop("taken over")
		}
		e.active = []workerSlot{worker}
		return true, nil

	case Concurrent:
		e.active = append(e.active, worker)
		return true, nil

	default:
		return false, docdberr.New(docdberr.Fatal, "unknown subscription strategy")
	}
}

// UnregisterSubscriptionConnection removes worker from subID's active
// set (e.g. because its transport closed) and, for WaitForFree,
// promotes the head of the waiting queue.
func (sv *Supervisor) UnregisterSubscriptionConnection(subID, workerID string) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	e, ok := sv.subs[subID]
	if !ok {
		return
	}
	e.active = removeByID(e.active, workerID)

	if e.strategy == WaitForFree && len(e.active) == 0 && len(e.waiting) > 0 {
		next := e.waiting[0]
		e.waiting = e.waiting[1:]
		e.active = []workerSlot{next}
	}
	metrics.SubscriptionActiveWorkers.WithLabelValues(subID).Set(float64(len(e.active)))
}

// DropSubscriptionConnection closes subID's active worker(s) with
// reason and re-runs the promotion rule, as if they had disconnected.
func (sv *Supervisor) DropSubscriptionConnection(subID, reason string) {
	sv.mu.Lock()
	e, ok := sv.subs[subID]
	if !ok {
		sv.mu.Unlock()
		return
	}
	active := append([]workerSlot(nil), e.active...)
	e.active = nil
	if e.strategy == WaitForFree && len(e.waiting) > 0 {
		next := e.waiting[0]
		e.waiting = e.waiting[1:]
		e.active = []workerSlot{next}
	}
	metrics.SubscriptionActiveWorkers.WithLabelValues(subID).Set(float64(len(e.active)))
	sv.mu.Unlock()

	for _, w := range active {
		w.Drop(reason)
	}
}

// RecordFailure marks a failed two-way communication attempt. It
// returns true once continuous failure has exceeded maxErroneousPeriod,
// signaling the caller should permanently disconnect.
func (sv *Supervisor) RecordFailure(subID string, maxErroneousPeriod time.Duration) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	e, ok := sv.subs[subID]
	if !ok {
		return false
	}
	if e.lastFailureAt.IsZero() {
		e.lastFailureAt = time.Now()
	}
	if maxErroneousPeriod <= 0 {
		return false
	}
	return time.Since(e.lastFailureAt) > maxErroneousPeriod
}

// ActiveWorkers returns the worker ids currently active for subID.
func (sv *Supervisor) ActiveWorkers(subID string) []string {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	e, ok := sv.subs[subID]
	if !ok {
		return nil
	}
	ids := make([]string, len(e.active))
	for i, w := range e.active {
		ids[i] = w.WorkerID
	}
	return ids
}

func removeByID(slots []workerSlot, workerID string) []workerSlot {
	out := slots[:0]
	for _, w := range slots {
		if w.WorkerID != workerID {
			out = append(out, w)
		}
	}
	return out
}
