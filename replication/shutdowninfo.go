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

package replication

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	errorWindowSize    = 25
	initialRetryDelay  = time.Second
	defaultMaxTimeout  = 5 * time.Minute
	inactiveStaleAfter = 60 * time.Second
)

// ShutdownInfo is the Connection Shutdown Tracker (component D): one
// instance per destination, recording retry/backoff bookkeeping the
// way the teacher's ShardReplicationEngine backs off a shard copy
// op — except here the policy is per-destination and long-lived rather
// than scoped to one call, so it wraps backoff.BackOff directly instead
// of calling backoff.Retry around a single operation.
type ShutdownInfo struct {
	DestinationDBID string

	mu               sync.Mutex
	lastErrorWindow  []error
	retries          uint32
	policy           *backoff.ExponentialBackOff
	retryOn          time.Time
	lastHeartbeatAt  time.Time
	maxTimeoutCap    time.Duration
}

// NewShutdownInfo returns a tracker for one destination with the
// initial 1s backoff and a default 5-minute cap, matching spec.md §3.
func NewShutdownInfo(destinationDBID string) *ShutdownInfo {
	return newShutdownInfoWithCap(destinationDBID, defaultMaxTimeout)
}

func newShutdownInfoWithCap(destinationDBID string, maxTimeoutCap time.Duration) *ShutdownInfo {
	s := &ShutdownInfo{DestinationDBID: destinationDBID, maxTimeoutCap: maxTimeoutCap}
	s.policy = freshPolicy(maxTimeoutCap)
	return s
}

func freshPolicy(cap time.Duration) *backoff.ExponentialBackOff {
	p := backoff.NewExponentialBackOff()
	p.InitialInterval = initialRetryDelay
	p.Multiplier = 2
	p.RandomizationFactor = 0
	p.MaxInterval = cap
	p.MaxElapsedTime = 0 // never give up on its own; the loader decides when to stop retrying.
	p.Reset()
	return p
}

// OnError doubles next_timeout (clamped to the cap), bumps the retry
// counter, and records err in the bounded 25-entry window.
func (s *ShutdownInfo) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retries++
	s.lastErrorWindow = append(s.lastErrorWindow, err)
	if len(s.lastErrorWindow) > errorWindowSize {
		s.lastErrorWindow = s.lastErrorWindow[len(s.lastErrorWindow)-errorWindowSize:]
	}
	s.retryOn = time.Now().Add(s.policy.NextBackOff())
}

// Reset returns to the initial 1s delay and clears the error window,
// called once a connection successfully streams again.
func (s *ShutdownInfo) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries = 0
	s.lastErrorWindow = nil
	s.policy = freshPolicy(s.maxTimeoutCap)
}

// RetryOn is when the reconnect loop should next attempt this
// destination.
func (s *ShutdownInfo) RetryOn() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryOn
}

// Retries is the current consecutive-failure count.
func (s *ShutdownInfo) Retries() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Errors returns a copy of the bounded error window, oldest first.
func (s *ShutdownInfo) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.lastErrorWindow))
	copy(out, s.lastErrorWindow)
	return out
}

// Heartbeat records that this destination's connection is alive.
func (s *ShutdownInfo) Heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeatAt = time.Now()
}

// IsStale reports whether this destination's last heartbeat is older
// than the 60-second threshold spec.md §4.4 uses to decide whether a
// fresh inbound connection should win over an existing one.
func (s *ShutdownInfo) IsStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastHeartbeatAt.IsZero() {
		return true
	}
	return time.Since(s.lastHeartbeatAt) > inactiveStaleAfter
}
