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

// Package subscription implements components H-J: the persisted
// SubscriptionState, the per-worker batch-delivery SubscriptionConnection,
// and the SubscriptionSupervisor that arbitrates which worker gets to be
// active for a subscription id.
package subscription

import "time"

// Strategy is one of the four admission policies of spec.md §4.9.
type Strategy int8

const (
	OpenIfFree Strategy = iota
	WaitForFree
	TakeOver
	Concurrent
)

func (s Strategy) String() string {
	switch s {
	case OpenIfFree:
		return "OpenIfFree"
	case WaitForFree:
		return "WaitForFree"
	case TakeOver:
		return "TakeOver"
	case Concurrent:
		return "Concurrent"
	default:
		return "Unknown"
	}
}

// Options are the complete set of worker-supplied knobs spec.md §4.8
// enumerates.
type Options struct {
	MaxDocsPerBatch                 int
	IgnoreSubscriberErrors          bool
	Strategy                        Strategy
	TimeToWaitBeforeConnectionRetry time.Duration
	MaxErroneousPeriod              time.Duration
}

// State is the persisted definition and progress cursor for one named
// subscription, committed through the consensus log the same way a
// database record is (see store.go).
type State struct {
	Name     string `json:"name"`
	Database string `json:"database"`

	// ChangeVectorCursor is strictly "above" which entries have already
	// been delivered and acked. An administrator rewriting this value
	// jumps the cursor per spec.md §4.8's change-vector jump rule.
	ChangeVectorCursor string `json:"changeVectorCursor"`

	Disabled bool `json:"disabled"`

	MaxDocsPerBatch                 int           `json:"maxDocsPerBatch"`
	IgnoreSubscriberErrors          bool          `json:"ignoreSubscriberErrors"`
	Strategy                        Strategy      `json:"strategy"`
	TimeToWaitBeforeConnectionRetry time.Duration `json:"timeToWaitBeforeConnectionRetry"`
	MaxErroneousPeriod              time.Duration `json:"maxErroneousPeriod"`
}

// WithOptions returns a copy of s with its tunables overridden by opts.
func (s State) WithOptions(opts Options) State {
	s.MaxDocsPerBatch = opts.MaxDocsPerBatch
	s.IgnoreSubscriberErrors = opts.IgnoreSubscriberErrors
	s.Strategy = opts.Strategy
	s.TimeToWaitBeforeConnectionRetry = opts.TimeToWaitBeforeConnectionRetry
	s.MaxErroneousPeriod = opts.MaxErroneousPeriod
	return s
}
