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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dreamware/coredb/consensus"
	"github.com/dreamware/coredb/docdberr"
)

const commitWait = 5 * time.Second

// Store is the Subscription Store (component H): subscription
// definitions and cursors live in the consensus log, not in the local
// document store, so every node in the topology observes the same
// cursor regardless of which one is currently running the worker.
type Store struct {
	log consensus.Log
}

// NewStore wraps log as a Store.
func NewStore(log consensus.Log) *Store {
	return &Store{log: log}
}

func clusterKey(database, name string) string {
	return fmt.Sprintf("subscriptions/%s/%s", database, name)
}

// Load reads back a subscription's persisted definition and cursor.
func (s *Store) Load(ctx context.Context, database, name string) (*State, bool, error) {
	data, ok, err := s.log.GetBlob(ctx, clusterKey(database, name))
	if err != nil || !ok {
		return nil, ok, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, docdberr.Wrap(docdberr.Consensus, err, "unmarshal subscription state")
	}
	return &st, true, nil
}

// Save commits st, overwriting any previous definition under the same
// (database, name), and waits for the write to be durable.
func (s *Store) Save(ctx context.Context, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return docdberr.Wrap(docdberr.Fatal, err, "marshal subscription state")
	}
	idx, err := s.log.AppendCommand(ctx, st.Database, &consensus.PutBlobCommand{
		Key: clusterKey(st.Database, st.Name), Value: data,
	})
	if err != nil {
		return docdberr.Wrap(docdberr.Consensus, err, "propose subscription state")
	}
	return s.log.WaitForIndexNotification(ctx, idx, commitWait)
}

// Delete removes a subscription's definition entirely.
func (s *Store) Delete(ctx context.Context, database, name string) error {
	idx, err := s.log.AppendCommand(ctx, database, &consensus.DeleteBlobCommand{Key: clusterKey(database, name)})
	if err != nil {
		return docdberr.Wrap(docdberr.Consensus, err, "propose subscription deletion")
	}
	return s.log.WaitForIndexNotification(ctx, idx, commitWait)
}

// AdvanceCursor persists a new change-vector cursor for an existing
// subscription — the commit an ack boundary makes (spec.md §4.8 step 5)
// or an administrator's manual jump (spec.md §4.8's jump rule).
func (s *Store) AdvanceCursor(ctx context.Context, database, name, newCursor string) error {
	st, ok, err := s.Load(ctx, database, name)
	if err != nil {
		return err
	}
	if !ok {
		return docdberr.SubscriptionDoesNotExistError(name, "", database)
	}
	st.ChangeVectorCursor = newCursor
	return s.Save(ctx, *st)
}
