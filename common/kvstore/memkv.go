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

package kvstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

type kvPair struct {
	key   []byte
	value []byte
}

type memColumn struct {
	mu    sync.RWMutex
	pairs []kvPair // kept sorted by key
}

func (c *memColumn) find(key []byte) int {
	return sort.Search(len(c.pairs), func(i int) bool {
		return bytes.Compare(c.pairs[i].key, key) >= 0
	})
}

func (c *memColumn) get(key []byte) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := c.find(key)
	if i < len(c.pairs) && bytes.Equal(c.pairs[i].key, key) {
		return append([]byte(nil), c.pairs[i].value...), true
	}
	return nil, false
}

func (c *memColumn) set(key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.find(key)
	kv := kvPair{key: append([]byte(nil), key...), value: append([]byte(nil), value...)}
	if i < len(c.pairs) && bytes.Equal(c.pairs[i].key, key) {
		c.pairs[i] = kv
		return
	}
	c.pairs = append(c.pairs, kvPair{})
	copy(c.pairs[i+1:], c.pairs[i:])
	c.pairs[i] = kv
}

func (c *memColumn) delete(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.find(key)
	if i < len(c.pairs) && bytes.Equal(c.pairs[i].key, key) {
		c.pairs = append(c.pairs[:i], c.pairs[i+1:]...)
	}
}

// snapshotRange returns a copy of the [from, to) slice so iteration
// observes a stable read snapshot even if the column mutates
// concurrently.
func (c *memColumn) snapshotRange(from, to []byte) []kvPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := c.find(from)
	end := len(c.pairs)
	if to != nil {
		end = c.find(to)
	}
	if start > end {
		start = end
	}
	out := make([]kvPair, end-start)
	copy(out, c.pairs[start:end])
	return out
}

// MemStore is a pure-Go, in-process Store used by tests and by the
// reference document-store implementation. It is not durable and is
// not the specified storage core (spec.md's Non-goals exclude durable
// storage layout); it exists purely to give the change log index and
// its callers a real, runnable ordered-KV backing.
type MemStore struct {
	mu      sync.RWMutex
	columns map[CF]*memColumn
}

// NewMemStore constructs an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{columns: map[CF]*memColumn{}}
}

func (m *MemStore) column(cf CF) (*memColumn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.columns[cf]
	return c, ok
}

func (m *MemStore) CreateColumn(cf CF) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.columns[cf]; ok {
		return nil
	}
	m.columns[cf] = &memColumn{}
	return nil
}

func (m *MemStore) GetAllColumns() []CF {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CF, 0, len(m.columns))
	for cf := range m.columns {
		out = append(out, cf)
	}
	return out
}

func (m *MemStore) Get(_ context.Context, cf CF, key []byte) ([]byte, error) {
	c, ok := m.column(cf)
	if !ok {
		return nil, ErrNoColumn
	}
	v, ok := c.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (m *MemStore) Set(_ context.Context, cf CF, key, value []byte) error {
	c, ok := m.column(cf)
	if !ok {
		return ErrNoColumn
	}
	c.set(key, value)
	return nil
}

func (m *MemStore) Delete(_ context.Context, cf CF, key []byte) error {
	c, ok := m.column(cf)
	if !ok {
		return ErrNoColumn
	}
	c.delete(key)
	return nil
}

func (m *MemStore) Scan(_ context.Context, cf CF, from, to []byte) (Iterator, error) {
	c, ok := m.column(cf)
	if !ok {
		return nil, ErrNoColumn
	}
	return &memIterator{pairs: c.snapshotRange(from, to), idx: -1}, nil
}

type memWriteBatchOp struct {
	cf     CF
	key    []byte
	value  []byte
	delete bool
}

type memWriteBatch struct {
	ops []memWriteBatchOp
}

func (b *memWriteBatch) Put(cf CF, key, value []byte) {
	b.ops = append(b.ops, memWriteBatchOp{cf: cf, key: key, value: value})
}

func (b *memWriteBatch) Delete(cf CF, key []byte) {
	b.ops = append(b.ops, memWriteBatchOp{cf: cf, key: key, delete: true})
}

func (m *MemStore) NewWriteBatch() WriteBatch { return &memWriteBatch{} }

func (m *MemStore) Write(ctx context.Context, batch WriteBatch) error {
	b, ok := batch.(*memWriteBatch)
	if !ok {
		return ErrNoColumn
	}
	for _, op := range b.ops {
		if op.delete {
			if err := m.Delete(ctx, op.cf, op.key); err != nil {
				return err
			}
			continue
		}
		if err := m.Set(ctx, op.cf, op.key, op.value); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) Close() error { return nil }

type memIterator struct {
	pairs []kvPair
	idx   int
}

func (it *memIterator) Next() bool {
	it.idx++
	return it.idx < len(it.pairs)
}

func (it *memIterator) Key() []byte   { return it.pairs[it.idx].key }
func (it *memIterator) Value() []byte { return it.pairs[it.idx].value }
func (it *memIterator) Err() error    { return nil }
func (it *memIterator) Close() error  { return nil }
