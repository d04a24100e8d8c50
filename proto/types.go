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

// Package proto holds the data-model types shared across every
// package in this module: the change log entry, the replication
// destination union, and the small set of wire-visible enums.
package proto

import (
	"fmt"
	"strings"
)

// BucketCount is the fixed size of the bucket space, [0, BucketCount).
const BucketCount = 1 << 20

// EntryKind enumerates the seven mutation classes the change log
// indexes.
type EntryKind int8

const (
	EntryKindDocument EntryKind = iota
	EntryKindTombstone
	EntryKindConflict
	EntryKindRevision
	EntryKindAttachment
	EntryKindCounter
	EntryKindTimeSeriesSegment
)

var entryKindNames = [...]string{
	"Document", "Tombstone", "Conflict", "Revision", "Attachment", "Counter", "TimeSeriesSegment",
}

func (k EntryKind) String() string {
	if int(k) < 0 || int(k) >= len(entryKindNames) {
		return "Unknown"
	}
	return entryKindNames[k]
}

// Valid reports whether k is one of the seven known kinds.
func (k EntryKind) Valid() bool { return k >= EntryKindDocument && k <= EntryKindTimeSeriesSegment }

// ChangeLogEntry is the common header carried by every indexed
// mutation, regardless of kind. PayloadRef is an opaque pointer into
// the underlying document store — this module never interprets it.
type ChangeLogEntry struct {
	Kind          EntryKind    `json:"kind"`
	Bucket        uint32       `json:"bucket"`
	Etag          uint64       `json:"etag"`
	ID            string       `json:"id"`
	AttachmentKey string       `json:"attachmentKey,omitempty"`
	CounterGroup  string       `json:"counterGroup,omitempty"`
	ChangeVector  ChangeVector `json:"changeVector"`
	PayloadRef    []byte       `json:"payloadRef,omitempty"`
}

// ChangeVector is a vector-clock string of the form
// "dbId:etag[,dbId:etag]*".
type ChangeVector string

// EtagFor returns the etag component this change vector records for
// dbID, and whether dbID appears in it at all.
func (cv ChangeVector) EtagFor(dbID string) (uint64, bool) {
	for _, part := range strings.Split(string(cv), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 || kv[0] != dbID {
			continue
		}
		var etag uint64
		if _, err := fmt.Sscanf(kv[1], "%d", &etag); err != nil {
			return 0, false
		}
		return etag, true
	}
	return 0, false
}

// WithEtag returns a copy of cv with dbID's component set to etag,
// appending a new component if dbID was absent.
func (cv ChangeVector) WithEtag(dbID string, etag uint64) ChangeVector {
	parts := []string{}
	found := false
	for _, part := range strings.Split(string(cv), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) == 2 && kv[0] == dbID {
			parts = append(parts, fmt.Sprintf("%s:%d", dbID, etag))
			found = true
			continue
		}
		parts = append(parts, part)
	}
	if !found {
		parts = append(parts, fmt.Sprintf("%s:%d", dbID, etag))
	}
	return ChangeVector(strings.Join(parts, ","))
}

// MergeWith combines two change vectors, keeping the higher etag for
// every dbID either side mentions.
func (cv ChangeVector) MergeWith(other ChangeVector) ChangeVector {
	merged := map[string]uint64{}
	order := []string{}
	ingest := func(v ChangeVector) {
		for _, part := range strings.Split(string(v), ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			kv := strings.SplitN(part, ":", 2)
			if len(kv) != 2 {
				continue
			}
			var etag uint64
			if _, err := fmt.Sscanf(kv[1], "%d", &etag); err != nil {
				continue
			}
			if prev, ok := merged[kv[0]]; !ok || etag > prev {
				if !ok {
					order = append(order, kv[0])
				}
				merged[kv[0]] = etag
			}
		}
	}
	ingest(cv)
	ingest(other)

	parts := make([]string, 0, len(order))
	for _, dbID := range order {
		parts = append(parts, fmt.Sprintf("%s:%d", dbID, merged[dbID]))
	}
	return ChangeVector(strings.Join(parts, ","))
}
