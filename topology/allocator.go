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

package topology

import (
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/dreamware/coredb/proto"
)

// WhoseTaskIsIt resolves task ownership against one snapshot: the
// mentor node wins if it is listed and active, otherwise ownership
// falls back to a deterministic hash of (taskID, epoch) into the
// member list, sorted by node tag so every node computes the same
// answer regardless of Members' arrival order. The hash itself is
// grounded on the teacher's hash/crc32.NewIEEE() key-sharding idiom
// (shard/catalog/shard.go), generalized from a lock-stripe index to a
// member-list index.
func WhoseTaskIsIt(s *Snapshot, taskID string, epoch uint64) string {
	if s == nil || len(s.Members) == 0 {
		return ""
	}

	if mentor := s.TaskMentors[taskID]; mentor != "" {
		if m, ok := s.MemberByTag(mentor); ok && m.State == proto.NodeStateActive && !s.IsDeleting(mentor) {
			return mentor
		}
	}

	members := make([]proto.Member, len(s.Members))
	copy(members, s.Members)
	sort.Slice(members, func(i, j int) bool { return members[i].NodeTag < members[j].NodeTag })

	idx := hashTaskEpoch(taskID, epoch) % uint32(len(members))
	return members[idx].NodeTag
}

func hashTaskEpoch(taskID string, epoch uint64) uint32 {
	h := crc32.NewIEEE()
	_, _ = h.Write([]byte(taskID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	_, _ = h.Write(buf[:])
	return h.Sum32()
}
