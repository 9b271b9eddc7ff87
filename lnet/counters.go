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

package lnet

// Counters are the message statistics of an instance.
type Counters struct {
	MsgsAlloc  uint32 `json:"msgs_alloc"`
	MsgsMax    uint32 `json:"msgs_max"`
	Errors     uint32 `json:"errors"`
	SendCount  uint32 `json:"send_count"`
	RecvCount  uint32 `json:"recv_count"`
	DropCount  uint32 `json:"drop_count"`
	SendLength uint64 `json:"send_length"`
	RecvLength uint64 `json:"recv_length"`
	DropLength uint64 `json:"drop_length"`
}

func (c *Counters) add(o *Counters) {
	c.MsgsAlloc += o.MsgsAlloc
	c.MsgsMax += o.MsgsMax
	c.Errors += o.Errors
	c.SendCount += o.SendCount
	c.RecvCount += o.RecvCount
	c.DropCount += o.DropCount
	c.SendLength += o.SendLength
	c.RecvLength += o.RecvLength
	c.DropLength += o.DropLength
}

// Counters sums the statistics of all partitions. MsgsAlloc counts the
// messages active right now.
func (ln *LNet) Counters() Counters {
	var sum Counters
	for c := range ln.counters {
		ln.netLock.Lock(c)
		ctr := ln.counters[c]
		ctr.MsgsAlloc = uint32(ln.msgContainers[c].active)
		sum.add(&ctr)
		ln.netLock.Unlock(c)
	}
	return sum
}

// ResetCounters zeroes the statistics.
func (ln *LNet) ResetCounters() {
	for c := range ln.counters {
		ln.netLock.Lock(c)
		ln.counters[c] = Counters{}
		ln.netLock.Unlock(c)
	}
}
