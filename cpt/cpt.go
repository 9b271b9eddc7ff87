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

// Package cpt partitions LNet state by CPU partition. Every partition owns its
// own locks, and an object encodes the partition it lives in so it can be
// found again without a global lookup.
package cpt

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cubefs/lnet/proto"
)

// Bits is the number of cookie bits holding a partition index. 32-bit hosts
// spend fewer bits on partitions.
const Bits = 4 + 4*(^uint(0)>>63)

// MaxNumber is the ceiling of configured partitions.
const MaxNumber = 1 << Bits

// Exclusive locks every partition at once.
const Exclusive = -1

type cptKey struct{}

// Table maps cookies, NIDs and callers onto partitions.
type Table struct {
	number int
	bits   uint
	rotor  uint32
	// sync.Pool keeps a per-P private slot, so the token cached there
	// follows the processor the caller runs on
	tokens sync.Pool
}

type token struct{ cpt int }

// NewTable returns a table of number partitions. A zero number picks the
// largest power of two not above the CPU count.
func NewTable(number int) (*Table, error) {
	if number == 0 {
		number = 1
		for number*2 <= runtime.NumCPU() && number*2 <= MaxNumber {
			number *= 2
		}
	}
	if number < 0 || number > MaxNumber || number&(number-1) != 0 {
		return nil, fmt.Errorf("invalid cpt number %d, must be a power of two up to %d", number, MaxNumber)
	}
	t := &Table{number: number}
	for 1<<t.bits < number {
		t.bits++
	}
	t.tokens.New = func() interface{} {
		return &token{cpt: int(atomic.AddUint32(&t.rotor, 1)-1) % t.number}
	}
	return t, nil
}

func (t *Table) Number() int { return t.number }

// OfCookie recovers the partition of a cookie. Corrupted cookies still land
// inside the table.
func (t *Table) OfCookie(cookie uint64) int {
	cpt := int((cookie >> proto.CookieTypeBits) & (MaxNumber - 1))
	if cpt < t.number {
		return cpt
	}
	return cpt % t.number
}

// OfNID hashes a NID to its home partition.
func (t *Table) OfNID(nid proto.NID) int {
	if t.number == 1 {
		return 0
	}
	return int(hash64(uint64(nid.Addr()), t.bits))
}

// Current returns the partition of the calling processor.
func (t *Table) Current() int {
	if t.number == 1 {
		return 0
	}
	tk := t.tokens.Get().(*token)
	cpt := tk.cpt
	t.tokens.Put(tk)
	return cpt
}

// CurrentFromContext prefers a partition pinned with WithCPT.
func (t *Table) CurrentFromContext(ctx context.Context) int {
	if v, ok := ctx.Value(cptKey{}).(int); ok && v >= 0 {
		return v % t.number
	}
	return t.Current()
}

// WithCPT pins the partition used by calls made with ctx.
func WithCPT(ctx context.Context, cpt int) context.Context {
	return context.WithValue(ctx, cptKey{}, cpt)
}

func hash64(val uint64, bits uint) uint64 {
	const goldenRatio64 = 0x61C8864680B583EB
	if bits == 0 {
		return 0
	}
	return (val * goldenRatio64) >> (64 - bits)
}
