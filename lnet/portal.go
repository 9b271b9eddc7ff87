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

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/lnet/cpt"
	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
)

const (
	ptlMatchUnique uint32 = 1 << iota
	ptlMatchWildcard
	ptlLazy

	ptlMatchMask = ptlMatchUnique | ptlMatchWildcard

	mtHashBits = 8
	mtHashSize = 1 << mtHashBits
)

type matchResult uint8

const (
	matchNone matchResult = 1 << iota
	matchOK
	matchDrop
	matchExhausted

	matchFinish = matchOK | matchDrop
)

type matchInfo struct {
	id      proto.ProcessID
	opc     proto.MDOptions
	portal  uint32
	rlength int
	roffset int
	mbits   proto.MatchBits
}

// matchTable holds the MEs of a portal in one partition, guarded by the
// resource lock of that partition.
type matchTable struct {
	cpt  int
	hash [mtHashSize]*list.List
	wild *list.List
}

type portal struct {
	index   uint32
	options atomic.Uint32
	mtables []*matchTable

	// guards match type transitions, the lazy bit and delayed
	lock    sync.Mutex
	delayed *list.List
}

func newPortal(index uint32, ncpt int) *portal {
	p := &portal{
		index:   index,
		mtables: make([]*matchTable, ncpt),
		delayed: list.New(),
	}
	for i := range p.mtables {
		mt := &matchTable{cpt: i, wild: list.New()}
		for j := range mt.hash {
			mt.hash[j] = list.New()
		}
		p.mtables[i] = mt
	}
	return p
}

func (p *portal) unique() bool   { return p.options.Load()&ptlMatchUnique != 0 }
func (p *portal) wildcard() bool { return p.options.Load()&ptlMatchWildcard != 0 }
func (p *portal) lazy() bool     { return p.options.Load()&ptlLazy != 0 }

func (p *portal) home() int { return int(p.index) % len(p.mtables) }

func matchHash(id proto.ProcessID, bits proto.MatchBits) int {
	h := uint64(id.NID) ^ uint64(id.PID) ^ bits
	return int((h * 0x9e37fffffffc0001) >> (64 - mtHashBits))
}

// headOf is the list an ME or an incoming message is matched on: one
// bucket per id and bits for unique portals, a single list in insertion
// order for wildcard ones.
func (mt *matchTable) headOf(unique bool, id proto.ProcessID, bits proto.MatchBits) *list.List {
	if !unique {
		return mt.wild
	}
	return mt.hash[matchHash(id, bits)]
}

// matchType fixes the kind of a portal with its first ME and checks later
// MEs against it.
func (p *portal) matchType(id proto.ProcessID, ignoreBits proto.MatchBits) bool {
	unique := ignoreBits == 0 && id.NID != proto.NIDAny && id.PID != proto.PIDAny
	opts := p.options.Load()
	if opts&ptlMatchMask == 0 {
		p.lock.Lock()
		opts = p.options.Load()
		if opts&ptlMatchMask == 0 {
			if unique {
				p.options.Store(opts | ptlMatchUnique)
			} else {
				p.options.Store(opts | ptlMatchWildcard)
			}
			p.lock.Unlock()
			return true
		}
		p.lock.Unlock()
	}
	if opts&ptlMatchUnique != 0 {
		return unique
	}
	return !unique
}

func (ln *LNet) mtOfAttach(index uint32, id proto.ProcessID, ignoreBits proto.MatchBits) *matchTable {
	p := ln.portals[index]
	if !p.matchType(id, ignoreBits) {
		return nil
	}
	if p.unique() {
		return p.mtables[ln.cpts.OfNID(id.NID)]
	}
	return p.mtables[p.home()]
}

func (ln *LNet) mtOfMatch(p *portal, opts uint32, info *matchInfo) *matchTable {
	if opts&ptlMatchUnique != 0 {
		return p.mtables[ln.cpts.OfNID(info.id.NID)]
	}
	return p.mtables[p.home()]
}

// tryMatchMDLocked checks msg against m and attaches it on a match. An
// auto-unlink MD that runs out is unlinked now, so nothing else matches
// it, and freed when msg is finalized.
func (ln *LNet) tryMatchMDLocked(m *md, info *matchInfo, msg *Msg) matchResult {
	e := m.me
	if m.exhausted() {
		return matchNone | matchExhausted
	}
	if m.options&info.opc == 0 {
		return matchNone
	}
	if e.matchID.NID != proto.NIDAny && e.matchID.NID != info.id.NID {
		return matchNone
	}
	if e.matchID.PID != proto.PIDAny && e.matchID.PID != info.id.PID {
		return matchNone
	}
	if (e.matchBits^info.mbits)&^e.ignoreBits != 0 {
		return matchNone
	}

	offset := m.offset
	if m.options&proto.MDManageRemote != 0 {
		offset = info.roffset
	}
	var mlength int
	if m.options&proto.MDMaxSize != 0 {
		mlength = m.maxSize
	} else {
		mlength = m.length - offset
	}
	if mlength < 0 {
		mlength = 0
	}
	if info.rlength <= mlength {
		mlength = info.rlength
	} else if m.options&proto.MDTruncate == 0 {
		log.Errorf("matching packet from %s, match %d length %d too big: %d left, %d allowed",
			info.id, info.mbits, info.rlength, m.length-offset, mlength)
		return matchDrop
	}

	ln.attachMDLocked(msg, m, offset, mlength)
	m.offset = offset + mlength
	if !m.exhausted() {
		return matchOK
	}
	if m.autoUnlink {
		ln.mdUnlinkLocked(m)
	}
	return matchOK | matchExhausted
}

func (ln *LNet) mtMatchMDLocked(mt *matchTable, info *matchInfo, msg *Msg) matchResult {
	head := mt.headOf(ln.portals[info.portal].unique(), info.id, info.mbits)
	for el := head.Front(); el != nil; el = el.Next() {
		e := el.Value.(*me)
		if e.md == nil {
			continue
		}
		rc := ln.tryMatchMDLocked(e.md, info, msg)
		if rc&matchFinish != 0 {
			return rc &^ matchExhausted
		}
	}
	return matchNone
}

// ptlMatchMD matches an incoming PUT or GET. An unmatched message waits on
// a lazy portal for an MD to show up, and is dropped otherwise.
func (ln *LNet) ptlMatchMD(info *matchInfo, msg *Msg) matchResult {
	if info.portal >= proto.MaxPortals {
		return matchDrop
	}
	p := ln.portals[info.portal]
	for {
		opts := p.options.Load()
		mt := ln.mtOfMatch(p, opts, info)
		ln.resLock.Lock(mt.cpt)
		rc := ln.mtMatchMDLocked(mt, info, msg)
		if rc&matchFinish != 0 {
			ln.resLock.Unlock(mt.cpt)
			return rc
		}

		p.lock.Lock()
		cur := p.options.Load()
		if cur&ptlMatchMask != opts&ptlMatchMask {
			p.lock.Unlock()
			ln.resLock.Unlock(mt.cpt)
			continue
		}
		if cur&ptlLazy == 0 || info.opc != proto.MDOpPut {
			rc = matchDrop
		} else if p.delayed.Len() >= ln.cfg.LazyQueueMax {
			log.Warnf("lazy portal %d is full with %d messages", p.index, p.delayed.Len())
			rc = matchDrop
		} else {
			msg.rxDelayed = true
			msg.lazyElem = p.delayed.PushBack(msg)
			rc = matchNone
		}
		p.lock.Unlock()
		ln.resLock.Unlock(mt.cpt)
		return rc
	}
}

// ptlAttachMDLocked links m to e and hands back the parked messages it
// matches or must drop.
func (ln *LNet) ptlAttachMDLocked(e *me, m *md) (matches, drops []*Msg) {
	e.md = m
	m.me = e

	p := ln.portals[e.portal]
	p.lock.Lock()
	defer p.lock.Unlock()
	var next *list.Element
	for el := p.delayed.Front(); el != nil; el = next {
		next = el.Next()
		msg := el.Value.(*Msg)
		rc := ln.tryMatchMDLocked(m, &msg.info, msg)
		exhausted := rc&matchExhausted != 0
		if rc&matchNone != 0 {
			if exhausted {
				break
			}
			continue
		}
		p.delayed.Remove(el)
		msg.lazyElem = nil
		if rc&matchOK != 0 {
			matches = append(matches, msg)
		} else {
			drops = append(drops, msg)
		}
		if exhausted {
			break
		}
	}
	return
}

func (ln *LNet) ptlDetachMDLocked(e *me, m *md) {
	lnetAssert(e.md == m && m.me == e, "md %x not attached to me %x", m.Cookie, e.Cookie)
	e.md = nil
	m.me = nil
}

// SetLazyPortal makes unmatched messages on index wait for an MD.
func (ln *LNet) SetLazyPortal(index uint32) error {
	if index >= proto.MaxPortals {
		return apierrors.ErrInvalidArgs
	}
	p := ln.portals[index]
	p.lock.Lock()
	p.options.Store(p.options.Load() | ptlLazy)
	p.lock.Unlock()
	log.Debugf("set portal %d lazy", index)
	return nil
}

// ClearLazyPortal turns lazy matching off and drops the messages waiting
// on index.
func (ln *LNet) ClearLazyPortal(index uint32) error {
	if index >= proto.MaxPortals {
		return apierrors.ErrInvalidArgs
	}
	p := ln.portals[index]

	ln.resLock.Lock(cpt.Exclusive)
	p.lock.Lock()
	if !p.lazy() {
		p.lock.Unlock()
		ln.resLock.Unlock(cpt.Exclusive)
		return nil
	}
	if ln.shuttingDown() {
		log.Warnf("active lazy portal %d on exit", index)
	} else {
		log.Debugf("clearing portal %d lazy", index)
	}
	zombies := make([]*Msg, 0, p.delayed.Len())
	for el := p.delayed.Front(); el != nil; el = el.Next() {
		msg := el.Value.(*Msg)
		msg.lazyElem = nil
		zombies = append(zombies, msg)
	}
	p.delayed.Init()
	p.options.Store(p.options.Load() &^ ptlLazy)
	p.lock.Unlock()
	ln.resLock.Unlock(cpt.Exclusive)

	ln.dropDelayed(context.Background(), zombies, "clearing lazy portal attr")
	return nil
}

type PortalInfo struct {
	Index   uint32 `json:"index"`
	Match   string `json:"match"`
	Lazy    bool   `json:"lazy"`
	Delayed int    `json:"delayed"`
	MEs     int    `json:"mes"`
}

// Portals describes the portals which are in use.
func (ln *LNet) Portals() []PortalInfo {
	var infos []PortalInfo
	ln.resLock.Lock(cpt.Exclusive)
	for _, p := range ln.portals {
		opts := p.options.Load()
		if opts == 0 {
			continue
		}
		info := PortalInfo{Index: p.index, Match: "unset", Lazy: opts&ptlLazy != 0}
		switch {
		case opts&ptlMatchUnique != 0:
			info.Match = "unique"
		case opts&ptlMatchWildcard != 0:
			info.Match = "wildcard"
		}
		for _, mt := range p.mtables {
			info.MEs += mt.wild.Len()
			for _, h := range mt.hash {
				info.MEs += h.Len()
			}
		}
		p.lock.Lock()
		info.Delayed = p.delayed.Len()
		p.lock.Unlock()
		infos = append(infos, info)
	}
	ln.resLock.Unlock(cpt.Exclusive)
	sort.Slice(infos, func(i, j int) bool { return infos[i].Index < infos[j].Index })
	return infos
}

func (ln *LNet) dropDelayed(ctx context.Context, msgs []*Msg, reason string) {
	span := trace.SpanFromContextSafe(ctx)
	for _, msg := range msgs {
		span.Warnf("dropping delayed %s from %s portal %d match %d offset %d length %d: %s",
			msg.typ, msg.info.id, msg.info.portal, msg.info.mbits, msg.info.roffset, msg.info.rlength, reason)
		ln.dropMessage(ctx, msg.rxNI, msg.rxCPT, msg.private, msg.len)
		ln.finalize(ctx, msg, apierrors.ErrNoMatch)
	}
}

func (ln *LNet) recvDelayed(ctx context.Context, msgs []*Msg) {
	span := trace.SpanFromContextSafe(ctx)
	for _, msg := range msgs {
		span.Debugf("resuming delayed PUT from %s portal %d match %d offset %d length %d",
			msg.info.id, msg.info.portal, msg.info.mbits, msg.info.roffset, msg.info.rlength)
		ln.recvPut(ctx, msg.rxNI, msg)
	}
}
