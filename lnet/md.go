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

	"github.com/cubefs/lnet/cpt"
	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
	"github.com/cubefs/lnet/resource"
)

// MaxIOV bounds the segments of an MD.
const MaxIOV = 256

type mdState uint8

const (
	mdActive mdState = iota
	// unlinked from its ME and from lookups, freed when the last message
	// lets go of it
	mdUnlinkPending
	mdFreed
)

var mdStateNames = [...]string{"active", "unlink-pending", "freed"}

func (s mdState) String() string { return mdStateNames[s] }

// md is a memory descriptor, guarded by the resource lock of its partition.
type md struct {
	resource.Handle

	cpt        int
	state      mdState
	autoUnlink bool
	aborted    bool

	me        *me
	segs      [][]byte
	length    int
	offset    int
	threshold int
	maxSize   int
	options   proto.MDOptions
	userPtr   interface{}
	eq        *eq

	refcount int
	msgs     *list.List
}

func (m *md) exhausted() bool {
	return m.threshold == 0 ||
		(m.options&proto.MDMaxSize != 0 && m.offset+m.maxSize > m.length)
}

func (m *md) unlinkable() bool {
	return m.refcount == 0 && (m.state == mdUnlinkPending || (m.autoUnlink && m.exhausted()))
}

func buildMD(umd *proto.MD, unlink proto.Unlink) (*md, error) {
	if umd.Threshold < proto.MDThreshInf {
		return nil, apierrors.ErrInvalidArgs
	}
	m := &md{
		threshold:  umd.Threshold,
		maxSize:    umd.MaxSize,
		options:    umd.Options,
		userPtr:    umd.UserPtr,
		autoUnlink: unlink == proto.UnlinkAuto,
		msgs:       list.New(),
	}
	switch {
	case umd.Options&proto.MDIOVec != 0 && umd.Options&proto.MDKIOV != 0:
		return nil, apierrors.ErrInvalidArgs
	case umd.Options&proto.MDIOVec != 0:
		if len(umd.Iov) > MaxIOV {
			return nil, apierrors.ErrInvalidArgs
		}
		m.segs = make([][]byte, 0, len(umd.Iov))
		for _, b := range umd.Iov {
			m.segs = append(m.segs, b)
			m.length += len(b)
		}
	case umd.Options&proto.MDKIOV != 0:
		if len(umd.Kiov) > MaxIOV {
			return nil, apierrors.ErrInvalidArgs
		}
		m.segs = make([][]byte, 0, len(umd.Kiov))
		for _, p := range umd.Kiov {
			if p.Offset < 0 || p.Length < 0 || p.Offset+p.Length > len(p.Data) {
				return nil, apierrors.ErrInvalidArgs
			}
			m.segs = append(m.segs, p.Data[p.Offset:p.Offset+p.Length])
			m.length += p.Length
		}
	default:
		m.segs = [][]byte{umd.Start}
		m.length = len(umd.Start)
	}
	if umd.Options&proto.MDMaxSize != 0 && (umd.MaxSize < 0 || umd.MaxSize > m.length) {
		return nil, apierrors.ErrInvalidArgs
	}
	return m, nil
}

// linkMDLocked binds m to its EQ and container in partition c.
func (ln *LNet) linkMDLocked(m *md, h proto.HandleEQ, c int) error {
	if !h.IsInvalid() {
		e := ln.lookupEQ(h)
		if e == nil {
			return apierrors.ErrInvalidHandle
		}
		m.eq = e
	}
	if err := ln.mds[c].Initialize(m); err != nil {
		m.eq = nil
		return err
	}
	m.cpt = c
	if m.eq != nil {
		m.eq.refs[c]++
	}
	return nil
}

func (ln *LNet) lookupMDLocked(h proto.HandleMD, c int) *md {
	obj := ln.mds[c].Lookup(h.Cookie)
	if obj == nil {
		return nil
	}
	return obj.(*md)
}

// mdUnlinkLocked takes m off its ME and out of lookups, and frees it once
// idle. An ME created with UnlinkAuto goes with it.
func (ln *LNet) mdUnlinkLocked(m *md) {
	if m.state == mdActive {
		m.state = mdUnlinkPending
		if me := m.me; me != nil {
			ln.ptlDetachMDLocked(me, m)
			if me.unlink == proto.UnlinkAuto {
				ln.meUnlinkLocked(me)
			}
		}
		ln.mds[m.cpt].Invalidate(m)
	}
	if m.refcount != 0 || m.state == mdFreed {
		return
	}
	if m.eq != nil {
		m.eq.refs[m.cpt]--
		lnetAssert(m.eq.refs[m.cpt] >= 0, "eq refcount underflow")
	}
	m.state = mdFreed
}

func (ln *LNet) unlinkEvent(m *md) proto.Event {
	return proto.Event{
		Kind:      proto.EventUnlink,
		MDHandle:  proto.HandleMD{Cookie: m.Cookie},
		UserPtr:   m.userPtr,
		Threshold: m.threshold,
		Unlinked:  true,
	}
}

// MDAttach creates an MD from umd and attaches it to the ME meh. Messages
// parked on a lazy portal that match the new MD are delivered before
// MDAttach returns.
func (ln *LNet) MDAttach(ctx context.Context, meh proto.HandleME, umd proto.MD, unlink proto.Unlink) (proto.HandleMD, error) {
	if umd.Options&(proto.MDOpPut|proto.MDOpGet) == 0 {
		return proto.InvalidHandleMD, apierrors.ErrInvalidArgs
	}
	m, err := buildMD(&umd, unlink)
	if err != nil {
		return proto.InvalidHandleMD, err
	}

	c := ln.cpts.OfCookie(meh.Cookie)
	ln.resLock.Lock(c)
	me := ln.lookupMELocked(meh, c)
	switch {
	case me == nil:
		err = apierrors.ErrInvalidHandle
	case me.md != nil:
		err = apierrors.ErrBusy
	default:
		err = ln.linkMDLocked(m, umd.EQ, c)
	}
	if err != nil {
		ln.resLock.Unlock(c)
		return proto.InvalidHandleMD, err
	}
	matches, drops := ln.ptlAttachMDLocked(me, m)
	h := proto.HandleMD{Cookie: m.Cookie}
	ln.resLock.Unlock(c)

	ln.dropDelayed(ctx, drops, "bad match")
	ln.recvDelayed(ctx, matches)
	return h, nil
}

// MDBind creates a free standing MD for PUT and GET initiators.
func (ln *LNet) MDBind(umd proto.MD, unlink proto.Unlink) (proto.HandleMD, error) {
	if umd.Options&(proto.MDOpPut|proto.MDOpGet) != 0 {
		return proto.InvalidHandleMD, apierrors.ErrInvalidArgs
	}
	m, err := buildMD(&umd, unlink)
	if err != nil {
		return proto.InvalidHandleMD, err
	}
	c := ln.cpts.Current()
	ln.resLock.Lock(c)
	err = ln.linkMDLocked(m, umd.EQ, c)
	ln.resLock.Unlock(c)
	if err != nil {
		return proto.InvalidHandleMD, err
	}
	return proto.HandleMD{Cookie: m.Cookie}, nil
}

// MDUnlink unlinks an MD. An idle MD goes at once and posts an unlink
// event. A busy one goes with its last message, whose event carries the
// unlinked flag, and messages still waiting for credits fail with
// ErrCanceled.
func (ln *LNet) MDUnlink(ctx context.Context, h proto.HandleMD) error {
	c := ln.cpts.OfCookie(h.Cookie)
	ln.resLock.Lock(c)
	m := ln.lookupMDLocked(h, c)
	if m == nil {
		ln.resLock.Unlock(c)
		return apierrors.ErrInvalidHandle
	}
	pending := ln.abortMDLocked(m)
	ln.mdUnlinkLocked(m)
	ln.resLock.Unlock(c)

	if len(pending) > 0 {
		ln.cancelQueued(ctx, pending)
	}
	return nil
}

// abortMDLocked marks m for unlink, posts the unlink event of an idle MD
// and returns the msgs still holding it. They are canceled by cancelQueued
// once the resource lock is dropped.
func (ln *LNet) abortMDLocked(m *md) []*Msg {
	m.aborted = true
	if m.eq != nil && m.refcount == 0 {
		ev := ln.unlinkEvent(m)
		ln.eqEnqueue(m.eq, &ev)
	}
	pending := make([]*Msg, 0, m.msgs.Len())
	for e := m.msgs.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*Msg))
	}
	return pending
}

// cancelQueued fails the msgs of an unlinked MD that still wait for send
// credits.
func (ln *LNet) cancelQueued(ctx context.Context, msgs []*Msg) {
	var canceled []*Msg
	ln.netLock.Lock(cpt.Exclusive)
	for _, msg := range msgs {
		if msg.queue == nil {
			continue
		}
		msg.queue.Remove(msg.queueElem)
		msg.queue, msg.queueElem = nil, nil
		if tq := msg.queuedTQ; tq != nil {
			tq.credits++
			msg.txCredit = false
			msg.queuedTQ = nil
		} else {
			lp := msg.txPeer
			lp.txCredits.Add(1)
			lp.txqnob.Add(-int64(msg.len + headerSize))
			msg.peerTxCredit = false
		}
		canceled = append(canceled, msg)
	}
	ln.netLock.Unlock(cpt.Exclusive)

	for _, msg := range canceled {
		ln.finalize(ctx, msg, apierrors.ErrCanceled)
	}
}

type MDInfo struct {
	Handle    proto.HandleMD `json:"handle"`
	State     string         `json:"state"`
	Length    int            `json:"length"`
	Offset    int            `json:"offset"`
	Threshold int            `json:"threshold"`
	Refcount  int            `json:"refcount"`
}

// MDStat describes a live MD.
func (ln *LNet) MDStat(h proto.HandleMD) (MDInfo, error) {
	c := ln.cpts.OfCookie(h.Cookie)
	ln.resLock.Lock(c)
	defer ln.resLock.Unlock(c)
	m := ln.lookupMDLocked(h, c)
	if m == nil {
		return MDInfo{}, apierrors.ErrInvalidHandle
	}
	return MDInfo{
		Handle:    h,
		State:     m.state.String(),
		Length:    m.length,
		Offset:    m.offset,
		Threshold: m.threshold,
		Refcount:  m.refcount,
	}, nil
}
