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

	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
	"github.com/cubefs/lnet/resource"
)

// me is a match entry, guarded by the resource lock of its partition.
type me struct {
	resource.Handle

	cpt        int
	portal     uint32
	matchID    proto.ProcessID
	matchBits  proto.MatchBits
	ignoreBits proto.MatchBits
	unlink     proto.Unlink
	md         *md

	head *list.List
	elem *list.Element
}

func (ln *LNet) lookupMELocked(h proto.HandleME, c int) *me {
	obj := ln.mes[c].Lookup(h.Cookie)
	if obj == nil {
		return nil
	}
	return obj.(*me)
}

// MEAttach creates an ME on portal. The first ME of a portal decides
// whether it matches unique (exact ids, no ignore bits) or wildcard
// entries; an ME of the other kind fails with ErrPermission. InsAfter
// appends and InsBefore prepends to the entries matched before it.
func (ln *LNet) MEAttach(portal uint32, matchID proto.ProcessID, matchBits, ignoreBits proto.MatchBits,
	unlink proto.Unlink, pos proto.InsPos,
) (proto.HandleME, error) {
	if portal >= proto.MaxPortals {
		return proto.InvalidHandleME, apierrors.ErrInvalidArgs
	}
	mt := ln.mtOfAttach(portal, matchID, ignoreBits)
	if mt == nil {
		return proto.InvalidHandleME, apierrors.ErrPermission
	}
	e := &me{
		cpt:        mt.cpt,
		portal:     portal,
		matchID:    matchID,
		matchBits:  matchBits,
		ignoreBits: ignoreBits,
		unlink:     unlink,
	}

	ln.resLock.Lock(mt.cpt)
	defer ln.resLock.Unlock(mt.cpt)
	if err := ln.mes[mt.cpt].Initialize(e); err != nil {
		return proto.InvalidHandleME, err
	}
	e.head = mt.headOf(ln.portals[portal].unique(), matchID, matchBits)
	if pos == proto.InsAfter {
		e.elem = e.head.PushBack(e)
	} else {
		e.elem = e.head.PushFront(e)
	}
	return proto.HandleME{Cookie: e.Cookie}, nil
}

// MEInsert creates an ME next to current on a wildcard portal.
func (ln *LNet) MEInsert(current proto.HandleME, matchID proto.ProcessID, matchBits, ignoreBits proto.MatchBits,
	unlink proto.Unlink, pos proto.InsPos,
) (proto.HandleME, error) {
	c := ln.cpts.OfCookie(current.Cookie)
	ln.resLock.Lock(c)
	defer ln.resLock.Unlock(c)

	cur := ln.lookupMELocked(current, c)
	if cur == nil {
		return proto.InvalidHandleME, apierrors.ErrInvalidHandle
	}
	if ln.portals[cur.portal].unique() {
		return proto.InvalidHandleME, apierrors.ErrPermission
	}
	e := &me{
		cpt:        c,
		portal:     cur.portal,
		matchID:    matchID,
		matchBits:  matchBits,
		ignoreBits: ignoreBits,
		unlink:     unlink,
		head:       cur.head,
	}
	if err := ln.mes[c].Initialize(e); err != nil {
		return proto.InvalidHandleME, err
	}
	if pos == proto.InsAfter {
		e.elem = e.head.InsertAfter(e, cur.elem)
	} else {
		e.elem = e.head.InsertBefore(e, cur.elem)
	}
	return proto.HandleME{Cookie: e.Cookie}, nil
}

// MEUnlink removes an ME and unlinks its MD the way MDUnlink does.
func (ln *LNet) MEUnlink(h proto.HandleME) error {
	c := ln.cpts.OfCookie(h.Cookie)
	ln.resLock.Lock(c)
	e := ln.lookupMELocked(h, c)
	if e == nil {
		ln.resLock.Unlock(c)
		return apierrors.ErrInvalidHandle
	}
	var pending []*Msg
	if m := e.md; m != nil {
		pending = ln.abortMDLocked(m)
	}
	ln.meUnlinkLocked(e)
	ln.resLock.Unlock(c)

	if len(pending) > 0 {
		ln.cancelQueued(context.Background(), pending)
	}
	return nil
}

func (ln *LNet) meUnlinkLocked(e *me) {
	e.head.Remove(e.elem)
	e.elem = nil
	if m := e.md; m != nil {
		ln.ptlDetachMDLocked(e, m)
		ln.mdUnlinkLocked(m)
	}
	ln.mes[e.cpt].Invalidate(e)
}
