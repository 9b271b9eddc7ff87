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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
)

func delayedOn(ln *LNet, index uint32) int {
	for _, p := range ln.Portals() {
		if p.Index == index {
			return p.Delayed
		}
	}
	return 0
}

func TestPortalLazyDelivery(t *testing.T) {
	ctx := context.Background()
	ln := newTestLNet(t, &Config{LazyPortals: []uint32{5}})

	src, srcEQ := bindSource(t, ln, []byte("parked"), 1)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src, false, loID(ln), 5, 9, 0, 0))
	require.Eventually(t, func() bool { return delayedOn(ln, 5) == 1 }, testWait, 10*time.Millisecond)
	// the sender completes only once the message is received
	noEvent(t, ln, srcEQ)

	eqh, err := ln.EQAlloc(8, nil)
	require.NoError(t, err)
	// a non matching MD leaves it parked
	other, err := ln.MEAttach(5, proto.ProcessIDAny, 10, 0, proto.UnlinkAuto, proto.InsAfter)
	require.NoError(t, err)
	_, err = ln.MDAttach(ctx, other, proto.MD{Start: make([]byte, 16), Threshold: 1, Options: proto.MDOpPut, EQ: eqh}, proto.UnlinkAuto)
	require.NoError(t, err)
	require.Equal(t, 1, delayedOn(ln, 5))

	buf := make([]byte, 16)
	meh, err := ln.MEAttach(5, proto.ProcessIDAny, 9, 0, proto.UnlinkAuto, proto.InsAfter)
	require.NoError(t, err)
	_, err = ln.MDAttach(ctx, meh, proto.MD{Start: buf, Threshold: 1, Options: proto.MDOpPut, EQ: eqh}, proto.UnlinkAuto)
	require.NoError(t, err)
	require.Equal(t, 0, delayedOn(ln, 5))

	ev := waitEvent(t, ln, eqh)
	require.Equal(t, proto.EventPut, ev.Kind)
	require.Equal(t, proto.MatchBits(9), ev.MatchBits)
	require.Equal(t, 6, ev.MLength)
	require.Equal(t, "parked", string(buf[:6]))
	sev := waitEvent(t, ln, srcEQ)
	require.Equal(t, proto.EventSend, sev.Kind)
	require.NoError(t, sev.Status)
}

func TestPortalClearLazyDrops(t *testing.T) {
	ctx := context.Background()
	ln := newTestLNet(t, nil)
	require.NoError(t, ln.SetLazyPortal(6))
	require.ErrorIs(t, ln.SetLazyPortal(proto.MaxPortals), apierrors.ErrInvalidArgs)

	src, srcEQ := bindSource(t, ln, []byte("doomed"), 1)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src, false, loID(ln), 6, 1, 0, 0))
	require.Eventually(t, func() bool { return delayedOn(ln, 6) == 1 }, testWait, 10*time.Millisecond)

	drops := ln.Counters().DropCount
	require.NoError(t, ln.ClearLazyPortal(6))
	sev := waitEvent(t, ln, srcEQ)
	require.Equal(t, proto.EventSend, sev.Kind)
	require.Equal(t, drops+1, ln.Counters().DropCount)
	for _, p := range ln.Portals() {
		if p.Index == 6 {
			require.False(t, p.Lazy)
		}
	}
	// clearing twice is harmless
	require.NoError(t, ln.ClearLazyPortal(6))
}

func TestPortalLazyQueueBound(t *testing.T) {
	ctx := context.Background()
	ln := newTestLNet(t, &Config{LazyPortals: []uint32{7}, LazyQueueMax: 1})

	src1, eq1 := bindSource(t, ln, []byte("one"), 1)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src1, false, loID(ln), 7, 1, 0, 0))
	require.Eventually(t, func() bool { return delayedOn(ln, 7) == 1 }, testWait, 10*time.Millisecond)

	src2, eq2 := bindSource(t, ln, []byte("two"), 1)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src2, false, loID(ln), 7, 1, 0, 0))
	// the second is dropped on the spot, which completes its sender
	sev := waitEvent(t, ln, eq2)
	require.Equal(t, proto.EventSend, sev.Kind)
	require.Equal(t, 1, delayedOn(ln, 7))
	noEvent(t, ln, eq1)
}

func TestPortalGetNotParked(t *testing.T) {
	ctx := context.Background()
	ln := newTestLNet(t, &Config{LazyPortals: []uint32{8}})

	sink, sinkEQ := bindSource(t, ln, make([]byte, 8), 2)
	require.NoError(t, ln.Get(ctx, proto.NIDAny, sink, loID(ln), 8, 1, 0))
	sev := waitEvent(t, ln, sinkEQ)
	require.Equal(t, proto.EventSend, sev.Kind)
	require.Equal(t, 0, delayedOn(ln, 8))
	noEvent(t, ln, sinkEQ)
}

func TestPortalWildcardOrder(t *testing.T) {
	ctx := context.Background()
	ln := newTestLNet(t, nil)
	eqh, err := ln.EQAlloc(16, nil)
	require.NoError(t, err)

	attach := func(meh proto.HandleME, name string) {
		_, err := ln.MDAttach(ctx, meh, proto.MD{
			Start:     make([]byte, 8),
			Threshold: 1,
			Options:   proto.MDOpPut,
			UserPtr:   name,
			EQ:        eqh,
		}, proto.UnlinkAuto)
		require.NoError(t, err)
	}
	a, err := ln.MEAttach(10, proto.ProcessIDAny, 0, ^proto.MatchBits(0), proto.UnlinkAuto, proto.InsAfter)
	require.NoError(t, err)
	attach(a, "a")
	b, err := ln.MEAttach(10, proto.ProcessIDAny, 0, ^proto.MatchBits(0), proto.UnlinkAuto, proto.InsBefore)
	require.NoError(t, err)
	attach(b, "b")
	c, err := ln.MEInsert(a, proto.ProcessIDAny, 0, ^proto.MatchBits(0), proto.UnlinkAuto, proto.InsAfter)
	require.NoError(t, err)
	attach(c, "c")
	d, err := ln.MEInsert(b, proto.ProcessIDAny, 0, ^proto.MatchBits(0), proto.UnlinkAuto, proto.InsBefore)
	require.NoError(t, err)
	attach(d, "d")

	var order []string
	for i := 0; i < 4; i++ {
		src, srcEQ := bindSource(t, ln, []byte("x"), 1)
		require.NoError(t, ln.Put(ctx, proto.NIDAny, src, false, loID(ln), 10, proto.MatchBits(i), 0, 0))
		ev := waitEvent(t, ln, eqh)
		require.Equal(t, proto.EventPut, ev.Kind)
		order = append(order, ev.UserPtr.(string))
		waitEvent(t, ln, srcEQ)
	}
	require.Equal(t, []string{"d", "b", "a", "c"}, order)
}

func TestPortalMatchKind(t *testing.T) {
	ln := newTestLNet(t, nil)
	peer, _ := proto.ParseNID("12@gni")
	id := proto.ProcessID{NID: peer, PID: 7}

	u, err := ln.MEAttach(11, id, 1, 0, proto.Retain, proto.InsAfter)
	require.NoError(t, err)
	_, err = ln.MEAttach(11, proto.ProcessIDAny, 1, 0, proto.Retain, proto.InsAfter)
	require.ErrorIs(t, err, apierrors.ErrPermission)
	_, err = ln.MEAttach(11, id, 1, 1, proto.Retain, proto.InsAfter)
	require.ErrorIs(t, err, apierrors.ErrPermission)
	_, err = ln.MEInsert(u, id, 2, 0, proto.Retain, proto.InsAfter)
	require.ErrorIs(t, err, apierrors.ErrPermission)
	_, err = ln.MEAttach(11, id, 2, 0, proto.Retain, proto.InsBefore)
	require.NoError(t, err)

	_, err = ln.MEAttach(12, proto.ProcessIDAny, 1, 0, proto.Retain, proto.InsAfter)
	require.NoError(t, err)
	_, err = ln.MEAttach(12, id, 1, 0, proto.Retain, proto.InsAfter)
	require.ErrorIs(t, err, apierrors.ErrPermission)

	_, err = ln.MEAttach(proto.MaxPortals, id, 1, 0, proto.Retain, proto.InsAfter)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgs)

	kinds := map[uint32]string{}
	for _, p := range ln.Portals() {
		kinds[p.Index] = p.Match
	}
	require.Equal(t, "unique", kinds[11])
	require.Equal(t, "wildcard", kinds[12])

	// the kind stays even when the MEs are gone
	require.NoError(t, ln.MEUnlink(u))
	_, err = ln.MEAttach(11, proto.ProcessIDAny, 1, 0, proto.Retain, proto.InsAfter)
	require.ErrorIs(t, err, apierrors.ErrPermission)
}

func TestPortalUniqueZeroLength(t *testing.T) {
	ctx := context.Background()
	ln := newTestLNet(t, nil)

	eqh, err := ln.EQAlloc(16, nil)
	require.NoError(t, err)
	meh, err := ln.MEAttach(33, loID(ln), 0x21, 0, proto.UnlinkAuto, proto.InsAfter)
	require.NoError(t, err)
	mdh, err := ln.MDAttach(ctx, meh, proto.MD{
		Start:     make([]byte, 16),
		Threshold: 2,
		Options:   proto.MDOpPut,
		EQ:        eqh,
	}, proto.UnlinkAuto)
	require.NoError(t, err)
	for _, p := range ln.Portals() {
		if p.Index == 33 {
			require.Equal(t, "unique", p.Match)
		}
	}

	// empty messages use up the threshold like any other
	for _, left := range []int{1, 0} {
		src, srcEQ := bindSource(t, ln, []byte{}, 1)
		require.NoError(t, ln.Put(ctx, proto.NIDAny, src, false, loID(ln), 33, 0x21, 0, 0))
		ev := waitEvent(t, ln, eqh)
		require.Equal(t, proto.EventPut, ev.Kind)
		require.NoError(t, ev.Status)
		require.Equal(t, 0, ev.MLength)
		require.Equal(t, left, ev.Threshold)
		require.Equal(t, left == 0, ev.Unlinked)
		waitEvent(t, ln, srcEQ)
	}
	_, err = ln.MDStat(mdh)
	require.ErrorIs(t, err, apierrors.ErrInvalidHandle)
	require.ErrorIs(t, ln.MEUnlink(meh), apierrors.ErrInvalidHandle)

	// another id misses the unique entry and is dropped
	ln.ResetCounters()
	other := loID(ln)
	other.PID++
	meh, err = ln.MEAttach(33, other, 0x21, 0, proto.Retain, proto.InsAfter)
	require.NoError(t, err)
	_, err = ln.MDAttach(ctx, meh, proto.MD{Start: make([]byte, 4), Threshold: 1, Options: proto.MDOpPut, EQ: eqh}, proto.Retain)
	require.NoError(t, err)
	src, srcEQ := bindSource(t, ln, []byte("x"), 1)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src, false, loID(ln), 33, 0x21, 0, 0))
	waitEvent(t, ln, srcEQ)
	require.Eventually(t, func() bool { return ln.Counters().DropCount == 1 }, testWait, 10*time.Millisecond)
	noEvent(t, ln, eqh)
}
