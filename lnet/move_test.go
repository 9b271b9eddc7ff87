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

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
)

func attachTarget(t *testing.T, ln *LNet, portal uint32, bits proto.MatchBits, umd proto.MD) (proto.HandleMD, proto.HandleEQ) {
	eqh, err := ln.EQAlloc(16, nil)
	require.NoError(t, err)
	meh, err := ln.MEAttach(portal, proto.ProcessIDAny, bits, 0, proto.UnlinkAuto, proto.InsAfter)
	require.NoError(t, err)
	umd.EQ = eqh
	mdh, err := ln.MDAttach(context.Background(), meh, umd, proto.UnlinkAuto)
	require.NoError(t, err)
	return mdh, eqh
}

func TestMovePutAck(t *testing.T) {
	ctx := context.Background()
	ln := newTestLNet(t, nil)

	buf := make([]byte, 32)
	_, eqh := attachTarget(t, ln, 20, 3, proto.MD{Start: buf, Threshold: 1, Options: proto.MDOpPut})
	src, srcEQ := bindSource(t, ln, []byte("acked"), 2)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src, true, loID(ln), 20, 3, 0, 0))

	ev := waitEvent(t, ln, eqh)
	require.Equal(t, proto.EventPut, ev.Kind)
	require.Equal(t, "acked", string(buf[:5]))

	kinds := map[proto.EventKind]proto.Event{}
	for i := 0; i < 2; i++ {
		ev := waitEvent(t, ln, srcEQ)
		require.NoError(t, ev.Status)
		kinds[ev.Kind] = ev
	}
	require.Contains(t, kinds, proto.EventSend)
	require.Contains(t, kinds, proto.EventAck)
	require.Equal(t, 5, kinds[proto.EventAck].MLength)
	require.Equal(t, proto.MatchBits(3), kinds[proto.EventAck].MatchBits)
	// the MD went with whichever event came last
	require.True(t, kinds[proto.EventSend].Unlinked || kinds[proto.EventAck].Unlinked)
}

func TestMovePutAckDisabled(t *testing.T) {
	ctx := context.Background()
	ln := newTestLNet(t, nil)

	_, eqh := attachTarget(t, ln, 21, 3, proto.MD{Start: make([]byte, 8), Threshold: 1, Options: proto.MDOpPut | proto.MDAckDisable})
	src, srcEQ := bindSource(t, ln, []byte("noack"), 2)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src, true, loID(ln), 21, 3, 0, 0))
	waitEvent(t, ln, eqh)
	ev := waitEvent(t, ln, srcEQ)
	require.Equal(t, proto.EventSend, ev.Kind)
	noEvent(t, ln, srcEQ)
}

func TestMoveGetReply(t *testing.T) {
	ctx := context.Background()
	ln := newTestLNet(t, nil)

	_, eqh := attachTarget(t, ln, 22, 5, proto.MD{
		Start:     []byte("0123456789"),
		Threshold: 1,
		Options:   proto.MDOpGet | proto.MDManageRemote,
	})
	sink := make([]byte, 4)
	mdh, sinkEQ := bindSource(t, ln, sink, 2)
	require.NoError(t, ln.Get(ctx, proto.NIDAny, mdh, loID(ln), 22, 5, 3))

	ev := waitEvent(t, ln, eqh)
	require.Equal(t, proto.EventGet, ev.Kind)
	require.Equal(t, 3, ev.Offset)
	require.Equal(t, 4, ev.MLength)

	kinds := map[proto.EventKind]proto.Event{}
	for i := 0; i < 2; i++ {
		ev := waitEvent(t, ln, sinkEQ)
		require.NoError(t, ev.Status)
		kinds[ev.Kind] = ev
	}
	require.Contains(t, kinds, proto.EventSend)
	require.Contains(t, kinds, proto.EventReply)
	require.Equal(t, 4, kinds[proto.EventReply].MLength)
	require.Equal(t, 4, kinds[proto.EventReply].RLength)
	require.Equal(t, "3456", string(sink))
}

func TestMoveTooBigDropped(t *testing.T) {
	ctx := context.Background()
	ln := newTestLNet(t, nil)

	_, eqh := attachTarget(t, ln, 23, 1, proto.MD{Start: make([]byte, 2), Threshold: 1, Options: proto.MDOpPut})
	src, srcEQ := bindSource(t, ln, []byte("too long"), 1)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src, false, loID(ln), 23, 1, 0, 0))
	waitEvent(t, ln, srcEQ)
	noEvent(t, ln, eqh)

	// truncation lets it in
	buf := make([]byte, 2)
	_, eqh2 := attachTarget(t, ln, 24, 1, proto.MD{Start: buf, Threshold: 1, Options: proto.MDOpPut | proto.MDTruncate})
	src2, _ := bindSource(t, ln, []byte("too long"), 1)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src2, false, loID(ln), 24, 1, 0, 0))
	ev := waitEvent(t, ln, eqh2)
	require.Equal(t, 8, ev.RLength)
	require.Equal(t, 2, ev.MLength)
	require.Equal(t, "to", string(buf))
}

func TestMoveNoRoute(t *testing.T) {
	ctx := context.Background()
	ln := newTestLNet(t, nil)

	src, srcEQ := bindSource(t, ln, []byte("lost"), 1)
	dst, _ := proto.ParseNID("5@gni1")
	err := ln.Put(ctx, proto.NIDAny, src, false, proto.ProcessID{NID: dst, PID: proto.DefaultPID}, 30, 0, 0, 0)
	require.ErrorIs(t, err, apierrors.ErrNoRoute)
	ev := waitEvent(t, ln, srcEQ)
	require.Equal(t, proto.EventSend, ev.Kind)
	require.ErrorIs(t, ev.Status, apierrors.ErrNoRoute)
	require.True(t, ev.Unlinked)
	// it never got committed
	require.Equal(t, uint32(0), ln.Counters().MsgsAlloc)

	err = ln.Put(ctx, proto.NIDAny, proto.HandleMD{Cookie: 99}, false, loID(ln), 30, 0, 0, 0)
	require.ErrorIs(t, err, apierrors.ErrInvalidHandle)
	bogus, _ := proto.ParseNID("10.9.9.9@tcp")
	src2, _ := bindSource(t, ln, []byte("x"), 1)
	err = ln.Put(ctx, bogus, src2, false, loID(ln), 30, 0, 0, 0)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgs)
}

func TestMoveCreditsFIFO(t *testing.T) {
	ctx := context.Background()
	lnd := newHoldLND(proto.NetTypeTCP)
	ln := newTestLNet(t, &Config{
		NIs:  []NIConfig{{Net: "tcp", Addr: "10.0.0.1", PeerCredits: 2}},
		LNDs: []LND{lnd},
	})
	peer, _ := proto.ParseNID("10.0.0.2@tcp")
	target := proto.ProcessID{NID: peer, PID: proto.DefaultPID}

	eqs := make([]proto.HandleEQ, 4)
	for i := range eqs {
		var src proto.HandleMD
		src, eqs[i] = bindSource(t, ln, []byte("data"), 1)
		require.NoError(t, ln.Put(ctx, proto.NIDAny, src, false, target, 40, proto.MatchBits(i), 0, 0))
	}

	first := lnd.next(t)
	second := lnd.next(t)
	require.Equal(t, proto.MatchBits(0), first.Header().Put.MatchBits)
	require.Equal(t, proto.MatchBits(1), second.Header().Put.MatchBits)
	require.Equal(t, "10.0.0.1@tcp", first.Header().SrcNID.String())
	lnd.none(t)

	peers := ln.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, int64(-2), peers[0].TxCredits)
	require.Equal(t, 2, peers[0].Queued)
	require.Equal(t, int64(4*(4+headerSize)), peers[0].TxQNob)
	require.Equal(t, int64(-2), peers[0].MinCredits)
	require.Equal(t, uint32(4), ln.Counters().MsgsAlloc)

	// each completion lets the next queued message go, in order
	ni := first.txNI
	ln.Finalize(ni, first, nil)
	third := lnd.next(t)
	require.Equal(t, proto.MatchBits(2), third.Header().Put.MatchBits)
	ev := waitEvent(t, ln, eqs[0])
	require.NoError(t, ev.Status)

	ln.Finalize(ni, second, nil)
	fourth := lnd.next(t)
	require.Equal(t, proto.MatchBits(3), fourth.Header().Put.MatchBits)
	ln.Finalize(ni, third, nil)
	ln.Finalize(ni, fourth, apierrors.ErrHostUnreachable)
	ev = waitEvent(t, ln, eqs[3])
	require.ErrorIs(t, ev.Status, apierrors.ErrHostUnreachable)

	peers = ln.Peers()
	require.Equal(t, int64(2), peers[0].TxCredits)
	require.Equal(t, 0, peers[0].Queued)
	require.Equal(t, int64(0), peers[0].TxQNob)
	ctr := ln.Counters()
	require.Equal(t, uint32(0), ctr.MsgsAlloc)
	require.Equal(t, uint32(3), ctr.SendCount)
	require.Equal(t, uint64(12), ctr.SendLength)
	require.Equal(t, uint32(1), ctr.Errors)
}

func TestMoveQueueFull(t *testing.T) {
	ctx := context.Background()
	lnd := newHoldLND(proto.NetTypeTCP)
	ln := newTestLNet(t, &Config{
		NIs:            []NIConfig{{Net: "tcp", Addr: "10.0.0.1", PeerCredits: 1}},
		LNDs:           []LND{lnd},
		PeerTxQueueMax: 1,
	})
	peer, _ := proto.ParseNID("10.0.0.2@tcp")
	target := proto.ProcessID{NID: peer, PID: proto.DefaultPID}

	for i := 0; i < 2; i++ {
		src, _ := bindSource(t, ln, []byte("q"), 1)
		require.NoError(t, ln.Put(ctx, proto.NIDAny, src, false, target, 40, 0, 0, 0))
	}
	src, _ := bindSource(t, ln, []byte("q"), 1)
	require.ErrorIs(t, ln.Put(ctx, proto.NIDAny, src, false, target, 40, 0, 0, 0), apierrors.ErrQueueFull)

	msg := lnd.next(t)
	ln.Finalize(msg.txNI, msg, nil)
	ln.Finalize(msg.txNI, lnd.next(t), nil)
}

func TestMoveUnlinkCancelsQueued(t *testing.T) {
	ctx := context.Background()
	lnd := newHoldLND(proto.NetTypeTCP)
	ln := newTestLNet(t, &Config{
		NIs:  []NIConfig{{Net: "tcp", Addr: "10.0.0.1", PeerCredits: 1}},
		LNDs: []LND{lnd},
	})
	peer, _ := proto.ParseNID("10.0.0.2@tcp")
	target := proto.ProcessID{NID: peer, PID: proto.DefaultPID}

	src1, eq1 := bindSource(t, ln, []byte("first"), 1)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src1, false, target, 40, 1, 0, 0))
	src2, eq2 := bindSource(t, ln, []byte("second"), 1)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src2, false, target, 40, 2, 0, 0))
	first := lnd.next(t)
	lnd.none(t)

	require.NoError(t, ln.MDUnlink(ctx, src2))
	ev := waitEvent(t, ln, eq2)
	require.Equal(t, proto.EventSend, ev.Kind)
	require.ErrorIs(t, ev.Status, apierrors.ErrCanceled)
	require.True(t, ev.Unlinked)

	peers := ln.Peers()
	require.Equal(t, int64(0), peers[0].TxCredits)
	require.Equal(t, 0, peers[0].Queued)

	// the in-flight one is not affected by the cancel and frees the credit
	ln.Finalize(first.txNI, first, nil)
	ev = waitEvent(t, ln, eq1)
	require.NoError(t, ev.Status)
	lnd.none(t)
	require.Equal(t, int64(1), ln.Peers()[0].TxCredits)
}

func TestMoveDropRule(t *testing.T) {
	ctx := context.Background()
	ln := newTestLNet(t, nil)

	require.ErrorIs(t, ln.AddDropRule(DropRule{Src: proto.NIDAny, Dst: proto.NIDAny}), apierrors.ErrInvalidArgs)
	require.NoError(t, ln.AddDropRule(DropRule{Src: proto.NIDAny, Dst: proto.NIDAny, PortalMask: 1 << 25, Rate: 2}))

	_, eqh := attachTarget(t, ln, 25, 0, proto.MD{Start: make([]byte, 8), Threshold: proto.MDThreshInf, Options: proto.MDOpPut})
	for i := 0; i < 4; i++ {
		src, srcEQ := bindSource(t, ln, []byte("x"), 1)
		require.NoError(t, ln.Put(ctx, proto.NIDAny, src, false, loID(ln), 25, 0, 0, 0))
		waitEvent(t, ln, srcEQ)
	}
	delivered := 0
	for {
		if _, err := ln.EQGet(eqh); err != nil {
			break
		}
		delivered++
	}
	require.Equal(t, 2, delivered)

	rules := ln.DropRules()
	require.Len(t, rules, 1)
	require.Equal(t, uint64(4), rules[0].Matched)
	require.Equal(t, uint64(2), rules[0].Dropped)
	require.Equal(t, 1, ln.DelDropRule(proto.NIDAny, proto.NIDAny))
	require.Empty(t, ln.DropRules())
}

func TestMoveCounters(t *testing.T) {
	ctx := context.Background()
	ln := newTestLNet(t, nil)
	ln.ResetCounters()

	_, eqh := attachTarget(t, ln, 26, 0, proto.MD{Start: make([]byte, 8), Threshold: 1, Options: proto.MDOpPut})
	src, srcEQ := bindSource(t, ln, []byte("count"), 1)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src, false, loID(ln), 26, 0, 0, 0))
	waitEvent(t, ln, eqh)
	waitEvent(t, ln, srcEQ)

	ctr := ln.Counters()
	require.Equal(t, uint32(1), ctr.SendCount)
	require.Equal(t, uint64(5), ctr.SendLength)
	require.Equal(t, uint32(1), ctr.RecvCount)
	require.Equal(t, uint64(5), ctr.RecvLength)
	require.Equal(t, uint32(0), ctr.MsgsAlloc)
	require.GreaterOrEqual(t, ctr.MsgsMax, uint32(1))
}

func TestMoveNotForwarded(t *testing.T) {
	ctx := context.Background()
	lnd := newHoldLND(proto.NetTypeTCP)
	ln := newTestLNet(t, &Config{
		NIs:  []NIConfig{{Net: "tcp", Addr: "10.0.0.1"}},
		LNDs: []LND{lnd},
	})
	peer, _ := proto.ParseNID("10.0.0.2@tcp")
	far, _ := proto.ParseNID("9@gni")

	// take the tcp NI from a message the LND is handed
	src, _ := bindSource(t, ln, []byte("hi"), 1)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src, false, proto.ProcessID{NID: peer, PID: proto.DefaultPID}, 40, 0, 0, 0))
	sent := lnd.next(t)
	ni := sent.txNI
	ln.Finalize(ni, sent, nil)
	ln.ResetCounters()

	require.NoError(t, ln.Parse(ni, &proto.Header{
		Type:          proto.MsgPut,
		DestNID:       far,
		SrcNID:        peer,
		DestPID:       proto.DefaultPID,
		SrcPID:        proto.DefaultPID,
		PayloadLength: 3,
		Put:           proto.PutHeader{AckWMD: proto.WireHandleNone, PtlIndex: 40},
	}, peer, nil))
	ctr := ln.Counters()
	require.Equal(t, uint32(1), ctr.DropCount)
	require.Equal(t, uint64(3), ctr.DropLength)
	require.Equal(t, uint32(0), ctr.RecvCount)
	lnd.none(t)

	// a destination on the receiving net itself is malformed
	err := ln.Parse(ni, &proto.Header{Type: proto.MsgGet, DestNID: peer, SrcNID: peer}, peer, nil)
	require.ErrorIs(t, err, apierrors.ErrInvalidArgs)
}
