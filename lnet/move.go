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
	"fmt"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
)

const (
	// MaxPayload bounds the payload of one PUT or REPLY.
	MaxPayload = 1 << 20
	// headerSize is what a header costs on a peer's queue.
	headerSize = 72
)

type dropCategory struct {
	what   string
	portal uint32
}

func (ln *LNet) logDrop(span trace.Span, what string, portal uint32, format string, v ...interface{}) {
	if _, ok := ln.dropLogLim.Allow(dropCategory{what: what, portal: portal}); ok {
		span.Warnf(format, v...)
	}
}

func (ln *LNet) prepSend(msg *Msg, typ proto.MsgType, target proto.ProcessID, offset, length int) {
	msg.sending = true
	msg.typ = typ
	msg.target = target
	msg.offset = offset
	msg.len = length
	msg.hdr = proto.Header{
		Type:          typ,
		DestNID:       target.NID,
		DestPID:       target.PID,
		SrcPID:        ln.pid,
		PayloadLength: length,
	}
}

// Put sends the whole of the bound MD mdh to portal of target. With ack
// the target answers with an ACK event on mdh once the data landed. self
// picks the source NI, NIDAny lets routing choose. A send failing before
// it reaches an LND is returned and also posted as a SEND event.
func (ln *LNet) Put(ctx context.Context, self proto.NID, mdh proto.HandleMD, ack bool, target proto.ProcessID,
	portal uint32, matchBits proto.MatchBits, offset int, hdrData uint64,
) error {
	span := trace.SpanFromContextSafe(ctx)
	if ln.shuttingDown() {
		return apierrors.ErrShutdown
	}
	msg := newMsg()

	c := ln.cpts.OfCookie(mdh.Cookie)
	ln.resLock.Lock(c)
	m := ln.lookupMDLocked(mdh, c)
	if m == nil || m.threshold == 0 || m.me != nil {
		ln.resLock.Unlock(c)
		span.Errorf("dropping PUT (%d:%d:%s): MD %s invalid", matchBits, portal, target, mdh)
		return apierrors.ErrInvalidHandle
	}
	ln.attachMDLocked(msg, m, 0, 0)
	ln.prepSend(msg, proto.MsgPut, target, 0, m.length)
	msg.hdr.Put = proto.PutHeader{
		AckWMD:    proto.WireHandleNone,
		MatchBits: matchBits,
		HdrData:   hdrData,
		PtlIndex:  portal,
		Offset:    offset,
	}
	if ack {
		msg.hdr.Put.AckWMD = ln.wireHandle(m)
	}
	ln.resLock.Unlock(c)

	msg.buildEvent(proto.EventSend)
	if err := ln.send(ctx, self, msg, proto.NIDAny); err != nil {
		span.Warnf("error sending PUT to %s: %s", target, err)
		ln.finalize(ctx, msg, err)
		return err
	}
	return nil
}

// Get asks target for the data of the MD matching portal and matchBits at
// offset; it lands in the bound MD mdh with a REPLY event.
func (ln *LNet) Get(ctx context.Context, self proto.NID, mdh proto.HandleMD, target proto.ProcessID,
	portal uint32, matchBits proto.MatchBits, offset int,
) error {
	span := trace.SpanFromContextSafe(ctx)
	if ln.shuttingDown() {
		return apierrors.ErrShutdown
	}
	msg := newMsg()

	c := ln.cpts.OfCookie(mdh.Cookie)
	ln.resLock.Lock(c)
	m := ln.lookupMDLocked(mdh, c)
	if m == nil || m.threshold == 0 || m.me != nil {
		ln.resLock.Unlock(c)
		span.Errorf("dropping GET (%d:%d:%s): MD %s invalid", matchBits, portal, target, mdh)
		return apierrors.ErrInvalidHandle
	}
	ln.attachMDLocked(msg, m, 0, 0)
	ln.prepSend(msg, proto.MsgGet, target, 0, 0)
	msg.hdr.Get = proto.GetHeader{
		ReturnWMD:  ln.wireHandle(m),
		MatchBits:  matchBits,
		PtlIndex:   portal,
		SrcOffset:  offset,
		SinkLength: m.length,
	}
	ln.resLock.Unlock(c)

	msg.buildEvent(proto.EventSend)
	if err := ln.send(ctx, self, msg, proto.NIDAny); err != nil {
		span.Warnf("error sending GET to %s: %s", target, err)
		ln.finalize(ctx, msg, err)
		return err
	}
	return nil
}

// send picks the NI and next hop of msg, commits it and hands it to the
// LND unless it has to wait for credits. Messages to a local NID go
// through the loopback NI. rtr pins the gateway, NIDAny lets routing pick.
func (ln *LNet) send(ctx context.Context, src proto.NID, msg *Msg, rtr proto.NID) error {
	span := trace.SpanFromContextSafe(ctx)
	dst := msg.hdr.DestNID
	c := ln.cpts.OfNID(dst)
	if rtr != proto.NIDAny {
		c = ln.cpts.OfNID(rtr)
	}

again:
	ln.netLock.Lock(c)
	if ln.shuttingDown() {
		ln.netLock.Unlock(c)
		return apierrors.ErrShutdown
	}
	var srcNI *NI
	if src != proto.NIDAny {
		if srcNI = ln.nid2niLocked(src, c); srcNI == nil {
			ln.netLock.Unlock(c)
			span.Errorf("can't send to %s: src %s is not a local nid", dst, src)
			return fmt.Errorf("%w: %s is not a local nid", apierrors.ErrInvalidArgs, src)
		}
	}

	if self := ln.nid2niLocked(dst, c); self != nil || dst.Net() == proto.LoNet {
		if self != nil {
			self.decrefLocked(c)
		}
		if srcNI != nil {
			srcNI.decrefLocked(c)
		}
		lo := ln.loNI
		lo.addrefLocked(c)
		ln.commitLocked(msg, c, true)
		msg.txNI = lo
		msg.hdr.SrcNID = dst
		ln.netLock.Unlock(c)
		ln.niSend(ctx, lo, msg)
		return nil
	}

	var lp *peer
	if localNI := ln.net2niLocked(dst.Net(), c); localNI != nil {
		if srcNI == nil {
			srcNI = localNI
		} else {
			localNI.decrefLocked(c)
			if srcNI != localNI {
				srcNI.decrefLocked(c)
				ln.netLock.Unlock(c)
				span.Errorf("no route to %s from %s", dst, src)
				return fmt.Errorf("%w: %s is not on the net of %s", apierrors.ErrInvalidArgs, src, dst)
			}
		}
		var err error
		if lp, err = ln.peerLocked(dst, c); err != nil {
			srcNI.decrefLocked(c)
			ln.netLock.Unlock(c)
			span.Warnf("can't create peer %s: %s", dst, err)
			return err
		}
	} else {
		lp = ln.findRouteLocked(srcNI, dst, rtr)
		if lp == nil {
			if srcNI != nil {
				srcNI.decrefLocked(c)
			}
			ln.netLock.Unlock(c)
			span.Warnf("no route to %s via %s (all routers down)", dst, src)
			return apierrors.ErrNoRoute
		}
		if rtr != lp.nid && lp.cpt != c {
			if srcNI != nil {
				srcNI.decrefLocked(c)
			}
			ln.netLock.Unlock(c)
			rtr = lp.nid
			c = lp.cpt
			goto again
		}
		if srcNI == nil {
			srcNI = lp.ni
			srcNI.addrefLocked(c)
		}
		ln.peerAddrefLocked(lp)
		msg.targetIsRouter = true
		msg.target = proto.ProcessID{NID: lp.nid, PID: proto.DefaultPID}
	}

	ln.commitLocked(msg, c, true)
	msg.txNI = srcNI
	msg.txPeer = lp
	msg.hdr.SrcNID = srcNI.nid
	ok, err := ln.postSendLocked(msg)
	ln.netLock.Unlock(c)
	if err != nil {
		span.Warnf("dropping message for %s: %s", lp.nid, err)
		return err
	}
	if ok {
		ln.niSend(ctx, srcNI, msg)
	}
	return nil
}

// postSendLocked takes a peer and an NI credit for msg. It reports
// false when msg was queued behind them instead.
func (ln *LNet) postSendLocked(msg *Msg) (bool, error) {
	lp := msg.txPeer
	c := msg.txCPT
	tq := msg.txNI.txQueues[c]

	if !ln.peerAliveLocked(lp) {
		ln.counters[c].DropCount++
		ln.counters[c].DropLength += uint64(msg.len)
		return false, apierrors.ErrHostUnreachable
	}

	if !msg.peerTxCredit {
		if lp.txCredits.Load() <= 0 && lp.txq.Len() >= ln.cfg.PeerTxQueueMax {
			return false, apierrors.ErrQueueFull
		}
		msg.peerTxCredit = true
		lp.txqnob.Add(int64(msg.len + headerSize))
		credits := lp.txCredits.Add(-1)
		if credits < lp.minTxCredits {
			lp.minTxCredits = credits
		}
		if credits < 0 {
			msg.txDelayed = true
			msg.queue = lp.txq
			msg.queueElem = lp.txq.PushBack(msg)
			return false, nil
		}
	}

	if !msg.txCredit {
		msg.txCredit = true
		tq.credits--
		if tq.credits < tq.minCredits {
			tq.minCredits = tq.credits
		}
		if tq.credits < 0 {
			msg.txDelayed = true
			msg.queue = tq.delayed
			msg.queuedTQ = tq
			msg.queueElem = tq.delayed.PushBack(msg)
			return false, nil
		}
	}
	return true, nil
}

func (ln *LNet) postQueuedLocked(msg *Msg, ready *[]*Msg) {
	msg.queue, msg.queueElem, msg.queuedTQ = nil, nil, nil
	ok, err := ln.postSendLocked(msg)
	if err != nil {
		msg.status = err
		*ready = append(*ready, msg)
		return
	}
	if ok {
		*ready = append(*ready, msg)
	}
}

// returnTxCreditsLocked gives back what msg holds and moves the first
// message waiting for the credit along.
func (ln *LNet) returnTxCreditsLocked(msg *Msg, ready *[]*Msg) {
	c := msg.txCPT
	if msg.txCredit {
		tq := msg.txNI.txQueues[c]
		msg.txCredit = false
		lnetAssert((tq.credits < 0) == (tq.delayed.Len() > 0), "ni %s tx queue out of sync", msg.txNI.nid)
		tq.credits++
		if tq.credits <= 0 {
			next := tq.delayed.Remove(tq.delayed.Front()).(*Msg)
			ln.postQueuedLocked(next, ready)
		}
	}
	if msg.peerTxCredit {
		lp := msg.txPeer
		msg.peerTxCredit = false
		lnetAssert((lp.txCredits.Load() < 0) == (lp.txq.Len() > 0), "peer %s tx queue out of sync", lp.nid)
		lp.txqnob.Add(-int64(msg.len + headerSize))
		if lp.txCredits.Add(1) <= 0 {
			next := lp.txq.Remove(lp.txq.Front()).(*Msg)
			ln.postQueuedLocked(next, ready)
		}
	}
	if msg.txPeer != nil {
		ln.peerDecrefLocked(msg.txPeer)
		msg.txPeer = nil
	}
	if msg.txNI != nil {
		msg.txNI.decrefLocked(c)
		msg.txNI = nil
	}
}

// Parse takes a message an LND received on ni from the peer from. private
// is handed back to the LND's Recv. Errors mean the header is malformed
// and the LND has to discard the message itself.
func (ln *LNet) Parse(ni *NI, hdr *proto.Header, from proto.NID, private interface{}) error {
	ctx := context.Background()
	span := trace.SpanFromContextSafe(ctx)

	forMe := hdr.DestNID == ni.nid || (ni == ln.loNI && ln.IsLocalNID(hdr.DestNID))
	switch hdr.Type {
	case proto.MsgAck, proto.MsgGet:
		if hdr.PayloadLength > 0 {
			span.Errorf("%s from %s: bad payload length %d for %s", ni.nid, from, hdr.PayloadLength, hdr.Type)
			return fmt.Errorf("%w: bad payload length %d", apierrors.ErrInvalidArgs, hdr.PayloadLength)
		}
	case proto.MsgPut, proto.MsgReply:
		if hdr.PayloadLength < 0 || hdr.PayloadLength > MaxPayload {
			span.Errorf("%s from %s: bad payload length %d for %s", ni.nid, from, hdr.PayloadLength, hdr.Type)
			return fmt.Errorf("%w: bad payload length %d", apierrors.ErrInvalidArgs, hdr.PayloadLength)
		}
	default:
		span.Errorf("%s from %s: bad message type %d", ni.nid, from, hdr.Type)
		return fmt.Errorf("%w: bad message type %d", apierrors.ErrInvalidArgs, hdr.Type)
	}

	c := ln.cpts.OfNID(from)
	if !forMe {
		if hdr.DestNID.Net() == ni.nid.Net() {
			span.Errorf("bad dest nid %s from %s: should have gone direct", hdr.DestNID, from)
			return fmt.Errorf("%w: dest %s", apierrors.ErrInvalidArgs, hdr.DestNID)
		}
		if ln.IsLocalNID(hdr.DestNID) {
			span.Errorf("bad dest nid %s from %s: should have gone to its own interface", hdr.DestNID, from)
			return fmt.Errorf("%w: dest %s", apierrors.ErrInvalidArgs, hdr.DestNID)
		}
		ln.logDrop(span, "routing", 0, "dropping message for %s from %s: routing not enabled", hdr.DestNID, from)
		ln.dropMessage(ctx, ni, c, private, hdr.PayloadLength)
		return nil
	}
	if ln.dropRuleMatch(hdr) {
		span.Debugf("src %s, dst %s: dropping %s to simulate silent message loss", hdr.SrcNID, hdr.DestNID, hdr.Type)
		ln.dropMessage(ctx, ni, c, private, hdr.PayloadLength)
		return nil
	}

	msg := newMsg()
	msg.typ = hdr.Type
	msg.hdr = *hdr
	msg.from = from
	msg.private = private
	msg.receiving = true
	msg.wanted = hdr.PayloadLength
	msg.len = hdr.PayloadLength

	ln.netLock.Lock(c)
	if ni != ln.loNI {
		lp, err := ln.peerLocked(from, c)
		if err != nil {
			ln.netLock.Unlock(c)
			span.Warnf("dropping message from %s: can't allocate peer: %s", from, err)
			ln.dropMessage(ctx, ni, c, private, hdr.PayloadLength)
			return nil
		}
		msg.rxPeer = lp
		ln.peerHeardLocked(lp)
	}
	ni.addrefLocked(c)
	msg.rxNI = ni
	ln.commitLocked(msg, c, false)
	ln.netLock.Unlock(c)

	var err error
	switch msg.typ {
	case proto.MsgAck:
		err = ln.parseAck(ctx, ni, msg)
	case proto.MsgPut:
		err = ln.parsePut(ctx, ni, msg)
	case proto.MsgGet:
		err = ln.parseGet(ctx, ni, msg)
	case proto.MsgReply:
		err = ln.parseReply(ctx, ni, msg)
	}
	if err != nil {
		lnetAssert(msg.md == nil, "dropped msg still attached to md")
		ln.finalize(ctx, msg, err)
		ln.dropMessage(ctx, ni, c, private, hdr.PayloadLength)
	}
	return nil
}

func (ln *LNet) dropMessage(ctx context.Context, ni *NI, c int, private interface{}, nob int) {
	ln.netLock.Lock(c)
	ln.counters[c].DropCount++
	ln.counters[c].DropLength += uint64(nob)
	ln.netLock.Unlock(c)
	ln.niRecv(ctx, ni, private, nil, false, 0, 0, 0)
}

func (ln *LNet) parsePut(ctx context.Context, ni *NI, msg *Msg) error {
	hdr := &msg.hdr
	msg.info = matchInfo{
		id:      proto.ProcessID{NID: hdr.SrcNID, PID: hdr.SrcPID},
		opc:     proto.MDOpPut,
		portal:  hdr.Put.PtlIndex,
		rlength: hdr.PayloadLength,
		roffset: hdr.Put.Offset,
		mbits:   hdr.Put.MatchBits,
	}
	rc := ln.ptlMatchMD(&msg.info, msg)
	switch {
	case rc&matchOK != 0:
		ln.recvPut(ctx, ni, msg)
		return nil
	case rc&matchNone != 0:
		return nil
	default:
		ln.logDrop(trace.SpanFromContextSafe(ctx), "put", hdr.Put.PtlIndex,
			"dropping PUT from %s portal %d match %d offset %d length %d",
			msg.info.id, msg.info.portal, msg.info.mbits, msg.info.roffset, msg.info.rlength)
		return apierrors.ErrNoMatch
	}
}

func (ln *LNet) recvPut(ctx context.Context, ni *NI, msg *Msg) {
	hdr := &msg.hdr
	msg.buildEvent(proto.EventPut)
	msg.ev.RLength = hdr.PayloadLength
	msg.ack = !hdr.Put.AckWMD.IsNone() && msg.md.options&proto.MDAckDisable == 0
	ln.niRecv(ctx, ni, msg.private, msg, msg.rxDelayed, msg.offset, msg.wanted, hdr.PayloadLength)
}

func (ln *LNet) parseGet(ctx context.Context, ni *NI, msg *Msg) error {
	span := trace.SpanFromContextSafe(ctx)
	hdr := &msg.hdr
	msg.info = matchInfo{
		id:      proto.ProcessID{NID: hdr.SrcNID, PID: hdr.SrcPID},
		opc:     proto.MDOpGet,
		portal:  hdr.Get.PtlIndex,
		rlength: hdr.Get.SinkLength,
		roffset: hdr.Get.SrcOffset,
		mbits:   hdr.Get.MatchBits,
	}
	if rc := ln.ptlMatchMD(&msg.info, msg); rc&matchOK == 0 {
		ln.logDrop(span, "get", hdr.Get.PtlIndex,
			"dropping GET from %s portal %d match %d offset %d length %d",
			msg.info.id, msg.info.portal, msg.info.mbits, msg.info.roffset, msg.info.rlength)
		return apierrors.ErrNoMatch
	}

	msg.buildEvent(proto.EventGet)
	msg.ev.RLength = msg.info.rlength
	replyWMD := hdr.Get.ReturnWMD
	replyTo := msg.info.id

	// the GET request carries no payload, the same msg goes back as REPLY
	ln.niRecv(ctx, ni, msg.private, nil, false, 0, 0, 0)
	msg.receiving = false
	ln.prepSend(msg, proto.MsgReply, replyTo, msg.offset, msg.wanted)
	msg.hdr.Reply.DstWMD = replyWMD

	if err := ln.send(ctx, ni.nid, msg, proto.NIDAny); err != nil {
		span.Errorf("unable to send REPLY for GET from %s: %s", replyTo, err)
		ln.finalize(ctx, msg, err)
	}
	return nil
}

func (ln *LNet) wireMDLocked(wmd proto.WireHandle) (*md, int) {
	c := ln.cpts.OfCookie(wmd.ObjectCookie)
	ln.resLock.Lock(c)
	return ln.lookupMDLocked(proto.HandleMD{Cookie: wmd.ObjectCookie}, c), c
}

func (ln *LNet) parseReply(ctx context.Context, ni *NI, msg *Msg) error {
	span := trace.SpanFromContextSafe(ctx)
	hdr := &msg.hdr
	wmd := hdr.Reply.DstWMD
	if wmd.InterfaceCookie != ln.interfaceCookie {
		span.Warnf("dropping REPLY from %s: stale interface cookie %x", hdr.SrcNID, wmd.InterfaceCookie)
		return apierrors.ErrNoMatch
	}
	m, c := ln.wireMDLocked(wmd)
	if m == nil || m.threshold == 0 || m.me != nil {
		ln.resLock.Unlock(c)
		span.Warnf("dropping REPLY from %s for MD %x.%x", hdr.SrcNID, wmd.InterfaceCookie, wmd.ObjectCookie)
		return apierrors.ErrNoMatch
	}
	lnetAssert(m.offset == 0, "reply md %x has offset %d", m.Cookie, m.offset)

	rlength := hdr.PayloadLength
	mlength := rlength
	if m.length < mlength {
		mlength = m.length
	}
	if mlength < rlength && m.options&proto.MDTruncate == 0 {
		ln.resLock.Unlock(c)
		span.Warnf("dropping REPLY from %s length %d for MD %x would overflow (%d)",
			hdr.SrcNID, rlength, wmd.ObjectCookie, mlength)
		return apierrors.ErrTooBig
	}
	ln.attachMDLocked(msg, m, 0, mlength)
	ln.resLock.Unlock(c)

	msg.buildEvent(proto.EventReply)
	msg.ev.RLength = rlength
	ln.niRecv(ctx, ni, msg.private, msg, msg.rxDelayed, 0, mlength, rlength)
	return nil
}

func (ln *LNet) parseAck(ctx context.Context, ni *NI, msg *Msg) error {
	span := trace.SpanFromContextSafe(ctx)
	hdr := &msg.hdr
	wmd := hdr.Ack.DstWMD
	if wmd.InterfaceCookie != ln.interfaceCookie {
		span.Warnf("dropping ACK from %s: stale interface cookie %x", hdr.SrcNID, wmd.InterfaceCookie)
		return apierrors.ErrNoMatch
	}
	m, c := ln.wireMDLocked(wmd)
	if m == nil || m.threshold == 0 || m.me != nil {
		ln.resLock.Unlock(c)
		span.Debugf("dropping ACK from %s to MD %x.%x", hdr.SrcNID, wmd.InterfaceCookie, wmd.ObjectCookie)
		return apierrors.ErrNoMatch
	}
	ln.attachMDLocked(msg, m, 0, 0)
	ln.resLock.Unlock(c)

	msg.buildEvent(proto.EventAck)
	ln.niRecv(ctx, ni, msg.private, msg, msg.rxDelayed, 0, 0, hdr.PayloadLength)
	return nil
}

// sendAck answers a PUT which asked for an acknowledgment.
func (ln *LNet) sendAck(ctx context.Context, put *Msg) {
	ack := newMsg()
	ln.prepSend(ack, proto.MsgAck, proto.ProcessID{NID: put.hdr.SrcNID, PID: put.hdr.SrcPID}, 0, 0)
	ack.hdr.Ack = proto.AckHeader{
		DstWMD:    put.hdr.Put.AckWMD,
		MatchBits: put.hdr.Put.MatchBits,
		MLength:   put.wanted,
	}
	if err := ln.send(ctx, put.hdr.DestNID, ack, proto.NIDAny); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("unable to send ACK to %s: %s", ack.target, err)
		ln.finalize(ctx, ack, err)
	}
}
