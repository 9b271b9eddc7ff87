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

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/lnet/proto"
	"github.com/cubefs/lnet/util"
)

type msgState uint8

const (
	msgPrep msgState = iota
	msgCommitted
	msgInFlight
	msgDecommitted
)

var msgStateNames = [...]string{"prep", "committed", "in-flight", "decommitted"}

func (s msgState) String() string { return msgStateNames[s] }

type msgContainer struct {
	active int
	max    int
}

// Msg is one message travelling through LNet. It is owned by exactly one
// party at a time: the core while it is prepared or queued, the LND
// between Send/Recv and Finalize.
type Msg struct {
	typ   proto.MsgType
	hdr   proto.Header
	state msgState

	target proto.ProcessID
	from   proto.NID

	txCommitted bool
	rxCommitted bool
	txCPT       int
	rxCPT       int
	txNI        *NI
	rxNI        *NI
	txPeer      *peer
	rxPeer      *peer

	txCredit     bool
	peerTxCredit bool
	txDelayed    bool
	queue        *list.List
	queueElem    *list.Element
	queuedTQ     *txQueue

	receiving      bool
	sending        bool
	ack            bool
	rxDelayed      bool
	targetIsRouter bool

	md      *md
	mdElem  *list.Element
	offset  int
	wanted  int
	len     int
	ev      proto.Event
	hasEv   bool
	status  error
	private interface{}

	info     matchInfo
	lazyElem *list.Element
}

func newMsg() *Msg {
	return &Msg{txCPT: -1, rxCPT: -1}
}

// Type is the wire type of the message.
func (msg *Msg) Type() proto.MsgType { return msg.typ }

// Header returns the wire header.
func (msg *Msg) Header() *proto.Header { return &msg.hdr }

// Target is the process the message is sent to, the gateway for routed
// messages.
func (msg *Msg) Target() proto.ProcessID { return msg.target }

// Len is the number of payload bytes to move.
func (msg *Msg) Len() int { return msg.len }

// Offset is the payload offset within the MD.
func (msg *Msg) Offset() int { return msg.offset }

// Private returns the LND cookie passed to Parse.
func (msg *Msg) Private() interface{} { return msg.private }

// Payload returns the MD segments covering the message payload, the part
// that fits for a received message.
func (msg *Msg) Payload() [][]byte {
	n := msg.len
	if msg.rxCommitted && !msg.txCommitted {
		n = msg.wanted
	}
	if msg.md == nil || n == 0 {
		return nil
	}
	return util.SliceSegments(msg.md.segs, msg.offset, n)
}

func (msg *Msg) buildEvent(kind proto.EventKind) {
	hdr := &msg.hdr
	ev := &msg.ev
	msg.hasEv = true
	ev.Kind = kind
	if kind == proto.EventSend {
		ev.Target = proto.ProcessID{NID: hdr.DestNID, PID: hdr.DestPID}
		ev.Initiator = proto.ProcessID{NID: hdr.SrcNID, PID: hdr.SrcPID}
		ev.Sender = hdr.SrcNID
		switch hdr.Type {
		case proto.MsgPut:
			ev.PtIndex = hdr.Put.PtlIndex
			ev.MatchBits = hdr.Put.MatchBits
			ev.HdrData = hdr.Put.HdrData
		case proto.MsgGet:
			ev.PtIndex = hdr.Get.PtlIndex
			ev.MatchBits = hdr.Get.MatchBits
		}
		return
	}
	ev.Target = proto.ProcessID{NID: hdr.DestNID, PID: hdr.DestPID}
	ev.Initiator = proto.ProcessID{NID: hdr.SrcNID, PID: hdr.SrcPID}
	ev.Sender = msg.from
	switch kind {
	case proto.EventPut:
		ev.PtIndex = hdr.Put.PtlIndex
		ev.MatchBits = hdr.Put.MatchBits
		ev.HdrData = hdr.Put.HdrData
	case proto.EventGet:
		ev.PtIndex = hdr.Get.PtlIndex
		ev.MatchBits = hdr.Get.MatchBits
	case proto.EventAck:
		ev.MatchBits = hdr.Ack.MatchBits
		ev.MLength = hdr.Ack.MLength
	}
}

// attachMDLocked binds msg to md under the MD's resource lock.
func (ln *LNet) attachMDLocked(msg *Msg, m *md, offset, mlen int) {
	msg.md = m
	msg.offset = offset
	msg.wanted = mlen
	m.refcount++
	if m.threshold != proto.MDThreshInf {
		lnetAssert(m.threshold > 0, "attach to md %x with no threshold", m.Cookie)
		m.threshold--
	}
	msg.mdElem = m.msgs.PushBack(msg)

	ev := &msg.ev
	ev.MDHandle = proto.HandleMD{Cookie: m.Cookie}
	ev.UserPtr = m.userPtr
	ev.Threshold = m.threshold
	ev.Offset = offset
	ev.MLength = mlen
}

// detachMDLocked releases msg's hold on its MD, posts the completion event
// and performs a pending unlink once the MD is idle.
func (ln *LNet) detachMDLocked(msg *Msg, status error) {
	m := msg.md
	m.refcount--
	lnetAssert(m.refcount >= 0, "md %x refcount underflow", m.Cookie)
	m.msgs.Remove(msg.mdElem)
	msg.mdElem = nil

	unlink := m.unlinkable()
	if m.eq != nil && msg.hasEv {
		msg.ev.Status = status
		msg.ev.Unlinked = unlink
		ln.eqEnqueue(m.eq, &msg.ev)
	}
	if unlink {
		ln.mdUnlinkLocked(m)
	}
	msg.md = nil
}

// commitLocked accounts msg to partition c for the tx or rx side.
func (ln *LNet) commitLocked(msg *Msg, c int, tx bool) {
	if tx {
		lnetAssert(!msg.txCommitted, "msg committed twice for tx")
		msg.txCommitted = true
		msg.txCPT = c
	} else {
		lnetAssert(!msg.rxCommitted, "msg committed twice for rx")
		msg.rxCommitted = true
		msg.rxCPT = c
	}
	if msg.state == msgPrep {
		msg.state = msgCommitted
	}
	mc := &ln.msgContainers[c]
	mc.active++
	if mc.active > mc.max {
		mc.max = mc.active
	}
	ctr := &ln.counters[c]
	if uint32(mc.active) > ctr.MsgsMax {
		ctr.MsgsMax = uint32(mc.active)
	}
}

// decommitTxLocked gives back the credits msg holds and collects the
// queued messages which may now be sent.
func (ln *LNet) decommitTxLocked(msg *Msg, status error, ready *[]*Msg) {
	c := msg.txCPT
	ctr := &ln.counters[c]
	if status == nil {
		switch msg.ev.Kind {
		case proto.EventSend, proto.EventGet:
			ctr.SendCount++
			ctr.SendLength += uint64(msg.len)
		}
	}
	ln.returnTxCreditsLocked(msg, ready)
	msg.txCommitted = false
	ln.msgContainers[c].active--
}

func (ln *LNet) decommitRxLocked(msg *Msg, status error) {
	c := msg.rxCPT
	ctr := &ln.counters[c]
	if status == nil {
		switch msg.typ {
		case proto.MsgPut, proto.MsgReply:
			ctr.RecvCount++
			ctr.RecvLength += uint64(msg.wanted)
		case proto.MsgGet, proto.MsgAck:
			ctr.RecvCount++
		}
	}
	if msg.rxPeer != nil {
		ln.peerDecrefLocked(msg.rxPeer)
		msg.rxPeer = nil
	}
	if msg.rxNI != nil {
		msg.rxNI.decrefLocked(c)
		msg.rxNI = nil
	}
	msg.rxCommitted = false
	ln.msgContainers[c].active--
}

// Finalize completes msg with status. LNDs call it once a send or receive
// they were handed is done.
func (ln *LNet) Finalize(ni *NI, msg *Msg, status error) {
	if msg == nil {
		return
	}
	ln.finalize(context.Background(), msg, status)
}

// finalize detaches msg from its MD, which posts the completion event and
// any deferred unlink, then decommits it and sends the messages its
// credits unblock. A PUT that asked for an acknowledgment is answered here.
func (ln *LNet) finalize(ctx context.Context, msg *Msg, status error) {
	span := trace.SpanFromContextSafe(ctx)
	lnetAssert(msg.state != msgDecommitted, "msg finalized twice")

	if status != nil {
		span.Debugf("finalize %s msg to %s with %s", msg.typ, msg.target, status)
	}

	var ackFor *Msg
	if msg.ev.Kind == proto.EventPut && status == nil && msg.ack {
		ackFor = msg
	}

	if msg.md != nil {
		c := ln.cpts.OfCookie(msg.md.Cookie)
		ln.resLock.Lock(c)
		ln.detachMDLocked(msg, status)
		ln.resLock.Unlock(c)
	}

	var ready []*Msg
	counted := false
	if msg.txCommitted {
		c := msg.txCPT
		ln.netLock.Lock(c)
		if status != nil {
			ln.counters[c].Errors++
			counted = true
		}
		ln.decommitTxLocked(msg, status, &ready)
		ln.netLock.Unlock(c)
	}
	if msg.rxCommitted {
		c := msg.rxCPT
		ln.netLock.Lock(c)
		if status != nil && !counted {
			ln.counters[c].Errors++
		}
		ln.decommitRxLocked(msg, status)
		ln.netLock.Unlock(c)
	}
	msg.state = msgDecommitted

	ln.sendReady(ctx, ready)
	if ackFor != nil {
		ln.sendAck(ctx, ackFor)
	}
}

// sendReady hands messages which got their credits to their LNDs.
func (ln *LNet) sendReady(ctx context.Context, ready []*Msg) {
	for _, m := range ready {
		if m.status != nil {
			ln.finalize(ctx, m, m.status)
			continue
		}
		ln.niSend(ctx, m.txNI, m)
	}
}

func (ln *LNet) niSend(ctx context.Context, ni *NI, msg *Msg) {
	msg.state = msgInFlight
	msg.sending = true
	if err := ni.lnd.Send(ni, msg); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("lnd %s send to %s failed: %s", ni.lnd.Type(), msg.target, err)
		ln.finalize(ctx, msg, err)
	}
}

// niRecv hands a parsed message to the LND; a nil msg discards the payload.
func (ln *LNet) niRecv(ctx context.Context, ni *NI, private interface{}, msg *Msg, delayed bool, offset, mlen, rlen int) {
	if msg != nil {
		msg.state = msgInFlight
		msg.receiving = false
	}
	if err := ni.lnd.Recv(ni, private, msg, delayed, offset, mlen, rlen); err != nil && msg != nil {
		trace.SpanFromContextSafe(ctx).Warnf("lnd %s recv from %s failed: %s", ni.lnd.Type(), msg.from, err)
		ln.finalize(ctx, msg, err)
	}
}
