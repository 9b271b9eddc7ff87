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
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/lnet/cpt"
	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
)

type peerTable struct {
	peers   map[proto.NID]*peer
	zombies int
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[proto.NID]*peer)}
}

// peer is a remote node on a local network. Its table holds one
// reference. Fields are guarded by the net lock of the peer's partition
// unless noted; the atomics are read by route selection running in any
// partition.
type peer struct {
	nid proto.NID
	cpt int
	ni  *NI

	refcount int
	inTable  bool

	txCredits    atomic.Int64
	maxTxCredits int64
	minTxCredits int64
	txqnob       atomic.Int64
	txq          *list.List

	alive      atomic.Bool
	aliveCount int
	lastAlive  time.Time
	timestamp  time.Time

	// router state, rtrRefcount and routes change under the exclusive lock
	rtrRefcount   int
	routes        []*route
	pingFeats     atomic.Uint32
	pingTimestamp time.Time
	pingDeadline  time.Time
	pingNotSent   bool
	rcd           *routerCheckData
}

func (lp *peer) isRouter() bool { return lp.rtrRefcount > 0 }

// peerLocked finds or creates the peer of nid and returns it with a
// reference for the caller. The caller holds the net lock of the peer's
// partition or the exclusive lock.
func (ln *LNet) peerLocked(nid proto.NID, locked int) (*peer, error) {
	if ln.shuttingDown() {
		return nil, apierrors.ErrShutdown
	}
	c := ln.cpts.OfNID(nid)
	lnetAssert(locked == cpt.Exclusive || locked == c, "peer %s looked up under cpt %d", nid, locked)

	pt := ln.peerTables[c]
	if lp, ok := pt.peers[nid]; ok {
		lp.refcount++
		return lp, nil
	}
	ni := ln.net2niLocked(nid.Net(), c)
	if ni == nil {
		return nil, apierrors.ErrHostUnreachable
	}
	lp := &peer{
		nid:          nid,
		cpt:          c,
		ni:           ni,
		refcount:     2,
		inTable:      true,
		maxTxCredits: int64(ni.peerTxCredits),
		minTxCredits: int64(ni.peerTxCredits),
		txq:          list.New(),
		lastAlive:    ln.now(),
	}
	lp.txCredits.Store(int64(ni.peerTxCredits))
	lp.alive.Store(true)
	pt.peers[nid] = lp
	return lp, nil
}

func (ln *LNet) findPeerLocked(nid proto.NID) *peer {
	return ln.peerTables[ln.cpts.OfNID(nid)].peers[nid]
}

func (ln *LNet) peerAddrefLocked(lp *peer) { lp.refcount++ }

func (ln *LNet) peerDecrefLocked(lp *peer) {
	lp.refcount--
	lnetAssert(lp.refcount >= 0, "peer %s refcount underflow", lp.nid)
	if lp.refcount > 0 {
		return
	}
	lnetAssert(!lp.inTable, "peer %s freed while hashed", lp.nid)
	lnetAssert(lp.rtrRefcount == 0, "peer %s freed while routing", lp.nid)
	lnetAssert(lp.txq.Len() == 0 && lp.txqnob.Load() == 0, "peer %s freed with queued messages", lp.nid)
	ln.peerTables[lp.cpt].zombies--
	lp.ni.decrefLocked(lp.cpt)
	lp.ni = nil
}

// clearPeersOf unhashes every peer reached through ni. Peers still held
// by messages linger as zombies until the last reference goes.
func (ln *LNet) clearPeersOf(ni *NI) {
	for c, pt := range ln.peerTables {
		ln.netLock.Lock(c)
		for nid, lp := range pt.peers {
			if lp.ni != ni {
				continue
			}
			delete(pt.peers, nid)
			lp.inTable = false
			pt.zombies++
			ln.peerDecrefLocked(lp)
		}
		ln.netLock.Unlock(c)
	}
}

// peerAliveLocked tells whether msgs may be sent to lp. Aliveness is only
// tracked on NIs with a peer timeout.
func (ln *LNet) peerAliveLocked(lp *peer) bool {
	if lp.ni == nil || lp.ni.peerTimeout <= 0 {
		return true
	}
	if lp.aliveCount > 0 && !lp.alive.Load() && !lp.lastAlive.After(lp.timestamp) {
		return false
	}
	alive := ln.now().Sub(lp.lastAlive) < lp.ni.peerTimeout
	if alive && !lp.alive.Load() && !(lp.isRouter() && lp.aliveCount == 0) {
		ln.notifyLocked(lp, false, true, lp.lastAlive)
	}
	return alive
}

// peerHeardLocked records traffic from lp.
func (ln *LNet) peerHeardLocked(lp *peer) {
	now := ln.now()
	lp.lastAlive = now
	if lp.isRouter() && !lp.alive.Load() {
		ln.notifyLocked(lp, false, true, now)
	}
}

// notifyLocked records a liveness change of lp dated when. Stale news is
// ignored and the router state of a gateway is reset when it comes back.
func (ln *LNet) notifyLocked(lp *peer, fromLND, alive bool, when time.Time) {
	if when.Before(lp.timestamp) {
		return
	}
	lp.timestamp = when
	lp.pingDeadline = time.Time{}
	if lp.aliveCount != 0 && lp.alive.Load() == alive {
		return
	}
	lp.aliveCount++
	lp.alive.Store(alive)
	if alive {
		lp.lastAlive = when
		lp.pingFeats.Store(proto.PingFeatInval)
		for _, r := range lp.routes {
			r.downIS.Store(0)
		}
	}
	if lp.isRouter() {
		atomic.AddUint64(&ln.routersVersion, 1)
		for _, r := range lp.routes {
			log.Infof("route to %s via %s is %s", r.net, lp.nid, aliveStr(alive))
		}
	} else {
		log.Debugf("peer %s is %s (lnd notify %v)", lp.nid, aliveStr(alive), fromLND)
	}
}

func aliveStr(alive bool) string {
	if alive {
		return "up"
	}
	return "down"
}

// Notify tells LNet that a peer died or came back at when. ni is the NID
// of the reporting interface, NIDAny for administrative reports. An unknown
// peer is created so that the news is not lost.
func (ln *LNet) Notify(ctx context.Context, ni, nid proto.NID, alive bool, when time.Time) error {
	span := trace.SpanFromContextSafe(ctx)
	now := ln.now()
	if when.After(now) {
		span.Warnf("ignoring prediction from %s of %s %s %s in the future", ni, nid, aliveStr(alive), when.Sub(now))
		return apierrors.ErrInvalidArgs
	}
	if ni != proto.NIDAny {
		if ni.Net() != nid.Net() {
			span.Warnf("ignoring notification of %s %s by %s (different net)", nid, aliveStr(alive), ni)
			return apierrors.ErrInvalidArgs
		}
		if !alive && ln.cfg.NoAutoDown {
			span.Debugf("auto-down disabled, ignoring %s down", nid)
			return nil
		}
	}

	c := ln.cpts.OfNID(nid)
	ln.netLock.Lock(c)
	defer ln.netLock.Unlock(c)
	lp := ln.findPeerLocked(nid)
	if lp == nil {
		var err error
		if lp, err = ln.peerLocked(nid, c); err != nil {
			span.Warnf("notify of unreachable peer %s: %s", nid, err)
			return err
		}
		span.Debugf("created peer %s for notification", nid)
	} else {
		ln.peerAddrefLocked(lp)
	}
	ln.notifyLocked(lp, ni != proto.NIDAny, alive, when)
	ln.peerDecrefLocked(lp)
	return nil
}

// PeerAlive reports the liveness LNet believes of nid.
func (ln *LNet) PeerAlive(nid proto.NID) (bool, error) {
	c := ln.cpts.OfNID(nid)
	ln.netLock.Lock(c)
	defer ln.netLock.Unlock(c)
	lp := ln.findPeerLocked(nid)
	if lp == nil {
		return false, apierrors.ErrPeerNotExist
	}
	return ln.peerAliveLocked(lp) && lp.alive.Load(), nil
}

type PeerInfo struct {
	NID        proto.NID `json:"nid"`
	NI         proto.NID `json:"ni"`
	Refcount   int       `json:"refcount"`
	Alive      bool      `json:"alive"`
	AliveCount int       `json:"alive_count"`
	LastAlive  time.Time `json:"last_alive"`
	Router     bool      `json:"router"`
	MaxCredits int64     `json:"max_credits"`
	TxCredits  int64     `json:"tx_credits"`
	MinCredits int64     `json:"min_credits"`
	TxQNob     int64     `json:"tx_qnob"`
	Queued     int       `json:"queued"`
}

// Peers lists the peers of every partition ordered by NID.
func (ln *LNet) Peers() []PeerInfo {
	var infos []PeerInfo
	for c, pt := range ln.peerTables {
		ln.netLock.Lock(c)
		for _, lp := range pt.peers {
			infos = append(infos, PeerInfo{
				NID:        lp.nid,
				NI:         lp.ni.nid,
				Refcount:   lp.refcount,
				Alive:      lp.alive.Load(),
				AliveCount: lp.aliveCount,
				LastAlive:  lp.lastAlive,
				Router:     lp.isRouter(),
				MaxCredits: lp.maxTxCredits,
				TxCredits:  lp.txCredits.Load(),
				MinCredits: lp.minTxCredits,
				TxQNob:     lp.txqnob.Load(),
				Queued:     lp.txq.Len(),
			})
		}
		ln.netLock.Unlock(c)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].NID < infos[j].NID })
	return infos
}
