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
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/lnet/cpt"
	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
)

// txQueue holds the send credits of an NI in one partition.
type txQueue struct {
	credits    int
	maxCredits int
	minCredits int
	delayed    *list.List
}

// NI is a local network interface.
type NI struct {
	ln  *LNet
	nid proto.NID
	lnd LND

	maxTxCredits   int
	peerTxCredits  int
	peerRtrCredits int
	peerTimeout    time.Duration

	// per partition, under the net lock of that partition
	refs     []int
	txQueues []*txQueue

	status uint32

	lock      sync.Mutex
	lastAlive time.Time

	// Data is owned by the LND.
	Data interface{}
}

// NID of the interface.
func (ni *NI) NID() proto.NID { return ni.nid }

// LNet returns the instance the interface belongs to.
func (ni *NI) LNet() *LNet { return ni.ln }

// PeerTimeout is how long a silent peer stays alive, zero disables
// aliveness tracking.
func (ni *NI) PeerTimeout() time.Duration { return ni.peerTimeout }

func (ni *NI) up() bool { return atomic.LoadUint32(&ni.status) == proto.NIStatusUp }

func (ni *NI) addrefLocked(c int) { ni.refs[c]++ }
func (ni *NI) decrefLocked(c int) {
	ni.refs[c]--
	lnetAssert(ni.refs[c] >= 0, "ni %s refcount underflow", ni.nid)
}

func (ni *NI) setAlive(now time.Time) {
	ni.lock.Lock()
	ni.lastAlive = now
	ni.lock.Unlock()
}

func (ln *LNet) newNI(nid proto.NID, lnd LND, cfg *NIConfig) *NI {
	n := ln.cpts.Number()
	ni := &NI{
		ln:             ln,
		nid:            nid,
		lnd:            lnd,
		maxTxCredits:   cfg.Credits,
		peerTxCredits:  cfg.PeerCredits,
		peerRtrCredits: cfg.PeerRtrCredits,
		peerTimeout:    time.Duration(cfg.PeerTimeoutS) * time.Second,
		refs:           make([]int, n),
		txQueues:       make([]*txQueue, n),
		status:         proto.NIStatusDown,
	}
	if ni.maxTxCredits <= 0 {
		ni.maxTxCredits = defaultNICredits
	}
	if ni.peerTxCredits <= 0 {
		ni.peerTxCredits = defaultPeerCredits
	}
	if ni.peerTxCredits > ni.maxTxCredits {
		ni.peerTxCredits = ni.maxTxCredits
	}
	if ni.peerRtrCredits <= 0 {
		ni.peerRtrCredits = ni.peerTxCredits
	}

	credits := ni.maxTxCredits / n
	if c := 8 * ni.peerTxCredits; credits < c {
		credits = c
	}
	if credits > ni.maxTxCredits {
		credits = ni.maxTxCredits
	}
	for i := range ni.txQueues {
		ni.txQueues[i] = &txQueue{credits: credits, maxCredits: credits, minCredits: credits, delayed: list.New()}
	}
	return ni
}

func (ln *LNet) startupNI(ctx context.Context, nid proto.NID, cfg *NIConfig) (*NI, error) {
	span := trace.SpanFromContextSafe(ctx)
	lnd, ok := ln.lnds[nid.Net().Type()]
	if !ok {
		span.Errorf("no lnd for net type %s", nid.Net().Type())
		return nil, fmt.Errorf("%w: no lnd for %s", apierrors.ErrInvalidArgs, nid.Net().Type())
	}
	ni := ln.newNI(nid, lnd, cfg)
	if err := lnd.Startup(ni); err != nil {
		span.Errorf("lnd %s startup ni %s failed: %s", lnd.Type(), nid, err)
		return nil, err
	}

	ln.netLock.Lock(cpt.Exclusive)
	if _, ok := ln.nis[nid.Net()]; ok {
		ln.netLock.Unlock(cpt.Exclusive)
		lnd.Shutdown(ni)
		return nil, apierrors.ErrNetExist
	}
	ni.setAlive(ln.now())
	atomic.StoreUint32(&ni.status, proto.NIStatusUp)
	ln.nis[nid.Net()] = ni
	ln.niList = append(ln.niList, ni)
	ln.netLock.Unlock(cpt.Exclusive)

	span.Infof("added ni %s, credits %d, peer credits %d, peer timeout %s",
		nid, ni.maxTxCredits, ni.peerTxCredits, ni.peerTimeout)
	return ni, nil
}

// AddNI brings up an interface on a network not yet configured.
func (ln *LNet) AddNI(ctx context.Context, cfg *NIConfig) (*NI, error) {
	if ln.shuttingDown() && ln.loNI != nil {
		return nil, apierrors.ErrShutdown
	}
	net, err := proto.ParseNet(cfg.Net)
	if err != nil {
		return nil, err
	}
	if net.Type() == proto.NetTypeLO {
		return nil, apierrors.ErrNetExist
	}
	nid, err := proto.ParseNID(cfg.Addr + "@" + net.String())
	if err != nil {
		return nil, err
	}

	ln.apiLock.Lock()
	defer ln.apiLock.Unlock()
	ni, err := ln.startupNI(ctx, nid, cfg)
	if err != nil {
		return nil, err
	}
	ln.refreshPingTarget(ctx)
	return ni, nil
}

// DelNI removes the interface of net: its routes and peers go away and
// the LND is shut down once in-flight messages let go of it.
func (ln *LNet) DelNI(ctx context.Context, net proto.Net) error {
	span := trace.SpanFromContextSafe(ctx)
	if net.Type() == proto.NetTypeLO {
		return apierrors.ErrInvalidArgs
	}

	ln.apiLock.Lock()
	defer ln.apiLock.Unlock()

	ln.netLock.Lock(cpt.Exclusive)
	ni, ok := ln.nis[net]
	if !ok {
		ln.netLock.Unlock(cpt.Exclusive)
		return apierrors.ErrNetNotExist
	}
	atomic.StoreUint32(&ni.status, proto.NIStatusDown)
	delete(ln.nis, net)
	for i, n := range ln.niList {
		if n == ni {
			ln.niList = append(ln.niList[:i], ln.niList[i+1:]...)
			break
		}
	}
	ln.netLock.Unlock(cpt.Exclusive)

	if err := ln.delRoutesVia(ctx, ni); err != nil {
		span.Warnf("delete routes via %s failed: %s", ni.nid, err)
	}
	ln.refreshPingTarget(ctx)
	ln.clearPeersOf(ni)
	ln.shutdownNI(ctx, ni)
	span.Infof("removed ni %s", ni.nid)
	return nil
}

func (ln *LNet) shutdownNI(ctx context.Context, ni *NI) {
	span := trace.SpanFromContextSafe(ctx)
	for i := 0; ; i++ {
		refs := 0
		for c := 0; c < ln.cpts.Number(); c++ {
			ln.netLock.Lock(c)
			refs += ni.refs[c]
			ln.netLock.Unlock(c)
		}
		if refs == 0 {
			break
		}
		if i%100 == 99 {
			span.Warnf("waiting for %d references on ni %s", refs, ni.nid)
		}
		select {
		case <-ctx.Done():
			span.Warnf("shutdown ni %s with %d references: %s", ni.nid, refs, ctx.Err())
			ni.lnd.Shutdown(ni)
			return
		case <-time.After(waitRefsInterval):
		}
	}
	ni.lnd.Shutdown(ni)
}

// net2niLocked finds the NI on net and takes a reference in partition c.
func (ln *LNet) net2niLocked(net proto.Net, c int) *NI {
	ni, ok := ln.nis[net]
	if !ok {
		return nil
	}
	ni.addrefLocked(c)
	return ni
}

func (ln *LNet) nid2niLocked(nid proto.NID, c int) *NI {
	ni, ok := ln.nis[nid.Net()]
	if !ok || ni.nid != nid {
		return nil
	}
	ni.addrefLocked(c)
	return ni
}

// IsLocalNID reports whether nid belongs to one of the local NIs.
func (ln *LNet) IsLocalNID(nid proto.NID) bool {
	c := ln.cpts.Current()
	ln.netLock.Lock(c)
	defer ln.netLock.Unlock(c)
	ni, ok := ln.nis[nid.Net()]
	return ok && ni.nid == nid
}

// IsLocalNet reports whether an NI is configured on net.
func (ln *LNet) IsLocalNet(net proto.Net) bool {
	c := ln.cpts.Current()
	ln.netLock.Lock(c)
	defer ln.netLock.Unlock(c)
	_, ok := ln.nis[net]
	return ok
}

type NIInfo struct {
	NID            proto.NID `json:"nid"`
	Status         string    `json:"status"`
	Credits        int       `json:"credits"`
	MinCredits     int       `json:"min_credits"`
	MaxTxCredits   int       `json:"max_tx_credits"`
	PeerTxCredits  int       `json:"peer_tx_credits"`
	PeerRtrCredits int       `json:"peer_rtr_credits"`
	PeerTimeoutS   int       `json:"peer_timeout_s"`
	Refs           int       `json:"refs"`
	LastAlive      time.Time `json:"last_alive"`
}

// NIs lists the local interfaces, loopback first.
func (ln *LNet) NIs() []NIInfo {
	ln.netLock.Lock(cpt.Exclusive)
	defer ln.netLock.Unlock(cpt.Exclusive)

	infos := make([]NIInfo, 0, len(ln.nis))
	for _, ni := range ln.nis {
		info := NIInfo{
			NID:            ni.nid,
			Status:         "down",
			MaxTxCredits:   ni.maxTxCredits,
			PeerTxCredits:  ni.peerTxCredits,
			PeerRtrCredits: ni.peerRtrCredits,
			PeerTimeoutS:   int(ni.peerTimeout / time.Second),
		}
		if ni.up() {
			info.Status = "up"
		}
		for c, tq := range ni.txQueues {
			info.Credits += tq.credits
			info.MinCredits += tq.minCredits
			info.Refs += ni.refs[c]
		}
		ni.lock.Lock()
		info.LastAlive = ni.lastAlive
		ni.lock.Unlock()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		li, lj := infos[i].NID.Net().Type() == proto.NetTypeLO, infos[j].NID.Net().Type() == proto.NetTypeLO
		if li != lj {
			return li
		}
		return infos[i].NID < infos[j].NID
	})
	return infos
}
