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
	"sort"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/util/btree"

	"github.com/cubefs/lnet/cpt"
	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
)

const maxHops = 255

type route struct {
	net      proto.Net
	gateway  *peer
	hops     int
	priority int

	// read by senders of every partition
	seq    atomic.Int64
	downIS atomic.Int32
}

type remoteNet struct {
	net    proto.Net
	routes []*route
}

// routerItem orders gateways by NID in the routers tree.
type routerItem struct {
	lp *peer
}

func (r *routerItem) Less(than btree.Item) bool {
	return r.lp.nid < than.(*routerItem).lp.nid
}

func (r *routerItem) Copy() btree.Item {
	return &routerItem{lp: r.lp}
}

// RouteCandidate is what a RouteCompareFunc sees of an alive route.
type RouteCandidate struct {
	Gateway   proto.NID
	Hops      int
	Priority  int
	TxQNob    int64
	TxCredits int64
	Seq       int64
}

// RouteCompareFunc returns a negative number when a is the better route.
type RouteCompareFunc func(a, b *RouteCandidate) int

// DefaultRouteCompare prefers fewer hops, then the lower priority value,
// then the route used least recently, which turns equal routes into a
// round-robin.
func DefaultRouteCompare(a, b *RouteCandidate) int {
	switch {
	case a.Hops != b.Hops:
		return a.Hops - b.Hops
	case a.Priority != b.Priority:
		return a.Priority - b.Priority
	case a.Seq-b.Seq <= 0:
		return -1
	default:
		return 1
	}
}

// LoadRouteCompare breaks hop and priority ties on the gateway with less
// queued data and more credits before falling back to round-robin.
func LoadRouteCompare(a, b *RouteCandidate) int {
	switch {
	case a.Hops != b.Hops:
		return a.Hops - b.Hops
	case a.Priority != b.Priority:
		return a.Priority - b.Priority
	case a.TxQNob != b.TxQNob:
		if a.TxQNob < b.TxQNob {
			return -1
		}
		return 1
	case a.TxCredits != b.TxCredits:
		if a.TxCredits > b.TxCredits {
			return -1
		}
		return 1
	case a.Seq-b.Seq <= 0:
		return -1
	default:
		return 1
	}
}

func (r *route) candidate() RouteCandidate {
	return RouteCandidate{
		Gateway:   r.gateway.nid,
		Hops:      r.hops,
		Priority:  r.priority,
		TxQNob:    r.gateway.txqnob.Load(),
		TxCredits: r.gateway.txCredits.Load(),
		Seq:       r.seq.Load(),
	}
}

// routeAlive holds while the gateway is alive and, if it reports NI
// status, none of the NIs this route needs is down.
func routeAlive(r *route) bool {
	gw := r.gateway
	if !gw.alive.Load() {
		return false
	}
	if gw.pingFeats.Load()&proto.PingFeatNIStatus == 0 {
		return true
	}
	return r.downIS.Load() == 0
}

func (ln *LNet) findNetLocked(net proto.Net) *remoteNet {
	return ln.remoteNets[net]
}

// findRouteLocked picks the gateway for dst among the alive routes of its
// net, restricted to srcNI when given. rtr wins if it is still usable.
func (ln *LNet) findRouteLocked(srcNI *NI, dst proto.NID, rtr proto.NID) *peer {
	rnet := ln.findNetLocked(dst.Net())
	if rnet == nil {
		return nil
	}
	var best, last *route
	var bestC RouteCandidate
	for _, r := range rnet.routes {
		lp := r.gateway
		if !routeAlive(r) {
			continue
		}
		if srcNI != nil && lp.ni != srcNI {
			continue
		}
		if lp.nid == rtr {
			return lp
		}
		if best == nil {
			best, last = r, r
			bestC = r.candidate()
			continue
		}
		if last.seq.Load()-r.seq.Load() < 0 {
			last = r
		}
		c := r.candidate()
		if ln.routeCmp(&c, &bestC) < 0 {
			best, bestC = r, c
		}
	}
	if best == nil {
		return nil
	}
	best.seq.Store(last.seq.Load() + 1)
	return best.gateway
}

// AddRoute adds a route to net through gateway. hops zero means one.
// Routes to a local net are ignored.
func (ln *LNet) AddRoute(ctx context.Context, net proto.Net, hops int, gateway proto.NID, priority int) error {
	span := trace.SpanFromContextSafe(ctx)
	if hops == 0 {
		hops = 1
	}
	if hops < 1 || hops > maxHops || priority < 0 {
		return apierrors.ErrInvalidArgs
	}
	if net == proto.NetAny || net.Type() == proto.NetTypeLO ||
		gateway == proto.NIDAny || gateway.Net().Type() == proto.NetTypeLO || gateway.Net() == net {
		return fmt.Errorf("%w: route to %s via %s", apierrors.ErrInvalidArgs, net, gateway)
	}
	if ln.IsLocalNet(net) {
		span.Infof("ignoring route to local net %s via %s", net, gateway)
		return nil
	}

	ln.netLock.Lock(cpt.Exclusive)
	lp, err := ln.peerLocked(gateway, cpt.Exclusive)
	if err != nil {
		ln.netLock.Unlock(cpt.Exclusive)
		if err == apierrors.ErrHostUnreachable {
			span.Warnf("gateway %s of route to %s is not on a local net", gateway, net)
		} else {
			span.Errorf("error %s creating route %s %d %s", err, net, hops, gateway)
		}
		return err
	}
	rnet := ln.findNetLocked(net)
	if rnet == nil {
		rnet = &remoteNet{net: net}
		ln.remoteNets[net] = rnet
	}
	for _, r := range rnet.routes {
		if r.gateway == lp {
			ln.peerDecrefLocked(lp)
			ln.netLock.Unlock(cpt.Exclusive)
			return apierrors.ErrRouteExist
		}
	}
	r := &route{net: net, gateway: lp, hops: hops, priority: priority}
	rnet.routes = append(rnet.routes, r)
	lp.routes = append(lp.routes, r)
	ln.rtrAddrefLocked(lp)
	ln.netLock.Unlock(cpt.Exclusive)

	span.Infof("added route to %s via %s, hops %d, priority %d", net, gateway, hops, priority)
	return nil
}

func (ln *LNet) rtrAddrefLocked(lp *peer) {
	lp.rtrRefcount++
	if lp.rtrRefcount == 1 {
		ln.peerAddrefLocked(lp)
		ln.routers.ReplaceOrInsert(&routerItem{lp: lp})
		atomic.AddUint64(&ln.routersVersion, 1)
	}
}

func (ln *LNet) rtrDecrefLocked(lp *peer) {
	lp.rtrRefcount--
	lnetAssert(lp.rtrRefcount >= 0, "router %s refcount underflow", lp.nid)
	if lp.rtrRefcount > 0 {
		return
	}
	lnetAssert(len(lp.routes) == 0, "router %s still has routes", lp.nid)
	if lp.rcd != nil {
		ln.rc.retire(lp.rcd)
		lp.rcd = nil
	}
	ln.routers.Delete(&routerItem{lp: lp})
	ln.peerDecrefLocked(lp)
	atomic.AddUint64(&ln.routersVersion, 1)
}

// DelRoute removes the routes to net via gateway. NetAny and NIDAny match
// every net and gateway.
func (ln *LNet) DelRoute(ctx context.Context, net proto.Net, gateway proto.NID) error {
	span := trace.SpanFromContextSafe(ctx)
	ln.netLock.Lock(cpt.Exclusive)
	defer ln.netLock.Unlock(cpt.Exclusive)

	deleted := 0
	for n, rnet := range ln.remoteNets {
		if net != proto.NetAny && net != n {
			continue
		}
		kept := rnet.routes[:0]
		for _, r := range rnet.routes {
			gw := r.gateway
			if gateway != proto.NIDAny && gateway != gw.nid {
				kept = append(kept, r)
				continue
			}
			for i, gr := range gw.routes {
				if gr == r {
					gw.routes = append(gw.routes[:i], gw.routes[i+1:]...)
					break
				}
			}
			ln.rtrDecrefLocked(gw)
			ln.peerDecrefLocked(gw)
			deleted++
			span.Infof("deleted route to %s via %s", n, gw.nid)
		}
		for i := len(kept); i < len(rnet.routes); i++ {
			rnet.routes[i] = nil
		}
		rnet.routes = kept
		if len(rnet.routes) == 0 {
			delete(ln.remoteNets, n)
		}
	}
	if deleted == 0 {
		return apierrors.ErrRouteNotExist
	}
	return nil
}

func (ln *LNet) delRoutesVia(ctx context.Context, ni *NI) error {
	var gateways []proto.NID
	ln.netLock.Lock(cpt.Exclusive)
	ln.routers.Ascend(func(i btree.Item) bool {
		if lp := i.(*routerItem).lp; lp.ni == ni {
			gateways = append(gateways, lp.nid)
		}
		return true
	})
	ln.netLock.Unlock(cpt.Exclusive)
	for _, gw := range gateways {
		if err := ln.DelRoute(ctx, proto.NetAny, gw); err != nil && err != apierrors.ErrRouteNotExist {
			return err
		}
	}
	return nil
}

// FindNet reports whether a route to net is known.
func (ln *LNet) FindNet(net proto.Net) bool {
	c := ln.cpts.Current()
	ln.netLock.Lock(c)
	defer ln.netLock.Unlock(c)
	return ln.findNetLocked(net) != nil
}

// ValidateRoutes rejects a remote net reached through gateways on
// different local NIs.
func (ln *LNet) ValidateRoutes(ctx context.Context) error {
	c := ln.cpts.Current()
	ln.netLock.Lock(c)
	defer ln.netLock.Unlock(c)
	for _, rnet := range ln.remoteNets {
		var first *route
		for _, r := range rnet.routes {
			if first == nil {
				first = r
				continue
			}
			if r.gateway.ni != first.gateway.ni {
				trace.SpanFromContextSafe(ctx).Errorf("routes to %s via %s and %s not supported",
					rnet.net, first.gateway.nid, r.gateway.nid)
				return apierrors.ErrRouteConflict
			}
		}
	}
	return nil
}

type RouteInfo struct {
	Net      proto.Net `json:"net"`
	Gateway  proto.NID `json:"gateway"`
	Hops     int       `json:"hops"`
	Priority int       `json:"priority"`
	Alive    bool      `json:"alive"`
	DownIS   int32     `json:"down_ni"`
}

// Routes lists the routing table ordered by net and gateway.
func (ln *LNet) Routes() []RouteInfo {
	c := ln.cpts.Current()
	ln.netLock.Lock(c)
	var infos []RouteInfo
	for _, rnet := range ln.remoteNets {
		for _, r := range rnet.routes {
			infos = append(infos, RouteInfo{
				Net:      rnet.net,
				Gateway:  r.gateway.nid,
				Hops:     r.hops,
				Priority: r.priority,
				Alive:    routeAlive(r),
				DownIS:   r.downIS.Load(),
			})
		}
	}
	ln.netLock.Unlock(c)
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Net != infos[j].Net {
			return infos[i].Net < infos[j].Net
		}
		return infos[i].Gateway < infos[j].Gateway
	})
	return infos
}

// Dist returns how far nid is: 0 for a local NID, 1 for a local net and
// hops+1 through the shortest route, with the source NID to use and the
// order of the NI among the local ones.
func (ln *LNet) Dist(nid proto.NID) (dist int, src proto.NID, order int, err error) {
	c := ln.cpts.Current()
	ln.netLock.Lock(c)
	defer ln.netLock.Unlock(c)

	for _, ni := range ln.niList {
		if ni.nid == nid {
			return 0, nid, order, nil
		}
		if ni.nid.Net() == nid.Net() {
			return 1, ni.nid, order, nil
		}
		order++
	}
	if rnet := ln.findNetLocked(nid.Net()); rnet != nil && len(rnet.routes) > 0 {
		shortest := rnet.routes[0]
		for _, r := range rnet.routes[1:] {
			if r.hops < shortest.hops {
				shortest = r
			}
		}
		return shortest.hops + 1, shortest.gateway.ni.nid, order, nil
	}
	return 0, proto.NIDAny, 0, apierrors.ErrHostUnreachable
}
