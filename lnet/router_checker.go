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
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/bytespool"
	"github.com/cubefs/cubefs/util/btree"
	"github.com/docker/go-events"

	"github.com/cubefs/lnet/cpt"
	"github.com/cubefs/lnet/proto"
	"github.com/cubefs/lnet/util/limiter"
)

const cleanupTimeout = 10 * time.Second

// routerCheckData is the ping buffer of one gateway.
type routerCheckData struct {
	gateway *peer
	mdh     proto.HandleMD
	buf     []byte
}

// routerChecker pings gateways and keeps their aliveness and the NI
// status they report current.
type routerChecker struct {
	ln      *LNet
	eqh     proto.HandleEQ
	limiter limiter.Limiter

	// bound MDs not yet unlinked
	live int64

	lock     sync.Mutex
	deathrow []*routerCheckData

	started  bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newRouterChecker(ln *LNet) *routerChecker {
	return &routerChecker{
		ln:  ln,
		eqh: proto.InvalidHandleEQ,
		limiter: limiter.NewLimiter(limiter.LimitConfig{
			Concurrency: ln.cfg.RouterPingConcurrency,
			Rate:        ln.cfg.RouterPingRate,
		}),
		done: make(chan struct{}),
	}
}

// start allocates the EQ of ping MDs and, with loop, the goroutine that
// sweeps the gateways every tick. Without it sweeps run on CheckRoutes.
func (rc *routerChecker) start(ctx context.Context, loop bool) error {
	span := trace.SpanFromContextSafe(ctx)
	eqh, err := rc.ln.EQAlloc(0, rc)
	if err != nil {
		span.Errorf("alloc router checker eq failed: %s", err)
		return err
	}
	rc.eqh = eqh
	rc.started = true
	if !loop {
		return nil
	}

	rc.wg.Add(1)
	go rc.loop()
	span.Infof("router checker started, tick %ds", rc.ln.cfg.RouterCheckerTickS)
	return nil
}

func (rc *routerChecker) loop() {
	defer rc.wg.Done()
	_, ctx := trace.StartSpanFromContext(context.Background(), "router-checker")
	ticker := time.NewTicker(time.Duration(rc.ln.cfg.RouterCheckerTickS) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rc.ln.CheckRoutes(ctx)
		case <-rc.done:
			return
		}
	}
}

func (rc *routerChecker) stop() {
	rc.stopOnce.Do(func() {
		close(rc.done)
	})
	rc.wg.Wait()
}

// retire queues rcd for unlinking. The caller holds the exclusive net lock.
func (rc *routerChecker) retire(rcd *routerCheckData) {
	rc.lock.Lock()
	rc.deathrow = append(rc.deathrow, rcd)
	rc.lock.Unlock()
}

func (rc *routerChecker) reap(ctx context.Context) {
	rc.lock.Lock()
	rcds := rc.deathrow
	rc.deathrow = nil
	rc.lock.Unlock()
	for _, rcd := range rcds {
		if err := rc.ln.MDUnlink(ctx, rcd.mdh); err != nil {
			trace.SpanFromContextSafe(ctx).Debugf("unlink ping md of %s: %s", rcd.gateway.nid, err)
		}
	}
}

// cleanup unlinks the remaining ping MDs and frees the EQ once every one
// of them reported its unlink.
func (rc *routerChecker) cleanup() {
	span, ctx := trace.StartSpanFromContext(context.Background(), "router-checker-cleanup")
	rc.reap(ctx)
	if !rc.started {
		return
	}
	deadline := time.Now().Add(cleanupTimeout)
	for i := 0; atomic.LoadInt64(&rc.live) > 0; i++ {
		if time.Now().After(deadline) {
			span.Warnf("give up waiting for %d ping mds to unlink", atomic.LoadInt64(&rc.live))
			return
		}
		if i%100 == 99 {
			span.Warnf("waiting for %d ping mds to unlink", atomic.LoadInt64(&rc.live))
		}
		time.Sleep(waitRefsInterval)
	}
	if err := rc.ln.EQFree(rc.eqh); err != nil {
		span.Warnf("free router checker eq failed: %s", err)
	}
	rc.eqh = proto.InvalidHandleEQ
}

// Write receives the events of ping MDs.
func (rc *routerChecker) Write(event events.Event) error {
	ev, ok := event.(proto.Event)
	if !ok {
		return nil
	}
	rcd, ok := ev.UserPtr.(*routerCheckData)
	if !ok {
		return nil
	}
	if ev.Unlinked {
		defer func() {
			bytespool.Free(rcd.buf)
			atomic.AddInt64(&rc.live, -1)
		}()
	}
	if ev.Kind != proto.EventSend && ev.Kind != proto.EventReply {
		return nil
	}

	ln := rc.ln
	lp := rcd.gateway
	ln.netLock.Lock(lp.cpt)
	defer ln.netLock.Unlock(lp.cpt)
	if !lp.isRouter() || lp.rcd != rcd {
		return nil
	}
	if ev.Kind == proto.EventSend {
		lp.pingNotSent = false
		if ev.Status == nil {
			return nil
		}
	}
	// any failure to talk to a gateway takes it down
	ln.notifyLocked(lp, true, ev.Status == nil, ln.now())
	if ev.Kind == proto.EventReply && ev.Status == nil && !ln.cfg.IgnoreAsymRouterFailure {
		ln.parseRCInfoLocked(lp, rcd.buf[:ev.MLength])
	}
	return nil
}

func (rc *routerChecker) Close() error { return nil }

// parseRCInfoLocked applies the NI status a gateway reported to its routes.
// A route goes down when the gateway has no NI up on the target net.
func (ln *LNet) parseRCInfoLocked(lp *peer, b []byte) {
	if !lp.alive.Load() {
		return
	}
	var info proto.PingInfo
	if err := info.Unmarshal(b); err != nil {
		lp.pingFeats.Store(proto.PingFeatInval)
		return
	}
	lp.pingFeats.Store(info.Features)
	if info.Features&proto.PingFeatMask == 0 || info.Features&proto.PingFeatNIStatus == 0 {
		return
	}
	if info.Features&proto.PingFeatRteDisabled != 0 {
		for _, r := range lp.routes {
			r.downIS.Store(1)
		}
		return
	}
	for _, r := range lp.routes {
		down, up := int32(0), false
		for i, st := range info.NIs {
			if i >= proto.MaxRouterNIs {
				break
			}
			if st.NID == proto.NIDAny {
				lp.pingFeats.Store(proto.PingFeatInval)
				return
			}
			if st.NID.Net().Type() == proto.NetTypeLO {
				continue
			}
			switch st.Status {
			case proto.NIStatusDown:
				down++
			case proto.NIStatusUp:
				if st.NID.Net() == r.net {
					up = true
				}
			default:
				lp.pingFeats.Store(proto.PingFeatInval)
				return
			}
			if up {
				break
			}
		}
		if up {
			r.downIS.Store(0)
			continue
		}
		if down == 0 && r.hops == 1 {
			down = 1
		}
		r.downIS.Store(down)
	}
}

func (ln *LNet) routerCheckInterval(lp *peer) time.Duration {
	if lp.alive.Load() {
		return time.Duration(ln.cfg.LiveRouterCheckIntervalS) * time.Second
	}
	return time.Duration(ln.cfg.DeadRouterCheckIntervalS) * time.Second
}

// createRCDLocked binds the ping MD of lp. The net lock of lp's partition
// is dropped meanwhile; nil comes back if lp stopped being a router or
// someone else got there first.
func (ln *LNet) createRCDLocked(ctx context.Context, lp *peer) *routerCheckData {
	rc := ln.rc
	if rc.eqh.IsInvalid() {
		return nil
	}
	ln.netLock.Unlock(lp.cpt)

	rcd := &routerCheckData{gateway: lp, buf: bytespool.Alloc(proto.PingInfoSize(proto.MaxRouterNIs))}
	mdh, err := ln.MDBind(proto.MD{
		Start:     rcd.buf,
		Threshold: proto.MDThreshInf,
		Options:   proto.MDTruncate,
		UserPtr:   rcd,
		EQ:        rc.eqh,
	}, proto.Retain)

	ln.netLock.Lock(lp.cpt)
	if err != nil {
		trace.SpanFromContextSafe(ctx).Errorf("bind ping md of %s failed: %s", lp.nid, err)
		bytespool.Free(rcd.buf)
		return nil
	}
	rcd.mdh = mdh
	atomic.AddInt64(&rc.live, 1)
	if !lp.isRouter() || lp.rcd != nil {
		rc.retire(rcd)
		return lp.rcd
	}
	lp.rcd = rcd
	return rcd
}

// pingRouterLocked declares lp dead when its ping is overdue and pings it
// when its check interval passed.
func (ln *LNet) pingRouterLocked(ctx context.Context, lp *peer) {
	span := trace.SpanFromContextSafe(ctx)
	now := ln.now()
	if !lp.pingDeadline.IsZero() && now.After(lp.pingDeadline) {
		ln.notifyLocked(lp, true, false, now)
	}
	if !lp.isRouter() || ln.shuttingDown() {
		return
	}
	rcd := lp.rcd
	if rcd == nil {
		if rcd = ln.createRCDLocked(ctx, lp); rcd == nil {
			return
		}
	}
	interval := ln.routerCheckInterval(lp)
	if interval <= 0 || lp.pingNotSent || now.Before(lp.pingTimestamp.Add(interval)) {
		return
	}
	if err := ln.rc.limiter.Acquire(); err != nil {
		span.Debugf("ping of router %s deferred: %s", lp.nid, err)
		return
	}
	defer ln.rc.limiter.Release()
	if !ln.rc.limiter.Allow() {
		span.Debugf("ping of router %s deferred by rate limit", lp.nid)
		return
	}

	if lp.pingDeadline.IsZero() {
		lp.pingDeadline = now.Add(time.Duration(ln.cfg.RouterPingTimeoutS) * time.Second)
	}
	lp.pingNotSent = true
	lp.pingTimestamp = now
	mdh := rcd.mdh
	ln.netLock.Unlock(lp.cpt)

	err := ln.Get(ctx, proto.NIDAny, mdh, proto.ProcessID{NID: lp.nid, PID: proto.DefaultPID},
		proto.ReservedPortal, proto.PingMatchBits, 0)

	ln.netLock.Lock(lp.cpt)
	if err != nil {
		span.Warnf("ping router %s failed: %s", lp.nid, err)
		lp.pingNotSent = false
	}
}

// CheckRoutes runs one sweep of the router checker: overdue gateways are
// declared dead, due ones pinged, and ping MDs of removed gateways
// unlinked.
func (ln *LNet) CheckRoutes(ctx context.Context) {
	if ln.shuttingDown() {
		return
	}
	var routers []*peer
	ln.netLock.Lock(cpt.Exclusive)
	ln.routers.Ascend(func(i btree.Item) bool {
		lp := i.(*routerItem).lp
		ln.peerAddrefLocked(lp)
		routers = append(routers, lp)
		return true
	})
	ln.netLock.Unlock(cpt.Exclusive)

	for _, lp := range routers {
		ln.netLock.Lock(lp.cpt)
		ln.pingRouterLocked(ctx, lp)
		ln.peerDecrefLocked(lp)
		ln.netLock.Unlock(lp.cpt)
	}
	ln.rc.reap(ctx)
}
