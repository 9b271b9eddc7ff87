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

// Package lnet is the resource and matching core of the Lustre networking
// layer: NIs and peers, the MD/ME/EQ object model, portal matching, the
// message commit/decommit lifecycle and routing between networks.
package lnet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/cubefs/util/btree"
	"github.com/google/uuid"
	"github.com/joeycumines/go-catrate"
	"golang.org/x/sync/errgroup"

	"github.com/cubefs/lnet/cpt"
	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
	"github.com/cubefs/lnet/resource"
)

const (
	defaultNICredits          = 256
	defaultPeerCredits        = 8
	defaultPeerTxQueueMax     = 1024
	defaultLazyQueueMax       = 1024
	defaultRouterPingTimeoutS = 50
	defaultRouterCheckS       = 60
	defaultRouterCheckerTickS = 1
	defaultPingConcurrency    = 64
	defaultPingRate           = 100
	defaultLoopbackWorkers    = 16
	routersBTreeDegree        = 8
	waitRefsInterval          = 10 * time.Millisecond
)

type (
	NIConfig struct {
		Net            string `json:"net"`
		Addr           string `json:"addr"`
		Credits        int    `json:"credits"`
		PeerCredits    int    `json:"peer_credits"`
		PeerTimeoutS   int    `json:"peer_timeout_s"`
		PeerRtrCredits int    `json:"peer_rtr_credits"`
	}
	RouteConfig struct {
		Net      string `json:"net"`
		Gateway  string `json:"gateway"`
		Hops     int    `json:"hops"`
		Priority int    `json:"priority"`
	}
	Config struct {
		CPTNumber   int           `json:"cpt_number"`
		PID         proto.PID     `json:"pid"`
		NIs         []NIConfig    `json:"nis"`
		Routes      []RouteConfig `json:"routes"`
		LazyPortals []uint32      `json:"lazy_portals"`

		RouterPingTimeoutS       int  `json:"router_ping_timeout_s"`
		LiveRouterCheckIntervalS int  `json:"live_router_check_interval_s"`
		DeadRouterCheckIntervalS int  `json:"dead_router_check_interval_s"`
		RouterCheckerTickS       int  `json:"router_checker_tick_s"`
		RouterPingConcurrency    int  `json:"router_ping_concurrency"`
		RouterPingRate           int  `json:"router_ping_rate"`
		IgnoreAsymRouterFailure  bool `json:"ignore_asym_router_failure"`
		NoAutoDown               bool `json:"no_auto_down"`
		DisableRouterChecker     bool `json:"disable_router_checker"`

		PeerTxQueueMax  int `json:"peer_tx_queue_max"`
		LazyQueueMax    int `json:"lazy_queue_max"`
		LoopbackWorkers int `json:"loopback_workers"`

		// LNDs drive the configured NIs, the loopback LND is always present.
		LNDs []LND `json:"-"`
		// RouteCompare orders gateways of equal standing, DefaultRouteCompare
		// when nil.
		RouteCompare RouteCompareFunc `json:"-"`
	}
)

const (
	stateRunning int32 = iota
	stateStopping
	stateStopped
)

// LNet is one instance of the networking core.
type LNet struct {
	cfg   *Config
	cpts  *cpt.Table
	state int32

	pid             proto.PID
	interfaceCookie uint64

	// resource side, guarded by resLock
	resLock      *cpt.PercptLock
	eqs          *resource.Container
	mds          []*resource.Container
	mes          []*resource.Container
	portals      [proto.MaxPortals]*portal
	pingLock     sync.Mutex
	pingMEHandle proto.HandleME

	// EQ rings and waiters
	eqWaitLock sync.Mutex
	eqWaitCh   chan struct{}

	// network side, guarded by netLock; read under any partition, written
	// under the exclusive lock
	netLock        *cpt.PercptLock
	nis            map[proto.Net]*NI
	niList         []*NI
	loNI           *NI
	lnds           map[proto.NetType]LND
	peerTables     []*peerTable
	remoteNets     map[proto.Net]*remoteNet
	routers        *btree.BTree
	routersVersion uint64
	counters       []Counters
	msgContainers  []msgContainer

	dropRules dropRules

	rc         *routerChecker
	routeCmp   RouteCompareFunc
	dropLogLim *catrate.Limiter
	now        func() time.Time

	// serializes configuration changes
	apiLock sync.Mutex
}

// New brings up an LNet instance with its loopback NI, the configured NIs,
// routes and lazy portals, the ping target and the router checker.
func New(ctx context.Context, cfg *Config) (*LNet, error) {
	span := trace.SpanFromContextSafe(ctx)
	initConfig(cfg)

	cpts, err := cpt.NewTable(cfg.CPTNumber)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	var cookie uint64
	for _, b := range id[:8] {
		cookie = cookie<<8 | uint64(b)
	}

	n := cpts.Number()
	ln := &LNet{
		cfg:             cfg,
		cpts:            cpts,
		pid:             cfg.PID,
		interfaceCookie: cookie,
		resLock:         cpt.NewPercptLock(n),
		eqs:             resource.NewContainer(0, proto.CookieTypeEQ),
		mds:             make([]*resource.Container, n),
		mes:             make([]*resource.Container, n),
		eqWaitCh:        make(chan struct{}),
		netLock:         cpt.NewPercptLock(n),
		nis:             make(map[proto.Net]*NI),
		lnds:            make(map[proto.NetType]LND),
		peerTables:      make([]*peerTable, n),
		remoteNets:      make(map[proto.Net]*remoteNet),
		routers:         btree.New(routersBTreeDegree),
		counters:        make([]Counters, n),
		msgContainers:   make([]msgContainer, n),
		routeCmp:        cfg.RouteCompare,
		pingMEHandle:    proto.InvalidHandleME,
		dropLogLim: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
		now: time.Now,
	}
	if ln.routeCmp == nil {
		ln.routeCmp = DefaultRouteCompare
	}
	for i := 0; i < n; i++ {
		ln.mds[i] = resource.NewContainer(i, proto.CookieTypeMD)
		ln.mes[i] = resource.NewContainer(i, proto.CookieTypeME)
		ln.peerTables[i] = newPeerTable()
	}
	for i := range ln.portals {
		ln.portals[i] = newPortal(uint32(i), n)
	}

	lo := newLoLND(cfg.LoopbackWorkers)
	ln.lnds[lo.Type()] = lo
	for _, lnd := range cfg.LNDs {
		ln.lnds[lnd.Type()] = lnd
	}

	loNI, err := ln.startupNI(ctx, proto.MakeNID(proto.LoNet, 0), &NIConfig{Net: proto.LoNet.String()})
	if err != nil {
		return nil, err
	}
	ln.loNI = loNI

	ln.rc = newRouterChecker(ln)
	if err := ln.configure(ctx); err != nil {
		span.Errorf("configure lnet failed: %s", err)
		ln.Shutdown(ctx)
		return nil, err
	}
	if err := ln.rc.start(ctx, !cfg.DisableRouterChecker); err != nil {
		ln.Shutdown(ctx)
		return nil, err
	}
	span.Infof("lnet is up, %d cpts, %d nis, interface cookie %x", n, len(ln.nis), ln.interfaceCookie)
	return ln, nil
}

func (ln *LNet) configure(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range ln.cfg.NIs {
		niCfg := ln.cfg.NIs[i]
		g.Go(func() error {
			_, err := ln.AddNI(gctx, &niCfg)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i := range ln.cfg.Routes {
		r := &ln.cfg.Routes[i]
		net, err := proto.ParseNet(r.Net)
		if err != nil {
			return err
		}
		gw, err := proto.ParseNID(r.Gateway)
		if err != nil {
			return err
		}
		if err := ln.AddRoute(ctx, net, r.Hops, gw, r.Priority); err != nil {
			return err
		}
	}
	if err := ln.ValidateRoutes(ctx); err != nil {
		return err
	}
	for _, index := range ln.cfg.LazyPortals {
		if err := ln.SetLazyPortal(index); err != nil {
			return err
		}
	}
	return ln.setupPingTarget(ctx)
}

// Shutdown stops the router checker, drains lazy portals, removes routes
// and brings all NIs down.
func (ln *LNet) Shutdown(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	if !atomic.CompareAndSwapInt32(&ln.state, stateRunning, stateStopping) {
		return
	}
	if ln.rc != nil {
		ln.rc.stop()
	}
	for i := range ln.portals {
		ln.ClearLazyPortal(uint32(i))
	}
	ln.teardownPingTarget()
	if err := ln.DelRoute(ctx, proto.NetAny, proto.NIDAny); err != nil && err != apierrors.ErrRouteNotExist {
		span.Warnf("delete routes failed: %s", err)
	}
	if ln.rc != nil {
		ln.rc.cleanup()
	}

	ln.apiLock.Lock()
	nets := make([]proto.Net, 0, len(ln.nis))
	ln.netLock.Lock(cpt.Exclusive)
	for net, ni := range ln.nis {
		if ni != ln.loNI {
			nets = append(nets, net)
		}
	}
	ln.netLock.Unlock(cpt.Exclusive)
	ln.apiLock.Unlock()
	for _, net := range nets {
		if err := ln.DelNI(ctx, net); err != nil {
			span.Warnf("shutdown ni %s failed: %s", net, err)
		}
	}
	ln.waitMsgs(ctx)
	if ln.loNI != nil {
		ln.shutdownNI(ctx, ln.loNI)
	}
	for _, lnd := range ln.lnds {
		if c, ok := lnd.(interface{ close() }); ok {
			c.close()
		}
	}
	atomic.StoreInt32(&ln.state, stateStopped)
	log.Info("lnet is down")
}

func (ln *LNet) shuttingDown() bool {
	return atomic.LoadInt32(&ln.state) != stateRunning
}

// NumCPT is the number of partitions of this instance.
func (ln *LNet) NumCPT() int { return ln.cpts.Number() }

// PID is the process id this instance answers to.
func (ln *LNet) PID() proto.PID { return ln.pid }

// InterfaceCookie identifies this instance in wire handles.
func (ln *LNet) InterfaceCookie() uint64 { return ln.interfaceCookie }

func (ln *LNet) wireHandle(m *md) proto.WireHandle {
	return proto.WireHandle{InterfaceCookie: ln.interfaceCookie, ObjectCookie: m.Cookie}
}

func (ln *LNet) waitMsgs(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	for i := 0; ; i++ {
		active := 0
		for c := 0; c < ln.cpts.Number(); c++ {
			ln.netLock.Lock(c)
			active += ln.msgContainers[c].active
			ln.netLock.Unlock(c)
		}
		if active == 0 {
			return
		}
		if i%100 == 99 {
			span.Warnf("waiting for %d active messages to finish", active)
		}
		select {
		case <-ctx.Done():
			span.Warnf("give up waiting for %d active messages: %s", active, ctx.Err())
			return
		case <-time.After(waitRefsInterval):
		}
	}
}

func initConfig(cfg *Config) {
	if cfg.PID == 0 {
		cfg.PID = proto.DefaultPID
	}
	if cfg.RouterPingTimeoutS <= 0 {
		cfg.RouterPingTimeoutS = defaultRouterPingTimeoutS
	}
	if cfg.LiveRouterCheckIntervalS <= 0 {
		cfg.LiveRouterCheckIntervalS = defaultRouterCheckS
	}
	if cfg.DeadRouterCheckIntervalS <= 0 {
		cfg.DeadRouterCheckIntervalS = defaultRouterCheckS
	}
	if cfg.RouterCheckerTickS <= 0 {
		cfg.RouterCheckerTickS = defaultRouterCheckerTickS
	}
	if cfg.RouterPingConcurrency <= 0 {
		cfg.RouterPingConcurrency = defaultPingConcurrency
	}
	if cfg.RouterPingRate <= 0 {
		cfg.RouterPingRate = defaultPingRate
	}
	if cfg.PeerTxQueueMax <= 0 {
		cfg.PeerTxQueueMax = defaultPeerTxQueueMax
	}
	if cfg.LazyQueueMax <= 0 {
		cfg.LazyQueueMax = defaultLazyQueueMax
	}
	if cfg.LoopbackWorkers <= 0 {
		cfg.LoopbackWorkers = defaultLoopbackWorkers
	}
}

// lnetAssert panics on broken invariants.
func lnetAssert(cond bool, format string, v ...interface{}) {
	if !cond {
		log.Panicf(format, v...)
	}
}
