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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/lnet/cpt"
	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
)

// newSimPair brings up a node on 1@gni routing gni1 through a gateway
// node owning 2@gni and 2@gni1.
func newSimPair(t *testing.T) (*LNet, *LNet, *SimFabric) {
	fab := NewSimFabric(proto.NetTypeGNI)
	gw := newTestLNet(t, &Config{
		NIs:                  []NIConfig{{Net: "gni", Addr: "2"}, {Net: "gni1", Addr: "2"}},
		LNDs:                 []LND{fab},
		DisableRouterChecker: true,
	})
	ln := newTestLNet(t, &Config{
		NIs:                  []NIConfig{{Net: "gni", Addr: "1"}},
		Routes:               []RouteConfig{{Net: "gni1", Gateway: "2@gni"}},
		LNDs:                 []LND{fab},
		DisableRouterChecker: true,
	})
	return ln, gw, fab
}

func routerPeer(t *testing.T, ln *LNet, nid proto.NID) *peer {
	ln.netLock.Lock(cpt.Exclusive)
	lp := ln.findPeerLocked(nid)
	ln.netLock.Unlock(cpt.Exclusive)
	require.NotNil(t, lp)
	return lp
}

// recheck makes lp due for a ping and runs a checker sweep.
func recheck(ln *LNet, lp *peer) {
	ln.netLock.Lock(lp.cpt)
	lp.pingTimestamp = time.Time{}
	ln.netLock.Unlock(lp.cpt)
	ln.CheckRoutes(context.Background())
}

func TestSimFabricPut(t *testing.T) {
	ctx := context.Background()
	ln, gw, fab := newSimPair(t)
	gwNID := mustNID(t, "2@gni")

	buf := make([]byte, 16)
	_, eqh := attachTarget(t, gw, 12, 9, proto.MD{Start: buf, Threshold: 1, Options: proto.MDOpPut})
	src, srcEQ := bindSource(t, ln, []byte("over fabric"), 2)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src, true, proto.ProcessID{NID: gwNID, PID: gw.PID()}, 12, 9, 0, 0))

	ev := waitEvent(t, gw, eqh)
	require.Equal(t, proto.EventPut, ev.Kind)
	require.Equal(t, mustNID(t, "1@gni"), ev.Initiator.NID)
	require.Equal(t, "over fabric", string(buf[:ev.MLength]))
	require.NoError(t, ev.Status)

	kinds := map[proto.EventKind]bool{}
	for i := 0; i < 2; i++ {
		ev = waitEvent(t, ln, srcEQ)
		require.NoError(t, ev.Status)
		kinds[ev.Kind] = true
	}
	require.True(t, kinds[proto.EventSend])
	require.True(t, kinds[proto.EventAck])
	require.Equal(t, 1, fab.Sent(gwNID))

	fab.SetDown(gwNID, true)
	src, srcEQ = bindSource(t, ln, []byte("lost"), 1)
	require.NoError(t, ln.Put(ctx, proto.NIDAny, src, false, proto.ProcessID{NID: gwNID, PID: gw.PID()}, 12, 9, 0, 0))
	ev = waitEvent(t, ln, srcEQ)
	require.Equal(t, proto.EventSend, ev.Kind)
	require.ErrorIs(t, ev.Status, apierrors.ErrHostUnreachable)
}

func TestPingTarget(t *testing.T) {
	ctx := context.Background()
	ln, gw, _ := newSimPair(t)

	buf := make([]byte, proto.PingInfoSize(proto.MaxRouterNIs))
	eqh, err := ln.EQAlloc(8, nil)
	require.NoError(t, err)
	mdh, err := ln.MDBind(proto.MD{Start: buf, Threshold: 2, Options: proto.MDTruncate, EQ: eqh}, proto.UnlinkAuto)
	require.NoError(t, err)
	require.NoError(t, ln.Get(ctx, proto.NIDAny, mdh, proto.ProcessID{NID: mustNID(t, "2@gni"), PID: proto.DefaultPID},
		proto.ReservedPortal, proto.PingMatchBits, 0))

	var reply proto.Event
	for i := 0; i < 2; i++ {
		if ev := waitEvent(t, ln, eqh); ev.Kind == proto.EventReply {
			reply = ev
		}
	}
	require.Equal(t, proto.EventReply, reply.Kind)
	require.NoError(t, reply.Status)

	var info proto.PingInfo
	require.NoError(t, info.Unmarshal(buf[:reply.MLength]))
	require.Equal(t, proto.PingMagic, info.Magic)
	require.Equal(t, proto.PingFeatBase|proto.PingFeatNIStatus, info.Features)
	require.Equal(t, gw.PID(), info.PID)
	require.Len(t, info.NIs, 3)
	require.Equal(t, proto.LoNet, info.NIs[0].NID.Net())
	for _, st := range info.NIs {
		require.Equal(t, proto.NIStatusUp, st.Status)
	}

	require.NoError(t, gw.DelNI(ctx, mustNet(t, "gni1")))
	require.Len(t, gw.pingInfo().NIs, 2)
}

func TestRouterChecker(t *testing.T) {
	ctx := context.Background()
	ln, gw, fab := newSimPair(t)
	gwNID := mustNID(t, "2@gni")
	lp := routerPeer(t, ln, gwNID)
	require.Equal(t, proto.PingFeatInval, lp.pingFeats.Load())

	ln.CheckRoutes(ctx)
	require.Eventually(t, func() bool {
		return lp.pingFeats.Load() == proto.PingFeatBase|proto.PingFeatNIStatus
	}, testWait, 10*time.Millisecond)
	routes := ln.Routes()
	require.Len(t, routes, 1)
	require.True(t, routes[0].Alive)
	require.Equal(t, int32(0), routes[0].DownIS)

	// the gateway lost its NI on the target net
	require.NoError(t, gw.DelNI(ctx, mustNet(t, "gni1")))
	require.Eventually(t, func() bool {
		recheck(ln, lp)
		return ln.Routes()[0].DownIS == 1
	}, testWait, 20*time.Millisecond)
	require.False(t, ln.Routes()[0].Alive)

	src, _ := bindSource(t, ln, []byte("x"), 1)
	err := ln.Put(ctx, proto.NIDAny, src, false, proto.ProcessID{NID: mustNID(t, "7@gni1"), PID: proto.DefaultPID}, 30, 0, 0, 0)
	require.ErrorIs(t, err, apierrors.ErrNoRoute)

	// an unreachable gateway is declared dead
	fab.SetDown(gwNID, true)
	require.Eventually(t, func() bool {
		recheck(ln, lp)
		return !lp.alive.Load()
	}, testWait, 20*time.Millisecond)
	for _, p := range ln.Peers() {
		if p.NID == gwNID {
			require.False(t, p.Alive)
			require.True(t, p.Router)
		}
	}
}

func TestRouterCheckerIgnoreAsym(t *testing.T) {
	ctx := context.Background()
	fab := NewSimFabric(proto.NetTypeGNI)
	newTestLNet(t, &Config{
		NIs:                  []NIConfig{{Net: "gni", Addr: "2"}},
		LNDs:                 []LND{fab},
		DisableRouterChecker: true,
	})
	ln := newTestLNet(t, &Config{
		NIs:                     []NIConfig{{Net: "gni", Addr: "1"}},
		Routes:                  []RouteConfig{{Net: "gni1", Gateway: "2@gni"}},
		LNDs:                    []LND{fab},
		DisableRouterChecker:    true,
		IgnoreAsymRouterFailure: true,
	})
	lp := routerPeer(t, ln, mustNID(t, "2@gni"))

	ln.CheckRoutes(ctx)
	// pinged and answered, but the missing gni1 NI is not applied
	require.Eventually(t, func() bool {
		ln.netLock.Lock(lp.cpt)
		defer ln.netLock.Unlock(lp.cpt)
		return !lp.pingTimestamp.IsZero() && lp.pingDeadline.IsZero() && !lp.pingNotSent
	}, testWait, 10*time.Millisecond)
	require.Equal(t, proto.PingFeatInval, lp.pingFeats.Load())
	require.True(t, ln.Routes()[0].Alive)
}

func TestRouterDataReaped(t *testing.T) {
	ctx := context.Background()
	ln, _, _ := newSimPair(t)
	lp := routerPeer(t, ln, mustNID(t, "2@gni"))

	ln.CheckRoutes(ctx)
	require.Eventually(t, func() bool {
		return lp.pingFeats.Load() != proto.PingFeatInval
	}, testWait, 10*time.Millisecond)
	require.Equal(t, int64(1), atomic.LoadInt64(&ln.rc.live))

	require.NoError(t, ln.DelRoute(ctx, proto.NetAny, proto.NIDAny))
	ln.CheckRoutes(ctx)
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&ln.rc.live) == 0
	}, testWait, 10*time.Millisecond)
}
