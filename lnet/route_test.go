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

func mustNID(t *testing.T, s string) proto.NID {
	nid, err := proto.ParseNID(s)
	require.NoError(t, err)
	return nid
}

func mustNet(t *testing.T, s string) proto.Net {
	net, err := proto.ParseNet(s)
	require.NoError(t, err)
	return net
}

func newRoutedLNet(t *testing.T) (*LNet, *holdLND) {
	lnd := newHoldLND(proto.NetTypeTCP)
	ln := newTestLNet(t, &Config{
		NIs:                  []NIConfig{{Net: "tcp", Addr: "10.0.0.1"}},
		LNDs:                 []LND{lnd},
		DisableRouterChecker: true,
	})
	return ln, lnd
}

func TestRouteAddValidation(t *testing.T) {
	ctx := context.Background()
	ln, _ := newRoutedLNet(t)
	gni1 := mustNet(t, "gni1")
	gw := mustNID(t, "10.0.0.2@tcp")

	require.ErrorIs(t, ln.AddRoute(ctx, proto.NetAny, 1, gw, 0), apierrors.ErrInvalidArgs)
	require.ErrorIs(t, ln.AddRoute(ctx, proto.LoNet, 1, gw, 0), apierrors.ErrInvalidArgs)
	require.ErrorIs(t, ln.AddRoute(ctx, gni1, 1, proto.NIDAny, 0), apierrors.ErrInvalidArgs)
	require.ErrorIs(t, ln.AddRoute(ctx, mustNet(t, "tcp"), 1, gw, 0), apierrors.ErrInvalidArgs)
	require.ErrorIs(t, ln.AddRoute(ctx, gni1, 256, gw, 0), apierrors.ErrInvalidArgs)
	require.ErrorIs(t, ln.AddRoute(ctx, gni1, -1, gw, 0), apierrors.ErrInvalidArgs)
	require.ErrorIs(t, ln.AddRoute(ctx, gni1, 1, gw, -1), apierrors.ErrInvalidArgs)
	require.ErrorIs(t, ln.AddRoute(ctx, gni1, 1, mustNID(t, "10.0.0.5@o2ib"), 0), apierrors.ErrHostUnreachable)
	require.Empty(t, ln.Routes())

	require.NoError(t, ln.AddRoute(ctx, gni1, 0, gw, 0))
	require.ErrorIs(t, ln.AddRoute(ctx, gni1, 2, gw, 1), apierrors.ErrRouteExist)
	routes := ln.Routes()
	require.Len(t, routes, 1)
	require.Equal(t, RouteInfo{Net: gni1, Gateway: gw, Hops: 1, Priority: 0, Alive: true}, routes[0])
	require.True(t, ln.FindNet(gni1))
	require.False(t, ln.FindNet(mustNet(t, "gni2")))

	peers := ln.Peers()
	require.Len(t, peers, 1)
	require.True(t, peers[0].Router)
	require.Equal(t, 1, ln.routers.Len())

	// a route to a local net is ignored
	_, err := ln.AddNI(ctx, &NIConfig{Net: "tcp1", Addr: "10.0.1.1"})
	require.NoError(t, err)
	require.NoError(t, ln.AddRoute(ctx, mustNet(t, "tcp1"), 1, gw, 0))
	require.Len(t, ln.Routes(), 1)

	require.NoError(t, ln.DelRoute(ctx, gni1, gw))
	require.ErrorIs(t, ln.DelRoute(ctx, gni1, gw), apierrors.ErrRouteNotExist)
	require.Empty(t, ln.Routes())
	require.False(t, ln.FindNet(gni1))
	require.Equal(t, 0, ln.routers.Len())
	for _, p := range ln.Peers() {
		require.False(t, p.Router)
	}
}

func TestRouteDelWildcards(t *testing.T) {
	ctx := context.Background()
	ln, _ := newRoutedLNet(t)
	gw2, gw3 := mustNID(t, "10.0.0.2@tcp"), mustNID(t, "10.0.0.3@tcp")
	gni1, gni2 := mustNet(t, "gni1"), mustNet(t, "gni2")

	for _, net := range []proto.Net{gni1, gni2} {
		for _, gw := range []proto.NID{gw2, gw3} {
			require.NoError(t, ln.AddRoute(ctx, net, 1, gw, 0))
		}
	}
	require.Len(t, ln.Routes(), 4)
	require.Equal(t, 2, ln.routers.Len())

	require.NoError(t, ln.DelRoute(ctx, proto.NetAny, gw2))
	routes := ln.Routes()
	require.Len(t, routes, 2)
	for _, r := range routes {
		require.Equal(t, gw3, r.Gateway)
	}
	require.Equal(t, 1, ln.routers.Len())

	require.NoError(t, ln.DelRoute(ctx, gni1, proto.NIDAny))
	require.Len(t, ln.Routes(), 1)
	require.NoError(t, ln.DelRoute(ctx, proto.NetAny, proto.NIDAny))
	require.Empty(t, ln.Routes())
	require.Equal(t, 0, ln.routers.Len())
}

func TestRouteGoesWithNI(t *testing.T) {
	ctx := context.Background()
	ln, _ := newRoutedLNet(t)
	_, err := ln.AddNI(ctx, &NIConfig{Net: "tcp1", Addr: "10.0.1.1"})
	require.NoError(t, err)
	require.NoError(t, ln.AddRoute(ctx, mustNet(t, "gni1"), 1, mustNID(t, "10.0.1.2@tcp1"), 0))
	require.NoError(t, ln.AddRoute(ctx, mustNet(t, "gni2"), 1, mustNID(t, "10.0.0.2@tcp"), 0))

	require.NoError(t, ln.DelNI(ctx, mustNet(t, "tcp1")))
	routes := ln.Routes()
	require.Len(t, routes, 1)
	require.Equal(t, mustNet(t, "gni2"), routes[0].Net)
}

func TestRouteValidate(t *testing.T) {
	ctx := context.Background()
	ln, _ := newRoutedLNet(t)
	_, err := ln.AddNI(ctx, &NIConfig{Net: "tcp1", Addr: "10.0.1.1"})
	require.NoError(t, err)
	gni1 := mustNet(t, "gni1")

	require.NoError(t, ln.AddRoute(ctx, gni1, 1, mustNID(t, "10.0.0.2@tcp"), 0))
	require.NoError(t, ln.AddRoute(ctx, gni1, 1, mustNID(t, "10.0.0.3@tcp"), 0))
	require.NoError(t, ln.ValidateRoutes(ctx))
	require.NoError(t, ln.AddRoute(ctx, gni1, 1, mustNID(t, "10.0.1.2@tcp1"), 0))
	require.ErrorIs(t, ln.ValidateRoutes(ctx), apierrors.ErrRouteConflict)

	lnd := newHoldLND(proto.NetTypeTCP)
	_, err = New(ctx, &Config{
		CPTNumber: 1,
		NIs:       []NIConfig{{Net: "tcp", Addr: "10.0.0.1"}, {Net: "tcp1", Addr: "10.0.1.1"}},
		Routes: []RouteConfig{
			{Net: "gni1", Gateway: "10.0.0.2@tcp"},
			{Net: "gni1", Gateway: "10.0.1.2@tcp1"},
		},
		LNDs: []LND{lnd},
	})
	require.ErrorIs(t, err, apierrors.ErrRouteConflict)
}

func sendVia(t *testing.T, ln *LNet, lnd *holdLND, dst proto.NID) (proto.NID, error) {
	src, _ := bindSource(t, ln, []byte("r"), 1)
	err := ln.Put(context.Background(), proto.NIDAny, src, false, proto.ProcessID{NID: dst, PID: proto.DefaultPID}, 30, 0, 0, 0)
	if err != nil {
		return proto.NIDAny, err
	}
	msg := lnd.next(t)
	require.Equal(t, dst, msg.Header().DestNID)
	gw := msg.Target().NID
	ln.Finalize(msg.txNI, msg, nil)
	return gw, nil
}

func TestRouteRoundRobin(t *testing.T) {
	ctx := context.Background()
	ln, lnd := newRoutedLNet(t)
	gni1 := mustNet(t, "gni1")
	gw2, gw3 := mustNID(t, "10.0.0.2@tcp"), mustNID(t, "10.0.0.3@tcp")
	dst := mustNID(t, "5@gni1")
	require.NoError(t, ln.AddRoute(ctx, gni1, 1, gw2, 0))
	require.NoError(t, ln.AddRoute(ctx, gni1, 1, gw3, 0))

	var used []proto.NID
	for i := 0; i < 6; i++ {
		gw, err := sendVia(t, ln, lnd, dst)
		require.NoError(t, err)
		used = append(used, gw)
	}
	for i := 1; i < len(used); i++ {
		require.NotEqual(t, used[i-1], used[i])
	}

	// a dead gateway is skipped, with none left there is no route
	require.NoError(t, ln.Notify(ctx, proto.NIDAny, gw2, false, time.Now()))
	for i := 0; i < 3; i++ {
		gw, err := sendVia(t, ln, lnd, dst)
		require.NoError(t, err)
		require.Equal(t, gw3, gw)
	}
	require.NoError(t, ln.Notify(ctx, proto.NIDAny, gw3, false, time.Now()))
	_, err := sendVia(t, ln, lnd, dst)
	require.ErrorIs(t, err, apierrors.ErrNoRoute)
	for _, r := range ln.Routes() {
		require.False(t, r.Alive)
	}

	require.NoError(t, ln.Notify(ctx, proto.NIDAny, gw2, true, time.Now()))
	gw, err := sendVia(t, ln, lnd, dst)
	require.NoError(t, err)
	require.Equal(t, gw2, gw)
}

func TestRoutePreference(t *testing.T) {
	ctx := context.Background()
	ln, lnd := newRoutedLNet(t)
	gw2, gw3, gw4 := mustNID(t, "10.0.0.2@tcp"), mustNID(t, "10.0.0.3@tcp"), mustNID(t, "10.0.0.4@tcp")

	// fewer hops win over priority
	gni1 := mustNet(t, "gni1")
	require.NoError(t, ln.AddRoute(ctx, gni1, 2, gw2, 0))
	require.NoError(t, ln.AddRoute(ctx, gni1, 1, gw3, 5))
	// then the lower priority value
	gni2 := mustNet(t, "gni2")
	require.NoError(t, ln.AddRoute(ctx, gni2, 1, gw3, 1))
	require.NoError(t, ln.AddRoute(ctx, gni2, 1, gw4, 0))

	for i := 0; i < 3; i++ {
		gw, err := sendVia(t, ln, lnd, mustNID(t, "7@gni1"))
		require.NoError(t, err)
		require.Equal(t, gw3, gw)
		gw, err = sendVia(t, ln, lnd, mustNID(t, "7@gni2"))
		require.NoError(t, err)
		require.Equal(t, gw4, gw)
	}
}

func TestRouteCompare(t *testing.T) {
	a := &RouteCandidate{Hops: 1, Priority: 0, Seq: 3}
	b := &RouteCandidate{Hops: 1, Priority: 0, Seq: 5}
	require.Negative(t, DefaultRouteCompare(a, b))
	require.Positive(t, DefaultRouteCompare(b, a))
	b.Hops = 2
	require.Positive(t, DefaultRouteCompare(b, a))
	b.Hops, b.Priority = 1, -1
	require.Negative(t, DefaultRouteCompare(b, a))

	x := &RouteCandidate{Hops: 1, TxQNob: 100, TxCredits: 8, Seq: 1}
	y := &RouteCandidate{Hops: 1, TxQNob: 10, TxCredits: 8, Seq: 9}
	require.Positive(t, LoadRouteCompare(x, y))
	y.TxQNob = 100
	y.TxCredits = 2
	require.Negative(t, LoadRouteCompare(x, y))
	y.TxCredits = 8
	require.Negative(t, LoadRouteCompare(x, y))
}

func TestRouteDist(t *testing.T) {
	ctx := context.Background()
	ln, _ := newRoutedLNet(t)
	self := mustNID(t, "10.0.0.1@tcp")
	require.NoError(t, ln.AddRoute(ctx, mustNet(t, "gni1"), 3, mustNID(t, "10.0.0.2@tcp"), 0))
	require.NoError(t, ln.AddRoute(ctx, mustNet(t, "gni1"), 2, mustNID(t, "10.0.0.3@tcp"), 0))

	dist, src, order, err := ln.Dist(self)
	require.NoError(t, err)
	require.Equal(t, 0, dist)
	require.Equal(t, self, src)
	require.Equal(t, 1, order)

	dist, src, order, err = ln.Dist(proto.MakeNID(proto.LoNet, 0))
	require.NoError(t, err)
	require.Equal(t, 0, dist)
	require.Equal(t, 0, order)
	require.Equal(t, proto.MakeNID(proto.LoNet, 0), src)

	dist, src, _, err = ln.Dist(mustNID(t, "10.0.0.9@tcp"))
	require.NoError(t, err)
	require.Equal(t, 1, dist)
	require.Equal(t, self, src)

	dist, src, _, err = ln.Dist(mustNID(t, "5@gni1"))
	require.NoError(t, err)
	require.Equal(t, 3, dist)
	require.Equal(t, self, src)

	_, _, _, err = ln.Dist(mustNID(t, "5@gni2"))
	require.ErrorIs(t, err, apierrors.ErrHostUnreachable)
}
