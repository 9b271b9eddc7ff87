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

func TestPeerNotify(t *testing.T) {
	ctx := context.Background()
	lnd := newHoldLND(proto.NetTypeTCP)
	ln := newTestLNet(t, &Config{
		NIs:                  []NIConfig{{Net: "tcp", Addr: "10.0.0.1", PeerTimeoutS: 60}},
		LNDs:                 []LND{lnd},
		DisableRouterChecker: true,
	})
	now := time.Now()
	ln.now = func() time.Time { return now }

	peer, _ := proto.ParseNID("10.0.0.2@tcp")
	_, err := ln.PeerAlive(peer)
	require.ErrorIs(t, err, apierrors.ErrPeerNotExist)

	// an unknown peer is created for the news
	require.NoError(t, ln.Notify(ctx, proto.NIDAny, peer, false, now))
	alive, err := ln.PeerAlive(peer)
	require.NoError(t, err)
	require.False(t, alive)

	src, srcEQ := bindSource(t, ln, []byte("x"), 1)
	err = ln.Put(ctx, proto.NIDAny, src, false, proto.ProcessID{NID: peer, PID: proto.DefaultPID}, 30, 0, 0, 0)
	require.ErrorIs(t, err, apierrors.ErrHostUnreachable)
	ev := waitEvent(t, ln, srcEQ)
	require.ErrorIs(t, ev.Status, apierrors.ErrHostUnreachable)
	lnd.none(t)
	require.Equal(t, uint32(1), ln.Counters().DropCount)

	// stale news changes nothing
	require.NoError(t, ln.Notify(ctx, proto.NIDAny, peer, true, now.Add(-time.Second)))
	alive, _ = ln.PeerAlive(peer)
	require.False(t, alive)

	require.NoError(t, ln.Notify(ctx, proto.NIDAny, peer, true, now))
	alive, _ = ln.PeerAlive(peer)
	require.True(t, alive)

	peers := ln.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, peer, peers[0].NID)
	require.Equal(t, 2, peers[0].AliveCount)
	require.False(t, peers[0].Router)

	// silence beyond the peer timeout makes it dead
	later := now.Add(2 * time.Minute)
	ln.now = func() time.Time { return later }
	alive, _ = ln.PeerAlive(peer)
	require.False(t, alive)
}

func TestPeerNotifyErrors(t *testing.T) {
	ctx := context.Background()
	lnd := newHoldLND(proto.NetTypeTCP)
	ln := newTestLNet(t, &Config{
		NIs:        []NIConfig{{Net: "tcp", Addr: "10.0.0.1"}},
		LNDs:       []LND{lnd},
		NoAutoDown: true,
	})
	peer, _ := proto.ParseNID("10.0.0.2@tcp")
	local, _ := proto.ParseNID("10.0.0.1@tcp")

	require.ErrorIs(t, ln.Notify(ctx, proto.NIDAny, peer, false, time.Now().Add(time.Hour)), apierrors.ErrInvalidArgs)

	remote, _ := proto.ParseNID("3@gni")
	require.ErrorIs(t, ln.Notify(ctx, proto.NIDAny, remote, false, time.Now()), apierrors.ErrHostUnreachable)
	require.ErrorIs(t, ln.Notify(ctx, local, remote, false, time.Now()), apierrors.ErrInvalidArgs)

	// LND reports of death are ignored with auto down off
	require.NoError(t, ln.Notify(ctx, local, peer, false, time.Now()))
	_, err := ln.PeerAlive(peer)
	require.ErrorIs(t, err, apierrors.ErrPeerNotExist)
}

func TestPeerGoesWithNI(t *testing.T) {
	ctx := context.Background()
	lnd := newHoldLND(proto.NetTypeTCP)
	ln := newTestLNet(t, &Config{
		NIs:  []NIConfig{{Net: "tcp", Addr: "10.0.0.1"}},
		LNDs: []LND{lnd},
	})
	peer, _ := proto.ParseNID("10.0.0.2@tcp")
	require.NoError(t, ln.Notify(ctx, proto.NIDAny, peer, true, time.Now()))
	require.Len(t, ln.Peers(), 1)

	require.NoError(t, ln.DelNI(ctx, peer.Net()))
	require.Empty(t, ln.Peers())
	_, err := ln.PeerAlive(peer)
	require.ErrorIs(t, err, apierrors.ErrPeerNotExist)
}
