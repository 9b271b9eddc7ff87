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

package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNID(t *testing.T) {
	nid, err := ParseNID("192.168.1.20@tcp1")
	require.NoError(t, err)
	require.Equal(t, MakeNet(NetTypeTCP, 1), nid.Net())
	require.Equal(t, uint32(192<<24|168<<16|1<<8|20), nid.Addr())
	require.Equal(t, "192.168.1.20@tcp1", nid.String())

	nid, err = ParseNID("0@lo")
	require.NoError(t, err)
	require.Equal(t, LoNet, nid.Net())
	require.Equal(t, "0@lo", nid.String())

	_, err = ParseNID("10.0.0.1")
	require.ErrorIs(t, err, ErrInvalidNID)
	_, err = ParseNID("10.0.0.1@foo")
	require.ErrorIs(t, err, ErrInvalidNID)
	_, err = ParseNID("10.0.0@o2ib")
	require.ErrorIs(t, err, ErrInvalidNID)
}

func TestParseNet(t *testing.T) {
	n, err := ParseNet("o2ib3")
	require.NoError(t, err)
	require.Equal(t, NetTypeO2IB, n.Type())
	require.Equal(t, uint16(3), n.Num())
	require.Equal(t, "o2ib3", n.String())

	n, err = ParseNet("tcp")
	require.NoError(t, err)
	require.Equal(t, "tcp", n.String())
}

func TestNIDText(t *testing.T) {
	nid := MakeNID(MakeNet(NetTypeO2IB, 0), 10<<24|1)
	b, err := nid.MarshalText()
	require.NoError(t, err)
	var got NID
	require.NoError(t, got.UnmarshalText(b))
	require.Equal(t, nid, got)

	b, err = NIDAny.MarshalText()
	require.NoError(t, err)
	require.NoError(t, got.UnmarshalText(b))
	require.Equal(t, NIDAny, got)
	require.NoError(t, got.UnmarshalText([]byte("*")))
	require.Equal(t, NIDAny, got)
	require.Error(t, got.UnmarshalText([]byte("1@nonet")))

	var net Net
	b, err = NetAny.MarshalText()
	require.NoError(t, err)
	require.NoError(t, net.UnmarshalText(b))
	require.Equal(t, NetAny, net)
}

func TestPingInfo(t *testing.T) {
	info := &PingInfo{
		Magic:    PingMagic,
		Features: PingFeatBase | PingFeatNIStatus,
		PID:      DefaultPID,
		NIs: []NIStatus{
			{NID: MakeNID(LoNet, 0), Status: NIStatusUp},
			{NID: MakeNID(MakeNet(NetTypeTCP, 0), 1), Status: NIStatusDown},
		},
	}
	b := info.Marshal()
	require.Equal(t, PingInfoSize(2), len(b))

	got := &PingInfo{}
	require.NoError(t, got.Unmarshal(b))
	require.Equal(t, info, got)

	// truncated buffer keeps only the complete statuses
	got = &PingInfo{}
	require.NoError(t, got.Unmarshal(b[:PingInfoSize(1)+3]))
	require.Len(t, got.NIs, 1)

	require.ErrorIs(t, got.Unmarshal(make([]byte, PingInfoSize(0))), ErrInvalidPingInfo)
}
