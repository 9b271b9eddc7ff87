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
	"encoding/binary"
	"errors"
)

// status an NI advertises in its ping info
const (
	NIStatusInvalid = uint32(0x00000000)
	NIStatusUp      = uint32(0x15aac0de)
	NIStatusDown    = uint32(0xdeadface)
)

// features a ping target advertises
const (
	PingFeatInval       = uint32(0)
	PingFeatBase        = uint32(1 << 0)
	PingFeatNIStatus    = uint32(1 << 1)
	PingFeatRteDisabled = uint32(1 << 2)
	PingFeatMask        = PingFeatBase | PingFeatNIStatus | PingFeatRteDisabled

	PingMagic = uint32(0x70696e67)

	MaxRouterNIs = 128
)

var ErrInvalidPingInfo = errors.New("invalid ping info")

type NIStatus struct {
	NID    NID    `json:"nid"`
	Status uint32 `json:"status"`
}

// PingInfo is the payload of the ping target MD.
type PingInfo struct {
	Magic    uint32
	Features uint32
	PID      PID
	NIs      []NIStatus
}

const (
	pingHeaderSize = 16
	niStatusSize   = 16
)

func PingInfoSize(nnis int) int {
	return pingHeaderSize + nnis*niStatusSize
}

func (p *PingInfo) Marshal() []byte {
	b := make([]byte, PingInfoSize(len(p.NIs)))
	p.MarshalTo(b)
	return b
}

// MarshalTo encodes into b, which must hold PingInfoSize(len(p.NIs)) bytes.
func (p *PingInfo) MarshalTo(b []byte) int {
	binary.LittleEndian.PutUint32(b[0:], p.Magic)
	binary.LittleEndian.PutUint32(b[4:], p.Features)
	binary.LittleEndian.PutUint32(b[8:], p.PID)
	binary.LittleEndian.PutUint32(b[12:], uint32(len(p.NIs)))
	off := pingHeaderSize
	for _, ns := range p.NIs {
		binary.LittleEndian.PutUint64(b[off:], uint64(ns.NID))
		binary.LittleEndian.PutUint32(b[off+8:], ns.Status)
		off += niStatusSize
	}
	return off
}

func (p *PingInfo) Unmarshal(b []byte) error {
	if len(b) < pingHeaderSize {
		return ErrInvalidPingInfo
	}
	p.Magic = binary.LittleEndian.Uint32(b[0:])
	if p.Magic != PingMagic {
		return ErrInvalidPingInfo
	}
	p.Features = binary.LittleEndian.Uint32(b[4:])
	p.PID = binary.LittleEndian.Uint32(b[8:])
	n := int(binary.LittleEndian.Uint32(b[12:]))
	// a truncated reply only carries the statuses that fit
	if avail := (len(b) - pingHeaderSize) / niStatusSize; n > avail {
		n = avail
	}
	p.NIs = make([]NIStatus, n)
	off := pingHeaderSize
	for i := 0; i < n; i++ {
		p.NIs[i].NID = NID(binary.LittleEndian.Uint64(b[off:]))
		p.NIs[i].Status = binary.LittleEndian.Uint32(b[off+8:])
		off += niStatusSize
	}
	return nil
}
