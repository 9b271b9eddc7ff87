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
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var ErrInvalidNID = errors.New("invalid nid")

// NetType is the LND type of a network.
type NetType uint16

const (
	NetTypeQSW   NetType = 1
	NetTypeTCP   NetType = 2
	NetTypeO2IB  NetType = 5
	NetTypeLO    NetType = 9
	NetTypeGNI   NetType = 13
	NetTypeUnset NetType = 0xffff
)

var netTypeNames = map[NetType]string{
	NetTypeQSW:  "elan",
	NetTypeTCP:  "tcp",
	NetTypeO2IB: "o2ib",
	NetTypeLO:   "lo",
	NetTypeGNI:  "gni",
}

func (t NetType) String() string {
	if name, ok := netTypeNames[t]; ok {
		return name
	}
	return "?" + strconv.Itoa(int(t))
}

// Net is <type:16><number:16>.
type Net uint32

const NetAny = Net(0xffffffff)

// LoNet is the network of the loopback NI.
var LoNet = MakeNet(NetTypeLO, 0)

func MakeNet(t NetType, num uint16) Net {
	return Net(uint32(t)<<16 | uint32(num))
}

func (n Net) Type() NetType { return NetType(n >> 16) }

func (n Net) Num() uint16 { return uint16(n) }

func (n Net) String() string {
	if n == NetAny {
		return "<?>"
	}
	if n.Num() == 0 {
		return n.Type().String()
	}
	return n.Type().String() + strconv.Itoa(int(n.Num()))
}

// ParseNet parses names like "tcp", "tcp1", "o2ib3" and "lo".
func ParseNet(s string) (Net, error) {
	s = strings.TrimSpace(s)
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	name, numStr := s[:i], s[i:]
	for t, n := range netTypeNames {
		if n != name {
			continue
		}
		num := 0
		if numStr != "" {
			v, err := strconv.ParseUint(numStr, 10, 16)
			if err != nil {
				return NetAny, fmt.Errorf("%w: %s", ErrInvalidNID, s)
			}
			num = int(v)
		}
		return MakeNet(t, uint16(num)), nil
	}
	return NetAny, fmt.Errorf("%w: unknown net %q", ErrInvalidNID, s)
}

func (n Net) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *Net) UnmarshalText(b []byte) error {
	if s := string(b); s == NetAny.String() || s == "*" {
		*n = NetAny
		return nil
	}
	v, err := ParseNet(string(b))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// NID is <net:32><address:32>.
type NID uint64

const NIDAny = NID(0xffffffffffffffff)

func MakeNID(n Net, addr uint32) NID {
	return NID(uint64(n)<<32 | uint64(addr))
}

func (nid NID) Net() Net { return Net(nid >> 32) }

func (nid NID) Addr() uint32 { return uint32(nid) }

func (nid NID) String() string {
	if nid == NIDAny {
		return "<?>"
	}
	switch nid.Net().Type() {
	case NetTypeTCP, NetTypeO2IB:
		a := nid.Addr()
		return fmt.Sprintf("%d.%d.%d.%d@%s", a>>24, (a>>16)&0xff, (a>>8)&0xff, a&0xff, nid.Net())
	default:
		return strconv.FormatUint(uint64(nid.Addr()), 10) + "@" + nid.Net().String()
	}
}

// ParseNID parses "10.0.0.1@tcp", "0@lo" or "12@gni1".
func ParseNID(s string) (NID, error) {
	idx := strings.LastIndexByte(s, '@')
	if idx <= 0 {
		return NIDAny, fmt.Errorf("%w: %s", ErrInvalidNID, s)
	}
	n, err := ParseNet(s[idx+1:])
	if err != nil {
		return NIDAny, err
	}
	addrStr := s[:idx]
	switch n.Type() {
	case NetTypeTCP, NetTypeO2IB:
		ip := net.ParseIP(addrStr).To4()
		if ip == nil {
			return NIDAny, fmt.Errorf("%w: bad ipv4 address %q", ErrInvalidNID, addrStr)
		}
		return MakeNID(n, uint32(ip[0])<<24|uint32(ip[1])<<16|uint32(ip[2])<<8|uint32(ip[3])), nil
	default:
		v, err := strconv.ParseUint(addrStr, 10, 32)
		if err != nil {
			return NIDAny, fmt.Errorf("%w: bad address %q", ErrInvalidNID, addrStr)
		}
		return MakeNID(n, uint32(v)), nil
	}
}

func (nid NID) MarshalText() ([]byte, error) { return []byte(nid.String()), nil }

func (nid *NID) UnmarshalText(b []byte) error {
	if s := string(b); s == NIDAny.String() || s == "*" {
		*nid = NIDAny
		return nil
	}
	v, err := ParseNID(string(b))
	if err != nil {
		return err
	}
	*nid = v
	return nil
}

// ProcessID addresses an LNet process.
type ProcessID struct {
	NID NID `json:"nid"`
	PID PID `json:"pid"`
}

const PIDAny = PID(0xffffffff)

var ProcessIDAny = ProcessID{NID: NIDAny, PID: PIDAny}

func (id ProcessID) String() string {
	return strconv.FormatUint(uint64(id.PID), 10) + "-" + id.NID.String()
}
