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

const (
	// MaxPortals is the number of portal indexes of an LNet instance.
	MaxPortals = 64
	// ReservedPortal is used by the ping target and the router checker.
	ReservedPortal = 0
	// PingMatchBits selects the ping target MD on the reserved portal.
	PingMatchBits = uint64(0x8000000000000000)

	DefaultPID = PID(12345)

	// MDThreshInf makes an MD match forever.
	MDThreshInf = -1

	CookieTypeBits = 2
	CookieTypeMD   = uint64(1)
	CookieTypeME   = uint64(2)
	CookieTypeEQ   = uint64(3)
	CookieTypeMask = uint64(1)<<CookieTypeBits - 1

	InvalidCookie = ^uint64(0)
)

type (
	PID       = uint32
	MatchBits = uint64
)

// Unlink tells whether an ME/MD goes away on its own.
type Unlink int

const (
	Retain Unlink = iota
	UnlinkAuto
)

// InsPos is the placement of a new ME relative to existing ones.
type InsPos int

const (
	InsBefore InsPos = iota
	InsAfter
)

func (p InsPos) String() string {
	switch p {
	case InsBefore:
		return "before"
	case InsAfter:
		return "after"
	default:
		return "unknown"
	}
}
