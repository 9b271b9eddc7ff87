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

import "strconv"

type (
	HandleEQ struct{ Cookie uint64 }
	HandleMD struct{ Cookie uint64 }
	HandleME struct{ Cookie uint64 }
)

var (
	InvalidHandleEQ = HandleEQ{Cookie: InvalidCookie}
	InvalidHandleMD = HandleMD{Cookie: InvalidCookie}
	InvalidHandleME = HandleME{Cookie: InvalidCookie}
)

// The zero handle is invalid too, live cookies never have generation 0.
func (h HandleEQ) IsInvalid() bool { return isInvalidCookie(h.Cookie) }
func (h HandleMD) IsInvalid() bool { return isInvalidCookie(h.Cookie) }
func (h HandleME) IsInvalid() bool { return isInvalidCookie(h.Cookie) }

func isInvalidCookie(cookie uint64) bool { return cookie == 0 || cookie == InvalidCookie }

func (h HandleMD) String() string { return "md:" + strconv.FormatUint(h.Cookie, 16) }

// WireHandle names an MD of a remote LNet instance.
type WireHandle struct {
	InterfaceCookie uint64
	ObjectCookie    uint64
}

var WireHandleNone = WireHandle{InterfaceCookie: InvalidCookie, ObjectCookie: InvalidCookie}

func (w WireHandle) IsNone() bool { return w.ObjectCookie == InvalidCookie }

// MDOptions controls how an MD may be matched.
type MDOptions uint32

const (
	MDOpPut MDOptions = 1 << iota
	MDOpGet
	MDManageRemote
	MDTruncate
	MDAckDisable
	MDIOVec
	MDKIOV
	MDMaxSize
)

// Page is one fragment of a KIOV buffer.
type Page struct {
	Data   []byte
	Offset int
	Length int
}

// MD describes an application buffer. Exactly one of Start, Iov or Kiov is
// used, picked by MDIOVec / MDKIOV in Options.
type MD struct {
	Start     []byte
	Iov       [][]byte
	Kiov      []Page
	Threshold int
	MaxSize   int
	Options   MDOptions
	UserPtr   interface{}
	EQ        HandleEQ
}

type EventKind int

const (
	EventGet EventKind = iota + 1
	EventPut
	EventReply
	EventAck
	EventSend
	EventUnlink
)

var eventKindNames = [...]string{"", "GET", "PUT", "REPLY", "ACK", "SEND", "UNLINK"}

func (k EventKind) String() string {
	if k <= 0 || int(k) >= len(eventKindNames) {
		return "UNKNOWN"
	}
	return eventKindNames[k]
}

// Event is what an EQ delivers.
type Event struct {
	Kind      EventKind
	Target    ProcessID
	Initiator ProcessID
	Sender    NID
	PtIndex   uint32
	MatchBits MatchBits
	RLength   int
	MLength   int
	Offset    int
	MDHandle  HandleMD
	UserPtr   interface{}
	Threshold int
	HdrData   uint64
	Status    error
	Unlinked  bool
	Sequence  uint64
}

type MsgType int

const (
	MsgAck MsgType = iota
	MsgPut
	MsgGet
	MsgReply
	MsgHello
)

var msgTypeNames = [...]string{"ACK", "PUT", "GET", "REPLY", "HELLO"}

func (t MsgType) String() string {
	if t < 0 || int(t) >= len(msgTypeNames) {
		return "<UNKNOWN>"
	}
	return msgTypeNames[t]
}

type (
	PutHeader struct {
		AckWMD    WireHandle
		MatchBits MatchBits
		HdrData   uint64
		PtlIndex  uint32
		Offset    int
	}
	GetHeader struct {
		ReturnWMD  WireHandle
		MatchBits  MatchBits
		PtlIndex   uint32
		SrcOffset  int
		SinkLength int
	}
	AckHeader struct {
		DstWMD    WireHandle
		MatchBits MatchBits
		MLength   int
	}
	ReplyHeader struct {
		DstWMD WireHandle
	}
)

// Header is the message header an LND carries between peers.
type Header struct {
	Type          MsgType
	DestNID       NID
	SrcNID        NID
	DestPID       PID
	SrcPID        PID
	PayloadLength int

	Put   PutHeader
	Get   GetHeader
	Ack   AckHeader
	Reply ReplyHeader
}
