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
	"github.com/cubefs/lnet/proto"
)

// LND is a network driver serving the NIs of one network type.
//
// Send hands a committed message to the wire. The driver calls
// LNet.Finalize exactly once when the transmission is done, or returns an
// error without calling it.
//
// Recv is the answer to a delivery the driver made with LNet.Parse: it
// receives mlen bytes of the rlen payload into msg at offset, or discards
// the payload when msg is nil. A non-nil msg must be finalized by the
// driver.
type LND interface {
	Type() proto.NetType
	Startup(ni *NI) error
	Shutdown(ni *NI)
	Send(ni *NI, msg *Msg) error
	Recv(ni *NI, private interface{}, msg *Msg, delayed bool, offset, mlen, rlen int) error
}
