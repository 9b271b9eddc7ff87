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
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/cubefs/lnet/proto"
	"github.com/cubefs/lnet/util"
)

// loLND delivers messages to this instance. The sending msg rides along as
// the private cookie and is finalized together with the receiving one.
type loLND struct {
	pool taskpool.TaskPool
}

func newLoLND(workers int) *loLND {
	return &loLND{pool: taskpool.New(workers, workers)}
}

func (lo *loLND) Type() proto.NetType { return proto.NetTypeLO }

func (lo *loLND) Startup(ni *NI) error { return nil }

func (lo *loLND) Shutdown(ni *NI) {}

func (lo *loLND) Send(ni *NI, msg *Msg) error {
	deliver := func() {
		ln := ni.LNet()
		if err := ln.Parse(ni, msg.Header(), ni.NID(), msg); err != nil {
			ln.Finalize(ni, msg, err)
		}
	}
	if !lo.pool.TryRun(deliver) {
		go deliver()
	}
	return nil
}

func (lo *loLND) Recv(ni *NI, private interface{}, msg *Msg, delayed bool, offset, mlen, rlen int) error {
	sendmsg := private.(*Msg)
	ln := ni.LNet()
	if msg != nil {
		if n := util.CopySegments(msg.Payload(), sendmsg.Payload()); n != mlen {
			log.Warnf("lo copied %d of %d bytes", n, mlen)
		}
		ln.Finalize(ni, msg, nil)
	}
	ln.Finalize(ni, sendmsg, nil)
	return nil
}

func (lo *loLND) close() { lo.pool.Close() }
