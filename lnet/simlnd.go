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
	"fmt"
	"sync"

	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
	"github.com/cubefs/lnet/util"
)

// SimFabric is an in-process network of one type. Every LNet instance that
// lists the same fabric among its LNDs can reach the NIs the others bring
// up on it.
type SimFabric struct {
	typ proto.NetType

	mu   sync.RWMutex
	nis  map[proto.NID]*NI
	down map[proto.NID]bool
	sent map[proto.NID]int
}

type simTx struct {
	ni  *NI
	msg *Msg
}

func NewSimFabric(typ proto.NetType) *SimFabric {
	return &SimFabric{
		typ:  typ,
		nis:  make(map[proto.NID]*NI),
		down: make(map[proto.NID]bool),
		sent: make(map[proto.NID]int),
	}
}

func (f *SimFabric) Type() proto.NetType { return f.typ }

func (f *SimFabric) Startup(ni *NI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nis[ni.NID()]; ok {
		return fmt.Errorf("%w: %s already on fabric", apierrors.ErrNetExist, ni.NID())
	}
	f.nis[ni.NID()] = ni
	return nil
}

func (f *SimFabric) Shutdown(ni *NI) {
	f.mu.Lock()
	if f.nis[ni.NID()] == ni {
		delete(f.nis, ni.NID())
	}
	f.mu.Unlock()
}

// SetDown makes nid unreachable, sends to it fail until it is set up.
func (f *SimFabric) SetDown(nid proto.NID, down bool) {
	f.mu.Lock()
	f.down[nid] = down
	f.mu.Unlock()
}

// Sent counts the messages handed to the fabric for nid.
func (f *SimFabric) Sent(nid proto.NID) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sent[nid]
}

func (f *SimFabric) Send(ni *NI, msg *Msg) error {
	dst := msg.Target().NID
	f.mu.Lock()
	f.sent[dst]++
	target, ok := f.nis[dst]
	down := f.down[dst]
	f.mu.Unlock()
	if !ok || down {
		return apierrors.ErrHostUnreachable
	}
	go func() {
		tx := &simTx{ni: ni, msg: msg}
		if err := target.LNet().Parse(target, msg.Header(), ni.NID(), tx); err != nil {
			ni.LNet().Finalize(ni, msg, err)
		}
	}()
	return nil
}

func (f *SimFabric) Recv(ni *NI, private interface{}, msg *Msg, delayed bool, offset, mlen, rlen int) error {
	tx := private.(*simTx)
	if msg != nil {
		util.CopySegments(msg.Payload(), tx.msg.Payload())
		ni.LNet().Finalize(ni, msg, nil)
	}
	tx.ni.LNet().Finalize(tx.ni, tx.msg, nil)
	return nil
}
