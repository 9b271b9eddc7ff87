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

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/lnet/proto"
)

func (ln *LNet) pingInfo() *proto.PingInfo {
	info := &proto.PingInfo{
		Magic:    proto.PingMagic,
		Features: proto.PingFeatBase | proto.PingFeatNIStatus,
		PID:      ln.pid,
	}
	c := ln.cpts.Current()
	ln.netLock.Lock(c)
	for _, ni := range ln.niList {
		status := proto.NIStatusDown
		if ni.up() {
			status = proto.NIStatusUp
		}
		info.NIs = append(info.NIs, proto.NIStatus{NID: ni.nid, Status: status})
	}
	ln.netLock.Unlock(c)
	return info
}

// attachPingTargetLocked publishes the status of the local NIs on the
// reserved portal, where gateways' peers fetch it with a GET.
func (ln *LNet) attachPingTargetLocked(ctx context.Context) (proto.HandleME, error) {
	meh, err := ln.MEAttach(proto.ReservedPortal, proto.ProcessIDAny, proto.PingMatchBits, 0,
		proto.Retain, proto.InsAfter)
	if err != nil {
		return proto.InvalidHandleME, err
	}
	_, err = ln.MDAttach(ctx, meh, proto.MD{
		Start:     ln.pingInfo().Marshal(),
		Threshold: proto.MDThreshInf,
		Options:   proto.MDOpGet | proto.MDTruncate,
	}, proto.Retain)
	if err != nil {
		ln.MEUnlink(meh)
		return proto.InvalidHandleME, err
	}
	return meh, nil
}

func (ln *LNet) setupPingTarget(ctx context.Context) error {
	ln.pingLock.Lock()
	defer ln.pingLock.Unlock()
	meh, err := ln.attachPingTargetLocked(ctx)
	if err != nil {
		trace.SpanFromContextSafe(ctx).Errorf("setup ping target failed: %s", err)
		return err
	}
	ln.pingMEHandle = meh
	return nil
}

// refreshPingTarget replaces the published ping info after the NI set
// changed. Nothing happens before the target is set up or after teardown.
func (ln *LNet) refreshPingTarget(ctx context.Context) {
	ln.pingLock.Lock()
	defer ln.pingLock.Unlock()
	if ln.pingMEHandle.IsInvalid() {
		return
	}
	meh, err := ln.attachPingTargetLocked(ctx)
	if err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("refresh ping target failed: %s", err)
		return
	}
	ln.MEUnlink(ln.pingMEHandle)
	ln.pingMEHandle = meh
}

func (ln *LNet) teardownPingTarget() {
	ln.pingLock.Lock()
	defer ln.pingLock.Unlock()
	if ln.pingMEHandle.IsInvalid() {
		return
	}
	ln.MEUnlink(ln.pingMEHandle)
	ln.pingMEHandle = proto.InvalidHandleME
}
