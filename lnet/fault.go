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
	"sync"

	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
)

// DropRule drops every Rate-th incoming message from Src to Dst on the
// portals of PortalMask and the types of MsgMask. NIDAny and zero masks
// match everything.
type DropRule struct {
	Src        proto.NID `json:"src"`
	Dst        proto.NID `json:"dst"`
	PortalMask uint64    `json:"portal_mask"`
	MsgMask    uint32    `json:"msg_mask"`
	Rate       uint32    `json:"rate"`

	Matched uint64 `json:"matched"`
	Dropped uint64 `json:"dropped"`
}

type dropRules struct {
	lock  sync.Mutex
	rules []*DropRule
}

func (r *DropRule) match(hdr *proto.Header) bool {
	if r.Src != proto.NIDAny && r.Src != hdr.SrcNID {
		return false
	}
	if r.Dst != proto.NIDAny && r.Dst != hdr.DestNID {
		return false
	}
	if r.MsgMask != 0 && r.MsgMask&(1<<uint(hdr.Type)) == 0 {
		return false
	}
	if r.PortalMask != 0 {
		var index uint32
		switch hdr.Type {
		case proto.MsgPut:
			index = hdr.Put.PtlIndex
		case proto.MsgGet:
			index = hdr.Get.PtlIndex
		default:
			return false
		}
		if index >= 64 || r.PortalMask&(1<<index) == 0 {
			return false
		}
	}
	return true
}

// AddDropRule installs a rule dropping incoming messages to simulate loss.
func (ln *LNet) AddDropRule(rule DropRule) error {
	if rule.Rate == 0 {
		return apierrors.ErrInvalidArgs
	}
	rule.Matched, rule.Dropped = 0, 0
	ln.dropRules.lock.Lock()
	ln.dropRules.rules = append(ln.dropRules.rules, &rule)
	ln.dropRules.lock.Unlock()
	return nil
}

// DelDropRule removes the rules between src and dst, NIDAny for all, and
// returns how many went away.
func (ln *LNet) DelDropRule(src, dst proto.NID) int {
	ln.dropRules.lock.Lock()
	defer ln.dropRules.lock.Unlock()
	n := 0
	kept := ln.dropRules.rules[:0]
	for _, r := range ln.dropRules.rules {
		if (src == proto.NIDAny || src == r.Src) && (dst == proto.NIDAny || dst == r.Dst) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	ln.dropRules.rules = kept
	return n
}

// DropRules returns a copy of the installed rules with their counters.
func (ln *LNet) DropRules() []DropRule {
	ln.dropRules.lock.Lock()
	defer ln.dropRules.lock.Unlock()
	rules := make([]DropRule, 0, len(ln.dropRules.rules))
	for _, r := range ln.dropRules.rules {
		rules = append(rules, *r)
	}
	return rules
}

func (ln *LNet) dropRuleMatch(hdr *proto.Header) bool {
	ln.dropRules.lock.Lock()
	defer ln.dropRules.lock.Unlock()
	for _, r := range ln.dropRules.rules {
		if !r.match(hdr) {
			continue
		}
		r.Matched++
		if r.Matched%uint64(r.Rate) == 0 {
			r.Dropped++
			return true
		}
	}
	return false
}
