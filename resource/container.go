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

// Package resource keeps live LNet objects in per partition slot maps and
// hands out cookies for them. A cookie is
//
//	<generation:32><slot><cpt:cpt.Bits><type:2>
//
// so a stale or forged cookie fails the lookup instead of reaching freed
// memory.
package resource

import (
	"github.com/cubefs/lnet/cpt"
	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
)

const (
	slotShift = proto.CookieTypeBits + cpt.Bits
	slotBits  = 32 - slotShift
	slotMask  = uint64(1)<<slotBits - 1
	genShift  = 32
	maxGen    = uint32(0xfffffffe)
)

// Handle is embedded by every object stored in a Container.
type Handle struct {
	Cookie uint64
}

func (h *Handle) libHandle() *Handle { return h }

// Object is anything embedding Handle.
type Object interface {
	libHandle() *Handle
}

type slot struct {
	gen uint32
	obj Object
}

// Container holds the objects of one type for one partition. It is not
// locked, callers hold the partition's resource lock.
type Container struct {
	typ   uint64
	cpt   int
	slots []slot
	free  []uint32
	count int
}

func NewContainer(cpt int, typ uint64) *Container {
	return &Container{typ: typ & proto.CookieTypeMask, cpt: cpt}
}

func (c *Container) CPT() int { return c.cpt }

func (c *Container) Len() int { return c.count }

// Initialize stores obj and assigns its cookie.
func (c *Container) Initialize(obj Object) error {
	var idx uint32
	if n := len(c.free); n > 0 {
		idx = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		if uint64(len(c.slots)) > slotMask {
			return apierrors.ErrNoSpace
		}
		idx = uint32(len(c.slots))
		c.slots = append(c.slots, slot{gen: 1})
	}
	s := &c.slots[idx]
	s.obj = obj
	obj.libHandle().Cookie = c.cookie(idx, s.gen)
	c.count++
	return nil
}

// Lookup returns the live object with cookie, or nil.
func (c *Container) Lookup(cookie uint64) Object {
	if cookie&proto.CookieTypeMask != c.typ {
		return nil
	}
	if int((cookie>>proto.CookieTypeBits)&(cpt.MaxNumber-1)) != c.cpt {
		return nil
	}
	idx := (cookie >> slotShift) & slotMask
	if idx >= uint64(len(c.slots)) {
		return nil
	}
	s := &c.slots[idx]
	if s.obj == nil || s.gen != uint32(cookie>>genShift) {
		return nil
	}
	return s.obj
}

// Invalidate unhooks obj from lookups. The cookie inside obj is left as it
// was so it can still be printed.
func (c *Container) Invalidate(obj Object) {
	cookie := obj.libHandle().Cookie
	if c.Lookup(cookie) != obj {
		return
	}
	idx := uint32((cookie >> slotShift) & slotMask)
	s := &c.slots[idx]
	s.obj = nil
	if s.gen >= maxGen {
		s.gen = 1
	} else {
		s.gen++
	}
	c.free = append(c.free, idx)
	c.count--
}

// Range visits live objects until f returns false.
func (c *Container) Range(f func(obj Object) bool) {
	for i := range c.slots {
		if c.slots[i].obj == nil {
			continue
		}
		if !f(c.slots[i].obj) {
			return
		}
	}
}

func (c *Container) cookie(idx, gen uint32) uint64 {
	return uint64(gen)<<genShift | uint64(idx)<<slotShift |
		uint64(c.cpt)<<proto.CookieTypeBits | c.typ
}
