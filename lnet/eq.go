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
	"math/bits"

	"github.com/docker/go-events"

	"github.com/cubefs/lnet/cpt"
	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/proto"
	"github.com/cubefs/lnet/resource"
)

// eq is a ring of events plus an optional sink. Ring and sequences are
// guarded by eqWaitLock, refs by the resource lock of each partition.
type eq struct {
	resource.Handle

	size   uint64
	events []proto.Event
	enqSeq uint64
	deqSeq uint64
	refs   []int
	sink   *events.Queue
}

// EQAlloc creates an event queue holding count events, rounded up to a
// power of two. Events are also written to sink when it is not nil, from a
// goroutine of its own. A queue without room needs a sink.
func (ln *LNet) EQAlloc(count uint, sink events.Sink) (proto.HandleEQ, error) {
	if count == 0 && sink == nil {
		return proto.InvalidHandleEQ, apierrors.ErrInvalidArgs
	}
	if count > 1<<31 {
		return proto.InvalidHandleEQ, apierrors.ErrInvalidArgs
	}
	if count > 1 && count&(count-1) != 0 {
		count = 1 << bits.Len(count)
	}
	e := &eq{
		size:   uint64(count),
		enqSeq: 1,
		deqSeq: 1,
		refs:   make([]int, ln.cpts.Number()),
	}
	if count > 0 {
		e.events = make([]proto.Event, count)
	}
	if sink != nil {
		e.sink = events.NewQueue(sink)
	}

	ln.resLock.Lock(cpt.Exclusive)
	ln.eqWaitLock.Lock()
	err := ln.eqs.Initialize(e)
	ln.eqWaitLock.Unlock()
	ln.resLock.Unlock(cpt.Exclusive)
	if err != nil {
		if e.sink != nil {
			e.sink.Close()
		}
		return proto.InvalidHandleEQ, err
	}
	return proto.HandleEQ{Cookie: e.Cookie}, nil
}

// EQFree releases an event queue no MD refers to any more.
func (ln *LNet) EQFree(h proto.HandleEQ) error {
	ln.resLock.Lock(cpt.Exclusive)
	ln.eqWaitLock.Lock()
	e := ln.lookupEQ(h)
	if e == nil {
		ln.eqWaitLock.Unlock()
		ln.resLock.Unlock(cpt.Exclusive)
		return apierrors.ErrInvalidHandle
	}
	for _, ref := range e.refs {
		if ref != 0 {
			ln.eqWaitLock.Unlock()
			ln.resLock.Unlock(cpt.Exclusive)
			return apierrors.ErrBusy
		}
	}
	ln.eqs.Invalidate(e)
	ln.eqWaitLock.Unlock()
	ln.resLock.Unlock(cpt.Exclusive)

	if e.sink != nil {
		e.sink.Close()
	}
	return nil
}

// lookupEQ needs the resource lock of any partition or eqWaitLock.
func (ln *LNet) lookupEQ(h proto.HandleEQ) *eq {
	obj := ln.eqs.Lookup(h.Cookie)
	if obj == nil {
		return nil
	}
	return obj.(*eq)
}

// eqEnqueue posts ev. The caller holds a resource lock.
func (ln *LNet) eqEnqueue(e *eq, ev *proto.Event) {
	ln.eqWaitLock.Lock()
	ev.Sequence = e.enqSeq
	e.enqSeq++
	if e.size > 0 {
		e.events[ev.Sequence&(e.size-1)] = *ev
	}
	if e.sink != nil {
		e.sink.Write(*ev)
	}
	close(ln.eqWaitCh)
	ln.eqWaitCh = make(chan struct{})
	ln.eqWaitLock.Unlock()
}

// dequeueLocked takes the next event. ErrEQDropped comes with the oldest
// surviving event when the ring wrapped over unread ones.
func (e *eq) dequeueLocked() (proto.Event, error) {
	if e.size == 0 {
		return proto.Event{}, apierrors.ErrEQEmpty
	}
	ev := &e.events[e.deqSeq&(e.size-1)]
	if int64(e.deqSeq-ev.Sequence) > 0 {
		return proto.Event{}, apierrors.ErrEQEmpty
	}
	out := *ev
	var err error
	if e.deqSeq != ev.Sequence {
		err = apierrors.ErrEQDropped
	}
	e.deqSeq = ev.Sequence + 1
	return out, err
}

// EQGet returns the next event of h without waiting.
func (ln *LNet) EQGet(h proto.HandleEQ) (proto.Event, error) {
	ln.eqWaitLock.Lock()
	defer ln.eqWaitLock.Unlock()
	e := ln.lookupEQ(h)
	if e == nil {
		return proto.Event{}, apierrors.ErrInvalidHandle
	}
	return e.dequeueLocked()
}

// EQPoll waits for an event on any of eqs until ctx is done and returns it
// with the index of its queue. Queues are tried in order.
func (ln *LNet) EQPoll(ctx context.Context, eqs []proto.HandleEQ) (proto.Event, int, error) {
	if len(eqs) == 0 {
		return proto.Event{}, -1, apierrors.ErrInvalidArgs
	}
	for {
		ln.eqWaitLock.Lock()
		for i, h := range eqs {
			e := ln.lookupEQ(h)
			if e == nil {
				ln.eqWaitLock.Unlock()
				return proto.Event{}, -1, apierrors.ErrInvalidHandle
			}
			ev, err := e.dequeueLocked()
			if err != apierrors.ErrEQEmpty {
				ln.eqWaitLock.Unlock()
				return ev, i, err
			}
		}
		ch := ln.eqWaitCh
		ln.eqWaitLock.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return proto.Event{}, -1, apierrors.ErrEQEmpty
		}
	}
}
