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

package cpt

import "sync"

type paddedMutex struct {
	sync.Mutex
	_ [56]byte
}

// PercptLock is one mutex per partition. Exclusive holders take all of them
// in index order, so they never deadlock against single partition holders.
type PercptLock struct {
	locks []paddedMutex
}

func NewPercptLock(number int) *PercptLock {
	return &PercptLock{locks: make([]paddedMutex, number)}
}

func (l *PercptLock) Lock(index int) {
	if index == Exclusive {
		for i := range l.locks {
			l.locks[i].Lock()
		}
		return
	}
	l.locks[index].Lock()
}

func (l *PercptLock) Unlock(index int) {
	if index == Exclusive {
		for i := len(l.locks) - 1; i >= 0; i-- {
			l.locks[i].Unlock()
		}
		return
	}
	l.locks[index].Unlock()
}

func (l *PercptLock) Number() int { return len(l.locks) }
