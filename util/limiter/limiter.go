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

package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrLimitExceeded = errors.New("limit exceeded")

type (
	// Limiter bounds how many operations run at once and how many start
	// per second. Zero values leave a dimension unlimited.
	Limiter interface {
		Acquire() error
		Release()
		Allow() bool
		Wait(ctx context.Context) error
		SetConcurrency(value uint32)
		SetRate(perSecond int)
		GetConfig() LimitConfig
		Status() Status
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
	LimitConfig struct {
		Concurrency int `json:"concurrency"`
		Rate        int `json:"rate"`
		Burst       int `json:"burst"`
	}
	Status struct {
		Config  LimitConfig `json:"config"`
		Running int         `json:"running"`
		Wait    int         `json:"wait_ms"`
	}
	limiter struct {
		mu         sync.RWMutex
		config     LimitConfig
		countLimit CountLimit
		rate       *rate.Limiter
	}
)

func NewLimiter(cfg LimitConfig) Limiter {
	l := &limiter{config: cfg}
	if cfg.Concurrency > 0 {
		l.countLimit = NewCountLimit(cfg.Concurrency)
	}
	if cfg.Rate > 0 {
		l.rate = rate.NewLimiter(rate.Limit(cfg.Rate), burstOf(cfg))
	}
	return l
}

func burstOf(cfg LimitConfig) int {
	if cfg.Burst > 0 {
		return cfg.Burst
	}
	return cfg.Rate
}

func (l *limiter) Acquire() error {
	l.mu.RLock()
	cl := l.countLimit
	l.mu.RUnlock()
	if cl != nil {
		return cl.Acquire()
	}
	return nil
}

func (l *limiter) Release() {
	l.mu.RLock()
	cl := l.countLimit
	l.mu.RUnlock()
	if cl != nil {
		cl.Release()
	}
}

func (l *limiter) Allow() bool {
	l.mu.RLock()
	r := l.rate
	l.mu.RUnlock()
	return r == nil || r.Allow()
}

func (l *limiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	r := l.rate
	l.mu.RUnlock()
	if r == nil {
		return nil
	}
	return r.Wait(ctx)
}

func (l *limiter) SetConcurrency(value uint32) {
	l.mu.Lock()
	if l.countLimit == nil {
		l.countLimit = NewCountLimit(int(value))
	} else {
		l.countLimit.SetLimit(value)
	}
	l.config.Concurrency = int(value)
	l.mu.Unlock()
}

func (l *limiter) SetRate(perSecond int) {
	l.mu.Lock()
	l.config.Rate = perSecond
	if l.rate == nil {
		l.rate = rate.NewLimiter(rate.Limit(perSecond), burstOf(l.config))
	} else {
		l.rate.SetLimit(rate.Limit(perSecond))
		l.rate.SetBurst(burstOf(l.config))
	}
	l.mu.Unlock()
}

func (l *limiter) GetConfig() LimitConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

func (l *limiter) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := Status{Config: l.config}
	if l.countLimit != nil {
		st.Running = l.countLimit.Running()
	}
	st.Wait = rateWait(l.rate)
	return st
}

func rateWait(r *rate.Limiter) int {
	if r == nil {
		return 0
	}
	now := time.Now()
	reserve := r.ReserveN(now, 1)
	duration := reserve.DelayFrom(now)
	reserve.CancelAt(now)
	return int(duration.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

// NewCountLimit returns limiter with concurrent n
func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *countLimit) Acquire() error {
	if atomic.AddUint32(&l.current, 1) > atomic.LoadUint32(&l.limit) {
		atomic.AddUint32(&l.current, minusOne)
		return ErrLimitExceeded
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}
