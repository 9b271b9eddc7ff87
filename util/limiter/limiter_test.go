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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterConcurrency(t *testing.T) {
	l := NewLimiter(LimitConfig{Concurrency: 1})
	require.NoError(t, l.Acquire())
	require.ErrorIs(t, l.Acquire(), ErrLimitExceeded)

	l.SetConcurrency(2)
	require.NoError(t, l.Acquire())
	require.Equal(t, 2, l.Status().Running)
	l.Release()
	l.Release()
	require.Equal(t, 0, l.Status().Running)
	require.Equal(t, 2, l.GetConfig().Concurrency)
}

func TestLimiterRate(t *testing.T) {
	l := NewLimiter(LimitConfig{Rate: 2})
	require.True(t, l.Allow())
	require.True(t, l.Allow())
	require.False(t, l.Allow())
	require.Greater(t, l.Status().Wait, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx))

	l.SetRate(1000)
	time.Sleep(10 * time.Millisecond)
	require.True(t, l.Allow())
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(LimitConfig{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire())
			require.True(t, l.Allow())
			l.Release()
		}()
	}
	wg.Wait()
	require.Equal(t, 0, l.Status().Running)
	require.Equal(t, 0, l.Status().Wait)
}
