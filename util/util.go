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

package util

import (
	"os"

	"github.com/google/uuid"
)

// GenTmpPath create a temporary path
func GenTmpPath() (string, error) {
	id := uuid.NewString()
	path := os.TempDir() + "/" + id
	if err := os.RemoveAll(path); err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// SliceSegments returns the n bytes of segs starting at offset, sharing
// memory with segs.
func SliceSegments(segs [][]byte, offset, n int) [][]byte {
	var out [][]byte
	for _, seg := range segs {
		if n <= 0 {
			break
		}
		if offset >= len(seg) {
			offset -= len(seg)
			continue
		}
		seg = seg[offset:]
		offset = 0
		if len(seg) > n {
			seg = seg[:n]
		}
		out = append(out, seg)
		n -= len(seg)
	}
	return out
}

// CopySegments copies from src into dst until either runs out and
// returns the number of bytes copied.
func CopySegments(dst, src [][]byte) int {
	total := 0
	var d, s []byte
	for {
		for len(d) == 0 && len(dst) > 0 {
			d, dst = dst[0], dst[1:]
		}
		for len(s) == 0 && len(src) > 0 {
			s, src = src[0], src[1:]
		}
		if len(d) == 0 || len(s) == 0 {
			return total
		}
		n := copy(d, s)
		d, s = d[n:], s[n:]
		total += n
	}
}

// SegmentsLen sums the lengths of segs.
func SegmentsLen(segs [][]byte) int {
	n := 0
	for _, seg := range segs {
		n += len(seg)
	}
	return n
}
