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

package errors

import "errors"

var (
	ErrNotFound      = errors.New("object not found or already unlinked")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrInvalidArgs   = errors.New("invalid argument")
	ErrPermission    = errors.New("operation not permitted")
	ErrBusy          = errors.New("resource busy")
	ErrNoSpace       = errors.New("no space left in resource container")
	ErrShutdown      = errors.New("lnet is shutting down")

	ErrMDExhausted = errors.New("memory descriptor exhausted")
	ErrNoMatch     = errors.New("no matching entry")
	ErrTooBig      = errors.New("message too big for memory descriptor")
	ErrCanceled    = errors.New("message canceled by unlink")

	ErrEQEmpty   = errors.New("event queue empty")
	ErrEQDropped = errors.New("event queue overflowed, events dropped")

	ErrNoRoute         = errors.New("no route to network")
	ErrHostUnreachable = errors.New("host unreachable")
	ErrQueueFull       = errors.New("blocked queue limit reached")

	ErrNetExist      = errors.New("network already configured")
	ErrNetNotExist   = errors.New("network not configured")
	ErrRouteExist    = errors.New("route already exists")
	ErrRouteNotExist = errors.New("route does not exist")
	ErrRouteConflict = errors.New("routes to the network via different local nets")
	ErrPeerNotExist  = errors.New("peer does not exist")

	ErrDropped = errors.New("message dropped")
)
