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

/*

# LNet: the message passing core of the CubeFS network stack

## Model

* NID, <network:32><address:32>, names one interface of one node. A network
  is <type:16><number:16>, e.g. tcp1 or o2ib.

* NI, a local network interface bound to one LND (the network driver).
  The loopback NI 0@lo always exists.

* Peer, a remote NID reached through one NI, with its own tx credits.

* Portal, an index into the portal table. Incoming PUT and GET messages
  are matched against the match entries (ME) attached to the portal; a
  matched ME exposes a memory descriptor (MD) that the data lands in.

* EQ, event queue, where the completion of every operation on an MD is
  reported.

* Route, <remote network, gateway NID, hops, priority>. Messages for a
  network with no local NI go through the best alive gateway.

## Layout

* cpt, the CPU partition table and the per partition / exclusive locks

* resource, the handle containers and cookies behind MD/ME/EQ handles

* lnet, the core: NIs, peers, portals, match engine, message lifecycle,
  routing, the router checker, the ping target and the loopback LND

* store, persisted NIs, routes, lazy portals and drop rules on rocksdb

* server, the admin endpoints via gRPC & RESTful API, with metrics and
  audit logging

## Building Blocks

* gRPC
* Rocksdb
* Prometheus

*/

package lnet
