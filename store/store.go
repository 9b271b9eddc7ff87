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

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/lnet/common/kvstore"
	"github.com/cubefs/lnet/lnet"
	"github.com/cubefs/lnet/proto"
)

const CF = "config"

var (
	niKeyPrefix     = []byte("n")
	routeKeyPrefix  = []byte("r")
	portalKeyPrefix = []byte("p")
	ruleKeyPrefix   = []byte("d")
	keyInfix        = []byte("/")
)

type Config struct {
	Path     string         `json:"path"`
	KVOption kvstore.Option `json:"kv_option"`
}

// Store keeps the configuration changed at runtime so that a restarted
// node comes back with the same NIs, routes, lazy portals and drop rules.
type Store struct {
	kvStore       kvstore.Store
	keysGenerator *keysGenerator
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	opt := cfg.KVOption
	opt.CreateIfMissing = true
	opt.ColumnFamily = append(opt.ColumnFamily, CF)
	kvStore, err := kvstore.NewKVStore(ctx, cfg.Path+"/kv", kvstore.RocksdbLsmKVType, &opt)
	if err != nil {
		return nil, err
	}
	return &Store{kvStore: kvStore, keysGenerator: &keysGenerator{}}, nil
}

func (s *Store) Close() {
	if err := s.kvStore.FlushCF(context.Background(), CF); err != nil {
		log.Warnf("flush %s before close failed: %s", CF, err)
	}
	s.kvStore.Close()
}

func (s *Store) PutNI(ctx context.Context, cfg *lnet.NIConfig) error {
	net, err := proto.ParseNet(cfg.Net)
	if err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, CF, s.keysGenerator.encodeNIKey(net), data)
}

func (s *Store) DeleteNI(ctx context.Context, net proto.Net) error {
	return s.kvStore.Delete(ctx, CF, s.keysGenerator.encodeNIKey(net))
}

func (s *Store) ListNIs(ctx context.Context) (ret []lnet.NIConfig, err error) {
	err = s.list(ctx, niKeyPrefix, func(_, value []byte) error {
		var cfg lnet.NIConfig
		if err := json.Unmarshal(value, &cfg); err != nil {
			return err
		}
		ret = append(ret, cfg)
		return nil
	})
	return
}

func (s *Store) PutRoute(ctx context.Context, cfg *lnet.RouteConfig) error {
	net, err := proto.ParseNet(cfg.Net)
	if err != nil {
		return err
	}
	gw, err := proto.ParseNID(cfg.Gateway)
	if err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, CF, s.keysGenerator.encodeRouteKey(net, gw), data)
}

// DeleteRoutes removes the stored routes to net through gw, NetAny and
// NIDAny match every net or gateway.
func (s *Store) DeleteRoutes(ctx context.Context, net proto.Net, gw proto.NID) (int, error) {
	return s.deleteRoutes(ctx, func(n proto.Net, g proto.NID) bool {
		return (net == proto.NetAny || net == n) && (gw == proto.NIDAny || gw == g)
	})
}

// DeleteRoutesVia removes the stored routes whose gateway is on net.
func (s *Store) DeleteRoutesVia(ctx context.Context, net proto.Net) (int, error) {
	return s.deleteRoutes(ctx, func(_ proto.Net, g proto.NID) bool {
		return g.Net() == net
	})
}

func (s *Store) deleteRoutes(ctx context.Context, match func(proto.Net, proto.NID) bool) (int, error) {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()

	err := s.list(ctx, routeKeyPrefix, func(key, _ []byte) error {
		if match(s.keysGenerator.decodeRouteKey(key)) {
			batch.Delete(CF, key)
		}
		return nil
	})
	if err != nil || batch.Count() == 0 {
		return 0, err
	}
	return batch.Count(), s.kvStore.Write(ctx, batch)
}

func (s *Store) ListRoutes(ctx context.Context) (ret []lnet.RouteConfig, err error) {
	err = s.list(ctx, routeKeyPrefix, func(_, value []byte) error {
		var cfg lnet.RouteConfig
		if err := json.Unmarshal(value, &cfg); err != nil {
			return err
		}
		ret = append(ret, cfg)
		return nil
	})
	return
}

func (s *Store) SetLazyPortal(ctx context.Context, index uint32, lazy bool) error {
	key := s.keysGenerator.encodePortalKey(index)
	if !lazy {
		return s.kvStore.Delete(ctx, CF, key)
	}
	return s.kvStore.SetRaw(ctx, CF, key, []byte{1})
}

func (s *Store) ListLazyPortals(ctx context.Context) (ret []uint32, err error) {
	err = s.list(ctx, portalKeyPrefix, func(key, _ []byte) error {
		ret = append(ret, binary.BigEndian.Uint32(key[len(key)-4:]))
		return nil
	})
	return
}

func (s *Store) PutDropRule(ctx context.Context, rule *lnet.DropRule) error {
	r := *rule
	r.Matched, r.Dropped = 0, 0
	data, err := json.Marshal(&r)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, CF, s.keysGenerator.encodeRuleKey(&r), data)
}

// DeleteDropRules removes the stored rules from src to dst, NIDAny matches
// every NID.
func (s *Store) DeleteDropRules(ctx context.Context, src, dst proto.NID) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()

	err := s.list(ctx, ruleKeyPrefix, func(key, value []byte) error {
		var r lnet.DropRule
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		if (src == proto.NIDAny || src == r.Src) && (dst == proto.NIDAny || dst == r.Dst) {
			batch.Delete(CF, key)
		}
		return nil
	})
	if err != nil || batch.Count() == 0 {
		return err
	}
	return s.kvStore.Write(ctx, batch)
}

func (s *Store) ListDropRules(ctx context.Context) (ret []lnet.DropRule, err error) {
	err = s.list(ctx, ruleKeyPrefix, func(_, value []byte) error {
		var r lnet.DropRule
		if err := json.Unmarshal(value, &r); err != nil {
			return err
		}
		ret = append(ret, r)
		return nil
	})
	return
}

// Apply merges the stored configuration into cfg. Stored NIs and routes
// replace configured ones of the same net and gateway. The drop rules
// come back for the caller to install once the instance runs.
func (s *Store) Apply(ctx context.Context, cfg *lnet.Config) ([]lnet.DropRule, error) {
	span := trace.SpanFromContextSafe(ctx)

	nis, err := s.ListNIs(ctx)
	if err != nil {
		return nil, err
	}
	for _, ni := range nis {
		replaced := false
		for i := range cfg.NIs {
			if cfg.NIs[i].Net == ni.Net {
				cfg.NIs[i], replaced = ni, true
			}
		}
		if !replaced {
			cfg.NIs = append(cfg.NIs, ni)
		}
	}

	routes, err := s.ListRoutes(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range routes {
		replaced := false
		for i := range cfg.Routes {
			if cfg.Routes[i].Net == r.Net && cfg.Routes[i].Gateway == r.Gateway {
				cfg.Routes[i], replaced = r, true
			}
		}
		if !replaced {
			cfg.Routes = append(cfg.Routes, r)
		}
	}

	portals, err := s.ListLazyPortals(ctx)
	if err != nil {
		return nil, err
	}
	for _, index := range portals {
		found := false
		for _, p := range cfg.LazyPortals {
			found = found || p == index
		}
		if !found {
			cfg.LazyPortals = append(cfg.LazyPortals, index)
		}
	}

	rules, err := s.ListDropRules(ctx)
	if err != nil {
		return nil, err
	}
	span.Infof("stored config applied, nis: %d, routes: %d, lazy portals: %d, drop rules: %d",
		len(nis), len(routes), len(portals), len(rules))
	return rules, nil
}

func (s *Store) list(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	lr := s.kvStore.List(ctx, CF, s.keysGenerator.encodePrefix(prefix))
	defer lr.Close()

	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			return err
		}
		if key == nil {
			return nil
		}
		if err = fn(key, value); err != nil {
			return err
		}
	}
}

type keysGenerator struct{}

func (k *keysGenerator) encodePrefix(prefix []byte) []byte {
	ret := make([]byte, len(prefix)+len(keyInfix))
	copy(ret, prefix)
	copy(ret[len(prefix):], keyInfix)
	return ret
}

func (k *keysGenerator) encodeNIKey(net proto.Net) []byte {
	ret := make([]byte, len(niKeyPrefix)+len(keyInfix)+4)
	copy(ret, k.encodePrefix(niKeyPrefix))
	binary.BigEndian.PutUint32(ret[len(ret)-4:], uint32(net))
	return ret
}

func (k *keysGenerator) encodeRouteKey(net proto.Net, gw proto.NID) []byte {
	ret := make([]byte, len(routeKeyPrefix)+len(keyInfix)+4+len(keyInfix)+8)
	copy(ret, k.encodePrefix(routeKeyPrefix))
	binary.BigEndian.PutUint32(ret[len(routeKeyPrefix)+len(keyInfix):], uint32(net))
	copy(ret[len(ret)-8-len(keyInfix):], keyInfix)
	binary.BigEndian.PutUint64(ret[len(ret)-8:], uint64(gw))
	return ret
}

func (k *keysGenerator) decodeRouteKey(key []byte) (proto.Net, proto.NID) {
	net := binary.BigEndian.Uint32(key[len(routeKeyPrefix)+len(keyInfix):])
	gw := binary.BigEndian.Uint64(key[len(key)-8:])
	return proto.Net(net), proto.NID(gw)
}

func (k *keysGenerator) encodePortalKey(index uint32) []byte {
	ret := make([]byte, len(portalKeyPrefix)+len(keyInfix)+4)
	copy(ret, k.encodePrefix(portalKeyPrefix))
	binary.BigEndian.PutUint32(ret[len(ret)-4:], index)
	return ret
}

func (k *keysGenerator) encodeRuleKey(r *lnet.DropRule) []byte {
	ret := make([]byte, len(ruleKeyPrefix)+len(keyInfix)+8+8+8+4)
	copy(ret, k.encodePrefix(ruleKeyPrefix))
	off := len(ruleKeyPrefix) + len(keyInfix)
	binary.BigEndian.PutUint64(ret[off:], uint64(r.Src))
	binary.BigEndian.PutUint64(ret[off+8:], uint64(r.Dst))
	binary.BigEndian.PutUint64(ret[off+16:], r.PortalMask)
	binary.BigEndian.PutUint32(ret[off+24:], r.MsgMask)
	return ret
}
