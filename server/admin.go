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

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/lnet"
	"github.com/cubefs/lnet/proto"
)

type (
	Empty struct{}

	RouteArgs struct {
		Net      string `json:"net"`
		Gateway  string `json:"gateway"`
		Hops     int    `json:"hops"`
		Priority int    `json:"priority"`
	}
	DelNIArgs struct {
		Net string `json:"net"`
	}
	LazyPortalArgs struct {
		Index uint32 `json:"index"`
		Lazy  bool   `json:"lazy"`
	}
	NotifyArgs struct {
		// NI is the reporting interface, empty for an administrative report.
		NI    string `json:"ni"`
		NID   string `json:"nid"`
		Alive bool   `json:"alive"`
	}
	DropRuleArgs struct {
		Src        string `json:"src"`
		Dst        string `json:"dst"`
		PortalMask uint64 `json:"portal_mask"`
		MsgMask    uint32 `json:"msg_mask"`
		Rate       uint32 `json:"rate"`
	}
	DelDropRuleArgs struct {
		Src string `json:"src"`
		Dst string `json:"dst"`
	}
	DelDropRuleRet struct {
		Removed int `json:"removed"`
	}

	StatsRet struct {
		PID             proto.PID     `json:"pid"`
		NumCPT          int           `json:"num_cpt"`
		InterfaceCookie uint64        `json:"interface_cookie"`
		Counters        lnet.Counters `json:"counters"`
	}
	ListNIsRet struct {
		NIs []lnet.NIInfo `json:"nis"`
	}
	ListPeersRet struct {
		Peers []lnet.PeerInfo `json:"peers"`
	}
	ListRoutesRet struct {
		Routes []lnet.RouteInfo `json:"routes"`
	}
	ListDropRulesRet struct {
		Rules []lnet.DropRule `json:"rules"`
	}
)

func parseNet(s string) (proto.Net, error) {
	if s == "" || s == "*" {
		return proto.NetAny, nil
	}
	net, err := proto.ParseNet(s)
	if err != nil {
		return proto.NetAny, fmt.Errorf("%w: %s", apierrors.ErrInvalidArgs, err)
	}
	return net, nil
}

func parseNID(s string) (proto.NID, error) {
	if s == "" || s == "*" {
		return proto.NIDAny, nil
	}
	nid, err := proto.ParseNID(s)
	if err != nil {
		return proto.NIDAny, fmt.Errorf("%w: %s", apierrors.ErrInvalidArgs, err)
	}
	return nid, nil
}

func (s *Server) Stats(ctx context.Context) *StatsRet {
	return &StatsRet{
		PID:             s.ln.PID(),
		NumCPT:          s.ln.NumCPT(),
		InterfaceCookie: s.ln.InterfaceCookie(),
		Counters:        s.ln.Counters(),
	}
}

func (s *Server) ListNIs(ctx context.Context) *ListNIsRet {
	return &ListNIsRet{NIs: s.ln.NIs()}
}

func (s *Server) ListPeers(ctx context.Context) *ListPeersRet {
	return &ListPeersRet{Peers: s.ln.Peers()}
}

func (s *Server) ListRoutes(ctx context.Context) *ListRoutesRet {
	return &ListRoutesRet{Routes: s.ln.Routes()}
}

func (s *Server) ListDropRules(ctx context.Context) *ListDropRulesRet {
	return &ListDropRulesRet{Rules: s.ln.DropRules()}
}

func (s *Server) AddRoute(ctx context.Context, args *RouteArgs) error {
	span := trace.SpanFromContextSafe(ctx)
	net, err := parseNet(args.Net)
	if err != nil {
		return err
	}
	gw, err := parseNID(args.Gateway)
	if err != nil {
		return err
	}
	if err = s.ln.AddRoute(ctx, net, args.Hops, gw, args.Priority); err != nil {
		span.Warnf("add route %+v failed: %s", args, err)
		return err
	}
	if err = s.ln.ValidateRoutes(ctx); err != nil {
		span.Warnf("route %+v conflicts, removing it", args)
		s.ln.DelRoute(ctx, net, gw)
		return err
	}
	if s.store == nil || s.ln.IsLocalNet(net) {
		return nil
	}
	cfg := lnet.RouteConfig{Net: net.String(), Gateway: gw.String(), Hops: args.Hops, Priority: args.Priority}
	if err = s.store.PutRoute(ctx, &cfg); err != nil {
		span.Errorf("persist route %+v failed: %s", cfg, errors.Detail(err))
		return err
	}
	return nil
}

func (s *Server) DelRoute(ctx context.Context, args *RouteArgs) error {
	span := trace.SpanFromContextSafe(ctx)
	net, err := parseNet(args.Net)
	if err != nil {
		return err
	}
	gw, err := parseNID(args.Gateway)
	if err != nil {
		return err
	}
	if err = s.ln.DelRoute(ctx, net, gw); err != nil {
		return err
	}
	if s.store == nil {
		return nil
	}
	if _, err = s.store.DeleteRoutes(ctx, net, gw); err != nil {
		span.Errorf("delete stored routes %s via %s failed: %s", net, gw, errors.Detail(err))
		return err
	}
	return nil
}

// CheckRoutes runs one router checker sweep right away.
func (s *Server) CheckRoutes(ctx context.Context) {
	s.ln.CheckRoutes(ctx)
}

func (s *Server) AddNI(ctx context.Context, args *lnet.NIConfig) (*lnet.NIInfo, error) {
	span := trace.SpanFromContextSafe(ctx)
	ni, err := s.ln.AddNI(ctx, args)
	if err != nil {
		span.Warnf("add ni %+v failed: %s", args, err)
		return nil, err
	}
	if s.store != nil {
		if err = s.store.PutNI(ctx, args); err != nil {
			span.Errorf("persist ni %+v failed: %s", args, errors.Detail(err))
			return nil, err
		}
	}
	for _, info := range s.ln.NIs() {
		if info.NID == ni.NID() {
			return &info, nil
		}
	}
	return nil, apierrors.ErrNetNotExist
}

func (s *Server) DelNI(ctx context.Context, args *DelNIArgs) error {
	net, err := parseNet(args.Net)
	if err != nil {
		return err
	}
	if net == proto.NetAny {
		return apierrors.ErrInvalidArgs
	}
	if err = s.ln.DelNI(ctx, net); err != nil {
		return err
	}
	if s.store != nil {
		if err = s.store.DeleteNI(ctx, net); err != nil {
			return err
		}
		_, err = s.store.DeleteRoutesVia(ctx, net)
	}
	return err
}

func (s *Server) SetLazyPortal(ctx context.Context, args *LazyPortalArgs) error {
	var err error
	if args.Lazy {
		err = s.ln.SetLazyPortal(args.Index)
	} else {
		err = s.ln.ClearLazyPortal(args.Index)
	}
	if err != nil || s.store == nil {
		return err
	}
	return s.store.SetLazyPortal(ctx, args.Index, args.Lazy)
}

func (s *Server) Notify(ctx context.Context, args *NotifyArgs) error {
	ni, err := parseNID(args.NI)
	if err != nil {
		return err
	}
	nid, err := parseNID(args.NID)
	if err != nil {
		return err
	}
	if nid == proto.NIDAny {
		return apierrors.ErrInvalidArgs
	}
	return s.ln.Notify(ctx, ni, nid, args.Alive, time.Now())
}

func (s *Server) AddDropRule(ctx context.Context, args *DropRuleArgs) error {
	src, err := parseNID(args.Src)
	if err != nil {
		return err
	}
	dst, err := parseNID(args.Dst)
	if err != nil {
		return err
	}
	rule := lnet.DropRule{Src: src, Dst: dst, PortalMask: args.PortalMask, MsgMask: args.MsgMask, Rate: args.Rate}
	if err = s.ln.AddDropRule(rule); err != nil || s.store == nil {
		return err
	}
	return s.store.PutDropRule(ctx, &rule)
}

func (s *Server) DelDropRule(ctx context.Context, args *DelDropRuleArgs) (*DelDropRuleRet, error) {
	src, err := parseNID(args.Src)
	if err != nil {
		return nil, err
	}
	dst, err := parseNID(args.Dst)
	if err != nil {
		return nil, err
	}
	n := s.ln.DelDropRule(src, dst)
	if s.store != nil {
		if err = s.store.DeleteDropRules(ctx, src, dst); err != nil {
			return nil, err
		}
	}
	return &DelDropRuleRet{Removed: n}, nil
}
