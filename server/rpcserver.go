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
	"encoding/json"
	stderrors "errors"
	"net"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/lnet"
	"github.com/cubefs/lnet/metrics"
	"github.com/cubefs/lnet/proto"
)

const (
	adminServiceName = "lnet.Admin"
	// ReqIDKey carries the trace id of a gRPC call in its metadata.
	ReqIDKey = "x-req-id"
)

// jsonCodec lets the admin service run without generated protobuf code.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return "json" }

type RPCServer struct {
	grpcServer *grpc.Server

	*Server
}

func NewRPCServer(server *Server) *RPCServer {
	rs := &RPCServer{Server: server}

	s := grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(rs.unaryInterceptorWithTracer, metrics.GRPCMetrics.UnaryServerInterceptor()),
	)
	s.RegisterService(&adminServiceDesc, rs)
	metrics.GRPCMetrics.InitializeMetrics(s)
	rs.grpcServer = s
	return rs
}

func (r *RPCServer) Serve(addr string) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("grpc server listen %s failed: %s", addr, err)
	}
	r.ServeListener(lis)
	log.Info("grpc server is running at:", addr)
}

func (r *RPCServer) ServeListener(lis net.Listener) {
	go func() {
		if err := r.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			log.Fatal("grpc server exits:", err)
		}
	}()
}

func (r *RPCServer) Stop() {
	r.grpcServer.GracefulStop()
}

func (r *RPCServer) unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
	var span trace.Span
	if md, ok := metadata.FromIncomingContext(ctx); ok && len(md[ReqIDKey]) > 0 {
		span, ctx = trace.StartSpanFromContextWithTraceID(ctx, info.FullMethod, md[ReqIDKey][0])
	} else {
		span, ctx = trace.StartSpanFromContext(ctx, info.FullMethod)
	}
	defer span.Finish()

	resp, err = handler(ctx, req)
	if err != nil {
		span.Warnf("%s failed: %s", info.FullMethod, err)
		err = grpcError(err)
	}
	return
}

func grpcError(err error) error {
	code := codes.Internal
	switch {
	case stderrors.Is(err, apierrors.ErrInvalidArgs), stderrors.Is(err, proto.ErrInvalidNID):
		code = codes.InvalidArgument
	case stderrors.Is(err, apierrors.ErrNetNotExist), stderrors.Is(err, apierrors.ErrRouteNotExist),
		stderrors.Is(err, apierrors.ErrPeerNotExist), stderrors.Is(err, apierrors.ErrNotFound):
		code = codes.NotFound
	case stderrors.Is(err, apierrors.ErrNetExist), stderrors.Is(err, apierrors.ErrRouteExist):
		code = codes.AlreadyExists
	case stderrors.Is(err, apierrors.ErrRouteConflict):
		code = codes.FailedPrecondition
	case stderrors.Is(err, apierrors.ErrHostUnreachable), stderrors.Is(err, apierrors.ErrNoRoute):
		code = codes.Unavailable
	case stderrors.Is(err, apierrors.ErrShutdown):
		code = codes.Aborted
	}
	return status.Error(code, err.Error())
}

func (r *RPCServer) stats(ctx context.Context, _ *Empty) (*StatsRet, error) {
	return r.Stats(ctx), nil
}

func (r *RPCServer) listNIs(ctx context.Context, _ *Empty) (*ListNIsRet, error) {
	return r.ListNIs(ctx), nil
}

func (r *RPCServer) listPeers(ctx context.Context, _ *Empty) (*ListPeersRet, error) {
	return r.ListPeers(ctx), nil
}

func (r *RPCServer) listRoutes(ctx context.Context, _ *Empty) (*ListRoutesRet, error) {
	return r.ListRoutes(ctx), nil
}

func (r *RPCServer) listDropRules(ctx context.Context, _ *Empty) (*ListDropRulesRet, error) {
	return r.ListDropRules(ctx), nil
}

func (r *RPCServer) addRoute(ctx context.Context, args *RouteArgs) (*Empty, error) {
	return &Empty{}, r.AddRoute(ctx, args)
}

func (r *RPCServer) delRoute(ctx context.Context, args *RouteArgs) (*Empty, error) {
	return &Empty{}, r.DelRoute(ctx, args)
}

func (r *RPCServer) checkRoutes(ctx context.Context, _ *Empty) (*Empty, error) {
	r.CheckRoutes(ctx)
	return &Empty{}, nil
}

func (r *RPCServer) addNI(ctx context.Context, args *lnet.NIConfig) (*lnet.NIInfo, error) {
	return r.AddNI(ctx, args)
}

func (r *RPCServer) delNI(ctx context.Context, args *DelNIArgs) (*Empty, error) {
	return &Empty{}, r.DelNI(ctx, args)
}

func (r *RPCServer) setLazyPortal(ctx context.Context, args *LazyPortalArgs) (*Empty, error) {
	return &Empty{}, r.SetLazyPortal(ctx, args)
}

func (r *RPCServer) notify(ctx context.Context, args *NotifyArgs) (*Empty, error) {
	return &Empty{}, r.Notify(ctx, args)
}

func (r *RPCServer) addDropRule(ctx context.Context, args *DropRuleArgs) (*Empty, error) {
	return &Empty{}, r.AddDropRule(ctx, args)
}

func (r *RPCServer) delDropRule(ctx context.Context, args *DelDropRuleArgs) (*DelDropRuleRet, error) {
	return r.DelDropRule(ctx, args)
}

func unaryMethod[Req, Resp any](name string, fn func(*RPCServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(*RPCServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + adminServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv.(*RPCServer), ctx, req.(*Req))
			})
		},
	}
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Stats", (*RPCServer).stats),
		unaryMethod("ListNIs", (*RPCServer).listNIs),
		unaryMethod("ListPeers", (*RPCServer).listPeers),
		unaryMethod("ListRoutes", (*RPCServer).listRoutes),
		unaryMethod("ListDropRules", (*RPCServer).listDropRules),
		unaryMethod("AddRoute", (*RPCServer).addRoute),
		unaryMethod("DelRoute", (*RPCServer).delRoute),
		unaryMethod("CheckRoutes", (*RPCServer).checkRoutes),
		unaryMethod("AddNI", (*RPCServer).addNI),
		unaryMethod("DelNI", (*RPCServer).delNI),
		unaryMethod("SetLazyPortal", (*RPCServer).setLazyPortal),
		unaryMethod("Notify", (*RPCServer).notify),
		unaryMethod("AddDropRule", (*RPCServer).addDropRule),
		unaryMethod("DelDropRule", (*RPCServer).delDropRule),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lnet/admin",
}

// AdminClient calls the admin service of a remote node.
type AdminClient struct {
	cc *grpc.ClientConn
}

func NewAdminClient(cc *grpc.ClientConn) *AdminClient {
	return &AdminClient{cc: cc}
}

// DialOptions are needed by connections an AdminClient uses.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}))}
}

func (c *AdminClient) invoke(ctx context.Context, method string, in, out interface{}) error {
	return c.cc.Invoke(ctx, "/"+adminServiceName+"/"+method, in, out)
}

func (c *AdminClient) Stats(ctx context.Context) (*StatsRet, error) {
	out := new(StatsRet)
	return out, c.invoke(ctx, "Stats", &Empty{}, out)
}

func (c *AdminClient) ListNIs(ctx context.Context) (*ListNIsRet, error) {
	out := new(ListNIsRet)
	return out, c.invoke(ctx, "ListNIs", &Empty{}, out)
}

func (c *AdminClient) ListPeers(ctx context.Context) (*ListPeersRet, error) {
	out := new(ListPeersRet)
	return out, c.invoke(ctx, "ListPeers", &Empty{}, out)
}

func (c *AdminClient) ListRoutes(ctx context.Context) (*ListRoutesRet, error) {
	out := new(ListRoutesRet)
	return out, c.invoke(ctx, "ListRoutes", &Empty{}, out)
}

func (c *AdminClient) ListDropRules(ctx context.Context) (*ListDropRulesRet, error) {
	out := new(ListDropRulesRet)
	return out, c.invoke(ctx, "ListDropRules", &Empty{}, out)
}

func (c *AdminClient) AddRoute(ctx context.Context, args *RouteArgs) error {
	return c.invoke(ctx, "AddRoute", args, &Empty{})
}

func (c *AdminClient) DelRoute(ctx context.Context, args *RouteArgs) error {
	return c.invoke(ctx, "DelRoute", args, &Empty{})
}

func (c *AdminClient) CheckRoutes(ctx context.Context) error {
	return c.invoke(ctx, "CheckRoutes", &Empty{}, &Empty{})
}

func (c *AdminClient) AddNI(ctx context.Context, args *lnet.NIConfig) (*lnet.NIInfo, error) {
	out := new(lnet.NIInfo)
	return out, c.invoke(ctx, "AddNI", args, out)
}

func (c *AdminClient) DelNI(ctx context.Context, args *DelNIArgs) error {
	return c.invoke(ctx, "DelNI", args, &Empty{})
}

func (c *AdminClient) SetLazyPortal(ctx context.Context, args *LazyPortalArgs) error {
	return c.invoke(ctx, "SetLazyPortal", args, &Empty{})
}

func (c *AdminClient) Notify(ctx context.Context, args *NotifyArgs) error {
	return c.invoke(ctx, "Notify", args, &Empty{})
}

func (c *AdminClient) AddDropRule(ctx context.Context, args *DropRuleArgs) error {
	return c.invoke(ctx, "AddDropRule", args, &Empty{})
}

func (c *AdminClient) DelDropRule(ctx context.Context, args *DelDropRuleArgs) (*DelDropRuleRet, error) {
	out := new(DelDropRuleRet)
	return out, c.invoke(ctx, "DelDropRule", args, out)
}
