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
	stderrors "errors"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/cubefs/lnet/errors"
	"github.com/cubefs/lnet/lnet"
	"github.com/cubefs/lnet/metrics"
	"github.com/cubefs/lnet/proto"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	handlers := []rpc.ProgressHandler{profile.NewProfileHandler(addr)}
	if h.auditLogHandler != nil {
		handlers = append(handlers, h.auditLogHandler)
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.Handler(), handlers...),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

// Handler routes the admin API.
func (h *HttpServer) Handler() http.Handler {
	r := rpc.New()
	r.Handle(http.MethodGet, "/stats", h.stats)
	r.Handle(http.MethodGet, "/nis", h.listNIs)
	r.Handle(http.MethodGet, "/peers", h.listPeers)
	r.Handle(http.MethodGet, "/routes", h.listRoutes)
	r.Handle(http.MethodGet, "/drop_rules", h.listDropRules)
	r.Handle(http.MethodGet, "/metrics", h.metrics)

	r.Handle(http.MethodPost, "/route/add", h.addRoute, rpc.OptArgsBody())
	r.Handle(http.MethodPost, "/route/del", h.delRoute, rpc.OptArgsBody())
	r.Handle(http.MethodPost, "/route/check", h.checkRoutes)
	r.Handle(http.MethodPost, "/ni/add", h.addNI, rpc.OptArgsBody())
	r.Handle(http.MethodPost, "/ni/del", h.delNI, rpc.OptArgsBody())
	r.Handle(http.MethodPost, "/portal/lazy", h.setLazyPortal, rpc.OptArgsBody())
	r.Handle(http.MethodPost, "/notify", h.notify, rpc.OptArgsBody())
	r.Handle(http.MethodPost, "/drop_rule/add", h.addDropRule, rpc.OptArgsBody())
	r.Handle(http.MethodPost, "/drop_rule/del", h.delDropRule, rpc.OptArgsBody())
	return r
}

func (h *HttpServer) stats(c *rpc.Context) {
	c.RespondJSON(h.Stats(c.Request.Context()))
}

func (h *HttpServer) listNIs(c *rpc.Context) {
	c.RespondJSON(h.ListNIs(c.Request.Context()))
}

func (h *HttpServer) listPeers(c *rpc.Context) {
	c.RespondJSON(h.ListPeers(c.Request.Context()))
}

func (h *HttpServer) listRoutes(c *rpc.Context) {
	c.RespondJSON(h.ListRoutes(c.Request.Context()))
}

func (h *HttpServer) listDropRules(c *rpc.Context) {
	c.RespondJSON(h.ListDropRules(c.Request.Context()))
}

func (h *HttpServer) metrics(c *rpc.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}

func (h *HttpServer) addRoute(c *rpc.Context) {
	args := new(RouteArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(httpError(err))
		return
	}
	respond(c, h.AddRoute(c.Request.Context(), args))
}

func (h *HttpServer) delRoute(c *rpc.Context) {
	args := new(RouteArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(httpError(err))
		return
	}
	respond(c, h.DelRoute(c.Request.Context(), args))
}

func (h *HttpServer) checkRoutes(c *rpc.Context) {
	h.CheckRoutes(c.Request.Context())
	c.Respond()
}

func (h *HttpServer) addNI(c *rpc.Context) {
	args := new(lnet.NIConfig)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(httpError(err))
		return
	}
	info, err := h.AddNI(c.Request.Context(), args)
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(info)
}

func (h *HttpServer) delNI(c *rpc.Context) {
	args := new(DelNIArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(httpError(err))
		return
	}
	respond(c, h.DelNI(c.Request.Context(), args))
}

func (h *HttpServer) setLazyPortal(c *rpc.Context) {
	args := new(LazyPortalArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(httpError(err))
		return
	}
	respond(c, h.SetLazyPortal(c.Request.Context(), args))
}

func (h *HttpServer) notify(c *rpc.Context) {
	args := new(NotifyArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(httpError(err))
		return
	}
	respond(c, h.Notify(c.Request.Context(), args))
}

func (h *HttpServer) addDropRule(c *rpc.Context) {
	args := new(DropRuleArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(httpError(err))
		return
	}
	respond(c, h.AddDropRule(c.Request.Context(), args))
}

func (h *HttpServer) delDropRule(c *rpc.Context) {
	args := new(DelDropRuleArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(httpError(err))
		return
	}
	ret, err := h.DelDropRule(c.Request.Context(), args)
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(ret)
}

func respond(c *rpc.Context, err error) {
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.Respond()
}

// httpError maps the sentinel errors to status codes, nil stays nil.
func httpError(err error) error {
	if err == nil {
		return nil
	}
	status, code := http.StatusInternalServerError, "Internal"
	switch {
	case stderrors.Is(err, apierrors.ErrInvalidArgs), stderrors.Is(err, proto.ErrInvalidNID):
		status, code = http.StatusBadRequest, "InvalidArgs"
	case stderrors.Is(err, apierrors.ErrNetNotExist), stderrors.Is(err, apierrors.ErrRouteNotExist),
		stderrors.Is(err, apierrors.ErrPeerNotExist), stderrors.Is(err, apierrors.ErrNotFound):
		status, code = http.StatusNotFound, "NotFound"
	case stderrors.Is(err, apierrors.ErrNetExist), stderrors.Is(err, apierrors.ErrRouteExist),
		stderrors.Is(err, apierrors.ErrRouteConflict):
		status, code = http.StatusConflict, "Conflict"
	case stderrors.Is(err, apierrors.ErrHostUnreachable), stderrors.Is(err, apierrors.ErrNoRoute):
		status, code = http.StatusUnprocessableEntity, "Unreachable"
	case stderrors.Is(err, apierrors.ErrShutdown):
		status, code = http.StatusServiceUnavailable, "Shutdown"
	}
	return rpc.NewError(status, code, err)
}
