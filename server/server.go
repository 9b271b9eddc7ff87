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
	"time"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cubefs/lnet/lnet"
	"github.com/cubefs/lnet/metrics"
	"github.com/cubefs/lnet/store"
)

type Config struct {
	LNet        lnet.Config     `json:"lnet"`
	StoreConfig store.Config    `json:"store_config"`
	AuditLog    auditlog.Config `json:"auditlog"`
}

// Server owns an LNet instance and applies administrative changes to it,
// persisting them when a store path is configured.
type Server struct {
	ln        *lnet.LNet
	store     *store.Store
	collector prometheus.Collector

	auditLogHandler  rpc.ProgressHandler
	auditLogRecorder auditlog.LogCloser
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	s := &Server{}

	var rules []lnet.DropRule
	if cfg.StoreConfig.Path != "" {
		st, err := store.NewStore(ctx, &cfg.StoreConfig)
		if err != nil {
			return nil, errors.Info(err, "open store failed")
		}
		if rules, err = st.Apply(ctx, &cfg.LNet); err != nil {
			st.Close()
			return nil, errors.Info(err, "apply stored config failed")
		}
		s.store = st
	}

	ln, err := lnet.New(ctx, &cfg.LNet)
	if err != nil {
		s.Close()
		return nil, errors.Info(err, "start lnet failed")
	}
	s.ln = ln
	for _, r := range rules {
		if err := ln.AddDropRule(r); err != nil {
			span.Warnf("skip stored drop rule %+v: %s", r, err)
		}
	}

	s.collector = metrics.NewCollector(ln)
	if err := metrics.Registry.Register(s.collector); err != nil {
		span.Warnf("register lnet collector failed: %s", err)
		s.collector = nil
	}

	if cfg.AuditLog.LogDir != "" {
		ph, logFile, err := auditlog.Open("LNET", &cfg.AuditLog)
		if err != nil {
			s.Close()
			return nil, errors.Info(err, "open auditlog failed")
		}
		s.auditLogHandler, s.auditLogRecorder = ph, logFile
	}
	return s, nil
}

func (s *Server) LNet() *lnet.LNet {
	return s.ln
}

func (s *Server) Close() {
	if s.collector != nil {
		metrics.Registry.Unregister(s.collector)
	}
	if s.ln != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
		s.ln.Shutdown(ctx)
		cancel()
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.auditLogRecorder != nil {
		s.auditLogRecorder.Close()
	}
}
