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

package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cubefs/lnet/lnet"
)

const namespace = "LNet"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}

// Source is what the collector reads, *lnet.LNet in the daemon.
type Source interface {
	Counters() lnet.Counters
	NIs() []lnet.NIInfo
	Peers() []lnet.PeerInfo
	Routes() []lnet.RouteInfo
}

// Collector exports the counters and the NI, peer and route state of an
// instance at scrape time.
type Collector struct {
	src Source

	msgs        *prometheus.Desc
	errors      *prometheus.Desc
	count       *prometheus.Desc
	length      *prometheus.Desc
	niCredits   *prometheus.Desc
	niUp        *prometheus.Desc
	peerCredits *prometheus.Desc
	peerQueued  *prometheus.Desc
	peers       *prometheus.Desc
	routes      *prometheus.Desc
}

func NewCollector(src Source) *Collector {
	fqName := func(name string) string {
		return prometheus.BuildFQName(namespace, "", name)
	}
	return &Collector{
		src:         src,
		msgs:        prometheus.NewDesc(fqName("msgs"), "messages in use and the peak", []string{"kind"}, nil),
		errors:      prometheus.NewDesc(fqName("errors_total"), "failed messages", nil, nil),
		count:       prometheus.NewDesc(fqName("messages_total"), "messages by direction", []string{"dir"}, nil),
		length:      prometheus.NewDesc(fqName("bytes_total"), "payload bytes by direction", []string{"dir"}, nil),
		niCredits:   prometheus.NewDesc(fqName("ni_credits"), "send credits of an NI", []string{"nid", "kind"}, nil),
		niUp:        prometheus.NewDesc(fqName("ni_up"), "NI is up", []string{"nid"}, nil),
		peerCredits: prometheus.NewDesc(fqName("peer_tx_credits"), "send credits of a peer", []string{"nid", "kind"}, nil),
		peerQueued:  prometheus.NewDesc(fqName("peer_tx_queued_bytes"), "bytes waiting for peer credits", []string{"nid"}, nil),
		peers:       prometheus.NewDesc(fqName("peers"), "peers by liveness", []string{"state"}, nil),
		routes:      prometheus.NewDesc(fqName("route_alive"), "route is usable", []string{"net", "gateway"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.msgs, c.errors, c.count, c.length, c.niCredits, c.niUp,
		c.peerCredits, c.peerQueued, c.peers, c.routes,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctr := c.src.Counters()
	ch <- prometheus.MustNewConstMetric(c.msgs, prometheus.GaugeValue, float64(ctr.MsgsAlloc), "alloc")
	ch <- prometheus.MustNewConstMetric(c.msgs, prometheus.GaugeValue, float64(ctr.MsgsMax), "max")
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(ctr.Errors))
	for _, d := range []struct {
		dir    string
		count  uint32
		length uint64
	}{
		{"send", ctr.SendCount, ctr.SendLength},
		{"recv", ctr.RecvCount, ctr.RecvLength},
		{"drop", ctr.DropCount, ctr.DropLength},
	} {
		ch <- prometheus.MustNewConstMetric(c.count, prometheus.CounterValue, float64(d.count), d.dir)
		ch <- prometheus.MustNewConstMetric(c.length, prometheus.CounterValue, float64(d.length), d.dir)
	}

	for _, ni := range c.src.NIs() {
		nid := ni.NID.String()
		up := 0.0
		if ni.Status == "up" {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.niUp, prometheus.GaugeValue, up, nid)
		ch <- prometheus.MustNewConstMetric(c.niCredits, prometheus.GaugeValue, float64(ni.Credits), nid, "cur")
		ch <- prometheus.MustNewConstMetric(c.niCredits, prometheus.GaugeValue, float64(ni.MinCredits), nid, "min")
	}

	alive, dead := 0, 0
	for _, p := range c.src.Peers() {
		if p.Alive {
			alive++
		} else {
			dead++
		}
		nid := p.NID.String()
		ch <- prometheus.MustNewConstMetric(c.peerCredits, prometheus.GaugeValue, float64(p.TxCredits), nid, "cur")
		ch <- prometheus.MustNewConstMetric(c.peerCredits, prometheus.GaugeValue, float64(p.MinCredits), nid, "min")
		ch <- prometheus.MustNewConstMetric(c.peerQueued, prometheus.GaugeValue, float64(p.TxQNob), nid)
	}
	ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(alive), "alive")
	ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(dead), "dead")

	for _, r := range c.src.Routes() {
		v := 0.0
		if r.Alive {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.routes, prometheus.GaugeValue, v, r.Net.String(), r.Gateway.String())
	}
}
