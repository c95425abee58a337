// Copyright 2025 Custodia
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the gateway's Prometheus instruments. A nil *metrics is
// valid and records nothing, so deployments without a registerer pay no
// branching at call sites.
type metrics struct {
	requestsTotal *prometheus.CounterVec
	denialsTotal  *prometheus.CounterVec
	latency       prometheus.Histogram
	sessions      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	m := &metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_gateway_requests_total",
			Help: "Handled requests by final status.",
		}, []string{"status"}),
		denialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "custodia_gateway_denials_total",
			Help: "Safety denials by rationale code.",
		}, []string{"code"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "custodia_gateway_request_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "custodia_gateway_active_sessions",
			Help: "Sessions currently tracked by the gateway.",
		}),
	}
	reg.MustRegister(m.requestsTotal, m.denialsTotal, m.latency, m.sessions)
	return m
}

func (m *metrics) observeRequest(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(status).Inc()
	m.latency.Observe(elapsed.Seconds())
}

func (m *metrics) observeDenial(code string) {
	if m == nil {
		return
	}
	m.denialsTotal.WithLabelValues(code).Inc()
}

func (m *metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
