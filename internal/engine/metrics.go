// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

const promPrefix = "crossvm_"

// Metrics exports an engine snapshot as Prometheus collectors.
type Metrics struct {
	tierHits     *prometheus.GaugeVec
	tierMisses   *prometheus.GaugeVec
	tierHitRate  prometheus.Gauge
	tierBytes    prometheus.Gauge
	evictions    prometheus.Gauge
	promotions   prometheus.Gauge
	tlbHitRate   prometheus.Gauge
	tlbFlushes   prometheus.Gauge
	preCompiled  prometheus.Gauge
	preDropped   prometheus.Gauge
	preQueue     prometheus.Gauge
	schedLive    prometheus.Gauge
	schedBalance prometheus.Gauge
	dispatch     prometheus.Gauge
	chainFollows prometheus.Gauge
	interpRuns   prometheus.Gauge
}

// NewMetrics builds and registers the collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tierHits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: promPrefix + "tier_hits",
			Help: "Translation cache hits per tier",
		}, []string{"tier"}),
		tierMisses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: promPrefix + "tier_misses",
			Help: "Translation cache misses per tier",
		}, []string{"tier"}),
		tierHitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promPrefix + "tier_hit_rate",
			Help: "Aggregate hit rate measured against L1",
		}),
		tierBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promPrefix + "tier_bytes",
			Help: "Summed compiled code bytes across tiers",
		}),
		evictions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promPrefix + "tier_evictions",
			Help: "Tier cache evictions",
		}),
		promotions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promPrefix + "tier_promotions",
			Help: "Tier cache promotions",
		}),
		tlbHitRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promPrefix + "tlb_hit_rate",
			Help: "TLB hit rate",
		}),
		tlbFlushes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promPrefix + "tlb_flushes",
			Help: "TLB entries flushed",
		}),
		preCompiled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promPrefix + "precompile_compiled",
			Help: "Blocks compiled in the background",
		}),
		preDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promPrefix + "precompile_dropped",
			Help: "Background compile tasks dropped on overflow",
		}),
		preQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promPrefix + "precompile_queue",
			Help: "Background compile tasks waiting",
		}),
		schedLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promPrefix + "sched_live_coroutines",
			Help: "Coroutines not yet reaped",
		}),
		schedBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promPrefix + "sched_load_balances",
			Help: "Load-balance events",
		}),
		dispatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promPrefix + "dispatch_entries",
			Help: "Dispatcher entries",
		}),
		chainFollows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promPrefix + "chain_follows",
			Help: "Direct-branch chain follows that skipped the dispatcher",
		}),
		interpRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: promPrefix + "interp_runs",
			Help: "Blocks served by the interpreter",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.tierHits, m.tierMisses, m.tierHitRate, m.tierBytes, m.evictions,
		m.promotions, m.tlbHitRate, m.tlbFlushes, m.preCompiled,
		m.preDropped, m.preQueue, m.schedLive, m.schedBalance,
		m.dispatch, m.chainFollows, m.interpRuns,
	} {
		if err := reg.Register(c); err != nil {
			slog.Error("registering metric", slog.String("error", err.Error()))
		}
	}
	return m
}

// Update publishes a snapshot into the collectors.
func (m *Metrics) Update(e *Engine) {
	s := e.Stats()
	tiers := [...]string{"l1", "l2", "l3"}
	for i, name := range tiers {
		m.tierHits.WithLabelValues(name).Set(float64(s.Tiers.Hits[i]))
		m.tierMisses.WithLabelValues(name).Set(float64(s.Tiers.Misses[i]))
	}
	m.tierHitRate.Set(s.Tiers.HitRate)
	m.tierBytes.Set(float64(s.Tiers.Bytes))
	m.evictions.Set(float64(s.Tiers.Evictions))
	m.promotions.Set(float64(s.Tiers.Promotions))
	m.tlbHitRate.Set(s.TLB.HitRate)
	m.tlbFlushes.Set(float64(s.TLB.Flushes))
	m.preCompiled.Set(float64(s.Precompile.Compiled))
	m.preDropped.Set(float64(s.Precompile.Dropped))
	m.preQueue.Set(float64(e.Precompiler().QueueLen()))
	m.schedLive.Set(float64(s.Sched.Live))
	m.schedBalance.Set(float64(s.Sched.LoadBalances))
	m.dispatch.Set(float64(s.DispatchEntries))
	m.chainFollows.Set(float64(s.ChainFollows))
	m.interpRuns.Set(float64(s.InterpRuns))
}
