/*
Package adaptive is the hot-spot threshold manager: it keeps per-PC
execution records, classifies performance trends over a sliding window,
and turns them into compilation suggestions the dispatcher and the
precompiler act on. A suggestion carries a confidence; high-confidence
suggestions may be applied automatically, which invalidates the
corresponding cache entry so the next execution recompiles.
*/
package adaptive

// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/casbin/govaluate"
	"github.com/pkg/errors"

	"crossvm/internal/config"
	"crossvm/internal/isa"
)

// Trend classifies the recent execution-time direction of one PC.
type Trend int

const (
	TrendUnknown Trend = iota
	TrendImproving
	TrendDegrading
	TrendStable
)

func (t Trend) String() string {
	switch t {
	case TrendImproving:
		return "improving"
	case TrendDegrading:
		return "degrading"
	case TrendStable:
		return "stable"
	default:
		return "unknown"
	}
}

// MaxLevel is the highest optimisation level the policy suggests.
const MaxLevel = 3

// DefaultHotThreshold is the threshold a PC's record starts with, before
// any adaptation.
const DefaultHotThreshold = 10

// threshold bounds keep runaway feedback from disabling compilation or
// compiling everything.
const (
	minThreshold = 2
	maxThreshold = 100000
)

// Suggestion is the policy output for one PC.
type Suggestion struct {
	PC         isa.GuestAddr
	Level      uint8
	EnableSIMD bool
	Threshold  uint64
	Confidence float64
	Reason     string
}

type record struct {
	execCount   uint64
	totalNS     uint64
	codeSize    int
	level       uint8
	simd        bool
	threshold   uint64
	samples     []uint64 // sliding window of per-run times
	suggestedAt uint64   // execCount of the last emitted suggestion
}

func (r *record) avgNS() uint64 {
	if r.execCount == 0 {
		return 0
	}
	return r.totalNS / r.execCount
}

// Manager holds the per-PC records and the policy.
type Manager struct {
	cfg   config.Adaptive
	guard *govaluate.EvaluableExpression

	mu          sync.Mutex
	records     map[isa.GuestAddr]*record
	suggestions []Suggestion

	// invalidate drops the tier entry for a PC after an applied
	// suggestion.
	invalidate func(pc isa.GuestAddr)
	applied    uint64
}

// New builds a manager. invalidate may be nil. A non-empty guard
// expression must parse, and is evaluated before any auto-apply.
func New(cfg config.Adaptive, invalidate func(pc isa.GuestAddr)) (*Manager, error) {
	m := &Manager{
		cfg:        cfg,
		records:    make(map[isa.GuestAddr]*record),
		invalidate: invalidate,
	}
	if cfg.Guard != "" {
		expr, err := govaluate.NewEvaluableExpression(cfg.Guard)
		if err != nil {
			return nil, errors.Wrap(err, "parsing adaptive guard expression")
		}
		m.guard = expr
	}
	return m, nil
}

// Touch bumps the execution counter for pc and reports the new count
// and the PC's current threshold. The engine compiles a PC on its first
// miss whatever the count; the threshold is only reported here.
func (m *Manager) Touch(pc isa.GuestAddr) (count, threshold uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(pc)
	r.execCount++
	return r.execCount, r.threshold
}

// record returns (creating if needed) the record for pc. Caller holds
// the lock.
func (m *Manager) record(pc isa.GuestAddr) *record {
	r, ok := m.records[pc]
	if !ok {
		r = &record{threshold: DefaultHotThreshold}
		m.records[pc] = r
	}
	return r
}

// Observe feeds one execution sample and runs the analysis when enough
// data has accumulated. The returned suggestion, if any, was emitted by
// this observation (and already applied when auto-apply fired).
func (m *Manager) Observe(pc isa.GuestAddr, execNS uint64, codeSize int, level uint8, simd bool) *Suggestion {
	m.mu.Lock()
	r := m.record(pc)
	r.totalNS += execNS
	r.codeSize = codeSize
	r.level = level
	r.simd = simd
	r.samples = append(r.samples, execNS)
	if len(r.samples) > m.cfg.Window {
		r.samples = r.samples[len(r.samples)-m.cfg.Window:]
	}

	if r.execCount < m.cfg.MinExecutionsForAnalysis || r.execCount == r.suggestedAt {
		m.mu.Unlock()
		return nil
	}
	sug := m.analyze(pc, r)
	if sug == nil {
		m.mu.Unlock()
		return nil
	}
	r.suggestedAt = r.execCount
	m.suggestions = append(m.suggestions, *sug)
	m.mu.Unlock()

	if m.cfg.AutoApply && sug.Confidence >= 0.7 && m.guardPasses(r, sug) {
		m.Apply(sug)
	}
	return sug
}

// classify computes the trend over the sample window: per-step changes
// beyond ±5% vote for improvement or degradation.
func classify(samples []uint64) Trend {
	if len(samples) < 3 {
		return TrendUnknown
	}
	improving, degrading := 0, 0
	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]
		switch {
		case cur*100 <= prev*95:
			improving++
		case cur*100 >= prev*105:
			degrading++
		}
	}
	switch {
	case improving > degrading:
		return TrendImproving
	case degrading > improving:
		return TrendDegrading
	default:
		return TrendStable
	}
}

// latency levels for the policy rules
const (
	longLatencyNS     = 1_000_000 // 1ms
	veryLongLatencyNS = 5_000_000 // 5ms
)

// analyze applies the policy rules. Caller holds the lock.
func (m *Manager) analyze(pc isa.GuestAddr, r *record) *Suggestion {
	trend := classify(r.samples)
	level := r.level
	simd := r.simd
	threshold := r.threshold
	confidence := 0.5
	var reasons []string

	switch trend {
	case TrendDegrading:
		if level < MaxLevel {
			level++
			confidence += 0.2
			reasons = append(reasons, "execution time degrading, raising optimisation level")
		}
	case TrendImproving:
		if level > 0 && r.avgNS() > longLatencyNS {
			level--
			confidence += 0.1
			reasons = append(reasons, "improving but long-running, lowering level to save compile time")
		}
	case TrendStable:
		if r.avgNS() > veryLongLatencyNS && level < MaxLevel {
			level++
			confidence += 0.15
			reasons = append(reasons, "stable with long latency, raising optimisation level")
		}
	}

	if !simd && r.codeSize > 256 {
		simd = true
		confidence += 0.1
		reasons = append(reasons, "large block, enabling SIMD lowering")
	}

	if r.execCount > threshold*2 {
		threshold = bound(threshold * 3 / 4)
		confidence += 0.1
		reasons = append(reasons, "very hot, lowering compile threshold")
	} else if r.execCount < threshold/2 {
		threshold = bound(threshold * 5 / 4)
		confidence += 0.1
		reasons = append(reasons, "cold, raising compile threshold")
	}

	if confidence > 1.0 {
		confidence = 1.0
	}
	if len(reasons) == 0 || confidence < 0.3 {
		return nil
	}
	return &Suggestion{
		PC:         pc,
		Level:      level,
		EnableSIMD: simd,
		Threshold:  threshold,
		Confidence: confidence,
		Reason:     strings.Join(reasons, "; "),
	}
}

func bound(t uint64) uint64 {
	if t < minThreshold {
		return minThreshold
	}
	if t > maxThreshold {
		return maxThreshold
	}
	return t
}

// guardPasses evaluates the configured guard expression against the
// record. Evaluation errors fail closed.
func (m *Manager) guardPasses(r *record, sug *Suggestion) bool {
	if m.guard == nil {
		return true
	}
	result, err := m.guard.Evaluate(map[string]any{
		"exec_count": float64(r.execCount),
		"avg_ns":     float64(r.avgNS()),
		"code_size":  float64(r.codeSize),
		"level":      float64(r.level),
		"confidence": sug.Confidence,
	})
	if err != nil {
		slog.Warn("adaptive guard evaluation failed", slog.String("error", err.Error()))
		return false
	}
	pass, ok := result.(bool)
	return ok && pass
}

// Apply installs a suggestion: the PC's threshold and level move, and
// the cache entry is invalidated so the next execution recompiles at
// the new settings.
func (m *Manager) Apply(sug *Suggestion) {
	m.mu.Lock()
	r := m.record(sug.PC)
	r.threshold = bound(sug.Threshold)
	r.level = sug.Level
	r.simd = sug.EnableSIMD
	r.samples = r.samples[:0]
	m.applied++
	m.mu.Unlock()

	slog.Debug("applied optimisation suggestion",
		slog.String("pc", sug.PC.String()),
		slog.Int("level", int(sug.Level)),
		slog.Uint64("threshold", sug.Threshold),
		slog.String("reason", sug.Reason))
	if m.invalidate != nil {
		m.invalidate(sug.PC)
	}
}

// Level returns the optimisation level and SIMD setting the next
// compilation of pc should use.
func (m *Manager) Level(pc isa.GuestAddr) (uint8, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.record(pc)
	return r.level, r.simd
}

// Suggestions drains the emitted suggestion list.
func (m *Manager) Suggestions() []Suggestion {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.suggestions
	m.suggestions = nil
	return out
}

// Trend reports the current trend classification for pc.
func (m *Manager) Trend(pc isa.GuestAddr) Trend {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[pc]; ok {
		return classify(r.samples)
	}
	return TrendUnknown
}

// Stats summarizes the manager for observability.
func (m *Manager) Stats() (tracked int, applied uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), m.applied
}

// Describe renders one record for the error/observability surface.
func (m *Manager) Describe(pc isa.GuestAddr) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[pc]
	if !ok {
		return fmt.Sprintf("%s: no record", pc)
	}
	return fmt.Sprintf("%s: execs=%d avg=%dns level=%d trend=%s",
		pc, r.execCount, r.avgNS(), r.level, classify(r.samples))
}
