package llm

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"
)

type sample struct {
	at     time.Time
	took   time.Duration
	failed bool
}

// Snapshot aggregates the model calls inside the rolling window.
type Snapshot struct {
	Model  string  `json:"model"`
	Count  int     `json:"count"`
	Errors int     `json:"errors"`
	MinMs  int64   `json:"min_ms"`
	MaxMs  int64   `json:"max_ms"`
	AvgMs  float64 `json:"avg_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

// Stats keeps model call latencies for the last maxAge.
type Stats struct {
	mu      sync.Mutex
	model   string
	samples []sample
	maxAge  time.Duration
}

func NewStats(maxAge time.Duration) *Stats {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Stats{samples: make([]sample, 0, 128), maxAge: maxAge}
}

// Record adds one call. A non-nil err counts the call as failed.
func (s *Stats) Record(took time.Duration, err error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	s.samples = append(s.samples, sample{at: now, took: max(took, 0), failed: err != nil})
}

func (s *Stats) Snapshot() Snapshot {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)

	snap := Snapshot{Model: s.model, Count: len(s.samples)}
	if len(s.samples) == 0 {
		return snap
	}
	ms := make([]int64, 0, len(s.samples))
	var sum int64
	for _, sm := range s.samples {
		if sm.failed {
			snap.Errors++
		}
		v := sm.took.Milliseconds()
		ms = append(ms, v)
		sum += v
	}
	slices.Sort(ms)
	snap.MinMs = ms[0]
	snap.MaxMs = ms[len(ms)-1]
	snap.AvgMs = float64(sum) / float64(len(ms))
	snap.P50Ms = percentile(ms, 50)
	snap.P95Ms = percentile(ms, 95)
	snap.P99Ms = percentile(ms, 99)
	return snap
}

func (s *Stats) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.maxAge)
	s.samples = slices.DeleteFunc(s.samples, func(sm sample) bool {
		return sm.at.Before(cutoff)
	})
}

// percentile interpolates linearly between the closest ranks.
func percentile(sorted []int64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if pct <= 0 {
		return float64(sorted[0])
	}
	if pct >= 100 {
		return float64(sorted[len(sorted)-1])
	}
	rank := float64(len(sorted)-1) * pct / 100
	lo := int(rank)
	if lo+1 >= len(sorted) {
		return float64(sorted[lo])
	}
	frac := rank - float64(lo)
	return float64(sorted[lo]) + float64(sorted[lo+1]-sorted[lo])*frac
}

// Measure wraps g so every call, streamed or not, is recorded in s.
func Measure(g Generator, s *Stats) Generator {
	s.mu.Lock()
	s.model = g.Model()
	s.mu.Unlock()
	return &measured{Generator: g, stats: s}
}

type measured struct {
	Generator
	stats *Stats
}

func (m *measured) Generate(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	text, err := m.Generator.Generate(ctx, req)
	m.stats.Record(time.Since(start), err)
	return text, err
}

func (m *measured) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	inner := m.Generator.Stream(ctx, req)
	return once(func(yield func(string, error) bool) {
		start := time.Now()
		var failed error
		defer func() { m.stats.Record(time.Since(start), failed) }()
		for frag, err := range inner {
			if err != nil {
				failed = err
				yield("", err)
				return
			}
			if !yield(frag, nil) {
				return
			}
		}
	})
}
