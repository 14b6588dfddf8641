package coordinator

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/dreamware/halo/internal/cluster"
)

// TurnStats records the wall time of every barrier round of a run.
type TurnStats struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// NewTurnStats tracks turns from 1µs up to 10 minutes with 3 significant
// figures.
func NewTurnStats() *TurnStats {
	return &TurnStats{
		hist: hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3),
	}
}

// Record adds one turn duration. Values beyond the range are clamped.
func (s *TurnStats) Record(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hist.RecordValue(us); err != nil {
		_ = s.hist.RecordValue(s.hist.HighestTrackableValue())
	}
}

// Summary returns the distribution recorded so far.
func (s *TurnStats) Summary() cluster.LatencySummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cluster.LatencySummary{
		Count:  s.hist.TotalCount(),
		MeanUs: int64(s.hist.Mean()),
		P50Us:  s.hist.ValueAtQuantile(50),
		P95Us:  s.hist.ValueAtQuantile(95),
		P99Us:  s.hist.ValueAtQuantile(99),
		MaxUs:  s.hist.Max(),
	}
}
