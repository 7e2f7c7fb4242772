package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver thins a high-frequency event source by keeping one
// event in every N, where N is derived from a keep rate at
// construction. Per-frame audio events run through one of these so a
// busy call does not drown the rest of the stream.
type SamplingObserver struct {
	inner Observer
	every uint64
	seen  atomic.Uint64
}

// NewSamplingObserver keeps roughly rate*N of N events. Rates at or
// above 1 pass everything through, rates at or below 0 drop everything.
func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	return &SamplingObserver{inner: inner, every: strideFor(rate)}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	switch s.every {
	case 0:
	case 1:
		s.inner.RecordEvent(ev)
	default:
		if s.seen.Add(1)%s.every == 0 {
			s.inner.RecordEvent(ev)
		}
	}
}

func strideFor(rate float64) uint64 {
	if math.IsNaN(rate) || rate <= 0 {
		return 0
	}
	if rate >= 1 {
		return 1
	}
	n := math.Round(1 / rate)
	if n > math.MaxInt64 {
		// conversion of out-of-range floats is undefined
		n = math.MaxInt64
	}
	return uint64(n)
}
