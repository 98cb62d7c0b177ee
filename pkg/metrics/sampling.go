package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards a fraction of the named high-volume events and
// every other event unchanged. With no names it samples everything.
type SamplingObserver struct {
	inner       Observer
	rate        float64
	sampleEvery uint64
	counter     uint64
	names       map[string]struct{}
}

func NewSamplingObserver(inner Observer, rate float64, names ...string) *SamplingObserver {
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	var every uint64
	if rate == 1 {
		every = 1
	} else if rate > 0 {
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	s := &SamplingObserver{inner: inner, rate: rate, sampleEvery: every}
	if len(names) > 0 {
		s.names = make(map[string]struct{}, len(names))
		for _, n := range names {
			s.names[n] = struct{}{}
		}
	}
	return s
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.names != nil {
		if _, ok := s.names[ev.Name]; !ok {
			s.inner.RecordEvent(ev)
			return
		}
	}
	if s.rate == 0 {
		return
	}
	if s.sampleEvery <= 1 {
		s.inner.RecordEvent(ev)
		return
	}
	n := atomic.AddUint64(&s.counter, 1)
	if n%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
