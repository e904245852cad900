package perfstats

import (
	"slices"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
)

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	*a = TimeAccumulator{}
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
	a.Max = max(a.Max, v)
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// Stages is a thread-safe set of named time accumulators, one per pipeline stage
// (or per unit of work within a stage, such as a tile).
type Stages struct {
	lock   sync.Mutex
	stages map[string]*TimeAccumulator
	order  []string
}

func NewStages() *Stages {
	return &Stages{stages: map[string]*TimeAccumulator{}}
}

func (s *Stages) Add(stage string, v time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()
	acc := s.stages[stage]
	if acc == nil {
		acc = &TimeAccumulator{}
		s.stages[stage] = acc
		s.order = append(s.order, stage)
	}
	acc.AddSample(v)
}

// Time runs f and records how long it took
func (s *Stages) Time(stage string, f func() error) error {
	start := time.Now()
	err := f()
	s.Add(stage, time.Since(start))
	return err
}

// Get returns a copy of the accumulator for stage
func (s *Stages) Get(stage string) TimeAccumulator {
	s.lock.Lock()
	defer s.lock.Unlock()
	if acc := s.stages[stage]; acc != nil {
		return *acc
	}
	return TimeAccumulator{}
}

func (s *Stages) Names() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return slices.Clone(s.order)
}

// Log writes one line per stage, in the order in which the stages were first seen
func (s *Stages) Log(log logs.Log) {
	for _, name := range s.Names() {
		acc := s.Get(name)
		log.Infof("%-20v %5v samples, total %v, average %v, max %v", name, acc.Samples, acc.Total.Round(time.Millisecond), acc.Average().Round(time.Microsecond), acc.Max.Round(time.Microsecond))
	}
}
