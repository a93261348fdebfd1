// Package status samples process resource usage and engine counters.
package status

import (
	"context"
	"sync"
	"time"

	"rtspkit/pkg/log"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Counters are the engine-side gauges, sampled from the caller.
type Counters struct {
	ActiveSockets      int `json:"activeSockets"`
	PendingSockets     int `json:"pendingSockets"`
	ScheduledCallbacks int `json:"scheduledCallbacks"`
	Presentations      int `json:"presentations"`
}

// Status is one snapshot.
type Status struct {
	CPUUsage int `json:"cpuUsage"`
	RAMUsage int `json:"ramUsage"`
	Counters
}

type (
	cpuFunc      func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc      func() (*mem.VirtualMemoryStat, error)
	countersFunc func() Counters
)

// System periodically samples CPU, RAM and engine counters.
type System struct {
	cpu      cpuFunc
	ram      ramFunc
	counters countersFunc

	status   Status
	duration time.Duration

	logger *log.Logger
	mu     sync.Mutex
}

// New returns a sampler reading engine counters from counters.
func New(counters countersFunc, logger *log.Logger) *System {
	return &System{
		cpu:      cpu.PercentWithContext,
		ram:      mem.VirtualMemory,
		counters: counters,

		duration: 10 * time.Second,

		logger: logger,
	}
}

func (s *System) update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.duration, false)
	if err != nil {
		return err
	}

	ramUsage, err := s.ram()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = Status{
		CPUUsage: int(cpuUsage[0]),
		RAMUsage: int(ramUsage.UsedPercent),
		Counters: s.counters(),
	}
	return nil
}

// StatusLoop updates the status until ctx is canceled.
func (s *System) StatusLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.update(ctx); err != nil {
			if s.logger != nil {
				s.logger.Error().Src("status").Msgf("could not update status: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.duration):
			}
		}
	}
}

// Status returns the latest snapshot.
func (s *System) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
