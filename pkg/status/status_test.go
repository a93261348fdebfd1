package status

import (
	"context"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/require"
)

func TestUpdate(t *testing.T) {
	sys := &System{
		cpu: func(context.Context, time.Duration, bool) ([]float64, error) {
			return []float64{11.2}, nil
		},
		ram: func() (*mem.VirtualMemoryStat, error) {
			return &mem.VirtualMemoryStat{UsedPercent: 22.9}, nil
		},
		counters: func() Counters {
			return Counters{
				ActiveSockets:      3,
				ScheduledCallbacks: 1,
				Presentations:      2,
			}
		},
	}

	require.NoError(t, sys.update(context.Background()))

	want := Status{
		CPUUsage: 11,
		RAMUsage: 22,
		Counters: Counters{
			ActiveSockets:      3,
			ScheduledCallbacks: 1,
			Presentations:      2,
		},
	}
	require.Equal(t, want, sys.Status())
}

func TestUpdateErrors(t *testing.T) {
	errCPU := func(context.Context, time.Duration, bool) ([]float64, error) {
		return nil, context.DeadlineExceeded
	}
	okCPU := func(context.Context, time.Duration, bool) ([]float64, error) {
		return []float64{0}, nil
	}
	errRAM := func() (*mem.VirtualMemoryStat, error) {
		return nil, context.DeadlineExceeded
	}

	sys := &System{cpu: errCPU}
	require.Error(t, sys.update(context.Background()))

	sys = &System{cpu: okCPU, ram: errRAM}
	require.Error(t, sys.update(context.Background()))
}
