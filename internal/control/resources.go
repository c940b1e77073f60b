package control

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"cryptoworker/logger"
)

// resourceSnapshot is one sample of host and worker process usage.
type resourceSnapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsed    uint64    `json:"memory_used"`
	MemoryTotal   uint64    `json:"memory_total"`
	MemoryPct     float64   `json:"memory_percent"`
	ProcessRSS    uint64    `json:"process_rss"`
	ProcessCPU    float64   `json:"process_cpu_percent"`
	NumGoroutines int       `json:"goroutines"`
}

type resourceSampler struct {
	samples  *ring[resourceSnapshot]
	interval time.Duration

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Entry
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn  = mem.VirtualMemoryWithContext
	processStatsFn = processStats
	goroutinesFn   = runtime.NumGoroutine
)

// processStats reads the resident set and cpu share of this process.
func processStats(ctx context.Context) (rss uint64, cpuPct float64, err error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, 0, err
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	cpuPct, err = p.CPUPercentWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return info.RSS, cpuPct, nil
}

func newResourceSampler(limit int, interval time.Duration, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &resourceSampler{
		samples:  newRing[resourceSnapshot](limit),
		interval: interval,
		log:      log.WithComponent("resource_sampler"),
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	return s.samples.snapshot()
}

func (s *resourceSampler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// cpu.Percent blocks for the interval and paces the loop
		cpuSamples, err := cpuPercentFn(ctx, s.interval)
		if err != nil {
			s.log.WithError(err).Debug("failed to sample cpu usage")
			if !sleepCtx(ctx, s.interval) {
				return
			}
			continue
		}
		memStats, err := memoryStatsFn(ctx)
		if err != nil {
			s.log.WithError(err).Debug("failed to sample memory usage")
			continue
		}
		snap := resourceSnapshot{
			Timestamp:     time.Now(),
			CPUPercent:    firstSample(cpuSamples),
			MemoryUsed:    memStats.Used,
			MemoryTotal:   memStats.Total,
			MemoryPct:     memStats.UsedPercent,
			NumGoroutines: goroutinesFn(),
		}
		if rss, pct, err := processStatsFn(ctx); err == nil {
			snap.ProcessRSS, snap.ProcessCPU = rss, pct
		}
		s.samples.add(snap)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func firstSample(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return samples[0]
}
