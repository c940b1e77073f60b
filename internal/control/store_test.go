package control

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"cryptoworker/internal/metrics"
	"cryptoworker/internal/models"
	"cryptoworker/logger"
)

func TestMetricStoreLimit(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Name: "metric", Value: i})
	}

	snapshot := store.snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 metrics in snapshot, got %d", len(snapshot))
	}
	if snapshot[0].Value != 3 || snapshot[1].Value != 4 {
		t.Fatalf("unexpected metrics retained: %#v", snapshot)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "shard reconnecting"
	entry.Data = logrus.Fields{"component": "supervisor", "venue": "okx", "attempt": 2}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}
	got := snapshot[0]
	if got.Component != "supervisor" || got.Venue != "okx" || got.Fields["attempt"] != 2 {
		t.Fatalf("unexpected snapshot data: %#v", got)
	}
	if _, ok := got.Fields["venue"]; ok {
		t.Fatal("venue should be lifted out of fields")
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := len(store.snapshot()); n != 2 {
		t.Fatalf("expected 2 entries after pruning, got %d", n)
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if n := len(store.snapshot()); n != 2 {
		t.Fatal("store accepted entries after close")
	}
}

func TestErrorStoreKeepsOnlyErrors(t *testing.T) {
	store := newErrorStore(5)
	store.observe(models.Event{Type: models.EventTickers})
	store.observe(models.Event{Type: models.EventError, ExchangeID: "binance"})
	store.observe(models.Event{Type: models.EventDisconnected})

	snapshot := store.snapshot()
	if len(snapshot) != 1 || snapshot[0].ExchangeID != "binance" {
		t.Fatalf("unexpected errors retained: %#v", snapshot)
	}
}

func TestResourceSamplerCollectsSamples(t *testing.T) {
	sampler := newResourceSampler(3, 10*time.Millisecond, logger.Logger())

	originalCPU, originalMem, originalProc := cpuPercentFn, memoryStatsFn, processStatsFn
	t.Cleanup(func() {
		cpuPercentFn, memoryStatsFn, processStatsFn = originalCPU, originalMem, originalProc
	})

	cpuCalls := atomic.Int32{}
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		cpuCalls.Add(1)
		time.Sleep(interval)
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	processStatsFn = func(ctx context.Context) (uint64, float64, error) {
		return 512, 1.5, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler.start(ctx)

	deadline := time.Now().Add(time.Second)
	for len(sampler.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("resource sampler did not collect samples in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	sampler.stop()

	snapshots := sampler.snapshot()
	if len(snapshots) > 3 {
		t.Fatalf("sampler kept %d samples over its limit", len(snapshots))
	}
	latest := snapshots[len(snapshots)-1]
	if latest.CPUPercent != 42.5 || latest.MemoryPct != 50 || latest.ProcessRSS != 512 || latest.NumGoroutines == 0 {
		t.Fatalf("unexpected snapshot data: %#v", latest)
	}
	if cpuCalls.Load() == 0 {
		t.Fatal("expected cpu sampler to be invoked")
	}
}
