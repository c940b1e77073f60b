package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

// families groups components for the warn/error counters in the report.
var families = []string{"stream", "venue", "account", "twap", "aggregator"}

type familyStat struct {
	warns  int64
	errors int64
}

var (
	familyStats  = func() map[string]*familyStat {
		m := make(map[string]*familyStat, len(families)+1)
		for _, f := range families {
			m[f] = &familyStat{}
		}
		m["other"] = &familyStat{}
		return m
	}()
	streamReads  int64
	restCalls    int64
	reconnects   int64
	twapChildren int64
	channels     sync.Map // map[string]*channelStat
)

func familyOf(component string) *familyStat {
	for _, f := range families {
		if strings.HasPrefix(component, f) {
			return familyStats[f]
		}
	}
	return familyStats["other"]
}

func recordWarn(component string) {
	atomic.AddInt64(&familyOf(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&familyOf(component).errors, 1)
}

// IncrementStreamRead counts one inbound websocket frame for venue.
func IncrementStreamRead(venue string, size int) {
	atomic.AddInt64(&streamReads, 1)
	recordChannel("ws_"+venue, size)
}

// IncrementRESTCall counts one REST round trip for venue.
func IncrementRESTCall(venue string) {
	atomic.AddInt64(&restCalls, 1)
	recordChannel("rest_"+venue, 0)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func IncrementTwapChild() {
	atomic.AddInt64(&twapChildren, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memUsed, diskUsed uint64
	if memStats != nil {
		memUsed = memStats.Used
	}
	if diskStats != nil {
		diskUsed = diskStats.Used
	}
	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	var totalErrors, totalWarns int64
	familyData := map[string]map[string]int64{}
	for name, fs := range familyStats {
		w, e := atomic.LoadInt64(&fs.warns), atomic.LoadInt64(&fs.errors)
		totalWarns += w
		totalErrors += e
		familyData[name] = map[string]int64{"warns": w, "errors": e}
	}

	fields := Fields{
		"families":       familyData,
		"stream_reads":   atomic.LoadInt64(&streamReads),
		"rest_calls":     atomic.LoadInt64(&restCalls),
		"reconnects":     atomic.LoadInt64(&reconnects),
		"twap_children":  atomic.LoadInt64(&twapChildren),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsed) / 1024 / 1024,
		"disk_mb":        int64(diskUsed) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}
	log.WithComponent("report").WithFields(fields).Info("runtime report")

	if !CloudWatchEnabled() {
		return
	}
	datum := func(name string, unit cwtypes.StandardUnit, v float64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: unit, Value: aws.Float64(v)}
	}
	data := []cwtypes.MetricDatum{
		datum("Worker-CPUPercent", cwtypes.StandardUnitPercent, cpuPct),
		datum("Worker-MemoryMB", cwtypes.StandardUnitMegabytes, float64(memUsed)/1024/1024),
		datum("Worker-DiskMB", cwtypes.StandardUnitMegabytes, float64(diskUsed)/1024/1024),
		datum("Worker-StreamErrors", cwtypes.StandardUnitCount, float64(totalErrors)),
		datum("Worker-StreamWarns", cwtypes.StandardUnitCount, float64(totalWarns)),
		datum("Worker-StreamReads", cwtypes.StandardUnitCount, float64(atomic.LoadInt64(&streamReads))),
		datum("Worker-Reconnects", cwtypes.StandardUnitCount, float64(atomic.LoadInt64(&reconnects))),
		datum("Worker-TwapChildren", cwtypes.StandardUnitCount, float64(atomic.LoadInt64(&twapChildren))),
		datum("Worker-NetBytesSent", cwtypes.StandardUnitBytes, float64(bytesSent)),
		datum("Worker-NetBytesRecv", cwtypes.StandardUnitBytes, float64(bytesRecv)),
	}
	for name, stats := range channelData {
		dims := []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("Worker-ChannelMessages"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["messages"]))},
			cwtypes.MetricDatum{MetricName: aws.String("Worker-ChannelBytes"), Unit: cwtypes.StandardUnitBytes, Dimensions: dims, Value: aws.Float64(float64(stats["bytes"]))},
		)
	}
	publishMetrics(ctx, data)
}
