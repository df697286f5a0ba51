package fetch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Wanan0708/tilemapd/common"
	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/montanaflynn/stats"
)

// fetchMeter meters fetch throughput and logs it on a ticker.
type fetchMeter struct {
	started  time.Time
	interval time.Duration
	ticker   *time.Ticker

	reg        metrics.Registry
	fetches    metrics.Counter
	failures   metrics.Counter
	countMeter metrics.Meter
	sizeMeter  metrics.Meter

	mu        sync.Mutex
	latencies []float64
}

func newFetchMeter(interval time.Duration) *fetchMeter {
	// Won't work without this global setting.
	metrics.Enabled = true

	reg := metrics.NewRegistry()
	fm := &fetchMeter{
		reg:        reg,
		interval:   interval,
		started:    time.Now(),
		fetches:    metrics.NewCounter(),
		failures:   metrics.NewCounter(),
		countMeter: metrics.NewMeter(),
		sizeMeter:  metrics.NewMeter(),
	}
	if err := reg.Register("fetch.count", fm.fetches); err != nil {
		panic(err)
	}
	if err := reg.Register("fetch.failures", fm.failures); err != nil {
		panic(err)
	}
	if err := reg.Register("fetch.meter", fm.countMeter); err != nil {
		panic(err)
	}
	if err := reg.Register("fetch.size.meter", fm.sizeMeter); err != nil {
		panic(err)
	}
	if interval > 0 {
		go fm.run()
	}
	return fm
}

func (fm *fetchMeter) mark(size int, elapsed time.Duration, ok bool) {
	fm.fetches.Inc(1)
	if !ok {
		fm.failures.Inc(1)
	}
	fm.countMeter.Mark(1)
	fm.sizeMeter.Mark(int64(size))

	fm.mu.Lock()
	fm.latencies = append(fm.latencies, float64(elapsed.Milliseconds()))
	fm.mu.Unlock()
}

func (fm *fetchMeter) run() {
	fm.ticker = time.NewTicker(fm.interval)
	for range fm.ticker.C {
		fm.log()
	}
}

func (fm *fetchMeter) log() {
	countSnap := fm.countMeter.Snapshot()
	sizeSnap := fm.sizeMeter.Snapshot()
	if countSnap.Count() == 0 {
		return
	}
	slog.Info("Fetched tiles", "n", humanize.Comma(countSnap.Count()),
		"failed", fm.failures.Snapshot().Count(),
		"tps", common.DecimalToFixed(countSnap.Rate1(), 1),
		"bps", humanize.Bytes(uint64(sizeSnap.Rate1())),
		"total.bytes", humanize.Bytes(uint64(sizeSnap.Count())),
		"running", time.Since(fm.started).Round(time.Second))
}

func (fm *fetchMeter) stop() {
	if fm == nil {
		return
	}
	if fm.ticker != nil {
		fm.ticker.Stop()
	}
	fm.countMeter.Stop()
	fm.sizeMeter.Stop()

	fm.mu.Lock()
	lat := fm.latencies
	fm.mu.Unlock()
	if len(lat) == 0 {
		return
	}
	p50, _ := stats.Percentile(lat, 50)
	p95, _ := stats.Percentile(lat, 95)
	slog.Info("Fetch latency summary",
		"n", len(lat),
		"p50.ms", common.DecimalToFixed(p50, 1),
		"p95.ms", common.DecimalToFixed(p95, 1))
}
