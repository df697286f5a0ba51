package fetch

import (
	"log/slog"
	"sync"

	"github.com/Wanan0708/tilemapd/metrics/influxdb"
)

const sampleFlushSize = 100

// sampleBuffer batches fetch samples for InfluxDB export.
// If no InfluxDB target is configured it drops everything.
type sampleBuffer struct {
	mu      sync.Mutex
	samples []influxdb.Sample
}

func newSampleBuffer() *sampleBuffer {
	return &sampleBuffer{}
}

func (b *sampleBuffer) add(s influxdb.Sample, logger *slog.Logger) {
	if !influxdb.Enabled() {
		return
	}
	b.mu.Lock()
	b.samples = append(b.samples, s)
	var batch []influxdb.Sample
	if len(b.samples) >= sampleFlushSize {
		batch = b.samples
		b.samples = nil
	}
	b.mu.Unlock()
	if batch != nil {
		go b.export(batch, logger)
	}
}

func (b *sampleBuffer) flush(logger *slog.Logger) {
	if !influxdb.Enabled() {
		return
	}
	b.mu.Lock()
	batch := b.samples
	b.samples = nil
	b.mu.Unlock()
	if len(batch) > 0 {
		b.export(batch, logger)
	}
}

func (b *sampleBuffer) export(batch []influxdb.Sample, logger *slog.Logger) {
	if err := influxdb.ExportFetchSamples(batch); err != nil {
		logger.Error("Failed to export fetch samples", "error", err)
	}
}
