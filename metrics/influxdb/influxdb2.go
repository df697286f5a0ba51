package influxdb

import (
	"strconv"
	"sync"
	"time"

	"github.com/Wanan0708/tilemapd/params"
	"github.com/Wanan0708/tilemapd/tiles"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
)

// Sample is one completed fetch attempt.
type Sample struct {
	Key     tiles.TileKey
	Elapsed time.Duration
	Size    int
	OK      bool
	At      time.Time
}

// Enabled reports whether an InfluxDB target is configured.
func Enabled() bool {
	return params.INFLUXDB_URL != ""
}

// ExportFetchSamples posts fetch samples to an InfluxDB Write API.
// Because it accepts a slice, use batches. The Write API will buffer and flush.
// The last error encountered is returned.
func ExportFetchSamples(samples []Sample) error {
	opts := influxdb2.DefaultOptions()
	opts.SetPrecision(time.Millisecond)
	client := influxdb2.NewClientWithOptions(params.INFLUXDB_URL, params.INFLUXDB_TOKEN, opts)
	writeAPI := client.WriteAPI(params.INFLUXDB_ORG, params.INFLUXDB_BUCKET)

	// Errors returns a channel for reading errors which occurs during async writes.
	// Must be called before performing any writes for errors to be collected.
	// The chan is unbuffered and must be drained or the writer will block.
	// https://github.com/influxdata/influxdb-client-go?tab=readme-ov-file#reading-async-errors
	errorsCh := writeAPI.Errors()
	var err error
	wait := sync.WaitGroup{}
	wait.Add(1)
	go func() {
		defer wait.Done()
		for e := range errorsCh {
			if e != nil {
				err = e
			}
		}
	}()

	for _, s := range samples {
		ok := 0
		if s.OK {
			ok = 1
		}
		p := influxdb2.NewPointWithMeasurement("tilefetch").
			SetTime(s.At).
			AddTag("zoom", strconv.Itoa(s.Key.Z)).
			AddTag("tile", s.Key.String()).
			AddField("elapsed_ms", s.Elapsed.Milliseconds()).
			AddField("size", s.Size).
			AddField("ok", ok)
		writeAPI.WritePoint(p)
	}
	writeAPI.Flush()
	client.Close()
	wait.Wait()
	return err
}
