package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wanan0708/tilemapd/cache"
	"github.com/Wanan0708/tilemapd/events"
	"github.com/Wanan0708/tilemapd/metrics/influxdb"
	"github.com/Wanan0708/tilemapd/params"
	"github.com/Wanan0708/tilemapd/tiles"
	"github.com/jellydator/ttlcache/v3"
)

var (
	// ErrTileAbsent is the definitive 404 outcome; never retried, and the
	// key enters the negative cache for the configured TTL.
	ErrTileAbsent = errors.New("tile absent upstream (404)")

	ErrEmptyPayload   = errors.New("empty tile payload")
	ErrBadSignature   = errors.New("payload is not a signed raster image")
	ErrPoolStopped    = errors.New("fetch pool stopped")
	ErrQueueSaturated = errors.New("fetch queue saturated")
)

// Pool runs fetch and decode work off the interactive thread.
// Workers consume a bounded job channel; completions go back on per-job
// reply channels, and every fetch-and-save outcome additionally lands on
// events.TileCachedFeed so bulk-download accounting can observe it.
type Pool struct {
	cfg      *params.FetchConfig
	provider *params.TileProviderConfig
	store    *cache.Cache
	logger   *slog.Logger

	client *http.Client
	jobs   chan Job

	// absent is the negative cache of definitively-404'd keys.
	absent *ttlcache.Cache[tiles.TileKey, time.Time]

	// flights single-flights fetch-and-save work per key: later
	// submissions for a key already in flight attach their reply
	// channels here instead of issuing a duplicate fetch.
	flightMu sync.Mutex
	flights  map[tiles.TileKey][]chan<- Result

	serverCursor atomic.Uint32
	meter        *fetchMeter
	samples      *sampleBuffer

	running  sync.WaitGroup
	stopped  atomic.Bool
	stopOnce sync.Once
}

func NewPool(cfg *params.FetchConfig, provider *params.TileProviderConfig, store *cache.Cache) *Pool {
	logger := slog.With("unit", "fetch")
	if cfg == nil {
		logger.Warn("No config provided, using default")
		cfg = params.DefaultFetchConfig()
	}
	if provider == nil {
		provider = params.DefaultTileProviderConfig()
	}
	return &Pool{
		cfg:      cfg,
		provider: provider,
		store:    store,
		logger:   logger,
		// One shared client; connections are reused across attempts
		// and workers. Per-attempt deadlines ride on the request context.
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		jobs:    make(chan Job, params.DefaultChannelCap),
		flights: make(map[tiles.TileKey][]chan<- Result),
		absent: ttlcache.New[tiles.TileKey, time.Time](
			ttlcache.WithTTL[tiles.TileKey, time.Time](cfg.AbsentTTL)),
		meter:   newFetchMeter(cfg.MeterLogInterval),
		samples: newSampleBuffer(),
	}
}

func (p *Pool) Start() {
	go p.absent.Start()
	for i := 0; i < p.cfg.Workers; i++ {
		p.running.Add(1)
		go p.work(i)
	}
	p.logger.Info("Fetch pool started", "workers", p.cfg.Workers)
}

// Stop drains workers and logs the latency summary. Safe to call twice.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.jobs)
		p.running.Wait()
		p.absent.Stop()
		p.meter.stop()
		p.samples.flush(p.logger)
	})
}

// Submit enqueues a job without blocking, returning ErrPoolStopped or
// ErrQueueSaturated when the job was not accepted. Fetch-and-save work
// is single-flighted per key: submitting a key already in flight
// attaches the reply to the existing flight and issues nothing new, so
// a tile is never fetched twice concurrently no matter how many
// components ask for it.
func (p *Pool) Submit(job Job) error {
	if p.stopped.Load() {
		return ErrPoolStopped
	}
	if job.Kind != KindFetchSave {
		select {
		case p.jobs <- job:
			return nil
		default:
			return ErrQueueSaturated
		}
	}

	p.flightMu.Lock()
	defer p.flightMu.Unlock()
	if waiters, ok := p.flights[job.Key]; ok {
		if job.Reply != nil {
			p.flights[job.Key] = append(waiters, job.Reply)
		}
		return nil
	}
	select {
	case p.jobs <- job:
		var waiters []chan<- Result
		if job.Reply != nil {
			waiters = append(waiters, job.Reply)
		}
		p.flights[job.Key] = waiters
		return nil
	default:
		return ErrQueueSaturated
	}
}

// Absent reports whether the key recently 404'd and should not be re-issued.
func (p *Pool) Absent(k tiles.TileKey) bool {
	return p.absent.Has(k)
}

// TileURL renders the provider template for a key, rotating {server}
// round-robin across the configured aliases.
func (p *Pool) TileURL(k tiles.TileKey) string {
	server := ""
	if n := len(p.provider.Servers); n > 0 {
		server = p.provider.Servers[int(p.serverCursor.Add(1)-1)%n]
	}
	return strings.NewReplacer(
		"{x}", strconv.Itoa(k.X),
		"{y}", strconv.Itoa(k.Y),
		"{z}", strconv.Itoa(k.Z),
		"{server}", server,
	).Replace(p.provider.URLTemplate)
}

func (p *Pool) work(id int) {
	defer p.running.Done()
	for job := range p.jobs {
		if job.Kind == KindLoadFile {
			res := p.loadFile(job.Key)
			if job.Reply != nil {
				job.Reply <- res
			}
			continue
		}

		res := p.fetchAndSave(job.Key)

		p.flightMu.Lock()
		waiters := p.flights[job.Key]
		delete(p.flights, job.Key)
		p.flightMu.Unlock()

		events.TileCachedFeed.Send(events.TileCached{
			Key:     res.Key,
			Size:    len(res.Data),
			Elapsed: res.Elapsed,
			Err:     errString(res.Err),
		})
		p.meter.mark(len(res.Data), res.Elapsed, res.OK())
		p.samples.add(influxdb.Sample{
			Key: res.Key, Elapsed: res.Elapsed, Size: len(res.Data), OK: res.OK(), At: time.Now(),
		}, p.logger)

		for _, reply := range waiters {
			reply <- res
		}
	}
	p.logger.Debug("Fetch worker done", "worker", id)
}

// fetchAndSave GETs a tile with bounded retries and persists it before
// reporting. Transient failures and malformed payloads are retried with
// linear backoff; a 404 and disk write failures are definitive.
func (p *Pool) fetchAndSave(k tiles.TileKey) Result {
	start := time.Now()
	url := p.TileURL(k)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.RetryMax; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt-1) * p.cfg.BackoffInitial)
		}
		data, err := p.get(url)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrTileAbsent) {
				p.absent.Set(k, time.Now(), ttlcache.DefaultTTL)
				break
			}
			p.logger.Debug("Fetch attempt failed",
				"key", k, "attempt", fmt.Sprintf("%d/%d", attempt, p.cfg.RetryMax), "error", err)
			continue
		}

		// Bytes hit disk before the completion is reported. A write
		// failure is a permissions or disk-space problem; retrying
		// will not fix it.
		if err := p.store.Write(k, data); err != nil {
			lastErr = err
			break
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrBadSignature, err)
			continue
		}
		return Result{Key: k, Img: img, Data: data, Elapsed: time.Since(start)}
	}
	return Result{Key: k, Err: lastErr, Elapsed: time.Since(start)}
}

func (p *Pool) get(url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AttemptTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "tilemapd/1.0")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrTileAbsent
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	if !wellSigned(data) {
		return nil, ErrBadSignature
	}
	return data, nil
}

func (p *Pool) loadFile(k tiles.TileKey) Result {
	start := time.Now()
	img, err := p.store.ReadImage(k)
	return Result{Key: k, Img: img, Err: err, Elapsed: time.Since(start)}
}

var pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
var jpegMagic = []byte{0xFF, 0xD8}

func wellSigned(data []byte) bool {
	return bytes.HasPrefix(data, pngMagic) || bytes.HasPrefix(data, jpegMagic)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
