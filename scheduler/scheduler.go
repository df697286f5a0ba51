// Package scheduler turns persisted bulk-download tasks into a
// rate-and-concurrency-limited stream of tile fetch jobs, attributing
// asynchronous completions back to their owning task.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Wanan0708/tilemapd/events"
	"github.com/Wanan0708/tilemapd/fetch"
	"github.com/Wanan0708/tilemapd/params"
	"github.com/Wanan0708/tilemapd/tiles"
)

// Fetcher issues asynchronous tile work. *fetch.Pool satisfies it.
type Fetcher interface {
	Submit(job fetch.Job) error
	Absent(key tiles.TileKey) bool
}

// TileJob attributes one tile to its owning task while queued or in
// flight.
type TileJob struct {
	TaskID string
	Key    tiles.TileKey
}

type Scheduler struct {
	cfg     *params.SchedulerConfig
	store   *ManifestStore
	fetcher Fetcher
	cached  func(tiles.TileKey) bool
	logger  *slog.Logger

	mu          sync.Mutex
	queue       []TileJob
	outstanding map[tiles.TileKey]string
	inflight    int
	rebuild     bool

	// active tracks whether any work was issued since the last
	// all-finished notification, so the feed fires once per drain.
	active bool
}

func NewScheduler(cfg *params.SchedulerConfig, store *ManifestStore, fetcher Fetcher, cached func(tiles.TileKey) bool) *Scheduler {
	if cfg == nil {
		cfg = params.DefaultSchedulerConfig()
	}
	return &Scheduler{
		cfg:         cfg,
		store:       store,
		fetcher:     fetcher,
		cached:      cached,
		logger:      slog.With("unit", "scheduler"),
		outstanding: make(map[tiles.TileKey]string),
		rebuild:     true,
	}
}

// EnqueueTask persists a task and schedules a queue rebuild.
func (s *Scheduler) EnqueueTask(task *DownloadTask) error {
	if err := s.store.UpsertTask(task); err != nil {
		return err
	}
	s.mu.Lock()
	s.rebuild = true
	s.mu.Unlock()
	events.TaskStatusFeed.Send(events.TaskStatus{TaskID: task.ID, Status: string(task.Status)})
	return nil
}

// Run issues jobs on the rate-limit tick and consumes tile-cached
// completions until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	cached := make(chan events.TileCached, params.DefaultChannelCap)
	sub := events.TileCachedFeed.Subscribe(cached)
	defer sub.Unsubscribe()

	ticker := time.NewTicker(s.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-cached:
			s.Notify(ev)
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick issues at most one job, rebuilding the queue first if needed.
func (s *Scheduler) Tick() {
	s.mu.Lock()

	if s.rebuild {
		s.rebuild = false
		s.buildQueueFromTasks()
	}

	if len(s.queue) == 0 {
		drained := s.active && s.inflight == 0
		if drained {
			s.active = false
		}
		s.mu.Unlock()
		if drained {
			s.logger.Info("All download tasks finished")
			events.TasksFinishedFeed.Send(struct{}{})
		}
		return
	}

	if s.inflight >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		return
	}

	job := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()
	s.issue(job)
}

// issue registers the outstanding mapping before any work is started,
// so a completion arriving in the same tick always finds it.
func (s *Scheduler) issue(job TileJob) {
	task, err := s.store.Task(job.TaskID)
	if err != nil || (task.Status != StatusPending && task.Status != StatusDownloading) {
		return
	}
	if task.Status == StatusPending {
		if _, err := s.store.Update(task.ID, func(t *DownloadTask) {
			t.Status = StatusDownloading
		}); err != nil {
			s.logger.Error("Failed to persist manifest", "error", err)
		}
		events.TaskStatusFeed.Send(events.TaskStatus{TaskID: task.ID, Status: string(StatusDownloading)})
	}

	s.mu.Lock()
	if _, ok := s.outstanding[job.Key]; ok {
		// Never double-issue a key. Requeue and try again later; the
		// current flight may belong to another task.
		s.queue = append(s.queue, job)
		s.mu.Unlock()
		return
	}
	s.outstanding[job.Key] = job.TaskID
	s.inflight++
	s.active = true
	s.mu.Unlock()

	if s.cached != nil && s.cached(job.Key) {
		s.Notify(events.TileCached{Key: job.Key})
		return
	}
	if s.fetcher.Absent(job.Key) {
		s.Notify(events.TileCached{Key: job.Key, Err: fetch.ErrTileAbsent.Error()})
		return
	}
	if err := s.fetcher.Submit(fetch.Job{Kind: fetch.KindFetchSave, Key: job.Key}); err != nil {
		s.Notify(events.TileCached{Key: job.Key, Err: err.Error()})
	}
}

// Notify consumes a tile-cached completion. Completions for keys with
// no outstanding mapping are ignored; they belong to viewport fetches.
func (s *Scheduler) Notify(ev events.TileCached) {
	s.mu.Lock()
	taskID, ok := s.outstanding[ev.Key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.outstanding, ev.Key)
	s.inflight--
	s.mu.Unlock()

	done := false
	task, err := s.store.Update(taskID, func(t *DownloadTask) {
		if t.CompletedTiles+t.FailedTiles < t.TotalTiles {
			if ev.OK() {
				t.CompletedTiles++
			} else {
				t.FailedTiles++
			}
		}
		if t.TotalTiles > 0 && t.CompletedTiles+t.FailedTiles >= t.TotalTiles {
			done = true
			if t.Status == StatusDownloading {
				t.Status = StatusCompleted
			}
		}
	})
	if err != nil {
		if !errors.Is(err, ErrTaskNotFound) {
			s.logger.Error("Failed to persist manifest", "error", err)
		}
		return
	}

	events.TaskProgressFeed.Send(events.TaskProgress{
		TaskID:    task.ID,
		Completed: task.CompletedTiles,
		Failed:    task.FailedTiles,
		Total:     task.TotalTiles,
	})
	if done {
		s.logger.Info("Download task completed", "task", task.ID,
			"completed", task.CompletedTiles, "failed", task.FailedTiles)
		events.TaskStatusFeed.Send(events.TaskStatus{TaskID: task.ID, Status: string(task.Status)})
	}
}

// PauseTask drops the task's queued jobs and marks it paused.
// In-flight jobs finish naturally and still count.
func (s *Scheduler) PauseTask(id string) error {
	if _, err := s.store.Update(id, func(t *DownloadTask) {
		t.Status = StatusPaused
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.dropQueued(id)
	s.mu.Unlock()
	events.TaskStatusFeed.Send(events.TaskStatus{TaskID: id, Status: string(StatusPaused)})
	return nil
}

// ResumeTask returns a paused task to pending and forces a queue
// rebuild on the next tick.
func (s *Scheduler) ResumeTask(id string) error {
	resumed := false
	if _, err := s.store.Update(id, func(t *DownloadTask) {
		if t.Status == StatusPaused {
			t.Status = StatusPending
			resumed = true
		}
	}); err != nil {
		return err
	}
	if !resumed {
		return nil
	}
	s.mu.Lock()
	s.rebuild = true
	s.mu.Unlock()
	events.TaskStatusFeed.Send(events.TaskStatus{TaskID: id, Status: string(StatusPending)})
	return nil
}

// CancelTask drops the task's queued jobs and clears its in-flight
// mappings so their slots free immediately. The network requests
// themselves are not aborted; their completions will find no mapping
// and be ignored.
func (s *Scheduler) CancelTask(id string) error {
	if _, err := s.store.Update(id, func(t *DownloadTask) {
		t.Status = StatusCancelled
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.dropQueued(id)
	for key, owner := range s.outstanding {
		if owner == id {
			delete(s.outstanding, key)
			s.inflight--
		}
	}
	s.mu.Unlock()
	events.TaskStatusFeed.Send(events.TaskStatus{TaskID: id, Status: string(StatusCancelled)})
	return nil
}

// dropQueued filters one task's jobs out of the queue. Callers hold
// s.mu.
func (s *Scheduler) dropQueued(id string) {
	kept := s.queue[:0]
	for _, job := range s.queue {
		if job.TaskID != id {
			kept = append(kept, job)
		}
	}
	s.queue = kept
}

// QueueLen reports the number of queued (not yet issued) jobs.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Inflight reports the number of issued-but-unfinished jobs.
func (s *Scheduler) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// buildQueueFromTasks expands every pending and downloading task into
// its full tile set, higher priority first. Progress counters are
// reset and re-earned as the queue drains: tiles already on disk
// complete instantly when dequeued, so the counters converge without
// double counting across restarts. Keys a task already has in flight
// are not re-queued; their outstanding mappings survive the rebuild
// and their real completions earn the count, so a mid-download rebuild
// never counts a tile twice or completes a task early. Callers hold
// s.mu.
func (s *Scheduler) buildQueueFromTasks() {
	s.queue = s.queue[:0]

	tasks := s.store.Tasks()
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority > tasks[j].Priority
	})

	for _, task := range tasks {
		if task.Status != StatusPending && task.Status != StatusDownloading {
			continue
		}
		bound := tiles.Bound(task.MinLat, task.MaxLat, task.MinLon, task.MaxLon)
		total := 0
		inflight := 0
		for z := task.MinZoom; z <= task.MaxZoom; z++ {
			r := tiles.RangeForBound(bound, z)
			total += r.Count()
			r.Each(func(key tiles.TileKey) {
				if s.outstanding[key] == task.ID {
					inflight++
					return
				}
				s.queue = append(s.queue, TileJob{TaskID: task.ID, Key: key})
			})
		}
		if task.TotalTiles != total || task.CompletedTiles != 0 || task.FailedTiles != 0 {
			if _, err := s.store.Update(task.ID, func(t *DownloadTask) {
				t.TotalTiles = total
				t.CompletedTiles = 0
				t.FailedTiles = 0
			}); err != nil {
				s.logger.Error("Failed to persist manifest", "error", err)
			}
		}
		s.logger.Info("Queued download task", "task", task.ID,
			"zooms", []int{task.MinZoom, task.MaxZoom}, "tiles", total, "inflight", inflight)
	}
}
