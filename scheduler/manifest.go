package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// TimestampLayout is ISO-8601 with millisecond precision, the format
// the manifest file carries on disk.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp marshals as ISO-8601 with milliseconds.
type Timestamp struct {
	time.Time
}

func Now() Timestamp {
	return Timestamp{time.Now()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format(TimestampLayout))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
)

// DownloadTask is one bulk-download request: a bounding box, a zoom
// range, and progress counters. Persisted in the manifest after every
// mutation.
type DownloadTask struct {
	ID     string  `json:"id"`
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLon float64 `json:"minLon"`
	MaxLon float64 `json:"maxLon"`

	MinZoom int `json:"minZoom"`
	MaxZoom int `json:"maxZoom"`

	Priority int    `json:"priority"`
	Status   Status `json:"status"`

	// TotalTiles is computed the first time the task's tile set is
	// expanded; zero means not yet expanded.
	TotalTiles     int `json:"totalTiles"`
	CompletedTiles int `json:"completedTiles"`
	FailedTiles    int `json:"failedTiles"`

	CreatedAt Timestamp `json:"createdAt"`
	UpdatedAt Timestamp `json:"updatedAt"`
}

type manifest struct {
	Tasks []*DownloadTask `json:"tasks"`
}

var ErrTaskNotFound = errors.New("task not found")

// ManifestStore persists download tasks as a flat JSON document.
// Every Save is a whole-file rewrite through a temp file and rename.
// The store owns its tasks: accessors return copies, and all field
// mutation goes through Update under the store lock, so callers on
// different goroutines never share a *DownloadTask.
type ManifestStore struct {
	mu    sync.Mutex
	path  string
	tasks []*DownloadTask
}

func NewManifestStore(path string) *ManifestStore {
	return &ManifestStore{path: path}
}

// Load replaces in-memory state with the on-disk manifest. A missing
// file is an empty manifest, not an error.
func (s *ManifestStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.tasks = nil
			return nil
		}
		return err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("manifest %s: %w", s.path, err)
	}
	s.tasks = m.Tasks
	return nil
}

// Save rewrites the whole manifest.
func (s *ManifestStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *ManifestStore) save() error {
	data, err := json.MarshalIndent(manifest{Tasks: s.tasks}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0770); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0660); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// UpsertTask adds or replaces a task, generating an id and timestamps
// for a new one, and persists.
func (s *ManifestStore) UpsertTask(task *DownloadTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := Now()
	if task.ID == "" {
		task.CreatedAt = now
		id, err := taskID(task)
		if err != nil {
			return err
		}
		task.ID = id
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	task.UpdatedAt = now
	stored := *task
	for i, t := range s.tasks {
		if t.ID == stored.ID {
			s.tasks[i] = &stored
			return s.save()
		}
	}
	s.tasks = append(s.tasks, &stored)
	return s.save()
}

// find returns the stored task. Callers hold s.mu.
func (s *ManifestStore) find(id string) *DownloadTask {
	for _, t := range s.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Task returns a copy of the task with the given id.
func (s *ManifestStore) Task(id string) (*DownloadTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.find(id)
	if t == nil {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// Tasks returns copies of every task.
func (s *ManifestStore) Tasks() []*DownloadTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*DownloadTask, len(s.tasks))
	for i, t := range s.tasks {
		cp := *t
		out[i] = &cp
	}
	return out
}

// Update applies fn to a task under the store lock, bumps UpdatedAt,
// persists, and returns a copy of the result.
func (s *ManifestStore) Update(id string, fn func(*DownloadTask)) (*DownloadTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.find(id)
	if t == nil {
		return nil, ErrTaskNotFound
	}
	fn(t)
	t.UpdatedAt = Now()
	if err := s.save(); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func taskID(task *DownloadTask) (string, error) {
	h, err := hashstructure.Hash(struct {
		MinLat, MaxLat, MinLon, MaxLon float64
		MinZoom, MaxZoom               int
		CreatedAt                      string
	}{
		task.MinLat, task.MaxLat, task.MinLon, task.MaxLon,
		task.MinZoom, task.MaxZoom,
		task.CreatedAt.Format(TimestampLayout),
	}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h), nil
}
