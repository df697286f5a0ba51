package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestManifestUpsertLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	s := NewManifestStore(path)
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if len(s.Tasks()) != 0 {
		t.Fatal("fresh manifest should be empty")
	}

	task := &DownloadTask{
		MinLat: 18, MaxLat: 54, MinLon: 73, MaxLon: 135,
		MinZoom: 3, MaxZoom: 4,
	}
	if err := s.UpsertTask(task); err != nil {
		t.Fatal(err)
	}
	if task.ID == "" {
		t.Fatal("upsert should assign an id")
	}
	if task.Status != StatusPending {
		t.Errorf("status %q, want pending", task.Status)
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	// A second store over the same file sees the task.
	s2 := NewManifestStore(path)
	if err := s2.Load(); err != nil {
		t.Fatal(err)
	}
	got, err := s2.Task(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MinLat != 18 || got.MaxLon != 135 || got.MaxZoom != 4 {
		t.Errorf("reloaded task: %+v", got)
	}
	if !got.CreatedAt.Equal(task.CreatedAt.Time) {
		t.Errorf("createdAt drifted: %v vs %v", got.CreatedAt, task.CreatedAt)
	}
}

func TestManifestWireFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	s := NewManifestStore(path)
	task := &DownloadTask{MinLat: 1, MaxLat: 2, MinLon: 3, MaxLon: 4, MinZoom: 0, MaxZoom: 1}
	if err := s.UpsertTask(task); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	doc := gjson.ParseBytes(raw)
	if n := len(doc.Get("tasks").Array()); n != 1 {
		t.Fatalf("tasks array length %d", n)
	}
	first := doc.Get("tasks.0")
	for _, field := range []string{
		"id", "minLat", "maxLat", "minLon", "maxLon",
		"minZoom", "maxZoom", "priority", "status",
		"totalTiles", "completedTiles", "failedTiles",
		"createdAt", "updatedAt",
	} {
		if !first.Get(field).Exists() {
			t.Errorf("manifest missing field %q", field)
		}
	}

	// ISO-8601 with milliseconds.
	created := first.Get("createdAt").String()
	if !strings.Contains(created, "T") || !strings.Contains(created, ".") {
		t.Errorf("createdAt not ISO-8601 with millis: %q", created)
	}
	var ts Timestamp
	if err := ts.UnmarshalJSON([]byte(`"` + created + `"`)); err != nil {
		t.Errorf("createdAt %q does not parse: %v", created, err)
	}
}

func TestManifestSaveIsFullRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	s := NewManifestStore(path)
	a := &DownloadTask{MinLat: 1, MaxLat: 2, MinLon: 3, MaxLon: 4}
	b := &DownloadTask{MinLat: 5, MaxLat: 6, MinLon: 7, MaxLon: 8}
	if err := s.UpsertTask(a); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertTask(b); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Update(a.ID, func(task *DownloadTask) {
		task.CompletedTiles = 7
	}); err != nil {
		t.Fatal(err)
	}

	s2 := NewManifestStore(path)
	if err := s2.Load(); err != nil {
		t.Fatal(err)
	}
	if len(s2.Tasks()) != 2 {
		t.Fatalf("task count %d", len(s2.Tasks()))
	}
	got, _ := s2.Task(a.ID)
	if got.CompletedTiles != 7 {
		t.Errorf("mutation not persisted: %+v", got)
	}
}

func TestManifestDistinctIDs(t *testing.T) {
	s := NewManifestStore(filepath.Join(t.TempDir(), "manifest.json"))
	a := &DownloadTask{MinLat: 1, MaxLat: 2, MinLon: 3, MaxLon: 4}
	b := &DownloadTask{MinLat: 1, MaxLat: 2, MinLon: 3, MaxLon: 5}
	if err := s.UpsertTask(a); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertTask(b); err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Errorf("distinct tasks share id %s", a.ID)
	}
}

func TestManifestHandsOutCopies(t *testing.T) {
	// Task and Tasks return copies: the scheduler goroutine and HTTP
	// handlers both hold results, so shared pointers would race.
	s := NewManifestStore(filepath.Join(t.TempDir(), "manifest.json"))
	a := &DownloadTask{MinLat: 1, MaxLat: 2, MinLon: 3, MaxLon: 4}
	if err := s.UpsertTask(a); err != nil {
		t.Fatal(err)
	}

	got, err := s.Task(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	got.CompletedTiles = 99
	got.Status = StatusCancelled

	s.Tasks()[0].FailedTiles = 42

	again, err := s.Task(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.CompletedTiles != 0 || again.FailedTiles != 0 || again.Status != StatusPending {
		t.Errorf("caller mutations leaked into the store: %+v", again)
	}

	// The caller's own struct stays theirs after Upsert too.
	a.TotalTiles = 7
	stored, _ := s.Task(a.ID)
	if stored.TotalTiles != 0 {
		t.Errorf("upserted pointer still shared: %+v", stored)
	}
}

func TestManifestUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	s := NewManifestStore(path)
	a := &DownloadTask{MinLat: 1, MaxLat: 2, MinLon: 3, MaxLon: 4}
	if err := s.UpsertTask(a); err != nil {
		t.Fatal(err)
	}
	before := a.UpdatedAt

	updated, err := s.Update(a.ID, func(task *DownloadTask) {
		task.CompletedTiles = 5
		task.Status = StatusDownloading
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.CompletedTiles != 5 || updated.Status != StatusDownloading {
		t.Errorf("update result: %+v", updated)
	}
	if updated.UpdatedAt.Before(before.Time) {
		t.Errorf("updatedAt not bumped: %v -> %v", before, updated.UpdatedAt)
	}

	s2 := NewManifestStore(path)
	if err := s2.Load(); err != nil {
		t.Fatal(err)
	}
	got, _ := s2.Task(a.ID)
	if got.CompletedTiles != 5 {
		t.Errorf("update not persisted: %+v", got)
	}

	if _, err := s.Update("no-such-task", func(*DownloadTask) {}); err != ErrTaskNotFound {
		t.Errorf("unknown id: %v", err)
	}
}
