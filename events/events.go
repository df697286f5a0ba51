package events

import (
	"time"

	"github.com/Wanan0708/tilemapd/tiles"
	"github.com/ethereum/go-ethereum/event"
)

// TileCached is emitted once per fetch-and-save completion, after the bytes
// are on disk (or after the fetch definitively failed). Delivery is
// idempotent for consumers: a completion for an unknown key is ignored.
type TileCached struct {
	Key     tiles.TileKey
	Size    int
	Elapsed time.Duration
	// Err is empty on success. Values cross an event feed, so the error
	// travels as a string rather than an error.
	Err string
}

func (tc TileCached) OK() bool { return tc.Err == "" }

// TaskProgress reports bulk-download accounting for one task.
type TaskProgress struct {
	TaskID    string
	Completed int
	Failed    int
	Total     int
}

// TaskStatus is emitted on every download-task state transition.
type TaskStatus struct {
	TaskID string
	Status string
}

// ZoomCount is one line of the startup local-tile discovery summary.
type ZoomCount struct {
	Zoom  int
	Count int
	Bytes int64
}

// TileCachedFeed carries every fetch-and-save outcome, scheduler-issued or
// ad hoc viewport loads alike.
var TileCachedFeed = event.FeedOf[TileCached]{}

var TaskProgressFeed = event.FeedOf[TaskProgress]{}

var TaskStatusFeed = event.FeedOf[TaskStatus]{}

// TasksFinishedFeed fires when the scheduler drains its queue with no
// in-flight jobs remaining.
var TasksFinishedFeed = event.FeedOf[struct{}]{}

// CacheDiscoveredFeed carries the per-zoom cache census taken at startup.
var CacheDiscoveredFeed = event.FeedOf[[]ZoomCount]{}
