package fetch

import (
	"image"
	"time"

	"github.com/Wanan0708/tilemapd/tiles"
)

type Kind int

const (
	// KindFetchSave performs an HTTP GET and persists the bytes to the
	// disk cache before the completion is reported.
	KindFetchSave Kind = iota

	// KindLoadFile decodes an already-cached tile from disk.
	KindLoadFile
)

// Job is one unit of worker-pool work.
type Job struct {
	Kind Kind
	Key  tiles.TileKey

	// Reply receives the completion. May be nil: scheduler-issued jobs
	// observe outcomes through the TileCached feed instead.
	Reply chan<- Result
}

// Result is an asynchronous completion. Results may arrive out of order
// across tiles; consumers must tolerate that.
type Result struct {
	Key     tiles.TileKey
	Img     image.Image
	Data    []byte
	Err     error
	Elapsed time.Duration
}

func (r Result) OK() bool { return r.Err == nil }
