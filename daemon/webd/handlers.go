package webd

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Wanan0708/tilemapd/fetch"
	"github.com/Wanan0708/tilemapd/scheduler"
	"github.com/Wanan0708/tilemapd/tiles"
	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"
)

func pingPong(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

type webDaemonStatus struct {
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
	Addr      string    `json:"addr"`
	WSOpen    bool      `json:"ws_open"`
	WSConns   int       `json:"ws_conns"`
	Inflight  int       `json:"scheduler_inflight"`
	Queued    int       `json:"scheduler_queued"`
}

func (s *WebDaemon) statusReport(w http.ResponseWriter, r *http.Request) {
	st := webDaemonStatus{
		StartedAt: s.started,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Addr:      s.Config.Address,
		WSOpen:    !s.melodyInstance.IsClosed(),
		WSConns:   s.melodyInstance.Len(),
		Inflight:  s.sched.Inflight(),
		Queued:    s.sched.QueueLen(),
	}
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func requestTileKey(r *http.Request) (tiles.TileKey, error) {
	vars := mux.Vars(r)
	z, errZ := strconv.Atoi(vars["z"])
	x, errX := strconv.Atoi(vars["x"])
	y, errY := strconv.Atoi(vars["y"])
	if errZ != nil || errX != nil || errY != nil {
		return tiles.TileKey{}, errors.New("tile coordinates must be integers")
	}
	k := tiles.TileKey{X: x, Y: y, Z: z}
	if !k.Valid() {
		return tiles.TileKey{}, errors.New("tile coordinates out of range")
	}
	return k, nil
}

// handleGetTile serves a tile from the disk cache, fetching it from the
// provider first on a miss. The fetch rides the same pool the viewport
// and bulk paths use, so a tile is never fetched twice concurrently.
func (s *WebDaemon) handleGetTile(w http.ResponseWriter, r *http.Request) {
	key, err := requestTileKey(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := s.store.Read(key)
	if err != nil {
		if s.pool.Absent(key) {
			http.Error(w, "tile absent upstream", http.StatusNotFound)
			return
		}
		reply := make(chan fetch.Result, 1)
		if err := s.pool.Submit(fetch.Job{Kind: fetch.KindFetchSave, Key: key, Reply: reply}); err != nil {
			if errors.Is(err, fetch.ErrPoolStopped) {
				http.Error(w, "fetch pool stopped", http.StatusServiceUnavailable)
				return
			}
			http.Error(w, "fetch queue saturated", http.StatusServiceUnavailable)
			return
		}
		select {
		case res := <-reply:
			if !res.OK() {
				if errors.Is(res.Err, fetch.ErrTileAbsent) {
					http.Error(w, "tile absent upstream", http.StatusNotFound)
					return
				}
				s.logger.Warn("Tile fetch failed", "tile", key, "error", res.Err)
				http.Error(w, "tile fetch failed", http.StatusBadGateway)
				return
			}
			data = res.Data
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("Failed to write tile response", "tile", key, "error", err)
	}
}

func (s *WebDaemon) handleCacheSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Summary()
	if err != nil {
		s.logger.Warn("Failed to summarize cache", "error", err)
		http.Error(w, "Failed to summarize cache", http.StatusInternalServerError)
		return
	}
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *WebDaemon) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if err := json.NewEncoder(w).Encode(s.manifest.Tasks()); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// handleCreateTask accepts a JSON body with minLat/maxLat/minLon/maxLon,
// minZoom/maxZoom and an optional priority, and enqueues a download
// task for the region.
func (s *WebDaemon) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if !gjson.ValidBytes(body) {
		http.Error(w, "invalid JSON", http.StatusUnprocessableEntity)
		return
	}
	parsed := gjson.ParseBytes(body)
	for _, field := range []string{"minLat", "maxLat", "minLon", "maxLon", "minZoom", "maxZoom"} {
		if !parsed.Get(field).Exists() {
			http.Error(w, "missing field: "+field, http.StatusBadRequest)
			return
		}
	}

	task := &scheduler.DownloadTask{
		MinLat:   parsed.Get("minLat").Float(),
		MaxLat:   parsed.Get("maxLat").Float(),
		MinLon:   parsed.Get("minLon").Float(),
		MaxLon:   parsed.Get("maxLon").Float(),
		MinZoom:  int(parsed.Get("minZoom").Int()),
		MaxZoom:  int(parsed.Get("maxZoom").Int()),
		Priority: int(parsed.Get("priority").Int()),
	}
	if task.MinZoom < 0 || task.MaxZoom > tiles.MaxZoom || task.MinZoom > task.MaxZoom {
		http.Error(w, "invalid zoom range", http.StatusBadRequest)
		return
	}

	if err := s.sched.EnqueueTask(task); err != nil {
		s.logger.Error("Failed to enqueue task", "error", err)
		http.Error(w, "Failed to enqueue task", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(task); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *WebDaemon) taskAction(w http.ResponseWriter, r *http.Request, action func(string) error) {
	id := mux.Vars(r)["id"]
	if err := action(id); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		s.logger.Error("Task action failed", "task", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	task, err := s.manifest.Task(id)
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err := json.NewEncoder(w).Encode(task); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *WebDaemon) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, s.sched.PauseTask)
}

func (s *WebDaemon) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, s.sched.ResumeTask)
}

func (s *WebDaemon) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, s.sched.CancelTask)
}
