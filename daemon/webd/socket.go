package webd

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"

	"github.com/Wanan0708/tilemapd/events"
	"github.com/Wanan0708/tilemapd/params"
	"github.com/olahol/melody"
)

type websocketAction string

const (
	websocketActionTileCached    websocketAction = "tileCached"
	websocketActionTaskProgress  websocketAction = "taskProgress"
	websocketActionTaskStatus    websocketAction = "taskStatus"
	websocketActionTasksFinished websocketAction = "tasksFinished"
	websocketActionCacheSummary  websocketAction = "cacheSummary"
	websocketActionPlaceTile     websocketAction = "placeTile"
	websocketActionRemoveTile    websocketAction = "removeTile"
	websocketActionSceneSize     websocketAction = "sceneSize"
)

type broadcast struct {
	Action  websocketAction `json:"action"`
	Payload any             `json:"payload,omitempty"`
}

// initMelody sets up the websocket handler and bridges the engine's
// event feeds onto it. Connected clients get the cache summary first,
// then a stream of tile and task events.
func (s *WebDaemon) initMelody(ctx context.Context) {
	s.melodyInstance = melody.New()

	s.melodyInstance.HandleConnect(func(sess *melody.Session) {
		log.Println("[websocket] connected", sess.Request.RemoteAddr)
		summary, err := s.store.Summary()
		if err != nil {
			s.logger.Warn("Failed to summarize cache for websocket hello", "error", err)
			return
		}
		b, _ := json.Marshal(broadcast{Action: websocketActionCacheSummary, Payload: summary})
		_ = sess.Write(b)
	})

	// Incoming messages drive the client's server-side viewport.
	s.melodyInstance.HandleMessage(func(sess *melody.Session, msg []byte) {
		s.handleViewportMessage(ctx, sess, msg)
	})

	s.melodyInstance.HandleDisconnect(func(sess *melody.Session) {
		log.Println("[websocket] disconnected", sess.Request.RemoteAddr)
		s.closeViewport(sess)
	})

	s.melodyInstance.HandleError(func(sess *melody.Session, e error) {
		log.Println("[websocket] error", e, sess.Request.RemoteAddr)
	})

	cached := make(chan events.TileCached, params.DefaultChannelCap)
	progress := make(chan events.TaskProgress, params.DefaultChannelCap)
	status := make(chan events.TaskStatus, params.DefaultChannelCap)
	finished := make(chan struct{}, 1)

	cachedSub := events.TileCachedFeed.Subscribe(cached)
	progressSub := events.TaskProgressFeed.Subscribe(progress)
	statusSub := events.TaskStatusFeed.Subscribe(status)
	finishedSub := events.TasksFinishedFeed.Subscribe(finished)

	go func() {
		defer cachedSub.Unsubscribe()
		defer progressSub.Unsubscribe()
		defer statusSub.Unsubscribe()
		defer finishedSub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-cached:
				s.broadcast(websocketActionTileCached, ev)
			case ev := <-progress:
				s.broadcast(websocketActionTaskProgress, ev)
			case ev := <-status:
				s.broadcast(websocketActionTaskStatus, ev)
			case <-finished:
				s.broadcast(websocketActionTasksFinished, nil)
			}
		}
	}()
}

func (s *WebDaemon) broadcast(action websocketAction, payload any) {
	if s.melodyInstance.IsClosed() || s.melodyInstance.Len() == 0 {
		return
	}
	b, err := json.Marshal(broadcast{Action: action, Payload: payload})
	if err != nil {
		slog.Error("Failed to marshal websocket event", "error", err)
		return
	}
	if err := s.melodyInstance.Broadcast(b); err != nil {
		slog.Warn("Failed to broadcast websocket event", "error", err)
	}
}
