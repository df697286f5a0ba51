package webd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Wanan0708/tilemapd/manager"
	"github.com/Wanan0708/tilemapd/tiles"
	"github.com/olahol/melody"
	"github.com/tidwall/gjson"
)

const sessionViewportKey = "viewport"

// viewportSession is a server-side viewport: one manager per websocket
// client, driven by view/pan/zoom messages and answering with tile
// placement messages.
type viewportSession struct {
	manager *manager.Manager
	cancel  context.CancelFunc
}

// sessionSurface forwards manager placements to the websocket client.
// The client retrieves pixels itself via /tiles/{z}/{x}/{y}.png; the
// placement message carries only the key and absolute scene position.
type sessionSurface struct {
	sess *melody.Session
}

type placedTile struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Z      int     `json:"z"`
	SceneX float64 `json:"sceneX"`
	SceneY float64 `json:"sceneY"`
	URL    string  `json:"url"`
}

func (s *sessionSurface) write(action websocketAction, payload any) {
	b, err := json.Marshal(broadcast{Action: action, Payload: payload})
	if err != nil {
		return
	}
	_ = s.sess.Write(b)
}

func (s *sessionSurface) PlaceTile(item *manager.TileItem) {
	s.write(websocketActionPlaceTile, placedTile{
		X: item.Key.X, Y: item.Key.Y, Z: item.Key.Z,
		SceneX: item.SceneX, SceneY: item.SceneY,
		URL: fmt.Sprintf("/tiles/%d/%d/%d.png", item.Key.Z, item.Key.X, item.Key.Y),
	})
}

func (s *sessionSurface) RemoveTile(key tiles.TileKey) {
	s.write(websocketActionRemoveTile, map[string]int{"x": key.X, "y": key.Y, "z": key.Z})
}

func (s *sessionSurface) SetSceneSize(w, h float64) {
	s.write(websocketActionSceneSize, map[string]float64{"w": w, "h": h})
}

func (s *WebDaemon) viewportFor(ctx context.Context, sess *melody.Session) *viewportSession {
	if v, ok := sess.Get(sessionViewportKey); ok {
		return v.(*viewportSession)
	}
	mgr := manager.NewManager(s.Config.ManagerConfig, s.pool, s.store.Exists, &sessionSurface{sess: sess})
	sessCtx, cancel := context.WithCancel(ctx)
	go mgr.Run(sessCtx)
	vp := &viewportSession{manager: mgr, cancel: cancel}
	sess.Set(sessionViewportKey, vp)
	return vp
}

func (s *WebDaemon) closeViewport(sess *melody.Session) {
	if v, ok := sess.Get(sessionViewportKey); ok {
		v.(*viewportSession).cancel()
	}
}

// handleViewportMessage drives a session's manager from a JSON message.
// Recognized actions:
//
//	{"action":"view","lat":..,"lon":..,"zoom":..,"w":..,"h":..}
//	{"action":"pan","dx":..,"dy":..}
//	{"action":"zoom","zoom":..,"viewX":..,"viewY":..}
//	{"action":"drag","dragging":true|false}
func (s *WebDaemon) handleViewportMessage(ctx context.Context, sess *melody.Session, msg []byte) {
	if !gjson.ValidBytes(msg) {
		return
	}
	parsed := gjson.ParseBytes(msg)
	vp := s.viewportFor(ctx, sess)
	mgr := vp.manager

	switch parsed.Get("action").String() {
	case "view":
		if w, h := parsed.Get("w"), parsed.Get("h"); w.Exists() && h.Exists() {
			mgr.SetViewSize(w.Float(), h.Float())
		}
		if z := parsed.Get("zoom"); z.Exists() {
			mgr.SetZoom(int(z.Int()))
		}
		if lat, lon := parsed.Get("lat"), parsed.Get("lon"); lat.Exists() && lon.Exists() {
			mgr.SetCenter(lat.Float(), lon.Float())
		}
	case "pan":
		mgr.Pan(parsed.Get("dx").Float(), parsed.Get("dy").Float())
	case "zoom":
		z := int(parsed.Get("zoom").Int())
		if vx, vy := parsed.Get("viewX"), parsed.Get("viewY"); vx.Exists() && vy.Exists() {
			mgr.ZoomAround(z, vx.Float(), vy.Float())
		} else {
			mgr.SetZoom(z)
		}
	case "drag":
		mgr.SetDragging(parsed.Get("dragging").Bool())
	}
}
