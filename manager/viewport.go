package manager

import (
	"math"

	"github.com/Wanan0708/tilemapd/fetch"
	"github.com/Wanan0708/tilemapd/tiles"
)

// SetCenter moves the viewport center and reloads the visible window.
func (m *Manager) SetCenter(lat, lon float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.centerLat, m.centerLon = lat, lon
	m.refresh(true)
}

// SetZoom switches zoom levels. Every tile from another zoom is evicted
// and the scene is resized to the new pyramid extent before the window
// is reloaded.
func (m *Manager) SetZoom(z int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z = m.clampZoom(z)
	if z == m.zoom {
		return
	}
	m.zoom = z
	for key := range m.live {
		if key.Z != z {
			if m.surface != nil {
				m.surface.RemoveTile(key)
			}
			delete(m.live, key)
		}
	}
	if m.surface != nil {
		extent := tiles.SceneExtent(z)
		m.surface.SetSceneSize(extent, extent)
	}
	m.repositionTiles()
	m.refresh(true)
}

// SetViewSize records the viewport pixel size. The dynamic minimum zoom
// depends on it: the pyramid must never render smaller than the view.
func (m *Manager) SetViewSize(w, h float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.viewW, m.viewH = w, h
	if minZ := m.minZoomForView(); m.zoom < minZ {
		m.zoom = minZ
		if m.surface != nil {
			extent := tiles.SceneExtent(m.zoom)
			m.surface.SetSceneSize(extent, extent)
		}
	}
	m.refresh(true)
}

// Pan shifts the center by a scene-pixel delta.
func (m *Manager) Pan(dx, dy float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sx, sy := tiles.LatLonToScene(m.centerLat, m.centerLon, m.zoom)
	m.centerLat, m.centerLon = tiles.SceneToLatLon(sx+dx, sy+dy, m.zoom)
	m.refresh(!m.dragging)
}

// ZoomAround re-centers so the geographic point under the given
// viewport pixel stays under it across the zoom change, then applies
// the new zoom.
func (m *Manager) ZoomAround(newZoom int, viewX, viewY float64) {
	m.mu.Lock()
	newZoom = m.clampZoom(newZoom)
	oldZoom := m.zoom
	if newZoom == oldZoom {
		m.mu.Unlock()
		return
	}
	lat, lon := tiles.ZoomAround(m.centerLat, m.centerLon, oldZoom, newZoom,
		viewX, viewY, m.viewW, m.viewH)
	m.centerLat, m.centerLon = lat, lon
	m.mu.Unlock()
	m.SetZoom(newZoom)
}

// UpdateTilesForView re-centers on a scene point, typically the current
// viewport center during a pan. Sub-tile jitter is suppressed twice
// over: a minimum scene-pixel delta gate, then a degree threshold that
// scales with zoom.
func (m *Manager) UpdateTilesForView(sceneX, sceneY float64) {
	m.updateForScene(sceneX, sceneY, false)
}

// UpdateTilesForViewImmediate skips the degree threshold. Callers that
// already throttle, like the end of a drag, use this.
func (m *Manager) UpdateTilesForViewImmediate(sceneX, sceneY float64) {
	m.updateForScene(sceneX, sceneY, true)
}

func (m *Manager) updateForScene(sceneX, sceneY float64, immediate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gate := math.Max(4, float64(tiles.TileSize)/3)
	if m.haveLastScene {
		if math.Abs(sceneX-m.lastSceneX) < gate && math.Abs(sceneY-m.lastSceneY) < gate {
			return
		}
	}
	m.lastSceneX, m.lastSceneY = sceneX, sceneY
	m.haveLastScene = true

	lat, lon := tiles.SceneToLatLon(sceneX, sceneY, m.zoom)
	if !immediate {
		threshold := 1.0 / float64(tiles.ZoomN(m.zoom))
		if math.Abs(lat-m.centerLat) < threshold && math.Abs(lon-m.centerLon) < threshold {
			return
		}
	}
	m.centerLat, m.centerLon = lat, lon
	m.refresh(!m.dragging)
}

// SetDragging toggles drag mode. While dragging, no new network fetches
// are issued and no cleanup runs; both resume when the drag ends.
func (m *Manager) SetDragging(dragging bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.dragging
	m.dragging = dragging
	if was && !dragging {
		m.refresh(true)
	}
}

// refresh recomputes the window, issues work for missing tiles, and
// prunes strays. Callers hold m.mu.
func (m *Manager) refresh(allowDownload bool) {
	m.calculateVisibleTiles(allowDownload && !m.dragging)
	if !m.dragging {
		m.cleanupTiles()
	}
}

// calculateVisibleTiles computes the prefetch window around the center
// tile and issues a job for every tile in it that is neither placed nor
// pending. The window is recentered, not merely clipped, at pyramid
// edges, and shrinks toward the center when it would exceed the
// per-pass cap.
func (m *Manager) calculateVisibleTiles(allowDownload bool) {
	if m.viewW <= 0 || m.viewH <= 0 {
		// Nothing to compute before the view has a size.
		return
	}
	n := tiles.ZoomN(m.zoom)
	viewTilesX := int(math.Ceil(m.viewW/float64(tiles.TileSize))) + 1
	viewTilesY := int(math.Ceil(m.viewH/float64(tiles.TileSize))) + 1

	// Ring 1 yields the default 3x viewport + 6 buffer.
	mult := 1 + 2*m.cfg.PrefetchRing
	add := 2 * (m.cfg.PrefetchRing + 2)
	spanX := mult*viewTilesX + add
	spanY := mult*viewTilesY + add
	if spanX > n {
		spanX = n
	}
	if spanY > n {
		spanY = n
	}
	if spanX < 1 {
		spanX = 1
	}
	if spanY < 1 {
		spanY = 1
	}

	if total := spanX * spanY; total > m.cfg.MaxTilesPerPass {
		shrink := math.Sqrt(float64(m.cfg.MaxTilesPerPass) / float64(total))
		spanX = int(float64(spanX) * shrink)
		spanY = int(float64(spanY) * shrink)
		if spanX < 1 {
			spanX = 1
		}
		if spanY < 1 {
			spanY = 1
		}
	}

	center := tiles.LatLonToTile(m.centerLat, m.centerLon, m.zoom).Clamped()

	startX := clampWindow(center.X, spanX, n)
	startY := clampWindow(center.Y, spanY, n)
	m.window = tiles.Range{
		Z:    m.zoom,
		MinX: startX, MinY: startY,
		MaxX: startX + spanX - 1, MaxY: startY + spanY - 1,
	}

	for y := m.window.MinY; y <= m.window.MaxY; y++ {
		for x := m.window.MinX; x <= m.window.MaxX; x++ {
			key := tiles.TileKey{X: x, Y: y, Z: m.zoom}
			if _, ok := m.live[key]; ok {
				continue
			}
			if _, ok := m.pending[key]; ok {
				continue
			}
			if m.inflight >= m.cfg.MaxConcurrentRequests {
				return
			}
			m.issue(key, allowDownload)
		}
	}
}

func (m *Manager) issue(key tiles.TileKey, allowDownload bool) {
	job := fetch.Job{Key: key, Reply: m.results}
	if m.exists != nil && m.exists(key) {
		job.Kind = fetch.KindLoadFile
	} else {
		if !allowDownload {
			return
		}
		if m.fetcher.Absent(key) {
			return
		}
		job.Kind = fetch.KindFetchSave
	}
	if err := m.fetcher.Submit(job); err != nil {
		m.logger.Warn("Dropping tile request", "tile", key, "error", err)
		return
	}
	m.pending[key] = struct{}{}
	m.inflight++
}

// cleanupTiles evicts placed tiles from other zooms or outside the
// window plus a 2-tile margin. The margin avoids remove/re-add churn
// at window edges.
func (m *Manager) cleanupTiles() {
	const margin = 2
	for key := range m.live {
		stale := key.Z != m.zoom ||
			key.X < m.window.MinX-margin || key.X > m.window.MaxX+margin ||
			key.Y < m.window.MinY-margin || key.Y > m.window.MaxY+margin
		if !stale {
			continue
		}
		if m.surface != nil {
			m.surface.RemoveTile(key)
		}
		delete(m.live, key)
	}
}

// repositionTiles recomputes absolute scene positions. Positions only
// depend on the pyramid scale, so this runs on zoom change, not pan.
func (m *Manager) repositionTiles() {
	for _, item := range m.live {
		item.SceneX, item.SceneY = tiles.ScenePosition(item.Key)
		if m.surface != nil {
			m.surface.PlaceTile(item)
		}
	}
}

func (m *Manager) clampZoom(z int) int {
	if minZ := m.minZoomForView(); z < minZ {
		z = minZ
	}
	if z > m.cfg.MaxZoom {
		z = m.cfg.MaxZoom
	}
	return z
}

// minZoomForView is the smallest zoom whose pyramid covers the whole
// viewport, floored at the configured minimum.
func (m *Manager) minZoomForView() int {
	z := m.cfg.MinZoom
	longest := math.Max(m.viewW, m.viewH)
	for z < m.cfg.MaxZoom && tiles.SceneExtent(z) < longest {
		z++
	}
	return z
}

// clampWindow positions a span around a center index, keeping it inside
// [0, n) by sliding rather than clipping.
func clampWindow(center, span, n int) int {
	start := center - span/2
	if start < 0 {
		start = 0
	}
	if start+span > n {
		start = n - span
	}
	if start < 0 {
		start = 0
	}
	return start
}
