package tiles

import "math"

// Scene coordinates are absolute pixels on the pyramid at a zoom:
// the scene origin is the pyramid origin, not the viewport, so a tile's
// scene position is a pure function of (x, y, z) and never of the view.

// SceneExtent is the pyramid edge length, in scene pixels, at zoom z.
func SceneExtent(zoom int) float64 {
	return float64(ZoomN(zoom)) * TileSize
}

// ScenePosition is the absolute scene pixel of a tile's northwest corner.
func ScenePosition(k TileKey) (x, y float64) {
	return float64(k.X) * TileSize, float64(k.Y) * TileSize
}

// LatLonToScene converts a geographic point to absolute scene pixels.
func LatLonToScene(lat, lon float64, zoom int) (x, y float64) {
	tx, ty := LatLonToTileFloat(lat, lon, zoom)
	return tx * TileSize, ty * TileSize
}

// SceneToLatLon converts absolute scene pixels back to geography.
func SceneToLatLon(sceneX, sceneY float64, zoom int) (lat, lon float64) {
	return TileFloatToLatLon(sceneX/TileSize, sceneY/TileSize, zoom)
}

// ZoomAround computes the map center that keeps the geographic point under
// the viewport pixel (viewX, viewY) stationary across a zoom change.
// All work happens in fractional tile space; integer tile space drifts
// under repeated zooming.
func ZoomAround(centerLat, centerLon float64, oldZoom, newZoom int, viewX, viewY, viewW, viewH float64) (lat, lon float64) {
	cx, cy := LatLonToTileFloat(centerLat, centerLon, oldZoom)

	// Cursor offset from the viewport center, in tile units.
	offX := (viewX - viewW/2.0) / TileSize
	offY := (viewY - viewH/2.0) / TileSize

	// Cursor's fractional tile coordinate at the old zoom, rescaled to
	// the new zoom; the same offset then re-centers the view.
	scale := math.Pow(2, float64(newZoom-oldZoom))
	newCX := (cx+offX)*scale - offX
	newCY := (cy+offY)*scale - offY

	return TileFloatToLatLon(newCX, newCY, newZoom)
}
