package tiles

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

/*
Level 	# Tiles 	Tile width (° of longitudes) 	Examples
0 	1 	360 	whole world
3 	64 	45 	largest country
6 	4 096 	5.625 	large European country
10 	1 048 576 	0.352 	metropolitan area
13 	67 108 864 	0.044 	village, or suburb
16 	4 294 967 296 	0.005 	street
20 	1 099 511 627 776 	0.00025 	a mid-sized building
*/

const (
	// TileSize is the edge length, in pixels, of every tile in the pyramid.
	TileSize = 256

	// MaxZoom is the deepest pyramid level any component addresses.
	MaxZoom = 20

	// MaxLatitude is the Web-Mercator latitude limit, atan(sinh(pi)) degrees.
	// The projection formulas are valid only strictly inside it.
	MaxLatitude = 85.05112878
)

// TileKey addresses one tile of the Web-Mercator pyramid.
// Immutable value; used directly as a map key.
type TileKey struct {
	X, Y, Z int
}

func (k TileKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Z, k.X, k.Y)
}

// Valid reports whether the key lies inside the pyramid at its zoom.
func (k TileKey) Valid() bool {
	if k.Z < 0 || k.Z > MaxZoom {
		return false
	}
	n := ZoomN(k.Z)
	return k.X >= 0 && k.X < n && k.Y >= 0 && k.Y < n
}

// Clamped returns the key pinned to the pyramid bounds at its zoom.
func (k TileKey) Clamped() TileKey {
	n := ZoomN(k.Z)
	k.X = min(max(k.X, 0), n-1)
	k.Y = min(max(k.Y, 0), n-1)
	return k
}

// ZoomN is the pyramid edge length, in tiles, at zoom z.
func ZoomN(z int) int {
	return 1 << uint(z)
}

// LatLonToTileFloat converts a geographic point to fractional tile
// coordinates. The caller clamps; latitudes beyond MaxLatitude pin to the
// pyramid edge rather than diverging.
func LatLonToTileFloat(lat, lon float64, zoom int) (x, y float64) {
	n := float64(ZoomN(zoom))
	x = (lon + 180.0) / 360.0 * n
	if lat >= MaxLatitude {
		return x, 0
	}
	if lat <= -MaxLatitude {
		return x, n
	}
	latRad := lat * math.Pi / 180.0
	y = (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n
	return x, y
}

// LatLonToTile is the standard slippy-tile formula. Indices are floored,
// not clamped; callers clamp to [0, 2^z-1] afterward.
func LatLonToTile(lat, lon float64, zoom int) TileKey {
	x, y := LatLonToTileFloat(lat, lon, zoom)
	return TileKey{X: int(math.Floor(x)), Y: int(math.Floor(y)), Z: zoom}
}

// TileFloatToLatLon inverts LatLonToTileFloat.
func TileFloatToLatLon(x, y float64, zoom int) (lat, lon float64) {
	n := float64(ZoomN(zoom))
	lon = x/n*360.0 - 180.0
	lat = math.Atan(math.Sinh(math.Pi*(1.0-2.0*y/n))) * 180.0 / math.Pi
	return lat, lon
}

// TileToLatLon returns the geographic point of the tile's northwest corner.
func TileToLatLon(k TileKey) (lat, lon float64) {
	return TileFloatToLatLon(float64(k.X), float64(k.Y), k.Z)
}

// Center returns the tile's center as an orb.Point (lon, lat order).
func (k TileKey) Center() orb.Point {
	lat, lon := TileFloatToLatLon(float64(k.X)+0.5, float64(k.Y)+0.5, k.Z)
	return orb.Point{lon, lat}
}

// Bound returns the tile's geographic bounding box.
func (k TileKey) Bound() orb.Bound {
	nLat, wLon := TileToLatLon(k)
	sLat, eLon := TileFloatToLatLon(float64(k.X)+1, float64(k.Y)+1, k.Z)
	return orb.Bound{Min: orb.Point{wLon, sLat}, Max: orb.Point{eLon, nLat}}
}
