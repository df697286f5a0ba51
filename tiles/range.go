package tiles

import "github.com/paulmach/orb"

// Range is the inclusive tile rectangle covering a region at one zoom.
type Range struct {
	Z    int
	MinX int
	MinY int
	MaxX int
	MaxY int
}

// Bound builds an orb.Bound from edge latitudes and longitudes,
// tolerant of swapped edges.
func Bound(minLat, maxLat, minLon, maxLon float64) orb.Bound {
	if minLat > maxLat {
		minLat, maxLat = maxLat, minLat
	}
	if minLon > maxLon {
		minLon, maxLon = maxLon, minLon
	}
	return orb.Bound{Min: orb.Point{minLon, minLat}, Max: orb.Point{maxLon, maxLat}}
}

// RangeForBound computes the clamped tile range intersecting b at zoom.
// Tile Y grows southward, so the bound's max latitude maps to MinY.
func RangeForBound(b orb.Bound, zoom int) Range {
	nw := LatLonToTile(b.Max.Lat(), b.Min.Lon(), zoom).Clamped()
	se := LatLonToTile(b.Min.Lat(), b.Max.Lon(), zoom).Clamped()
	r := Range{Z: zoom, MinX: nw.X, MinY: nw.Y, MaxX: se.X, MaxY: se.Y}
	if r.MinX > r.MaxX {
		r.MinX, r.MaxX = r.MaxX, r.MinX
	}
	if r.MinY > r.MaxY {
		r.MinY, r.MaxY = r.MaxY, r.MinY
	}
	return r
}

func (r Range) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Each visits every key in the range in row order.
func (r Range) Each(fn func(TileKey)) {
	for y := r.MinY; y <= r.MaxY; y++ {
		for x := r.MinX; x <= r.MaxX; x++ {
			fn(TileKey{X: x, Y: y, Z: r.Z})
		}
	}
}

// CountBound totals the tiles intersecting b across a zoom span.
func CountBound(b orb.Bound, minZoom, maxZoom int) int {
	n := 0
	for z := minZoom; z <= maxZoom; z++ {
		n += RangeForBound(b, z).Count()
	}
	return n
}
