package geo

import (
	"math"

	"github.com/example/ride-grouping/internal/models"
)

const earthRadiusMeters = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Bearing returns the initial great-circle bearing from a to b in radians,
// measured clockwise from north.
func Bearing(a, b models.Coord) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return math.Atan2(y, x)
}

// Offset moves c by the given meters north and east. Good enough for the
// short distances used in lookups and tests.
func Offset(c models.Coord, northMeters, eastMeters float64) models.Coord {
	dLat := northMeters / earthRadiusMeters * 180 / math.Pi
	dLon := eastMeters / (earthRadiusMeters * math.Cos(c.Lat*math.Pi/180)) * 180 / math.Pi
	return models.Coord{Lat: c.Lat + dLat, Lon: c.Lon + dLon}
}

// Cell identifies a square-ish grid cell on an equirectangular projection.
type Cell struct {
	Row int64
	Col int64
}

// Grid buckets coordinates into cells of roughly EdgeMeters on each side.
// Longitude cells are not shrunk toward the poles, so cells get narrower in
// meters at high latitudes; lookups scan neighbours and stay correct.
type Grid struct {
	EdgeMeters float64
}

func (g Grid) degrees() float64 {
	return g.EdgeMeters / earthRadiusMeters * 180 / math.Pi
}

func (g Grid) CellOf(c models.Coord) Cell {
	d := g.degrees()
	return Cell{Row: int64(math.Floor(c.Lat / d)), Col: int64(math.Floor(c.Lon / d))}
}

// Around returns every cell within radiusMeters of c, c's own cell first.
func (g Grid) Around(c models.Coord, radiusMeters float64) []Cell {
	center := g.CellOf(c)
	rowSpan := int64(math.Ceil(radiusMeters / g.EdgeMeters))
	cosLat := math.Cos(c.Lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	colSpan := int64(math.Ceil(radiusMeters / (g.EdgeMeters * cosLat)))
	out := make([]Cell, 0, (2*rowSpan+1)*(2*colSpan+1))
	out = append(out, center)
	for r := center.Row - rowSpan; r <= center.Row+rowSpan; r++ {
		for col := center.Col - colSpan; col <= center.Col+colSpan; col++ {
			if r == center.Row && col == center.Col {
				continue
			}
			out = append(out, Cell{Row: r, Col: col})
		}
	}
	return out
}
