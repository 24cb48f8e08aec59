// Package geo holds the named polygonal study regions and answers
// point-in-region queries.
//
// Coordinates are plain latitude/longitude degrees treated as planar values
// (no projection correction). That is a documented approximation: at
// neighborhood scale the distortion is far below GPS noise.
package geo

// Point is a geographic coordinate.
type Point struct {
	Lat float64
	Lon float64
}

// Region is a named polygon. The boundary is an ordered ring of vertices;
// it does not need to repeat the first vertex at the end.
// Regions are immutable after load.
type Region struct {
	Name     string
	Boundary []Point
}

// Index answers containment queries over a fixed set of regions.
//
// Regions are assumed non-overlapping. If polygons do overlap, Locate
// returns the first loaded match (first loaded wins). Names may repeat
// across disjoint polygons; Locate simply reports the name of the matching
// polygon.
type Index struct {
	regions []Region
}

// Load builds an index over the given regions. Regions with fewer than
// three vertices can never contain a point and are kept only for Count().
func Load(regions []Region) *Index {
	return &Index{regions: append([]Region(nil), regions...)}
}

// Count reports how many regions are loaded.
func (x *Index) Count() int {
	if x == nil {
		return 0
	}
	return len(x.regions)
}

// Names returns the region names in load order.
func (x *Index) Names() []string {
	if x == nil {
		return nil
	}
	out := make([]string, 0, len(x.regions))
	for _, r := range x.regions {
		out = append(out, r.Name)
	}
	return out
}

// Locate returns the name of the first region containing p.
// Pure query; no side effects.
func (x *Index) Locate(p Point) (string, bool) {
	if x == nil {
		return "", false
	}
	for _, r := range x.regions {
		if containsPoint(r.Boundary, p) {
			return r.Name, true
		}
	}
	return "", false
}

// containsPoint is the standard ray-casting (even-odd rule) containment
// test, cast along the longitude axis.
func containsPoint(ring []Point, p Point) bool {
	if len(ring) < 3 {
		return false
	}
	x, y := p.Lon, p.Lat
	inside := false
	j := len(ring) - 1
	for i := 0; i < len(ring); i++ {
		xi, yi := ring[i].Lon, ring[i].Lat
		xj, yj := ring[j].Lon, ring[j].Lat
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}
