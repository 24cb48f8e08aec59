package geo

import (
	"testing"

	logx "dwellwatch/pkg/logx"
)

func square(name string, minLat, minLon, maxLat, maxLon float64) Region {
	return Region{Name: name, Boundary: []Point{
		{Lat: minLat, Lon: minLon},
		{Lat: minLat, Lon: maxLon},
		{Lat: maxLat, Lon: maxLon},
		{Lat: maxLat, Lon: minLon},
	}}
}

func TestLocate(t *testing.T) {
	t.Parallel()
	idx := Load([]Region{
		square("Downtown", 45.50, -122.70, 45.52, -122.66),
		// Concave "L" shape.
		{Name: "Riverside", Boundary: []Point{
			{Lat: 45.40, Lon: -122.60},
			{Lat: 45.40, Lon: -122.50},
			{Lat: 45.45, Lon: -122.50},
			{Lat: 45.45, Lon: -122.55},
			{Lat: 45.42, Lon: -122.55},
			{Lat: 45.42, Lon: -122.60},
		}},
	})

	tests := []struct {
		name   string
		p      Point
		region string
		inside bool
	}{
		{name: "inside square", p: Point{Lat: 45.51, Lon: -122.68}, region: "Downtown", inside: true},
		{name: "outside all", p: Point{Lat: 45.60, Lon: -122.68}},
		{name: "inside concave arm", p: Point{Lat: 45.41, Lon: -122.58}, region: "Riverside", inside: true},
		{name: "in concave notch", p: Point{Lat: 45.44, Lon: -122.58}},
		{name: "far away", p: Point{Lat: 0, Lon: 0}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			name, ok := idx.Locate(tt.p)
			if ok != tt.inside {
				t.Fatalf("Locate(%v) inside = %v, want %v", tt.p, ok, tt.inside)
			}
			if name != tt.region {
				t.Fatalf("Locate(%v) = %q, want %q", tt.p, name, tt.region)
			}
		})
	}
}

func TestLocateOverlapFirstWins(t *testing.T) {
	t.Parallel()
	idx := Load([]Region{
		square("First", 0, 0, 10, 10),
		square("Second", 0, 0, 10, 10),
	})
	name, ok := idx.Locate(Point{Lat: 5, Lon: 5})
	if !ok || name != "First" {
		t.Fatalf("Locate = %q, %v; want First, true", name, ok)
	}
}

func TestLocateNilIndex(t *testing.T) {
	t.Parallel()
	var idx *Index
	if _, ok := idx.Locate(Point{}); ok {
		t.Fatal("nil index should contain nothing")
	}
	if idx.Count() != 0 {
		t.Fatal("nil index count should be 0")
	}
}

func TestParseGeoJSON(t *testing.T) {
	t.Parallel()
	data := []byte(`{
		"type": "FeatureCollection",
		"features": [
			{
				"properties": {"NAMELSAD": "Alpha"},
				"geometry": {"type": "Polygon", "coordinates": [[[0,0],[2,0],[2,2],[0,2],[0,0]]]}
			},
			{
				"properties": {"NAMELSAD": "Split"},
				"geometry": {"type": "MultiPolygon", "coordinates": [
					[[[10,10],[12,10],[12,12],[10,12],[10,10]]],
					[[[20,20],[22,20],[22,22],[20,22],[20,20]]]
				]}
			},
			{
				"properties": {"other": "no name"},
				"geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,0]]]}
			},
			{
				"properties": {"NAMELSAD": "BadGeom"},
				"geometry": {"type": "Point", "coordinates": [1, 1]}
			}
		]
	}`)

	idx, err := Parse(data, "", logx.Nop())
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	// Alpha + two Split rings; nameless and Point features skipped.
	if idx.Count() != 3 {
		t.Fatalf("Count = %d, want 3 (names %v)", idx.Count(), idx.Names())
	}

	if name, ok := idx.Locate(Point{Lat: 1, Lon: 1}); !ok || name != "Alpha" {
		t.Fatalf("Locate in Alpha = %q, %v", name, ok)
	}
	if name, ok := idx.Locate(Point{Lat: 21, Lon: 21}); !ok || name != "Split" {
		t.Fatalf("Locate in second Split ring = %q, %v", name, ok)
	}
}

func TestParseCustomNameProperty(t *testing.T) {
	t.Parallel()
	data := []byte(`{
		"type": "FeatureCollection",
		"features": [{
			"properties": {"name": "Custom"},
			"geometry": {"type": "Polygon", "coordinates": [[[0,0],[2,0],[2,2],[0,2],[0,0]]]}
		}]
	}`)
	idx, err := Parse(data, "name", logx.Nop())
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if idx.Count() != 1 || idx.Names()[0] != "Custom" {
		t.Fatalf("unexpected regions: %v", idx.Names())
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := Parse([]byte("not json"), "", logx.Nop()); err == nil {
		t.Fatal("expected error for non-JSON input")
	}
}
