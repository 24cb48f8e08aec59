package geo

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	logx "dwellwatch/pkg/logx"
)

// DefaultNameProperty matches the census neighborhood files the study ships.
const DefaultNameProperty = "NAMELSAD"

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Properties map[string]any `json:"properties"`
	Geometry   geometry       `json:"geometry"`
}

type geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// LoadFile reads a GeoJSON FeatureCollection of named regions.
// Malformed features are skipped and logged; only a file that cannot be
// read or parsed at all is an error.
func LoadFile(path, nameProperty string, log logx.Logger) (*Index, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("regions: read %s: %w", path, err)
	}
	return Parse(b, nameProperty, log)
}

// Parse decodes a GeoJSON FeatureCollection. Polygon and MultiPolygon
// geometries are supported; for MultiPolygon each outer ring becomes its
// own Region carrying the same name. Inner rings (holes) are ignored,
// matching the source data which carries none.
func Parse(b []byte, nameProperty string, log logx.Logger) (*Index, error) {
	if strings.TrimSpace(nameProperty) == "" {
		nameProperty = DefaultNameProperty
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	var fc featureCollection
	if err := json.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("regions: parse geojson: %w", err)
	}

	var regions []Region
	for i, f := range fc.Features {
		name, _ := f.Properties[nameProperty].(string)
		if strings.TrimSpace(name) == "" {
			log.Warn("region feature skipped: missing name property",
				logx.Int("feature", i), logx.String("property", nameProperty))
			continue
		}

		rings, err := outerRings(f.Geometry)
		if err != nil {
			log.Warn("region feature skipped", logx.Int("feature", i),
				logx.String("name", name), logx.Err(err))
			continue
		}
		for _, ring := range rings {
			if len(ring) < 3 {
				log.Warn("region ring skipped: fewer than 3 vertices",
					logx.String("name", name))
				continue
			}
			regions = append(regions, Region{Name: name, Boundary: ring})
		}
	}

	return Load(regions), nil
}

// outerRings extracts the outer ring(s) of a Polygon or MultiPolygon.
// GeoJSON positions are [lon, lat].
func outerRings(g geometry) ([][]Point, error) {
	switch g.Type {
	case "Polygon":
		var coords [][][]float64
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
			return nil, fmt.Errorf("polygon coordinates: %w", err)
		}
		if len(coords) == 0 {
			return nil, fmt.Errorf("polygon has no rings")
		}
		return [][]Point{toRing(coords[0])}, nil
	case "MultiPolygon":
		var coords [][][][]float64
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
			return nil, fmt.Errorf("multipolygon coordinates: %w", err)
		}
		var out [][]Point
		for _, poly := range coords {
			if len(poly) == 0 {
				continue
			}
			out = append(out, toRing(poly[0]))
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("multipolygon has no rings")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported geometry type %q", g.Type)
	}
}

func toRing(positions [][]float64) []Point {
	ring := make([]Point, 0, len(positions))
	for _, pos := range positions {
		if len(pos) < 2 {
			continue
		}
		ring = append(ring, Point{Lat: pos[1], Lon: pos[0]})
	}
	return ring
}
