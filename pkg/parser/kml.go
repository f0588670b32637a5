// Package parser extracts polygon features from KML boundary documents.
package parser

import (
	"context"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/parcelsat/parcelsat/pkg/pipeline"
	"github.com/parcelsat/parcelsat/pkg/storage"
)

// KMLParser implements pipeline.BoundaryParser for KML documents read from
// the artifact store.
type KMLParser struct {
	store storage.Store
}

// NewKMLParser creates a parser backed by the given artifact store.
func NewKMLParser(store storage.Store) *KMLParser {
	return &KMLParser{store: store}
}

// kmlDocument mirrors the subset of KML the pipeline consumes: placemarks
// with polygon geometry, possibly nested in folders.
type kmlDocument struct {
	XMLName  xml.Name  `xml:"kml"`
	Document kmlFolder `xml:"Document"`
}

type kmlFolder struct {
	Name       string         `xml:"name"`
	Folders    []kmlFolder    `xml:"Folder"`
	Placemarks []kmlPlacemark `xml:"Placemark"`
}

type kmlPlacemark struct {
	Name         string           `xml:"name"`
	ExtendedData *kmlExtendedData `xml:"ExtendedData"`
	Polygon      *kmlPolygon      `xml:"Polygon"`
	MultiGeom    *kmlMultiGeom    `xml:"MultiGeometry"`
}

type kmlMultiGeom struct {
	Polygons []kmlPolygon `xml:"Polygon"`
}

type kmlPolygon struct {
	Outer kmlBoundary   `xml:"outerBoundaryIs"`
	Inner []kmlBoundary `xml:"innerBoundaryIs"`
}

type kmlBoundary struct {
	LinearRing kmlLinearRing `xml:"LinearRing"`
}

type kmlLinearRing struct {
	Coordinates string `xml:"coordinates"`
}

type kmlExtendedData struct {
	Data []kmlData `xml:"Data"`
}

type kmlData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

// Parse reads the KML document at sourceRef and returns its polygon features
// in document order. Placemarks without polygon geometry are ignored;
// placemarks with invalid geometry are skipped with a recorded validation
// error. The returned error is non-nil only when the document itself cannot
// be decoded.
func (p *KMLParser) Parse(ctx context.Context, sourceRef string) ([]pipeline.Feature, []*pipeline.Error, error) {
	rc, err := p.store.Open(ctx, sourceRef)
	if err != nil {
		return nil, nil, pipeline.NewValidationError("open boundary file", err).
			WithStage("parse").WithCode(pipeline.CodeParseFailed)
	}
	defer rc.Close()

	var doc kmlDocument
	if err := xml.NewDecoder(rc).Decode(&doc); err != nil {
		return nil, nil, pipeline.NewValidationError("malformed KML document", err).
			WithStage("parse").WithCode(pipeline.CodeParseFailed)
	}

	var features []pipeline.Feature
	var skipped []*pipeline.Error
	ordinal := 0
	p.collect(doc.Document, &features, &skipped, &ordinal)
	return features, skipped, nil
}

// collect walks folders depth-first, preserving document order.
func (p *KMLParser) collect(folder kmlFolder, features *[]pipeline.Feature, skipped *[]*pipeline.Error, ordinal *int) {
	for _, pm := range folder.Placemarks {
		polygons := pm.polygons()
		if len(polygons) == 0 {
			continue // points, lines, and empty placemarks are not parcels
		}

		name := strings.TrimSpace(pm.Name)
		if name == "" {
			name = fmt.Sprintf("feature-%d", *ordinal)
		}

		// A MultiGeometry placemark contributes its first polygon; split
		// parcels arrive as separate placemarks in the sources we ingest.
		feature, err := buildFeature(name, *ordinal, polygons[0], pm.ExtendedData)
		if err != nil {
			*skipped = append(*skipped, pipeline.AsPipelineError(err).WithFeature(name))
			*ordinal++
			continue
		}
		*features = append(*features, feature)
		*ordinal++
	}

	for _, sub := range folder.Folders {
		p.collect(sub, features, skipped, ordinal)
	}
}

func (pm kmlPlacemark) polygons() []kmlPolygon {
	if pm.Polygon != nil {
		return []kmlPolygon{*pm.Polygon}
	}
	if pm.MultiGeom != nil {
		return pm.MultiGeom.Polygons
	}
	return nil
}

func buildFeature(name string, ordinal int, poly kmlPolygon, ext *kmlExtendedData) (pipeline.Feature, error) {
	outer, err := parseRing(poly.Outer.LinearRing.Coordinates)
	if err != nil {
		return pipeline.Feature{}, pipeline.NewValidationError(
			fmt.Sprintf("outer ring of %q: %v", name, err), nil).
			WithStage("parse").WithCode(pipeline.CodeInvalidGeometry)
	}

	var holes [][]pipeline.Coordinate
	for i, inner := range poly.Inner {
		hole, err := parseRing(inner.LinearRing.Coordinates)
		if err != nil {
			return pipeline.Feature{}, pipeline.NewValidationError(
				fmt.Sprintf("inner ring %d of %q: %v", i, name, err), nil).
				WithStage("parse").WithCode(pipeline.CodeInvalidGeometry)
		}
		holes = append(holes, hole)
	}

	var attrs map[string]string
	if ext != nil && len(ext.Data) > 0 {
		attrs = make(map[string]string, len(ext.Data))
		for _, d := range ext.Data {
			attrs[d.Name] = strings.TrimSpace(d.Value)
		}
	}

	return pipeline.Feature{
		Name:       name,
		Ordinal:    ordinal,
		Outer:      outer,
		Holes:      holes,
		Attributes: attrs,
	}, nil
}

// parseRing parses a KML coordinate string ("lon,lat[,alt]" tuples separated
// by whitespace) into a validated, closed ring.
func parseRing(raw string) ([]pipeline.Coordinate, error) {
	var ring []pipeline.Coordinate
	for _, token := range strings.Fields(raw) {
		parts := strings.Split(token, ",")
		if len(parts) < 2 {
			return nil, fmt.Errorf("coordinate %q is not lon,lat", token)
		}
		lon, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("longitude %q: %v", parts[0], err)
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("latitude %q: %v", parts[1], err)
		}
		if lon < -180 || lon > 180 {
			return nil, fmt.Errorf("longitude %g out of range", lon)
		}
		if lat < -90 || lat > 90 {
			return nil, fmt.Errorf("latitude %g out of range", lat)
		}
		ring = append(ring, pipeline.Coordinate{Lon: lon, Lat: lat})
	}

	if distinctVertices(ring) < 3 {
		return nil, fmt.Errorf("ring has fewer than 3 distinct vertices")
	}

	// Close the ring if the source left it open.
	if ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return ring, nil
}

func distinctVertices(ring []pipeline.Coordinate) int {
	seen := make(map[pipeline.Coordinate]struct{}, len(ring))
	for _, c := range ring {
		seen[c] = struct{}{}
	}
	return len(seen)
}
