// Package geometry derives search-ready areas of interest from parcel
// boundaries. Computations are geodesic where accuracy matters (area) and
// planar where parcels are small enough that it does not (centroid).
package geometry

import (
	"context"
	"math"

	"github.com/parcelsat/parcelsat/pkg/pipeline"
	"github.com/parcelsat/parcelsat/pkg/telemetry"
)

const (
	earthRadiusM = 6371008.8

	// metersPerDegreeLat is the near-constant ground length of one degree
	// of latitude.
	metersPerDegreeLat = 111320.0
)

// Preparer implements pipeline.AOIPreparer.
type Preparer struct {
	// BufferMeters expands the bbox by this margin on every side.
	BufferMeters float64

	// MaxAreaHectares triggers a warning for oversized parcels.
	// Zero disables the check.
	MaxAreaHectares float64

	log *telemetry.Logger
}

// NewPreparer creates a preparer with the given buffer and area warning
// threshold.
func NewPreparer(bufferMeters, maxAreaHectares float64, log *telemetry.Logger) *Preparer {
	return &Preparer{
		BufferMeters:    bufferMeters,
		MaxAreaHectares: maxAreaHectares,
		log:             log.NewComponentLogger("geometry"),
	}
}

// Prepare computes the buffered bounding box, centroid, and geodesic area
// for a feature's outer ring.
func (p *Preparer) Prepare(ctx context.Context, feature pipeline.Feature) (pipeline.AOI, error) {
	if len(feature.Outer) < 4 {
		return pipeline.AOI{}, pipeline.NewValidationError("feature has no usable boundary ring", nil).
			WithStage("prepare").WithCode(pipeline.CodeInvalidGeometry).WithFeature(feature.Name)
	}

	bbox := boundingBox(feature.Outer)
	if p.BufferMeters > 0 {
		bbox = bufferBBox(bbox, p.BufferMeters)
	}

	areaHa := GeodesicAreaHectares(feature.Outer)
	for _, hole := range feature.Holes {
		areaHa -= GeodesicAreaHectares(hole)
	}
	if areaHa < 0 {
		areaHa = 0
	}

	if p.MaxAreaHectares > 0 && areaHa > p.MaxAreaHectares {
		p.log.WithFeature(feature.Name).
			Warnf("parcel area %.1f ha exceeds threshold %.1f ha", areaHa, p.MaxAreaHectares)
	}

	return pipeline.AOI{
		Feature:      feature,
		BBox:         bbox,
		Centroid:     Centroid(feature.Outer),
		AreaHectares: areaHa,
		BufferMeters: p.BufferMeters,
	}, nil
}

// boundingBox returns the tight bbox of a ring.
func boundingBox(ring []pipeline.Coordinate) pipeline.BBox {
	bbox := pipeline.BBox{
		MinLon: ring[0].Lon, MaxLon: ring[0].Lon,
		MinLat: ring[0].Lat, MaxLat: ring[0].Lat,
	}
	for _, c := range ring[1:] {
		bbox.MinLon = math.Min(bbox.MinLon, c.Lon)
		bbox.MaxLon = math.Max(bbox.MaxLon, c.Lon)
		bbox.MinLat = math.Min(bbox.MinLat, c.Lat)
		bbox.MaxLat = math.Max(bbox.MaxLat, c.Lat)
	}
	return bbox
}

// bufferBBox expands a bbox by a metre margin, converting metres to degrees
// at the bbox's mid-latitude. Results clamp to valid WGS84 ranges.
func bufferBBox(bbox pipeline.BBox, meters float64) pipeline.BBox {
	dLat := meters / metersPerDegreeLat

	midLat := (bbox.MinLat + bbox.MaxLat) / 2
	cosMid := math.Cos(midLat * math.Pi / 180)
	if cosMid < 1e-6 {
		cosMid = 1e-6 // near the poles a metre spans many degrees of longitude
	}
	dLon := meters / (metersPerDegreeLat * cosMid)

	return pipeline.BBox{
		MinLon: math.Max(bbox.MinLon-dLon, -180),
		MaxLon: math.Min(bbox.MaxLon+dLon, 180),
		MinLat: math.Max(bbox.MinLat-dLat, -90),
		MaxLat: math.Min(bbox.MaxLat+dLat, 90),
	}
}

// GeodesicAreaHectares computes the area of a ring on the sphere using the
// spherical excess formula. Accurate to well under a percent for parcel
// sized polygons.
func GeodesicAreaHectares(ring []pipeline.Coordinate) float64 {
	if len(ring) < 4 {
		return 0
	}

	// Ensure closure for the summation.
	if ring[0] != ring[len(ring)-1] {
		ring = append(append([]pipeline.Coordinate(nil), ring...), ring[0])
	}

	total := 0.0
	for i := 0; i < len(ring)-1; i++ {
		a, b := ring[i], ring[i+1]
		lon1 := a.Lon * math.Pi / 180
		lon2 := b.Lon * math.Pi / 180
		lat1 := a.Lat * math.Pi / 180
		lat2 := b.Lat * math.Pi / 180
		total += (lon2 - lon1) * (2 + math.Sin(lat1) + math.Sin(lat2))
	}

	areaM2 := math.Abs(total * earthRadiusM * earthRadiusM / 2)
	return areaM2 / 10000
}

// Centroid returns the planar area-weighted centroid of a ring, falling
// back to the vertex mean for degenerate (zero-area) rings.
func Centroid(ring []pipeline.Coordinate) pipeline.Coordinate {
	if len(ring) == 0 {
		return pipeline.Coordinate{}
	}

	var areaSum, cxSum, cySum float64
	for i := 0; i < len(ring)-1; i++ {
		a, b := ring[i], ring[i+1]
		cross := a.Lon*b.Lat - b.Lon*a.Lat
		areaSum += cross
		cxSum += (a.Lon + b.Lon) * cross
		cySum += (a.Lat + b.Lat) * cross
	}

	if math.Abs(areaSum) < 1e-12 {
		// Degenerate ring: fall back to the vertex mean.
		var lon, lat float64
		n := len(ring)
		if ring[0] == ring[n-1] && n > 1 {
			n--
		}
		for _, c := range ring[:n] {
			lon += c.Lon
			lat += c.Lat
		}
		return pipeline.Coordinate{Lon: lon / float64(n), Lat: lat / float64(n)}
	}

	return pipeline.Coordinate{
		Lon: cxSum / (3 * areaSum),
		Lat: cySum / (3 * areaSum),
	}
}
