// Package paths builds deterministic storage paths and identifiers for the
// ParcelSat pipeline. Every output location is a pure function of input
// identity (source file, routing key, feature ordinal, event time) so that
// re-running the same input overwrites rather than duplicates.
package paths

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Path prefixes for the artifact store layout.
const (
	BoundaryPrefix       = "boundaries"
	MetadataPrefix       = "metadata"
	ImageryRawPrefix     = "imagery/raw"
	ImageryClippedPrefix = "imagery/clipped"
	PayloadPrefix        = "payloads"
)

// runNamespace is the UUID v5 namespace for deterministic run identifiers.
// Changing it would change every derived run ID, so it is fixed forever.
var runNamespace = uuid.MustParse("b3a9d1f4-5c67-4a6e-9f1b-2e8d0c4a7f53")

var slugRe = regexp.MustCompile(`[^a-z0-9-]+`)
var hyphenRe = regexp.MustCompile(`-{2,}`)

// Slug converts a raw string to a lowercase path-safe slug. Spaces become
// hyphens, anything outside [a-z0-9-] is stripped, consecutive hyphens
// collapse. An empty result falls back to "unknown" so paths never contain
// empty segments.
func Slug(value string) string {
	s := strings.ReplaceAll(strings.TrimSpace(strings.ToLower(value)), " ", "-")
	s = slugRe.ReplaceAllString(s, "")
	s = strings.Trim(hyphenRe.ReplaceAllString(s, "-"), "-")
	if s == "" {
		return "unknown"
	}
	return s
}

// RunID derives the deterministic run identifier for a triggering input.
// The same (routingKey, sourceRef) pair always maps to the same UUID, which
// is what makes re-triggered runs idempotent.
func RunID(routingKey, sourceRef string) string {
	return uuid.NewSHA1(runNamespace, []byte(routingKey+"/"+sourceRef)).String()
}

// datePart returns the YYYY/MM segment for a timestamp. The timestamp comes
// from the triggering event, never from the wall clock, so paths stay stable
// across re-runs.
func datePart(ts time.Time) string {
	ts = ts.UTC()
	return fmt.Sprintf("%04d/%02d", ts.Year(), int(ts.Month()))
}

// BoundaryArchive returns the path for archiving the original boundary file.
// Format: boundaries/{YYYY}/{MM}/{project}/{filename}.kml
func BoundaryArchive(sourceFile, project string, ts time.Time) string {
	name := Slug(strings.TrimSuffix(sourceFile, ".kml")) + ".kml"
	return fmt.Sprintf("%s/%s/%s/%s", BoundaryPrefix, datePart(ts), Slug(project), name)
}

// featurePart combines the feature-name slug with its ordinal. The ordinal
// keeps two same-named placemarks in one file from sharing a path.
func featurePart(featureName string, ordinal int) string {
	return fmt.Sprintf("%s-%d", Slug(featureName), ordinal)
}

// FeatureMetadata returns the path for a per-feature metadata document.
// Format: metadata/{YYYY}/{MM}/{project}/{feature}-{ordinal}.json
func FeatureMetadata(featureName string, ordinal int, project string, ts time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s.json", MetadataPrefix, datePart(ts), Slug(project), featurePart(featureName, ordinal))
}

// RawImagery returns the path for raw downloaded imagery.
// Format: imagery/raw/{YYYY}/{MM}/{project}/{feature}-{ordinal}.tif
func RawImagery(featureName string, ordinal int, project string, ts time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s.tif", ImageryRawPrefix, datePart(ts), Slug(project), featurePart(featureName, ordinal))
}

// ClippedImagery returns the path for post-processed (clipped) imagery.
// Format: imagery/clipped/{YYYY}/{MM}/{project}/{feature}-{ordinal}.tif
func ClippedImagery(featureName string, ordinal int, project string, ts time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s.tif", ImageryClippedPrefix, datePart(ts), Slug(project), featurePart(featureName, ordinal))
}

// Payload returns the path for an offloaded intermediate collection.
// Format: payloads/{run-id}/{name}.json
func Payload(runID, name string) string {
	return fmt.Sprintf("%s/%s/%s.json", PayloadPrefix, runID, Slug(name))
}
