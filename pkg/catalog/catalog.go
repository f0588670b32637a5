// Package catalog publishes the per-feature metadata document, the durable
// record linking a parcel's geometry to the imagery acquired for it.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/parcelsat/parcelsat/pkg/paths"
	"github.com/parcelsat/parcelsat/pkg/pipeline"
	"github.com/parcelsat/parcelsat/pkg/storage"
)

// SchemaVersion identifies the metadata document layout. Bump it when the
// document shape changes incompatibly.
const SchemaVersion = "aoi-metadata-v1"

// Document is the published metadata record for one feature.
type Document struct {
	SchemaVersion string `json:"schema_version"`
	RunID         string `json:"run_id"`
	Project       string `json:"project"`
	FeatureName   string `json:"feature_name"`
	Status        string `json:"status"`
	GeneratedAt   string `json:"generated_at"`

	Geometry   GeometrySection    `json:"geometry"`
	Imagery    *ImagerySection    `json:"imagery,omitempty"`
	Processing *ProcessingSection `json:"processing,omitempty"`
}

// GeometrySection describes the parcel's prepared geometry.
type GeometrySection struct {
	BBox         []float64           `json:"bbox"`
	Centroid     pipeline.Coordinate `json:"centroid"`
	AreaHectares float64             `json:"area_hectares"`
	BufferMeters float64             `json:"buffer_meters,omitempty"`
	VertexCount  int                 `json:"vertex_count"`
	Attributes   map[string]string   `json:"attributes,omitempty"`
}

// ImagerySection describes the acquired scene, when one was acquired.
type ImagerySection struct {
	Provider      string  `json:"provider"`
	SceneID       string  `json:"scene_id"`
	Collection    string  `json:"collection,omitempty"`
	AcquiredAt    string  `json:"acquired_at"`
	CloudCoverPct float64 `json:"cloud_cover_pct"`
	OffNadirDeg   float64 `json:"off_nadir_deg,omitempty"`
	ResolutionM   float64 `json:"resolution_m,omitempty"`
}

// ProcessingSection describes the delivered artifacts.
type ProcessingSection struct {
	ImageryPath string   `json:"imagery_path,omitempty"`
	SizeBytes   int64    `json:"size_bytes,omitempty"`
	Steps       []string `json:"steps,omitempty"`
}

// StepsReporter is implemented by post-processors that can report which
// transformations they apply.
type StepsReporter interface {
	Applied() []string
}

// Writer implements pipeline.CatalogWriter.
type Writer struct {
	store storage.Store

	// Steps, when set, reports processing steps into the document.
	Steps StepsReporter
}

// NewWriter creates a catalog writer over the given store.
func NewWriter(store storage.Store) *Writer {
	return &Writer{store: store}
}

// WriteMetadata assembles and stores the metadata document for a completed
// feature at its deterministic path.
func (w *Writer) WriteMetadata(ctx context.Context, run *pipeline.ProcessingRun, outcome pipeline.FeatureOutcome, aoi pipeline.AOI, scene *pipeline.Scene) (storage.ArtifactRef, error) {
	doc := Document{
		SchemaVersion: SchemaVersion,
		RunID:         run.ID,
		Project:       run.Trigger.Project,
		FeatureName:   outcome.FeatureName,
		Status:        string(outcome.Status),
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Geometry: GeometrySection{
			BBox:         aoi.BBox.Slice(),
			Centroid:     aoi.Centroid,
			AreaHectares: aoi.AreaHectares,
			BufferMeters: aoi.BufferMeters,
			VertexCount:  len(aoi.Feature.Outer),
			Attributes:   aoi.Feature.Attributes,
		},
	}

	if scene != nil {
		doc.Imagery = &ImagerySection{
			Provider:      scene.Provider,
			SceneID:       scene.ID,
			Collection:    scene.Collection,
			AcquiredAt:    scene.AcquiredAt.UTC().Format(time.RFC3339),
			CloudCoverPct: scene.CloudCoverPct,
			OffNadirDeg:   scene.OffNadirDeg,
			ResolutionM:   scene.ResolutionM,
		}
	}
	if outcome.ImageryRef != nil {
		doc.Processing = &ProcessingSection{
			ImageryPath: outcome.ImageryRef.Path,
			SizeBytes:   outcome.ImageryRef.SizeBytes,
		}
		if w.Steps != nil {
			doc.Processing.Steps = w.Steps.Applied()
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return storage.ArtifactRef{}, pipeline.NewPermanentError("serialize metadata document", err).
			WithStage("catalog").WithCode(pipeline.CodeMetadataWrite)
	}

	path := paths.FeatureMetadata(outcome.FeatureName, outcome.Ordinal, run.Trigger.Project, run.Trigger.OccurredAt)
	ref, err := w.store.Write(ctx, path, bytes.NewReader(data), "application/json")
	if err != nil {
		return storage.ArtifactRef{}, pipeline.NewTransientError("store metadata document", err).
			WithStage("catalog").WithCode(pipeline.CodeMetadataWrite)
	}
	return ref, nil
}
