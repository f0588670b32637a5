package pipeline

import (
	"time"

	"github.com/parcelsat/parcelsat/pkg/storage"
)

// Coordinate is a WGS84 longitude/latitude pair.
type Coordinate struct {
	// Lon is the longitude in degrees, [-180, 180].
	Lon float64 `json:"lon"`

	// Lat is the latitude in degrees, [-90, 90].
	Lat float64 `json:"lat"`
}

// BBox is a geographic bounding box in WGS84 degrees.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Slice returns the bbox in [minLon, minLat, maxLon, maxLat] order, the
// layout provider APIs expect.
func (b BBox) Slice() []float64 {
	return []float64{b.MinLon, b.MinLat, b.MaxLon, b.MaxLat}
}

// Feature is a single named land parcel extracted from a boundary file.
type Feature struct {
	// Name is the feature's display name from the source document.
	Name string `json:"name"`

	// Ordinal is the feature's zero-based position within the source file.
	// It disambiguates duplicate names and keys deterministic identifiers.
	Ordinal int `json:"ordinal"`

	// Outer is the exterior boundary ring. Closed: first vertex equals last.
	Outer []Coordinate `json:"outer"`

	// Holes are interior exclusion rings, if any.
	Holes [][]Coordinate `json:"holes,omitempty"`

	// Attributes carries extended key/value metadata from the source document.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// AOI is the prepared area of interest derived from a feature's geometry.
type AOI struct {
	// Feature is the source feature.
	Feature Feature `json:"feature"`

	// BBox is the bounding box of the (optionally buffered) boundary.
	BBox BBox `json:"bbox"`

	// Centroid is the representative interior point of the boundary.
	Centroid Coordinate `json:"centroid"`

	// AreaHectares is the geodesic area of the boundary in hectares.
	AreaHectares float64 `json:"area_hectares"`

	// BufferMeters is the buffer that was applied to the bbox, in metres.
	BufferMeters float64 `json:"buffer_meters,omitempty"`
}

// SceneFilters constrains an imagery search.
type SceneFilters struct {
	// MaxCloudCoverPct is the maximum acceptable cloud cover, [0, 100].
	MaxCloudCoverPct float64 `json:"max_cloud_cover_pct"`

	// MaxOffNadirDeg is the maximum acceptable off-nadir angle in degrees.
	// Zero means no constraint.
	MaxOffNadirDeg float64 `json:"max_off_nadir_deg,omitempty"`

	// MinResolutionM and MaxResolutionM bound the ground resolution in
	// metres per pixel. Zero means no constraint.
	MinResolutionM float64 `json:"min_resolution_m,omitempty"`
	MaxResolutionM float64 `json:"max_resolution_m,omitempty"`

	// Start and End bound the acquisition window. Zero values mean open.
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Scene is a candidate imagery capture returned by a provider search.
type Scene struct {
	// ID is the provider-scoped scene identifier.
	ID string `json:"id"`

	// Provider names the adapter that returned the scene.
	Provider string `json:"provider"`

	// Collection is the provider collection or catalog the scene belongs to.
	Collection string `json:"collection,omitempty"`

	// AcquiredAt is when the scene was captured.
	AcquiredAt time.Time `json:"acquired_at"`

	// CloudCoverPct is the scene cloud cover, [0, 100].
	CloudCoverPct float64 `json:"cloud_cover_pct"`

	// OffNadirDeg is the off-nadir angle in degrees, if reported.
	OffNadirDeg float64 `json:"off_nadir_deg,omitempty"`

	// ResolutionM is the ground resolution in metres per pixel, if reported.
	ResolutionM float64 `json:"resolution_m,omitempty"`

	// AssetURL locates the primary downloadable asset, if already known.
	AssetURL string `json:"asset_url,omitempty"`
}

// ImageryOrder is a provider-acknowledged request to deliver a scene.
type ImageryOrder struct {
	// ID is the provider-scoped order identifier.
	ID string `json:"id"`

	// Provider names the adapter that placed the order.
	Provider string `json:"provider"`

	// SceneID is the scene being delivered.
	SceneID string `json:"scene_id"`

	// PlacedAt is when the order was accepted.
	PlacedAt time.Time `json:"placed_at"`
}

// OrderPoll is a snapshot of an order's delivery progress.
type OrderPoll struct {
	// State is the provider-reported order state.
	State OrderState `json:"state"`

	// AssetURL locates the downloadable asset once State is ready.
	AssetURL string `json:"asset_url,omitempty"`

	// Message carries the provider's failure detail when State is failed.
	Message string `json:"message,omitempty"`
}

// PollState is the persisted cursor of a polling loop, durable across
// process restarts.
type PollState struct {
	// RunID is the owning processing run.
	RunID string `json:"run_id"`

	// OrderID is the order being polled.
	OrderID string `json:"order_id"`

	// Phase is the current lifecycle phase.
	Phase PollPhase `json:"phase"`

	// Attempts is the number of status checks performed so far.
	Attempts int `json:"attempts"`

	// Deadline is the absolute time after which polling gives up.
	Deadline time.Time `json:"deadline"`

	// LastCheckedAt is when the most recent status check completed.
	LastCheckedAt time.Time `json:"last_checked_at,omitempty"`
}

// TriggerEvent describes the input that starts a processing run.
type TriggerEvent struct {
	// RoutingKey partitions inputs by tenant or project.
	RoutingKey string `json:"routing_key"`

	// SourceRef identifies the boundary file within the artifact store.
	SourceRef string `json:"source_ref"`

	// Project is the human-readable project name used in output paths.
	Project string `json:"project"`

	// OccurredAt is the event time. Output paths derive their date segment
	// from this, never from the wall clock.
	OccurredAt time.Time `json:"occurred_at"`
}

// FeatureOutcome is the terminal record for one feature within a run.
type FeatureOutcome struct {
	// RunID is the owning processing run.
	RunID string `json:"run_id"`

	// FeatureName and Ordinal identify the feature.
	FeatureName string `json:"feature_name"`
	Ordinal     int    `json:"ordinal"`

	// Status is the terminal feature status.
	Status FeatureStatus `json:"status"`

	// SceneID is the selected scene, when one was acquired.
	SceneID string `json:"scene_id,omitempty"`

	// ImageryRef points to the post-processed imagery artifact.
	ImageryRef *storage.ArtifactRef `json:"imagery_ref,omitempty"`

	// MetadataRef points to the catalogued metadata document.
	MetadataRef *storage.ArtifactRef `json:"metadata_ref,omitempty"`

	// Error is the classified failure, when Status is failed.
	Error *Error `json:"error,omitempty"`

	// CompletedAt is when the feature reached its terminal state.
	CompletedAt time.Time `json:"completed_at"`
}

// ProcessingRun is the durable record of one end-to-end pipeline execution.
type ProcessingRun struct {
	// ID is the deterministic run identifier derived from the trigger.
	ID string `json:"id"`

	// Trigger is the event that started the run.
	Trigger TriggerEvent `json:"trigger"`

	// Status is the aggregate run status.
	Status RunStatus `json:"status"`

	// FeatureCount is the number of features discovered during ingestion.
	FeatureCount int `json:"feature_count"`

	// SucceededCount, NoCoverageCount, and FailedCount partition the
	// terminal feature outcomes. Their sum equals FeatureCount on completion.
	SucceededCount  int `json:"succeeded_count"`
	NoCoverageCount int `json:"no_coverage_count"`
	FailedCount     int `json:"failed_count"`

	// BoundaryRef points to the archived boundary file.
	BoundaryRef *storage.ArtifactRef `json:"boundary_ref,omitempty"`

	// Error is the run-level failure, set when ingestion failed outright.
	Error *Error `json:"error,omitempty"`

	// StartedAt and CompletedAt bound the run's execution.
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DeadLetter is the quarantine record for a feature that exhausted recovery.
type DeadLetter struct {
	// RunID is the owning processing run.
	RunID string `json:"run_id"`

	// FeatureName identifies the failed feature.
	FeatureName string `json:"feature_name"`

	// Stage is the pipeline stage that failed.
	Stage string `json:"stage"`

	// Error is the classified failure that exhausted recovery.
	Error *Error `json:"error"`

	// Payload carries enough input context to replay the feature manually.
	Payload []byte `json:"payload,omitempty"`

	// RecordedAt is when the dead letter was written.
	RecordedAt time.Time `json:"recorded_at"`
}
