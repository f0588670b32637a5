package pipeline

import (
	"context"
	"io"

	"github.com/parcelsat/parcelsat/pkg/storage"
)

// BoundaryParser extracts polygon features from a boundary document.
type BoundaryParser interface {
	// Parse reads the document at sourceRef from the artifact store and
	// returns its polygon features in document order. Individually invalid
	// features are skipped with a recorded validation error; the returned
	// error is non-nil only when the document as a whole is unusable.
	Parse(ctx context.Context, sourceRef string) (features []Feature, skipped []*Error, err error)
}

// AOIPreparer derives a search-ready area of interest from a feature.
type AOIPreparer interface {
	// Prepare computes the bbox, centroid, and area for a feature's geometry.
	Prepare(ctx context.Context, feature Feature) (AOI, error)
}

// ImageryProvider is the contract every imagery source adapter implements.
// Adapters translate provider-specific protocols and error shapes into the
// pipeline's domain types; nothing provider-specific leaks above this
// interface.
type ImageryProvider interface {
	// Name returns the adapter's registered name.
	Name() string

	// Search returns candidate scenes for the AOI matching the filters,
	// ordered best-first by the provider's quality ranking. An empty slice
	// with a nil error means no coverage.
	Search(ctx context.Context, aoi AOI, filters SceneFilters) ([]Scene, error)

	// Order requests delivery of a scene.
	Order(ctx context.Context, scene Scene) (ImageryOrder, error)

	// Poll reports the current delivery state of an order. Each call is a
	// single status check; the caller owns the polling loop.
	Poll(ctx context.Context, order ImageryOrder) (OrderPoll, error)

	// Download streams the delivered asset. The caller must close the
	// returned reader.
	Download(ctx context.Context, order ImageryOrder, poll OrderPoll) (io.ReadCloser, error)
}

// ProviderResolver resolves a configured provider name to a ready adapter.
type ProviderResolver interface {
	// Resolve returns the adapter registered under name, constructing and
	// caching it on first use.
	Resolve(name string) (ImageryProvider, error)
}

// PostProcessor transforms raw imagery into its delivered form.
type PostProcessor interface {
	// Process reads raw imagery from rawPath, applies the configured
	// transformations for the AOI, and writes the result to outPath.
	Process(ctx context.Context, aoi AOI, rawPath, outPath string) (storage.ArtifactRef, error)
}

// CatalogWriter publishes the per-feature metadata document.
type CatalogWriter interface {
	// WriteMetadata assembles and stores the metadata document for a
	// completed feature.
	WriteMetadata(ctx context.Context, run *ProcessingRun, outcome FeatureOutcome, aoi AOI, scene *Scene) (storage.ArtifactRef, error)
}

// RunStore persists run, outcome, and poll state durably.
type RunStore interface {
	// GetRun returns the run with the given ID, or (nil, nil) if absent.
	GetRun(ctx context.Context, runID string) (*ProcessingRun, error)

	// SaveRun inserts or replaces a run record.
	SaveRun(ctx context.Context, run *ProcessingRun) error

	// SaveOutcome inserts or replaces a feature outcome.
	SaveOutcome(ctx context.Context, outcome FeatureOutcome) error

	// ListOutcomes returns the outcomes recorded for a run, in ordinal order.
	ListOutcomes(ctx context.Context, runID string) ([]FeatureOutcome, error)

	// SavePollState inserts or replaces a polling cursor.
	SavePollState(ctx context.Context, state PollState) error

	// SaveDeadLetter appends a dead letter record.
	SaveDeadLetter(ctx context.Context, letter DeadLetter) error

	// ListDeadLetters returns the dead letters recorded for a run.
	ListDeadLetters(ctx context.Context, runID string) ([]DeadLetter, error)
}
