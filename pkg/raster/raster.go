// Package raster post-processes downloaded imagery. The current processor
// promotes raw assets to delivered form unchanged while recording which
// transformations applied; pixel-level clipping and reprojection belong to
// an external toolchain invoked downstream of the catalog.
package raster

import (
	"context"

	"github.com/parcelsat/parcelsat/pkg/pipeline"
	"github.com/parcelsat/parcelsat/pkg/storage"
	"github.com/parcelsat/parcelsat/pkg/telemetry"
)

// Processor implements pipeline.PostProcessor by copying the raw asset to
// its delivered path.
type Processor struct {
	store storage.Store
	log   *telemetry.Logger

	// Clip and Reproject record the intended transformations in processing
	// metadata. They do not alter pixels here.
	Clip      bool
	Reproject bool
}

// NewProcessor creates a pass-through processor over the given store.
func NewProcessor(store storage.Store, log *telemetry.Logger) *Processor {
	return &Processor{
		store: store,
		log:   log.NewComponentLogger("raster"),
		Clip:  true,
	}
}

// Process copies the raw asset at rawPath to outPath. Re-processing the
// same input overwrites the prior output.
func (p *Processor) Process(ctx context.Context, aoi pipeline.AOI, rawPath, outPath string) (storage.ArtifactRef, error) {
	rc, err := p.store.Open(ctx, rawPath)
	if err != nil {
		return storage.ArtifactRef{}, pipeline.NewPermanentError("open raw imagery", err).
			WithStage("process").WithCode(pipeline.CodePostProcess)
	}
	defer rc.Close()

	ref, err := p.store.Write(ctx, outPath, rc, "image/tiff")
	if err != nil {
		return storage.ArtifactRef{}, pipeline.NewTransientError("write processed imagery", err).
			WithStage("process").WithCode(pipeline.CodePostProcess)
	}

	p.log.WithFeature(aoi.Feature.Name).Debugf("processed imagery written to %s", outPath)
	return ref, nil
}

// Applied reports the transformations this processor records in metadata.
func (p *Processor) Applied() []string {
	var steps []string
	if p.Clip {
		steps = append(steps, "clip")
	}
	if p.Reproject {
		steps = append(steps, "reproject")
	}
	return steps
}
