package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parcelsat/parcelsat/pkg/offload"
	"github.com/parcelsat/parcelsat/pkg/paths"
	"github.com/parcelsat/parcelsat/pkg/storage"
	"github.com/parcelsat/parcelsat/pkg/telemetry"
)

// OrchestratorConfig tunes a single orchestrator instance.
type OrchestratorConfig struct {
	// Project is the project name used in output paths.
	Project string

	// Provider selects the imagery provider adapter by registered name.
	Provider string

	// Filters constrain every scene search in the run. A zero acquisition
	// window is derived from the trigger time and Lookback, so the window
	// is a function of input identity rather than the wall clock.
	Filters SceneFilters

	// Lookback is how far before the trigger time the acquisition window
	// opens when Filters leaves it unset.
	Lookback time.Duration

	// AcquisitionConcurrency bounds concurrent search/order work.
	AcquisitionConcurrency int

	// FulfillmentConcurrency bounds concurrent poll/download work.
	FulfillmentConcurrency int

	// Retry governs transient-failure recovery at every stage.
	Retry RetryPolicy

	// PollInterval and PollTimeout configure order polling.
	PollInterval time.Duration
	PollTimeout  time.Duration

	// RunTimeout bounds the whole run. Zero means unbounded.
	RunTimeout time.Duration
}

// Orchestrator drives a boundary file through ingestion, acquisition, and
// fulfillment to a terminal run record. Runs are idempotent: the run ID is
// deterministic in the trigger, output paths are deterministic in input
// identity, and a re-delivered trigger for a finished run returns the
// recorded result without reprocessing.
type Orchestrator struct {
	cfg       OrchestratorConfig
	store     RunStore
	artifacts storage.Store
	parser    BoundaryParser
	preparer  AOIPreparer
	providers ProviderResolver
	processor PostProcessor
	catalog   CatalogWriter
	payloads  *offload.Manager
	log       *telemetry.Logger
	metrics   *telemetry.Metrics

	mu     sync.Mutex
	active map[string]struct{}
}

// NewOrchestrator assembles an orchestrator from its collaborators.
func NewOrchestrator(
	cfg OrchestratorConfig,
	store RunStore,
	artifacts storage.Store,
	parser BoundaryParser,
	preparer AOIPreparer,
	providers ProviderResolver,
	processor PostProcessor,
	catalog CatalogWriter,
	payloads *offload.Manager,
	log *telemetry.Logger,
	metrics *telemetry.Metrics,
) *Orchestrator {
	if cfg.AcquisitionConcurrency < 1 {
		cfg.AcquisitionConcurrency = 1
	}
	if cfg.FulfillmentConcurrency < 1 {
		cfg.FulfillmentConcurrency = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		artifacts: artifacts,
		parser:    parser,
		preparer:  preparer,
		providers: providers,
		processor: processor,
		catalog:   catalog,
		payloads:  payloads,
		log:       log.NewComponentLogger("orchestrator"),
		metrics:   metrics,
		active:    make(map[string]struct{}),
	}
}

// acquisition is the per-feature output of the acquisition phase.
type acquisition struct {
	AOI        AOI           `json:"aoi"`
	Scene      *Scene        `json:"scene,omitempty"`
	Order      *ImageryOrder `json:"order,omitempty"`
	NoCoverage bool          `json:"no_coverage,omitempty"`
}

// Start executes the pipeline for a trigger event and returns the terminal
// run record. Re-delivering a trigger whose run already finished returns
// the stored record without side effects; a trigger whose run is currently
// executing in this process returns the in-flight record.
func (o *Orchestrator) Start(ctx context.Context, event TriggerEvent) (*ProcessingRun, error) {
	runID := paths.RunID(event.RoutingKey, event.SourceRef)
	log := o.log.WithRunID(runID)

	existing, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, AsPipelineError(err).WithStage("start")
	}
	if existing != nil && existing.Status.IsTerminal() {
		log.Info("run already completed, returning recorded result")
		return existing, nil
	}

	o.mu.Lock()
	if _, busy := o.active[runID]; busy {
		o.mu.Unlock()
		log.Warn("run already in flight, ignoring duplicate trigger")
		if existing != nil {
			return existing, nil
		}
		return nil, NewValidationError("run already in flight: "+runID, nil).WithStage("start")
	}
	o.active[runID] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, runID)
		o.mu.Unlock()
	}()

	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	run := &ProcessingRun{
		ID:        runID,
		Trigger:   event,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := o.store.SaveRun(ctx, run); err != nil {
		return nil, AsPipelineError(err).WithStage("start")
	}
	o.metrics.RunStarted()
	log.Infof("run started for %s", event.SourceRef)

	featuresEnv, err := o.ingest(ctx, run, log)
	if err != nil {
		return o.finalizeFailed(ctx, run, AsPipelineError(err), log), nil
	}

	acqEnv, acqErrs, err := o.acquire(ctx, run, featuresEnv, log)
	if err != nil {
		return o.finalizeFailed(ctx, run, AsPipelineError(err), log), nil
	}

	outcomes, err := o.fulfill(ctx, run, featuresEnv, acqEnv, acqErrs, log)
	if err != nil {
		return o.finalizeFailed(ctx, run, AsPipelineError(err), log), nil
	}

	return o.finalize(ctx, run, outcomes, log), nil
}

// ingest archives the boundary file and extracts its features. Individually
// invalid features are recorded and skipped; an unusable document fails the
// run. The feature list is handed to later phases as a stashed payload
// envelope, not as an in-memory slice.
func (o *Orchestrator) ingest(ctx context.Context, run *ProcessingRun, log *telemetry.Logger) (offload.Envelope, error) {
	log = log.WithStage("ingest")

	src, err := o.artifacts.Open(ctx, run.Trigger.SourceRef)
	if err != nil {
		return offload.Envelope{}, NewValidationError("boundary file not found", err).
			WithStage("ingest").WithCode(CodeParseFailed)
	}
	archivePath := paths.BoundaryArchive(run.Trigger.SourceRef, run.Trigger.Project, run.Trigger.OccurredAt)
	ref, err := o.artifacts.Write(ctx, archivePath, src, "application/vnd.google-earth.kml+xml")
	src.Close()
	if err != nil {
		return offload.Envelope{}, NewTransientError("archive boundary file", err).WithStage("ingest")
	}
	run.BoundaryRef = &ref

	features, skipped, err := o.parser.Parse(ctx, run.Trigger.SourceRef)
	if err != nil {
		return offload.Envelope{}, AsPipelineError(err).WithStage("ingest")
	}

	for _, verr := range skipped {
		log.WithError(verr).Warnf("skipping invalid feature %s", verr.Feature)
		o.recordDeadLetter(ctx, run, verr.Feature, "ingest", verr, log)
	}

	if len(features) == 0 {
		return offload.Envelope{}, NewValidationError("boundary file contains no valid features", nil).
			WithStage("ingest").WithCode(CodeInvalidGeometry)
	}

	run.FeatureCount = len(features)
	if err := o.store.SaveRun(ctx, run); err != nil {
		return offload.Envelope{}, AsPipelineError(err).WithStage("ingest")
	}
	env, err := o.payloads.Stash(ctx, run.ID, "features", features)
	if err != nil {
		return offload.Envelope{}, NewTransientError("persist feature payload", err).WithStage("ingest")
	}

	log.Infof("ingested %d features (%d skipped)", len(features), len(skipped))
	return env, nil
}

// acquire fans out over features to prepare AOIs, search for scenes, and
// place orders. Every feature gets exactly one result slot; a failure in one
// never discards another. The acquisitions travel to fulfillment as a
// stashed payload envelope; only the per-feature errors stay in memory.
func (o *Orchestrator) acquire(ctx context.Context, run *ProcessingRun, featuresEnv offload.Envelope, log *telemetry.Logger) (offload.Envelope, []*Error, error) {
	log = log.WithStage("acquire")

	var features []Feature
	if err := o.payloads.Resolve(ctx, featuresEnv, &features); err != nil {
		return offload.Envelope{}, nil, NewTransientError("resolve feature payload", err).WithStage("acquire")
	}
	filters := o.searchFilters(run.Trigger)

	results := FanOut(ctx, o.cfg.AcquisitionConcurrency, features,
		func(ctx context.Context, index int, feature Feature) (acquisition, error) {
			flog := log.WithFeature(feature.Name)

			aoi, err := o.preparer.Prepare(ctx, feature)
			if err != nil {
				return acquisition{}, AsPipelineError(err).WithStage("acquire").WithFeature(feature.Name)
			}

			provider, err := o.providers.Resolve(o.cfg.Provider)
			if err != nil {
				return acquisition{}, AsPipelineError(err).WithStage("acquire").WithFeature(feature.Name)
			}

			var scenes []Scene
			err = Retry(ctx, o.retryPolicy("acquire"), func(ctx context.Context) error {
				started := time.Now()
				var searchErr error
				scenes, searchErr = provider.Search(ctx, aoi, filters)
				o.observeProviderCall(provider.Name(), "search", started, searchErr)
				return searchErr
			})
			if err != nil {
				return acquisition{}, AsPipelineError(err).WithStage("acquire").WithFeature(feature.Name)
			}

			if len(scenes) == 0 {
				flog.Info("no scenes match the filters")
				return acquisition{AOI: aoi, NoCoverage: true}, nil
			}

			// Adapters return scenes best-first, so the head is the pick.
			scene := scenes[0]
			flog.Infof("selected scene %s (cloud cover %.1f%%)", scene.ID, scene.CloudCoverPct)

			var order ImageryOrder
			err = Retry(ctx, o.retryPolicy("acquire"), func(ctx context.Context) error {
				started := time.Now()
				var orderErr error
				order, orderErr = provider.Order(ctx, scene)
				o.observeProviderCall(provider.Name(), "order", started, orderErr)
				return orderErr
			})
			if err != nil {
				return acquisition{}, AsPipelineError(err).WithStage("acquire").WithFeature(feature.Name)
			}

			return acquisition{AOI: aoi, Scene: &scene, Order: &order}, nil
		})

	acqs := make([]acquisition, len(results))
	errs := make([]*Error, len(results))
	for i, r := range results {
		acqs[i] = r.Value
		if r.Err != nil {
			errs[i] = AsPipelineError(r.Err)
		}
	}
	// The stash detaches from the run deadline: a run that expired mid-phase
	// still hands fulfillment what it needs to resolve every feature.
	env, err := o.payloads.Stash(context.WithoutCancel(ctx), run.ID, "acquisitions", acqs)
	if err != nil {
		return offload.Envelope{}, nil, NewTransientError("persist acquisition payload", err).WithStage("acquire")
	}
	return env, errs, nil
}

// searchFilters fills a zero acquisition window from the trigger time so
// re-delivered events search the same window.
func (o *Orchestrator) searchFilters(event TriggerEvent) SceneFilters {
	filters := o.cfg.Filters
	if filters.End.IsZero() && !event.OccurredAt.IsZero() {
		filters.End = event.OccurredAt
	}
	if filters.Start.IsZero() && o.cfg.Lookback > 0 && !filters.End.IsZero() {
		filters.Start = filters.End.Add(-o.cfg.Lookback)
	}
	return filters
}

// fulfill fans out over placed orders to poll, download, post-process, and
// catalog. It resolves its inputs from the stashed phase envelopes and
// returns exactly one terminal outcome per feature.
func (o *Orchestrator) fulfill(ctx context.Context, run *ProcessingRun, featuresEnv, acqEnv offload.Envelope, acqErrs []*Error, log *telemetry.Logger) ([]FeatureOutcome, error) {
	log = log.WithStage("fulfill")

	// Resolving the phase payloads detaches from the run deadline so an
	// expired run can still mark each feature with a terminal outcome.
	bctx := context.WithoutCancel(ctx)
	var features []Feature
	if err := o.payloads.Resolve(bctx, featuresEnv, &features); err != nil {
		return nil, NewTransientError("resolve feature payload", err).WithStage("fulfill")
	}
	var acqs []acquisition
	if err := o.payloads.Resolve(bctx, acqEnv, &acqs); err != nil {
		return nil, NewTransientError("resolve acquisition payload", err).WithStage("fulfill")
	}
	if len(acqs) != len(features) || len(acqErrs) != len(features) {
		return nil, NewContractError("acquisition payload does not match feature count", nil).WithStage("fulfill")
	}

	results := FanOut(ctx, o.cfg.FulfillmentConcurrency, acqs,
		func(ctx context.Context, index int, acq acquisition) (FeatureOutcome, error) {
			feature := features[index]
			started := time.Now()

			outcome := FeatureOutcome{
				RunID:       run.ID,
				FeatureName: feature.Name,
				Ordinal:     feature.Ordinal,
			}

			finish := func(status FeatureStatus, ferr *Error) (FeatureOutcome, error) {
				outcome.Status = status
				outcome.Error = ferr
				outcome.CompletedAt = time.Now().UTC()
				o.metrics.FeatureProcessed(string(status), time.Since(started))
				return outcome, nil
			}

			if acqErrs[index] != nil {
				return finish(FeatureStatusFailed, acqErrs[index])
			}
			if acq.NoCoverage {
				ref, err := o.writeMetadata(ctx, run, &outcome, acq, FeatureStatusNoCoverage)
				if err != nil {
					return finish(FeatureStatusFailed, AsPipelineError(err))
				}
				outcome.MetadataRef = ref
				return finish(FeatureStatusNoCoverage, nil)
			}

			if err := o.deliver(ctx, run, &outcome, feature, acq, log.WithFeature(feature.Name)); err != nil {
				return finish(FeatureStatusFailed, AsPipelineError(err))
			}
			return finish(FeatureStatusSucceeded, nil)
		})

	outcomes := make([]FeatureOutcome, len(results))
	for i, r := range results {
		outcomes[i] = r.Value
		if r.Err != nil && outcomes[i].Status == "" {
			// The fan-out pre-empted this slot before its worker ran.
			// The feature still resolves terminally.
			outcomes[i] = FeatureOutcome{
				RunID:       run.ID,
				FeatureName: features[i].Name,
				Ordinal:     features[i].Ordinal,
				Status:      FeatureStatusFailed,
				Error:       AsPipelineError(r.Err).WithStage("fulfill").WithFeature(features[i].Name),
				CompletedAt: time.Now().UTC(),
			}
		}
	}
	return outcomes, nil
}

// deliver polls one order to readiness, downloads the asset, post-processes
// it, and writes the metadata document.
func (o *Orchestrator) deliver(ctx context.Context, run *ProcessingRun, outcome *FeatureOutcome, feature Feature, acq acquisition, log *telemetry.Logger) error {
	provider, err := o.providers.Resolve(o.cfg.Provider)
	if err != nil {
		return AsPipelineError(err).WithStage("fulfill").WithFeature(feature.Name)
	}

	poller := &Poller{
		Interval: o.cfg.PollInterval,
		Timeout:  o.cfg.PollTimeout,
		Retry:    o.retryPolicy("fulfill"),
		Persist: func(ctx context.Context, state PollState) error {
			o.metrics.PollTick(provider.Name())
			return o.store.SavePollState(ctx, state)
		},
	}
	poll, _, err := poller.Run(ctx, provider, run.ID, *acq.Order)
	if err != nil {
		return AsPipelineError(err).WithFeature(feature.Name)
	}
	outcome.SceneID = acq.Scene.ID

	rawPath := paths.RawImagery(feature.Name, feature.Ordinal, run.Trigger.Project, run.Trigger.OccurredAt)
	err = Retry(ctx, o.retryPolicy("fulfill"), func(ctx context.Context) error {
		started := time.Now()
		rc, derr := provider.Download(ctx, *acq.Order, poll)
		o.observeProviderCall(provider.Name(), "download", started, derr)
		if derr != nil {
			return derr
		}
		defer rc.Close()

		if _, werr := o.artifacts.Write(ctx, rawPath, rc, "image/tiff"); werr != nil {
			return NewTransientError("store raw imagery", werr).WithCode(CodeDownloadFailed)
		}
		return nil
	})
	if err != nil {
		return AsPipelineError(err).WithStage("fulfill").WithFeature(feature.Name)
	}
	log.Debugf("raw imagery stored at %s", rawPath)

	outPath := paths.ClippedImagery(feature.Name, feature.Ordinal, run.Trigger.Project, run.Trigger.OccurredAt)
	ref, err := o.processor.Process(ctx, acq.AOI, rawPath, outPath)
	if err != nil {
		return AsPipelineError(err).WithStage("fulfill").WithFeature(feature.Name).WithCode(CodePostProcess)
	}
	outcome.ImageryRef = &ref

	mref, err := o.writeMetadata(ctx, run, outcome, acq, FeatureStatusSucceeded)
	if err != nil {
		return AsPipelineError(err).WithFeature(feature.Name)
	}
	outcome.MetadataRef = mref
	return nil
}

func (o *Orchestrator) writeMetadata(ctx context.Context, run *ProcessingRun, outcome *FeatureOutcome, acq acquisition, status FeatureStatus) (*storage.ArtifactRef, error) {
	snapshot := *outcome
	snapshot.Status = status
	ref, err := o.catalog.WriteMetadata(ctx, run, snapshot, acq.AOI, acq.Scene)
	if err != nil {
		return nil, AsPipelineError(err).WithStage("fulfill").WithCode(CodeMetadataWrite)
	}
	return &ref, nil
}

// finalize records every outcome, quarantines failures, and derives the
// aggregate run status. Finalization writes detach from the run deadline:
// an expired run must still land its summary, outcomes, and dead letters.
func (o *Orchestrator) finalize(ctx context.Context, run *ProcessingRun, outcomes []FeatureOutcome, log *telemetry.Logger) *ProcessingRun {
	ctx = context.WithoutCancel(ctx)
	for _, outcome := range outcomes {
		if err := o.store.SaveOutcome(ctx, outcome); err != nil {
			log.WithError(err).Errorf("could not record outcome for %s", outcome.FeatureName)
		}

		switch outcome.Status {
		case FeatureStatusSucceeded:
			run.SucceededCount++
		case FeatureStatusNoCoverage:
			run.NoCoverageCount++
		case FeatureStatusFailed:
			run.FailedCount++
			stage := "fulfill"
			if outcome.Error != nil && outcome.Error.Stage != "" {
				stage = outcome.Error.Stage
			}
			o.recordDeadLetter(ctx, run, outcome.FeatureName, stage, outcome.Error, log)
		}
	}

	// Success is reserved for a run where every feature succeeded;
	// no_coverage features downgrade to partial_success but never to failed.
	switch {
	case run.FailedCount == 0 && run.NoCoverageCount == 0:
		run.Status = RunStatusSuccess
	case run.SucceededCount > 0 || run.NoCoverageCount > 0:
		run.Status = RunStatusPartialSuccess
	default:
		run.Status = RunStatusFailed
	}

	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := o.store.SaveRun(ctx, run); err != nil {
		log.WithError(err).Error("could not record run completion")
	}
	o.metrics.RunCompleted(string(run.Status), now.Sub(run.StartedAt))
	log.Infof("run %s: %d succeeded, %d no coverage, %d failed",
		run.Status, run.SucceededCount, run.NoCoverageCount, run.FailedCount)
	return run
}

// finalizeFailed terminates a run that failed before fan-out.
func (o *Orchestrator) finalizeFailed(ctx context.Context, run *ProcessingRun, ferr *Error, log *telemetry.Logger) *ProcessingRun {
	ctx = context.WithoutCancel(ctx)
	run.Status = RunStatusFailed
	run.Error = ferr
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := o.store.SaveRun(ctx, run); err != nil {
		log.WithError(err).Error("could not record run failure")
	}
	o.metrics.RunCompleted(string(RunStatusFailed), now.Sub(run.StartedAt))
	log.WithError(ferr).Error("run failed before feature fan-out")
	return run
}

func (o *Orchestrator) recordDeadLetter(ctx context.Context, run *ProcessingRun, featureName, stage string, ferr *Error, log *telemetry.Logger) {
	ctx = context.WithoutCancel(ctx)
	letter := DeadLetter{
		RunID:       run.ID,
		FeatureName: featureName,
		Stage:       stage,
		Error:       ferr,
		Payload:     []byte(fmt.Sprintf(`{"source_ref":%q,"feature":%q}`, run.Trigger.SourceRef, featureName)),
		RecordedAt:  time.Now().UTC(),
	}
	if err := o.store.SaveDeadLetter(ctx, letter); err != nil {
		log.WithError(err).Errorf("could not quarantine feature %s", featureName)
		return
	}
	o.metrics.DeadLetter(stage)
}

// retryPolicy attaches the retry counter for a stage to the configured
// policy.
func (o *Orchestrator) retryPolicy(stage string) RetryPolicy {
	policy := o.cfg.Retry
	policy.OnRetry = func(int) { o.metrics.Retry(stage) }
	return policy
}

func (o *Orchestrator) observeProviderCall(provider, operation string, started time.Time, err error) {
	class := ""
	if err != nil {
		class = string(AsPipelineError(err).Class)
	}
	o.metrics.ProviderCall(provider, operation, time.Since(started), class)
}
