// Package pipeline contains the orchestration core of ParcelSat: the domain
// types, the classified error taxonomy, and the engine that drives a land
// boundary file through ingestion, imagery acquisition, and fulfillment.
//
// # Phases
//
// A processing run moves through three phases:
//
//  1. Ingestion - archive the boundary file and extract its polygon
//     features. An unusable document fails the run; individually invalid
//     features are quarantined and skipped.
//  2. Acquisition - per feature, prepare the area of interest, search the
//     configured imagery provider, and order the best matching scene.
//  3. Fulfillment - per order, poll until the provider reports readiness,
//     download the asset, post-process it, and publish the metadata
//     document.
//
// Features fan out with bounded concurrency and fan back in with exactly
// one terminal outcome each; a failure in one feature never discards the
// work of another.
//
// # Idempotency
//
// Run identifiers are deterministic in the trigger and every output path is
// deterministic in input identity, so re-delivering a trigger overwrites
// prior artifacts instead of duplicating them. Finished runs are returned
// from the run store without reprocessing.
//
// # Errors
//
// Every failure crossing a component boundary is classified as validation,
// transient, permanent, or contract. Only transient failures are retried;
// retry exhaustion promotes them to terminal failures recorded as dead
// letters.
package pipeline
