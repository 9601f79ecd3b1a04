/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package flow provides a backpressure-aware admission and flow-control engine
// that mediates between fast producers and a slower, capacity-limited consumer.
//
// Producers call Controller.Submit, which runs the admission pipeline
// (rate limiting, load-adaptive shedding, priority-aware bounded buffering) and
// returns an AdmissionResult synchronously. Once an item is accepted, processing
// is fire-and-forget: a fixed pool of workers drains the priority scheduler and
// invokes the caller-supplied handler, retrying transient failures with
// exponential backoff and routing permanently failed items to the dead-letter
// sink exactly once. Post-admission failures never propagate back to the
// submitter; they are observable only via the dead-letter sink and metrics.
//
// The engine is a single-process, in-memory primitive: no durability, no replay,
// no distributed coordination. State is lost on restart by design.
package flow
