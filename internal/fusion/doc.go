// Package fusion is the algebraic and synchronization substrate a
// sensor-fusion estimator is built on.
//
// Responsibilities are split across subpackages:
//   - manifold: element kinds (scalars, vectors, rotations) with boxplus/boxminus.
//   - state: schemas (Definition), owned states and re-indexing wrappers.
//   - timeline: per-stream measurement buffers with watermarks and split/merge resampling.
//   - residual: the innovation and Jacobian contract an outer filter loop evaluates.
//   - align: multi-stream synchronization planning on top of timelines.
//
// Dependency rule: manifold <- state <- timeline <- residual <- align.
// Nothing in this tree sequences updates or applies corrections; that is the
// estimator's job.
package fusion
