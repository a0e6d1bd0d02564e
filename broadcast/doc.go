// Package broadcast reconstructs broadcast sessions from the raw platform
// event log and drives their finalize/summarize lifecycle.
//
// The pipeline has four stages:
//   - segment building: explicit start/stop markers plus dense activity
//     blocks become non-overlapping candidate intervals (segments);
//   - stitching: segments separated by short idle gaps merge into sessions,
//     the unit the rest of the product reports on;
//   - rollups: per-session aggregates (tips, follower net, viewer stats,
//     unique visitors) computed from the events linked to the session;
//   - finalization: a periodically-ticking scheduler that marks due sessions
//     finalized, recomputes their rollups, and optionally requests an AI
//     summary of the chat transcript.
//
// Rebuild runs the first three stages as one idempotent recompute. The
// finalizer persists its configuration and running/paused flags in the
// job_state table so a restart resumes exactly where it left off.
package broadcast
