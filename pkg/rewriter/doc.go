// Package rewriter rewrites SQL statements so that references to the
// internal_state_reader view are routed through generated UNION ALL
// queries over materialised per-schema cache shards, preserving version
// inheritance, untracked state, transaction overlay, and writer
// attribution.
package rewriter
