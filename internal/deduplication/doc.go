// Package deduplication implements the Duplicate Gate.
//
// # Overview
//
// An incoming issue is compared against a caller-supplied collection of other
// issues. At most one best match is selected, and it is reported only when its
// similarity clears Config.SimilarityThreshold.
//
// # Engines
//
// Two Deduplicator implementations are provided:
//
//  1. LexicalDeduplicator: TF-IDF cosine similarity over unigrams and bigrams,
//     with the title counted twice. Runs locally and never fails.
//  2. AIDeduplicator: sends the event and batches of candidates (BatchSize per
//     call) to the reasoning provider and asks for a per-candidate judgement.
//
// # Gate semantics
//
// Gate wraps an engine and owns the rules that hold regardless of engine:
//   - the event's own ID is never a candidate
//   - closed issues are skipped unless IncludeClosedIssues is set
//   - if the engine fails, the gate fails open: IsDuplicate=false and the
//     verdict's Error field describes what went wrong
//
// # Batch mode
//
// When a backlog is processed, each event may only be compared against
// issues created strictly earlier (see EarlierThan). Duplicate status then
// flows oldest-first and the oldest issue of a chain is the canonical
// non-duplicate. Chains records the links found during a batch and resolves
// any issue to its canonical root.
//
// Example:
//
//	cfg := deduplication.DefaultConfig()
//	gate := deduplication.NewGate(deduplication.NewLexicalDeduplicator(cfg.SimilarityThreshold), cfg)
//	verdict := gate.Check(ctx, event, deduplication.EarlierThan(event, backlog))
//	if verdict.IsDuplicate {
//	    log.Printf("duplicate of #%s (similarity %.2f)", verdict.MatchedIssue.ID, verdict.SimilarityScore)
//	}
package deduplication
