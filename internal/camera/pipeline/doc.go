// Package pipeline provides the processing loop that orchestrates the
// camera layers: read a frame (L1), detect motion (L2), select a blob
// (L3), advance the tracker (L4) and submit qualifying events (L5).
//
// This package is the composition root for the core: it imports from the
// layer packages, but none of them import pipeline/. The loop runs on one
// goroutine and owns the tracker exclusively.
package pipeline
