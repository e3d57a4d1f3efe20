// Package l4tracks owns Layer 4 (Tracks) of the camera data model.
//
// Responsibilities: single-object track lifecycle (seed, noise, jump,
// qualifying step, completion, timeout), direction-aware calibration
// and speed computation.
// Key types: Tracker, Track, Completed, CalibrationPair.
//
// Dependency rule: L4 may depend on L1-L3, but never on L5.
// The Tracker is owned by one goroutine and takes no locks.
package l4tracks
