// Package l3blobs owns Layer 3 (Blobs) of the camera data model.
//
// Responsibilities: choosing the one motion blob worth tracking in a
// frame. Blobs touching the crop edges are partial objects and are never
// chosen.
// Key types: Selector, Blob.
//
// Dependency rule: L3 may depend on L1-L2, but never on L4+.
package l3blobs
