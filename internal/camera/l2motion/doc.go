// Package l2motion owns Layer 2 (Motion) of the camera data model.
//
// Responsibilities: the motion blob type and the differencing parameters.
// The OpenCV detector that produces blobs from consecutive frames lives in
// the framediff subpackage, so the layers above build without cgo.
// Key types: Blob, DetectorConfig.
//
// Dependency rule: L2 may depend on L1, but never on L3+. This package
// itself imports no OpenCV code.
package l2motion
