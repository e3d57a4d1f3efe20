// Package l1capture owns Layer 1 (Capture) of the camera data model.
//
// Responsibilities: opening a video device, RTSP stream or file,
// timestamping decoded frames and handing the newest one to the
// processing loop through a depth-1 buffer.
// Key types: Frame, FrameSource, LatestFrame, VideoSource.
//
// Dependency rule: L1 has no inward dependencies on higher layers.
package l1capture
