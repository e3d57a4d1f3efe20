// Package l5events owns Layer 5 (Events) of the camera data model.
//
// Responsibilities: turning completed tracks into DetectionEvents,
// deciding which ones qualify, and delivering them to sinks off the
// processing goroutine: image snapshots first, then persistence and
// live outputs.
// Key types: DetectionEvent, Sink, Emitter, Frame, CSVSink.
//
// Dependency rule: L5 may depend on L3-L4 but imports no OpenCV code; the
// JPEG writer lives in the snapshot subpackage. Sinks that need a database
// or network live in adapter packages and implement Sink.
package l5events
