// Package gstutil holds the one-time GStreamer initialization shared by the
// registry probe, the capture source, and the encoder stage.
package gstutil

import (
	"sync"

	"github.com/go-gst/go-gst/gst"
)

var initOnce sync.Once

// Init initializes the GStreamer library. Safe to call multiple times.
// Initialization scans the plugin registry, which is slow on first call, so
// callers do it once at startup rather than on first session.
func Init() {
	initOnce.Do(func() {
		gst.Init(nil)
	})
}

// HasElement reports whether a GStreamer element factory is available.
func HasElement(name string) bool {
	Init()
	return gst.Find(name) != nil
}
