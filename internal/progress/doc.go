// Package progress carries run and download-attempt events from the control
// plane to observers. A Hub batches events on a background goroutine and fans
// them out to sinks (structured logs, Prometheus) without ever blocking the
// caller that emitted them.
package progress
