// Package async provides the concurrency helpers used by the proxy: a
// bounded FIFO submitter pool for fan-out work and SafeGo for fire-and-forget
// background tasks with panic recovery.
package async
