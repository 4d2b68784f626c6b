// Package pipeline is the relay's event loop. A single goroutine takes every
// event from the connection manager and every viewer request, and runs each one
// through classification, highlight detection, caching with bunching, context
// tracking and fan-out before the next one starts. Durable writes are queued on
// a Persister and flushed by its own goroutine, so nothing on the loop waits on
// I/O.
package pipeline
