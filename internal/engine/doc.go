// Package engine defines the Engine capability interface that every compute
// engine implementation satisfies, and QueuedEngine, which serializes the
// commands sent to one engine through a FIFO so that at most one command is
// in flight per engine.
package engine
