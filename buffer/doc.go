/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package buffer provides a fixed-capacity FIFO buffer with pluggable overflow
// policies and a strict-priority scheduler composed of two such buffers.
//
// The buffer is safe for concurrent producers and consumers. All mutations happen
// under a single buffer-wide critical section, so occupancy never exceeds capacity
// and never goes negative, and FIFO order is preserved for items that survive
// overflow handling. Blocking operations (OverflowBlock enqueue, Dequeue) are
// bounded by a timeout and can be aborted early through the passed context;
// cancellation is reported distinctly from timeout.
package buffer
