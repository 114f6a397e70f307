// Package wire implements the versioned observer protocol: a tagged message
// vocabulary (events, correlated requests, commands), a per-session hub with
// monotonic sequencing, bounded replay, and drop-oldest backpressure, and
// transport adapters for in-process channels and newline-delimited JSON
// streams.
//
// The engine never talks to a front end directly. It broadcasts through a
// Hub; observers attach transports and issue commands. Zero, one, or many
// observers are interchangeable: producers never block on any of them.
package wire
