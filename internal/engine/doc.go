// Package engine wires the synchronization components into one client
// state engine and exposes the UI state API.
//
// Single-writer event loop:
// Every state change runs on the goroutine that calls Run. Push channels,
// poll refreshers and mutation retries do their network I/O on their own
// goroutines and post results to an unbounded FIFO queue; API methods post
// closures to the same queue and wait for them. The loop dequeues one
// event at a time, so merges, overlay writes and feed bookkeeping never
// interleave.
//
// Feeds:
// Watch opens a feed for a (kind, filter): one push subscription and one
// poll refresher, shared by every watcher. Each feed carries a generation
// number. Tearing a feed down removes it, and events still queued for the
// old generation are dropped when the loop reaches them.
//
// Mutations:
// SubmitMutation applies the optimistic delta, submits it under the retry
// policy and, once the outcome is known, confirms the entry through the
// merger or rolls it back. The caller's context bounds only the wait: a
// submission keeps running after the caller gives up, and its overlay
// entry is settled by the outcome, a matching push echo, a poll, or TTL
// expiry.
package engine
