// Package harness runs scripted scenarios against the synchronization
// core: the entity store, the optimistic overlay, the reconciliation
// merger and the notification dispatcher, wired as the engine wires them.
//
// Scenarios replace the network with explicit steps (push events, mutation
// responses, poll pages, clock advances), so every run of a scenario
// produces the same trace.
//
// Scenario files are YAML:
//
//	name: like_confirmed_by_echo
//	description: "A like shows at once and is confirmed by its push echo"
//	setup:
//	  - kind: post
//	    id: p-1
//	    version: 1
//	    fields: {author_id: u-1, like_count: 0, comment_count: 0}
//	steps:
//	  - mutate:
//	      id: m-1
//	      kind: post
//	      entity: p-1
//	      op: like
//	      ops: [{incr: like_count, by: 1}]
//	  - push:
//	      op: update
//	      mutation_id: m-1
//	      after: {kind: post, id: p-1, version: 2, fields: {...}}
//	  - advance: 90s
//	assertions:
//	  - type: view
//	    kind: post
//	    id: p-1
//	    expect: {version: 2, pending: false, like_count: 1}
//	  - type: trace_contains
//	    event: confirmed
//	    match: {mutation_id: m-1}
//
// # Steps
//
//   - mutate: applies an optimistic mutation to the overlay
//   - push: delivers an insert, update or delete change event
//   - respond: delivers the server response to a mutation
//   - fail: rolls a mutation back with an error code
//   - poll: delivers a page of polled entities
//   - resync: delivers a full fetch of one feed, pruning when complete
//   - advance: moves the clock and expires stale optimistic entries
//
// # Assertions
//
//   - view: subset match on a displayed entity
//   - absent: the entity is not displayed
//   - pending: number of outstanding optimistic entries
//   - trace_contains, trace_count, trace_order: match trace events by type,
//     key and attrs
//
// # Trace
//
// The trace records each step, every change of a displayed view, every
// status transition delivered to the dispatcher and every rollback
// failure, plus confirmations, expiries, rejected mutations and dropped
// events. Setup is not traced. Runs use a fake clock and no goroutines,
// so traces are identical across runs and suit golden comparison.
package harness
