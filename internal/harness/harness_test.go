package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, doc string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(doc))
	require.NoError(t, err)
	return s
}

const postSetup = `
setup:
  - kind: post
    id: p-1
    version: 1
    fields: {author_id: u-1, like_count: 0, comment_count: 0}
`

func TestRun_FailedAssertionsMarkResult(t *testing.T) {
	s := parse(t, `
name: wrong_expectations
description: "every assertion is false"
`+postSetup+`
steps:
  - mutate: {id: m-1, kind: post, entity: p-1, op: like, ops: [{incr: like_count, by: 1}]}
assertions:
  - {type: view, kind: post, id: p-1, expect: {like_count: 7}}
  - {type: view, kind: post, id: p-9, expect: {version: 1}}
  - {type: absent, kind: post, id: p-1}
  - {type: pending, count: 0}
  - {type: trace_contains, event: confirmed}
  - {type: trace_count, event: view, count: 3}
  - type: trace_order
    sequence:
      - {event: view}
      - {event: step}
`)
	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 7)
	assert.Contains(t, result.Errors[0], "like_count=7")
	assert.Contains(t, result.Errors[0], "like_count=1")
	assert.Contains(t, result.Errors[1], "absent")
	assert.Contains(t, result.Errors[2], "displayed at version 1")
	assert.Contains(t, result.Errors[3], "0 outstanding optimistic entries")
	assert.Contains(t, result.Errors[6], "sequence[1]")
}

func TestRun_PassingAssertions(t *testing.T) {
	s := parse(t, `
name: comment_pending
description: "a pending comment is displayed on top of the base"
`+postSetup+`
steps:
  - mutate: {id: m-1, kind: post, entity: p-1, op: comment, ops: [{incr: comment_count, by: 1}]}
assertions:
  - {type: view, kind: posts, id: p-1, expect: {pending: true, comment_count: 1, version: 1}}
  - {type: pending, count: 1}
  - {type: trace_count, event: view, match: {key: post/p-1}, count: 1}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
	assert.Empty(t, result.Errors)
}

func TestRun_ServerOwnedStatusIsRejected(t *testing.T) {
	s := parse(t, `
name: status_is_server_owned
description: "an optimistic status change on a known order is rejected"
setup:
  - {kind: order, id: o-1, version: 1, status: pending}
steps:
  - mutate: {id: m-1, kind: order, entity: o-1, op: set_status, ops: [{set: status, value: ready}]}
assertions:
  - {type: view, kind: order, id: o-1, expect: {status: pending}}
  - {type: trace_contains, event: rejected, match: {mutation_id: m-1}}
  - {type: trace_count, event: transition, count: 0}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
}

func TestRun_IllegalTransitionIsStillReported(t *testing.T) {
	s := parse(t, `
name: illegal_transition
description: "the server skipping a state is reported with legal=false"
setup:
  - {kind: order, id: o-1, version: 1, status: pending}
steps:
  - push: {op: update, after: {kind: order, id: o-1, version: 2, status: completed}}
assertions:
  - {type: trace_contains, event: transition, match: {from: pending, to: completed, legal: "false"}}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
}

func TestRun_DeleteRollsBackPendingEdits(t *testing.T) {
	s := parse(t, `
name: delete_rolls_back
description: "deleting an entity fails the edits still pending on it"
`+postSetup+`
steps:
  - mutate: {id: m-1, kind: post, entity: p-1, op: like, ops: [{incr: like_count, by: 1}]}
  - push: {op: delete, before: {kind: post, id: p-1, version: 1}}
assertions:
  - {type: absent, kind: post, id: p-1}
  - {type: pending, count: 0}
  - {type: trace_contains, event: failure, match: {mutation_id: m-1, code: NOT_FOUND}}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
}

func TestRun_InvalidPushIsDropped(t *testing.T) {
	s := parse(t, `
name: invalid_push
description: "a malformed event is dropped without touching the view"
`+postSetup+`
steps:
  - push: {op: update, after: {kind: membership, id: w-1, version: 1, status: nonsense}}
assertions:
  - {type: trace_count, event: dropped, count: 1}
  - {type: trace_count, event: view, count: 0}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
}

func TestRun_StartAndTTL(t *testing.T) {
	s := parse(t, `
name: custom_clock
description: "start and ttl are honoured"
start: 2026-03-01T12:00:00Z
ttl: 5s
`+postSetup+`
steps:
  - mutate: {id: m-1, kind: post, entity: p-1, op: like, ops: [{incr: like_count, by: 1}]}
  - advance: 5s
assertions:
  - {type: trace_contains, event: expired, match: {mutation_id: m-1, key: post/p-1}}
  - {type: view, kind: post, id: p-1, expect: {pending: false, like_count: 0}}
`)
	assert.True(t, s.Start.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, 5*time.Second, s.TTL)

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
}

func TestRun_InvalidSetupIsAnError(t *testing.T) {
	s := parse(t, `
name: bad_setup
description: "setup entities are validated"
setup:
  - {kind: order, id: o-1, version: 1, status: simmering}
steps:
  - advance: 1s
assertions:
  - {type: pending, count: 0}
`)
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup")
}

func TestTraceEvent_Matches(t *testing.T) {
	e := TraceEvent{Seq: 3, Type: EventView, Key: "post/p-1", Attrs: map[string]string{"pending": "true", "version": "2"}}

	assert.True(t, e.Matches(EventView, nil))
	assert.True(t, e.Matches(EventView, map[string]string{"key": "post/p-1", "pending": "true"}))
	assert.False(t, e.Matches(EventStep, nil))
	assert.False(t, e.Matches(EventView, map[string]string{"version": "3"}))
	assert.False(t, e.Matches(EventView, map[string]string{"status": "ready"}))
	assert.Equal(t, "3 view post/p-1 pending=true version=2", e.String())
}
