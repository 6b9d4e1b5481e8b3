package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wolfpack/internal/entity"
)

func TestLoadScenario_ValidFile(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "rollback_failure.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "rollback_failure", s.Name)
	require.Len(t, s.Setup, 1)
	require.Len(t, s.Steps, 6)
	assert.Equal(t, "mutate", s.Steps[0].Action())
	assert.Equal(t, "fail", s.Steps[3].Action())
	assert.Equal(t, "respond", s.Steps[5].Action())

	e, err := s.Setup[0].Entity()
	require.NoError(t, err)
	assert.Equal(t, entity.KindPost, e.Kind)
	n, _ := e.Fields.Int(entity.FieldLikeCount)
	assert.Equal(t, int64(5), n)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseScenario_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown field", "name: x\ndescription: d\nbogus: 1\nsteps: [{advance: 1s}]\nassertions: [{type: pending}]", "bogus"},
		{"no name", "description: d\nsteps: [{advance: 1s}]\nassertions: [{type: pending}]", "name is required"},
		{"no description", "name: x\nsteps: [{advance: 1s}]\nassertions: [{type: pending}]", "description is required"},
		{"no steps", "name: x\ndescription: d\nassertions: [{type: pending}]", "steps list"},
		{"no assertions", "name: x\ndescription: d\nsteps: [{advance: 1s}]", "assertions list"},
		{"two actions", "name: x\ndescription: d\nsteps: [{advance: 1s, poll: [{kind: post, id: p}]}]\nassertions: [{type: pending}]", "exactly one action"},
		{"empty step", "name: x\ndescription: d\nsteps: [{}]\nassertions: [{type: pending}]", "exactly one action"},
		{"bad kind", "name: x\ndescription: d\nsetup: [{kind: pizza, id: a}]\nsteps: [{advance: 1s}]\nassertions: [{type: pending}]", "unknown entity kind"},
		{"setup without id", "name: x\ndescription: d\nsetup: [{kind: post}]\nsteps: [{advance: 1s}]\nassertions: [{type: pending}]", "id is required"},
		{"mutate without op", "name: x\ndescription: d\nsteps: [{mutate: {id: m, kind: post, entity: p}}]\nassertions: [{type: pending}]", "id, entity and op"},
		{"push update without after", "name: x\ndescription: d\nsteps: [{push: {op: update}}]\nassertions: [{type: pending}]", "after is required"},
		{"push delete without before", "name: x\ndescription: d\nsteps: [{push: {op: delete}}]\nassertions: [{type: pending}]", "before is required"},
		{"push unknown op", "name: x\ndescription: d\nsteps: [{push: {op: upsert}}]\nassertions: [{type: pending}]", "unknown op"},
		{"fail without code", "name: x\ndescription: d\nsteps: [{fail: {mutation_id: m}}]\nassertions: [{type: pending}]", "mutation_id and code"},
		{"negative advance", "name: x\ndescription: d\nsteps: [{advance: -1s}]\nassertions: [{type: pending}]", "positive"},
		{"unknown assertion", "name: x\ndescription: d\nsteps: [{advance: 1s}]\nassertions: [{type: final_state}]", "unknown assertion type"},
		{"view without expect", "name: x\ndescription: d\nsteps: [{advance: 1s}]\nassertions: [{type: view, kind: post, id: p}]", "expect are required"},
		{"short order", "name: x\ndescription: d\nsteps: [{advance: 1s}]\nassertions: [{type: trace_order, sequence: [{event: step}]}]", "at least two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMutateStep_Delta(t *testing.T) {
	m := MutateStep{
		Ops: []OpSpec{
			{Set: "note", Value: "extra hot"},
			{Incr: entity.FieldLikeCount, By: 2},
			{Unset: "draft"},
		},
	}
	d, err := m.Delta()
	require.NoError(t, err)
	assert.Equal(t, []entity.FieldOp{
		entity.Set("note", entity.String("extra hot")),
		entity.Incr(entity.FieldLikeCount, 2),
		entity.Unset("draft"),
	}, d.Ops)

	_, err = MutateStep{Ops: []OpSpec{{}}}.Delta()
	assert.Error(t, err)
	_, err = MutateStep{Ops: []OpSpec{{Set: "x", Value: 1.5}}}.Delta()
	assert.Error(t, err)
}

func TestPushStep_Event(t *testing.T) {
	p := PushStep{Op: entity.OpDelete, MutationID: "m-1", Before: &EntitySpec{Kind: "orders", ID: "o-1", Version: 4}}
	ev, err := p.Event(DefaultStart)
	require.NoError(t, err)

	assert.Equal(t, entity.KindOrder, ev.Kind)
	assert.Nil(t, ev.After)
	require.NotNil(t, ev.Before)
	assert.Equal(t, int64(4), ev.Version())
	assert.Equal(t, DefaultStart, ev.ServerTimestamp)
	assert.NoError(t, ev.Validate())
}
