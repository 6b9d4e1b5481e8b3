package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)

func TestFake_AdvanceFiresDueTimers(t *testing.T) {
	c := NewFake(start)
	short := c.NewTimer(time.Second)
	long := c.NewTimer(time.Minute)

	c.Advance(2 * time.Second)

	select {
	case at := <-short.C():
		assert.Equal(t, start.Add(time.Second), at)
	default:
		t.Fatal("short timer did not fire")
	}
	select {
	case <-long.C():
		t.Fatal("long timer fired early")
	default:
	}
	assert.Equal(t, start.Add(2*time.Second), c.Now())
	assert.Equal(t, 1, c.Waiters())
}

func TestFake_StopAndReset(t *testing.T) {
	c := NewFake(start)
	tm := c.NewTimer(time.Second)

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	c.Advance(time.Hour)
	assert.Len(t, tm.C(), 0)

	assert.False(t, tm.Reset(time.Second))
	c.Advance(time.Second)
	require.Len(t, tm.C(), 1)
}

func TestFake_BlockUntil(t *testing.T) {
	c := NewFake(start)
	fired := make(chan struct{})
	go func() {
		tm := c.NewTimer(5 * time.Second)
		<-tm.C()
		close(fired)
	}()

	c.BlockUntil(1)
	c.Advance(5 * time.Second)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer goroutine never woke")
	}
}

func TestFake_BlockUntilDeadline(t *testing.T) {
	c := NewFake(start)
	tm := c.NewTimer(time.Minute)
	go func() {
		tm.Reset(5 * time.Second)
	}()

	c.BlockUntilDeadline(start.Add(5 * time.Second))
	c.Advance(5 * time.Second)
	require.Len(t, tm.C(), 1)
}

func TestReal_Timer(t *testing.T) {
	c := Or(nil)
	tm := c.NewTimer(time.Millisecond)
	select {
	case <-tm.C():
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
	assert.False(t, c.Now().IsZero())
}
