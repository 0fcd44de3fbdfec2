package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemClockAdvances(t *testing.T) {
	c := System()
	t1 := c.Now()
	time.Sleep(time.Millisecond)
	t2 := c.Now()
	assert.True(t, t2.After(t1))
}

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	require.Equal(t, start, f.Now())
	require.Equal(t, int64(0), f.Monotonic())

	f.Advance(5 * time.Second)
	assert.Equal(t, start.Add(5*time.Second), f.Now())
	assert.Equal(t, int64(5*time.Second), f.Monotonic())
}

func TestFakeClockSetDoesNotAffectMonotonic(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	f.Advance(time.Second)
	f.Set(time.Unix(100, 0))
	assert.Equal(t, time.Unix(100, 0), f.Now())
	assert.Equal(t, int64(time.Second), f.Monotonic())
}
