package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_AfterFiresOnAdvance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	f := NewFake(start)
	ch := f.After(30 * time.Second)
	assert.Equal(t, 1, f.Waiters())

	f.Advance(29 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired too early")
	default:
	}

	f.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, start.Add(30*time.Second), got)
	default:
		t.Fatal("expected waiter to fire")
	}
	assert.Equal(t, 0, f.Waiters())
}

func TestSleep_ContextCancelled(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, f, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSleep_ZeroDuration(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), Real{}, 0))
}

func TestFake_SetNeverGoesBackwards(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	f := NewFake(start)
	ch := f.After(time.Minute)

	assert.False(t, f.Set(start.Add(-time.Hour)))
	assert.Equal(t, start, f.Now())

	f.Advance(-time.Hour)
	assert.Equal(t, start, f.Now())
	assert.Equal(t, 1, f.Waiters())

	assert.True(t, f.Set(start.Add(time.Minute)))
	assert.Equal(t, start.Add(time.Minute), f.Now())
	select {
	case <-ch:
	default:
		t.Fatal("expected waiter to fire")
	}
}
