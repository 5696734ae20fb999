package keystore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOnceAtFiresExactlyOnce(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	schedule := onceAt{at: at}

	require.Equal(t, at, schedule.Next(at.Add(-time.Hour)))
	require.True(t, schedule.Next(at).IsZero())
	require.True(t, schedule.Next(at.Add(time.Minute)).IsZero())
}

func TestScheduleAtSupersedesPriorTrigger(t *testing.T) {
	sched := NewCronScheduler(zap.NewNop())
	defer sched.Stop()

	fired := make(chan string, 2)
	require.NoError(t, sched.ScheduleAt(time.Now().Add(60*time.Millisecond), func() {
		fired <- "stale"
	}))
	require.NoError(t, sched.ScheduleAt(time.Now().Add(90*time.Millisecond), func() {
		fired <- "replacement"
	}))

	select {
	case name := <-fired:
		require.Equal(t, "replacement", name)
	case <-time.After(time.Second):
		t.Fatal("replacement trigger never fired")
	}
	select {
	case name := <-fired:
		t.Fatalf("superseded trigger fired: %s", name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestScheduleAtSkipsPastTimestamps(t *testing.T) {
	sched := NewCronScheduler(zap.NewNop())
	defer sched.Stop()

	fired := make(chan struct{}, 1)
	err := sched.ScheduleAt(time.Now().Add(-time.Minute), func() {
		fired <- struct{}{}
	})
	require.NoError(t, err)

	select {
	case <-fired:
		t.Fatal("past trigger should not fire")
	case <-time.After(50 * time.Millisecond):
	}
}
