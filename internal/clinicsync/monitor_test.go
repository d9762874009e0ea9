package clinicsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicstack/clinicsync/internal/realtime"
)

func newTestMonitor(t *testing.T, feed *fakeFeed) (*Subscriber, *Monitor) {
	t.Helper()
	remote := newFakeRemoteStore()
	store := newTestStore(t, remote, nil, feed)
	sub := NewSubscriber(store, quietLogger())
	t.Cleanup(sub.Close)
	monitor := NewMonitor(sub, MonitorOptions{Logger: quietLogger()})
	return sub, monitor
}

func TestMonitorStopsAfterFiveFailedRebuilds(t *testing.T) {
	feed := newFakeFeed()
	feed.setNewState(realtime.StateClosed)
	sub, monitor := newTestMonitor(t, feed)
	require.NoError(t, sub.SetTenant(context.Background(), "clinic-1"))
	require.Equal(t, 1, feed.count())

	for attempt := 1; attempt <= 5; attempt++ {
		require.True(t, monitor.tick(context.Background()), "attempt %d stays within the bound", attempt)
		assert.Equal(t, attempt, monitor.Attempts())
	}
	require.Equal(t, 6, feed.count(), "five rebuilds on top of the initial subscription")

	assert.False(t, monitor.tick(context.Background()), "the sixth observation must halt")
	assert.True(t, monitor.Halted())
	assert.Equal(t, 6, feed.count(), "no rebuild past the bound")

	// Halted stays halted.
	assert.False(t, monitor.tick(context.Background()))
	assert.Equal(t, 6, feed.count())
}

func TestMonitorResetsCounterOnSuccessfulRebuild(t *testing.T) {
	feed := newFakeFeed()
	feed.setNewState(realtime.StateClosed)
	sub, monitor := newTestMonitor(t, feed)
	require.NoError(t, sub.SetTenant(context.Background(), "clinic-1"))

	require.True(t, monitor.tick(context.Background()))
	require.True(t, monitor.tick(context.Background()))
	require.Equal(t, 2, monitor.Attempts())

	// The next rebuild lands on a healthy channel.
	feed.setNewState(realtime.StateSubscribed)
	require.True(t, monitor.tick(context.Background()))
	assert.Zero(t, monitor.Attempts())
	assert.False(t, monitor.Halted())

	// A later outage starts counting from scratch.
	feed.last().channel.setState(realtime.StateErrored)
	require.True(t, monitor.tick(context.Background()))
	assert.Equal(t, 1, monitor.Attempts())
}

func TestMonitorResetsCounterOnHealthyObservation(t *testing.T) {
	feed := newFakeFeed()
	feed.setNewState(realtime.StateClosed)
	sub, monitor := newTestMonitor(t, feed)
	require.NoError(t, sub.SetTenant(context.Background(), "clinic-1"))

	require.True(t, monitor.tick(context.Background()))
	require.Equal(t, 1, monitor.Attempts())

	rebuilds := feed.count()
	feed.last().channel.setState(realtime.StateJoined)
	require.True(t, monitor.tick(context.Background()))
	assert.Zero(t, monitor.Attempts())
	assert.Equal(t, rebuilds, feed.count(), "a healthy channel needs no rebuild")
}

func TestMonitorIgnoresTransitionalStates(t *testing.T) {
	feed := newFakeFeed()
	feed.setNewState(realtime.StateSubscribing)
	sub, monitor := newTestMonitor(t, feed)
	require.NoError(t, sub.SetTenant(context.Background(), "clinic-1"))

	require.True(t, monitor.tick(context.Background()))
	assert.Zero(t, monitor.Attempts())
	assert.Equal(t, 1, feed.count(), "a channel mid-subscription is not an outage")
}

func TestMonitorLoopRespondsToCheckNow(t *testing.T) {
	feed := newFakeFeed()
	feed.setNewState(realtime.StateClosed)
	sub, monitor := newTestMonitor(t, feed)
	require.NoError(t, sub.SetTenant(context.Background(), "clinic-1"))

	monitor.Start()
	defer monitor.Stop()

	monitor.CheckNow()
	require.Eventually(t, func() bool {
		return feed.count() >= 2
	}, time.Second, 10*time.Millisecond, "CheckNow must trigger an inspection before the next tick")
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	feed := newFakeFeed()
	_, monitor := newTestMonitor(t, feed)
	monitor.Start()
	monitor.Stop()
	monitor.Stop()
}
