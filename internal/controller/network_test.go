package controller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s6ptember/tasks-managment-system/internal/notify"
)

func TestOfflineShowsAdvisory(t *testing.T) {
	logger := testLogger()
	center := notify.NewCenter(logger)

	syncCalls := 0
	observer := NewNetworkObserver("sync-tasks", func(ctx context.Context, tag string) {
		syncCalls++
	}, center, logger)

	require.True(t, observer.Online())

	observer.SetOnline(t.Context(), false)
	require.False(t, observer.Online())

	advisory, ok := center.ByTag(networkAdvisoryTag)
	require.True(t, ok, "断网必须给出用户可见提示")
	require.Contains(t, advisory.Body, "sync")
	require.Zero(t, syncCalls)
}

func TestReconnectRegistersSyncAndClearsAdvisory(t *testing.T) {
	logger := testLogger()
	center := notify.NewCenter(logger)

	var gotTag string
	syncCalls := 0
	observer := NewNetworkObserver("sync-tasks", func(ctx context.Context, tag string) {
		syncCalls++
		gotTag = tag
	}, center, logger)

	observer.SetOnline(t.Context(), false)
	observer.SetOnline(t.Context(), true)

	require.Equal(t, 1, syncCalls)
	require.Equal(t, "sync-tasks", gotTag)

	_, ok := center.ByTag(networkAdvisoryTag)
	require.False(t, ok, "恢复联网后提示应当消失")
}

func TestRepeatedStateIsNoOp(t *testing.T) {
	logger := testLogger()
	center := notify.NewCenter(logger)

	syncCalls := 0
	observer := NewNetworkObserver("sync-tasks", func(ctx context.Context, tag string) {
		syncCalls++
	}, center, logger)

	observer.SetOnline(t.Context(), true)
	observer.SetOnline(t.Context(), true)
	require.Zero(t, syncCalls)

	observer.SetOnline(t.Context(), false)
	observer.SetOnline(t.Context(), false)
	observer.SetOnline(t.Context(), true)
	require.Equal(t, 1, syncCalls)
}
