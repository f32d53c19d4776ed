package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRun_At(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("future timestamp", func(t *testing.T) {
		next, err := NextRun(Spec{Kind: KindAt, At: "2026-03-02T09:30:00Z"}, now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC), next.UTC())
	})

	t.Run("past timestamp", func(t *testing.T) {
		_, err := NextRun(Spec{Kind: KindAt, At: "2026-02-01T00:00:00Z"}, now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "in the past")
	})

	t.Run("invalid timestamp", func(t *testing.T) {
		_, err := NextRun(Spec{Kind: KindAt, At: "tomorrow"}, now)
		assert.ErrorContains(t, err, "invalid timestamp")
	})

	t.Run("missing timestamp", func(t *testing.T) {
		_, err := NextRun(Spec{Kind: KindAt}, now)
		assert.Error(t, err)
	})
}

func TestNextRun_Every(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("without anchor", func(t *testing.T) {
		next, err := NextRun(Spec{Kind: KindEvery, Every: 10 * time.Minute}, now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(10*time.Minute), next)
	})

	t.Run("anchor in the past aligns to the grid", func(t *testing.T) {
		anchor := now.Add(-25 * time.Minute)
		next, err := NextRun(Spec{Kind: KindEvery, Every: 10 * time.Minute, Anchor: &anchor}, now)
		require.NoError(t, err)
		// Ticks at -25m, -15m, -5m; the next one is +5m
		assert.Equal(t, now.Add(5*time.Minute), next)
	})

	t.Run("anchor in the future is the first run", func(t *testing.T) {
		anchor := now.Add(time.Hour)
		next, err := NextRun(Spec{Kind: KindEvery, Every: 10 * time.Minute, Anchor: &anchor}, now)
		require.NoError(t, err)
		assert.Equal(t, anchor, next)
	})

	t.Run("non-positive interval", func(t *testing.T) {
		_, err := NextRun(Spec{Kind: KindEvery}, now)
		assert.ErrorContains(t, err, "positive interval")
	})
}

func TestNextRun_Cron(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 34, 56, 0, time.UTC)

	t.Run("five field expression", func(t *testing.T) {
		next, err := NextRun(Spec{Kind: KindCron, Expr: "0 9 * * *"}, now)
		require.NoError(t, err)
		assert.Equal(t, 9, next.Hour())
		assert.Equal(t, 0, next.Minute())
		assert.True(t, next.After(now))
	})

	t.Run("descriptor expression", func(t *testing.T) {
		next, err := NextRun(Spec{Kind: KindCron, Expr: "@hourly"}, now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("invalid expression", func(t *testing.T) {
		_, err := NextRun(Spec{Kind: KindCron, Expr: "not cron"}, now)
		assert.ErrorContains(t, err, "invalid cron expression")
	})

	t.Run("invalid timezone", func(t *testing.T) {
		_, err := NextRun(Spec{Kind: KindCron, Expr: "0 9 * * *", TZ: "Mars/Olympus"}, now)
		assert.ErrorContains(t, err, "invalid timezone")
	})
}

func TestNextRun_UnknownKind(t *testing.T) {
	_, err := NextRun(Spec{Kind: "sometimes"}, time.Now())
	assert.ErrorContains(t, err, "unknown kind")
}
