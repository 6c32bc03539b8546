package marketplace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/marketsync/internal/logger"
)

var day = 24 * time.Hour

func TestSplitWindows(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		to    time.Time
		size  time.Duration
		count int
	}{
		{"exact multiple", from.Add(9 * day), 3 * day, 3},
		{"remainder", from.Add(10 * day), 3 * day, 4},
		{"shorter than size", from.Add(day), 3 * day, 1},
		{"empty range", from, 3 * day, 1},
		{"no size", from.Add(10 * day), 0, 1},
		{"inverted", from.Add(-day), 3 * day, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			windows := SplitWindows(from, tt.to, tt.size)
			require.Len(t, windows, tt.count)
			if tt.count == 0 {
				return
			}
			assert.True(t, windows[0].From.Equal(from))
			assert.True(t, windows[len(windows)-1].To.Equal(tt.to))
			for i := 1; i < len(windows); i++ {
				assert.True(t, windows[i].From.Equal(windows[i-1].To), "windows must be contiguous")
				if tt.size > 0 {
					assert.LessOrEqual(t, windows[i].To.Sub(windows[i].From), tt.size)
				}
			}
		})
	}
}

func TestFetchWindows_KeepsFetchedOnPartialFailure(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	windows := SplitWindows(from, from.Add(9*day), 3*day)

	items, err := FetchWindows(context.Background(), windows, func(ctx context.Context, w Window) ([]int, error) {
		if w.From.Equal(windows[1].From) {
			return nil, &APIError{Marketplace: "wildberries", StatusCode: 500, Message: "boom"}
		}
		return []int{w.From.Day()}, nil
	})

	assert.Equal(t, []int{1, 7}, items)
	var wErr *WindowError
	require.True(t, errors.As(err, &wErr))
	assert.Equal(t, []Window{windows[1]}, wErr.Failed)
}

func TestFetchWindows_StopsOnRateLimit(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	windows := SplitWindows(from, from.Add(9*day), 3*day)

	calls := 0
	items, err := FetchWindows(context.Background(), windows, func(ctx context.Context, w Window) ([]int, error) {
		calls++
		if calls == 2 {
			return nil, &RateLimitError{Marketplace: "wildberries", Attempts: 3}
		}
		return []int{calls}, nil
	})

	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{1}, items)
	var wErr *WindowError
	require.True(t, errors.As(err, &wErr))
	assert.Len(t, wErr.Failed, 2)
	var rlErr *RateLimitError
	assert.True(t, errors.As(err, &rlErr))
}

func TestMergeWindowErrors(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &WindowError{Failed: []Window{{From: from, To: from.Add(day)}}, Err: errors.New("a")}
	b := &WindowError{Failed: []Window{{From: from.Add(day), To: from.Add(2 * day)}}, Err: errors.New("b")}

	assert.NoError(t, MergeWindowErrors(nil, nil))
	assert.Same(t, a, MergeWindowErrors(nil, a))

	var wErr *WindowError
	require.ErrorAs(t, MergeWindowErrors(a, nil, b), &wErr)
	assert.Len(t, wErr.Failed, 2)
	assert.ErrorContains(t, wErr, "a")
	assert.ErrorContains(t, wErr, "b")

	plain := errors.New("boom")
	err := MergeWindowErrors(a, plain)
	assert.ErrorIs(t, err, plain)
	assert.ErrorIs(t, err, a)
}

func TestWithFallback(t *testing.T) {
	log := logger.NewNop()
	ctx := context.Background()
	boom := errors.New("boom")

	ok := func(v ...string) func(context.Context) ([]string, error) {
		return func(context.Context) ([]string, error) { return v, nil }
	}
	fail := func(context.Context) ([]string, error) { return nil, boom }

	t.Run("primary wins", func(t *testing.T) {
		got, err := WithFallback(ctx, log, "sales", ok("p"), ok("l"))
		require.NoError(t, err)
		assert.Equal(t, []string{"p"}, got)
	})
	t.Run("primary empty uses legacy", func(t *testing.T) {
		got, err := WithFallback(ctx, log, "sales", ok(), ok("l"))
		require.NoError(t, err)
		assert.Equal(t, []string{"l"}, got)
	})
	t.Run("primary failed uses legacy", func(t *testing.T) {
		got, err := WithFallback(ctx, log, "sales", fail, ok("l"))
		require.NoError(t, err)
		assert.Equal(t, []string{"l"}, got)
	})
	t.Run("both fail", func(t *testing.T) {
		_, err := WithFallback(ctx, log, "sales", fail, fail)
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
	})
}

func TestOptionalScope(t *testing.T) {
	log := logger.NewNop()
	ctx := context.Background()

	items, err := OptionalScope(ctx, log, "stocks", []int(nil), &APIError{StatusCode: 403})
	require.NoError(t, err)
	assert.NotNil(t, items)
	assert.Empty(t, items)

	_, err = OptionalScope(ctx, log, "stocks", []int(nil), &APIError{StatusCode: 500})
	assert.Error(t, err)
}
