package marketplace

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) String() string {
	return fmt.Sprintf("%s..%s", w.From.Format(time.RFC3339), w.To.Format(time.RFC3339))
}

// SplitWindows cuts [from, to] into consecutive windows of at most size.
// Adjacent windows share their boundary instant.
func SplitWindows(from, to time.Time, size time.Duration) []Window {
	if to.Before(from) {
		return nil
	}
	if size <= 0 || !to.After(from) {
		return []Window{{From: from, To: to}}
	}
	var windows []Window
	for start := from; start.Before(to); start = start.Add(size) {
		end := start.Add(size)
		if end.After(to) {
			end = to
		}
		windows = append(windows, Window{From: start, To: end})
	}
	return windows
}

// FetchWindows calls fetch for each window in order and concatenates the
// results. A failing window does not discard earlier ones: the records
// fetched so far are returned together with a *WindowError. Throttling,
// auth and context errors stop the walk since later windows would fail
// the same way.
func FetchWindows[T any](ctx context.Context, windows []Window, fetch func(context.Context, Window) ([]T, error)) ([]T, error) {
	var (
		out    []T
		failed []Window
		errs   []error
	)
	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			failed = append(failed, windows[i:]...)
			errs = append(errs, err)
			break
		}
		items, err := fetch(ctx, w)
		if err != nil {
			failed = append(failed, w)
			errs = append(errs, err)
			if stopsWindowWalk(err) {
				failed = append(failed, windows[i+1:]...)
				break
			}
			continue
		}
		out = append(out, items...)
	}
	if len(failed) > 0 {
		return out, &WindowError{Failed: failed, Err: errors.Join(errs...)}
	}
	return out, nil
}

// MergeWindowErrors combines the results of independent window walks. The
// result stays a *WindowError while every input is one.
func MergeWindowErrors(errs ...error) error {
	merged := &WindowError{}
	var joined []error
	for _, err := range errs {
		if err == nil {
			continue
		}
		joined = append(joined, err)
		var wErr *WindowError
		if merged != nil && errors.As(err, &wErr) {
			merged.Failed = append(merged.Failed, wErr.Failed...)
			continue
		}
		merged = nil
	}
	switch {
	case len(joined) == 0:
		return nil
	case len(joined) == 1:
		return joined[0]
	case merged == nil:
		return errors.Join(joined...)
	}
	merged.Err = errors.Join(joined...)
	return merged
}

func stopsWindowWalk(err error) bool {
	var rlErr *RateLimitError
	return errors.As(err, &rlErr) ||
		IsAuthError(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
