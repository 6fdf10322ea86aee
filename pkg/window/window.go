// Package window partitions a time range into bounded, contiguous windows.
package window

import (
	"fmt"
	"iter"

	"github.com/ajitpratap0/tapstripe/pkg/errors"
)

// Window is a half-open interval [Start, End) in epoch seconds.
type Window struct {
	Start int64
	End   int64
}

func (w Window) String() string {
	return fmt.Sprintf("[%d, %d)", w.Start, w.End)
}

// Duration returns the window length in seconds.
func (w Window) Duration() int64 { return w.End - w.Start }

// Plan returns the windows [s, min(s+size, now)) for s stepping from
// `from` by size while s < now. The sequence is empty when from >= now and
// can be ranged over any number of times.
func Plan(from, now, size int64) (iter.Seq[Window], error) {
	if size <= 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "window size must be positive, got %d", size).
			WithDetail("window_size", size)
	}
	return func(yield func(Window) bool) {
		for start := from; start < now; start += size {
			end := start + size
			if end > now || end < start {
				end = now
			}
			if !yield(Window{Start: start, End: end}) || end == now {
				return
			}
		}
	}, nil
}

// Count returns the number of windows Plan would produce.
func Count(from, now, size int64) int64 {
	if size <= 0 || from >= now {
		return 0
	}
	span := now - from
	n := span / size
	if span%size != 0 {
		n++
	}
	return n
}
