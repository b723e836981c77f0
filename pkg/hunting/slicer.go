package hunting

import (
	"fmt"
	"iter"
	"time"

	"github.com/withObsrvr/hunting-export-pipeline/pkg/common/types"
)

// dayLayout is the calendar-day form accepted in configuration.
const dayLayout = "2006-01-02"

// ParseDay parses a "YYYY-MM-DD" calendar day into its UTC midnight.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: day %q is not in YYYY-MM-DD form", ErrInvalidConfiguration, s)
	}
	return t.UTC(), nil
}

// Slicer partitions a single UTC day into contiguous half-open windows of a
// fixed width. Windows tile the day exactly: every instant of the day belongs
// to exactly one window, and the final window is clipped at midnight when the
// width does not divide 24h evenly.
type Slicer struct {
	dayStart time.Time
	dayEnd   time.Time
	width    time.Duration
}

// NewSlicer builds a slicer for the UTC day containing the given instant.
// Width must be positive; widths of 24h or more collapse the day into one
// window.
func NewSlicer(day time.Time, width time.Duration) (*Slicer, error) {
	if width <= 0 {
		return nil, fmt.Errorf("%w: slice width must be positive, got %s", ErrInvalidConfiguration, width)
	}
	start := day.UTC().Truncate(24 * time.Hour)
	return &Slicer{
		dayStart: start,
		dayEnd:   start.Add(24 * time.Hour),
		width:    width,
	}, nil
}

// Windows returns a lazy sequence of the day's windows in chronological
// order. The sequence is restartable: each range over it yields the full
// partition again.
func (s *Slicer) Windows() iter.Seq[types.TimeWindow] {
	return func(yield func(types.TimeWindow) bool) {
		for start := s.dayStart; start.Before(s.dayEnd); start = start.Add(s.width) {
			end := start.Add(s.width)
			if end.After(s.dayEnd) {
				end = s.dayEnd
			}
			if !yield(types.TimeWindow{Start: start, End: end}) {
				return
			}
		}
	}
}

// Count returns how many windows the day partitions into.
func (s *Slicer) Count() int {
	span := s.dayEnd.Sub(s.dayStart)
	n := int(span / s.width)
	if span%s.width != 0 {
		n++
	}
	return n
}

// Day returns the UTC midnight the slicer partitions from.
func (s *Slicer) Day() time.Time { return s.dayStart }

// Width returns the configured slice width.
func (s *Slicer) Width() time.Duration { return s.width }
