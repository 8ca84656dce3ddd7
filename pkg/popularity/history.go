package popularity

import "time"

// DefaultRetention is how long historical points are kept.
const DefaultRetention = 90 * 24 * time.Hour

// Point is one score observation.
type Point struct {
	Date  time.Time `json:"date"`
	Score float64   `json:"score"`
}

// Series is a time-ordered list of points.
type Series []Point

// Append adds a point for now and prunes everything older than the
// retention window. The receiver is not modified.
func (s Series) Append(score float64, now time.Time, retention time.Duration) Series {
	next := make(Series, 0, len(s)+1)
	next = append(next, s...)
	next = append(next, Point{Date: now, Score: score})
	return next.Prune(now, retention)
}

// Prune keeps only points dated within retention of now. A point exactly
// at the boundary is kept.
func (s Series) Prune(now time.Time, retention time.Duration) Series {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := now.Add(-retention)

	kept := make(Series, 0, len(s))
	for _, p := range s {
		if p.Date.Before(cutoff) {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

// Latest returns the most recent point, if any.
func (s Series) Latest() (Point, bool) {
	if len(s) == 0 {
		return Point{}, false
	}
	return s[len(s)-1], true
}
