package rampoptimizer

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Path is an ordered, position- and velocity-continuous sequence of segments. It exclusively owns
// its segments; callers must not mutate segments after handing them over.
type Path struct {
	segments []*Segment
	duration float64
}

// NewPath returns an empty path.
func NewPath() *Path {
	return &Path{}
}

// Reset removes all segments.
func (p *Path) Reset() {
	p.segments = p.segments[:0]
	p.duration = 0
}

// Append adds a segment to the end of the path.
func (p *Path) Append(seg *Segment) {
	p.segments = append(p.segments, seg)
	p.duration += seg.Duration()
}

// Duration returns the total path duration.
func (p *Path) Duration() float64 {
	return p.duration
}

// Segments returns the underlying segment list. The slice is owned by the path.
func (p *Path) Segments() []*Segment {
	return p.segments
}

// FindSegmentIndex locates the segment containing absolute time t, returning its index and the
// local offset into it. t is saturated to [0, Duration()]; an exact interior boundary resolves to
// the earlier segment.
func (p *Path) FindSegmentIndex(t float64) (int, float64) {
	if len(p.segments) == 0 {
		return 0, 0
	}
	if t <= 0 {
		return 0, 0
	}
	if t >= p.duration {
		last := len(p.segments) - 1
		return last, p.segments[last].Duration()
	}
	var acc float64
	for i, seg := range p.segments {
		if t <= acc+seg.Duration() {
			return i, t - acc
		}
		acc += seg.Duration()
	}
	last := len(p.segments) - 1
	return last, p.segments[last].Duration()
}

// ReplaceSegment replaces everything in the closed time window [t0, t1] with the given segment
// list, trimming the edge segments it cuts into. The new total duration is the old duration minus
// (t1 - t0) plus the summed duration of newSegments.
func (p *Path) ReplaceSegment(t0, t1 float64, newSegments []*Segment) error {
	if t1 < t0 {
		return errors.Errorf("invalid replacement window [%f, %f]", t0, t1)
	}
	if len(p.segments) == 0 {
		return errors.New("cannot replace within an empty path")
	}
	i0, u0 := p.FindSegmentIndex(t0)
	i1, u1 := p.FindSegmentIndex(t1)

	left, _ := p.segments[i0].Cut(u0)
	_, right := p.segments[i1].Cut(u1)

	rebuilt := make([]*Segment, 0, i0+len(newSegments)+(len(p.segments)-i1)+1)
	rebuilt = append(rebuilt, p.segments[:i0]...)
	if left.Duration() > RampEpsilon {
		rebuilt = append(rebuilt, left)
	}
	for _, seg := range newSegments {
		if seg.Duration() > RampEpsilon {
			rebuilt = append(rebuilt, seg)
		}
	}
	if right.Duration() > RampEpsilon {
		rebuilt = append(rebuilt, right)
	}
	rebuilt = append(rebuilt, p.segments[i1+1:]...)
	if len(rebuilt) == 0 {
		return errors.New("replacement produced an empty path")
	}

	p.segments = rebuilt
	p.duration = SegmentsDuration(rebuilt)
	return nil
}

// Serialize writes a plain-text dump of the path, one segment per line.
func (p *Path) Serialize(w io.Writer) error {
	for i, seg := range p.segments {
		_, err := fmt.Fprintf(
			w, "%d duration=%.15e x0=%v x1=%v v0=%v v1=%v a=%v\n",
			i, seg.Duration(), seg.X0(), seg.X1(), seg.V0(), seg.V1(), seg.A(),
		)
		if err != nil {
			return err
		}
	}
	return nil
}
