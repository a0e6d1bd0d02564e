package broadcast

import (
	"testing"
	"time"
)

func ts(minutes int) time.Time {
	return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(minutes) * time.Minute)
}

func tsp(minutes int) *time.Time {
	t := ts(minutes)
	return &t
}

func closedSeg(id int64, startMin, endMin int) Segment {
	return Segment{ID: id, StartedAt: ts(startMin), EndedAt: tsp(endMin), Source: SourceExplicit}
}

func openSeg(id int64, startMin int) Segment {
	return Segment{ID: id, StartedAt: ts(startMin), Source: SourceExplicit}
}

func TestStitchSegments(t *testing.T) {
	gap := 60 * time.Minute
	cases := map[string]struct {
		in   []Segment
		want [][]int64 // segment ids per draft
	}{
		"single": {
			in:   []Segment{closedSeg(1, 0, 30)},
			want: [][]int64{{1}},
		},
		"merge within gap": {
			in:   []Segment{closedSeg(1, 0, 30), closedSeg(2, 60, 90)},
			want: [][]int64{{1, 2}},
		},
		"gap equal to threshold merges": {
			in:   []Segment{closedSeg(1, 0, 30), closedSeg(2, 90, 120)},
			want: [][]int64{{1, 2}},
		},
		"gap above threshold splits": {
			in:   []Segment{closedSeg(1, 0, 30), closedSeg(2, 91, 120)},
			want: [][]int64{{1}, {2}},
		},
		"open segment always merges next": {
			in:   []Segment{openSeg(1, 0), closedSeg(2, 300, 330)},
			want: [][]int64{{1, 2}},
		},
		"unsorted input": {
			in:   []Segment{closedSeg(2, 60, 90), closedSeg(1, 0, 30)},
			want: [][]int64{{1, 2}},
		},
		"three chained": {
			in:   []Segment{closedSeg(1, 0, 30), closedSeg(2, 45, 60), closedSeg(3, 100, 130)},
			want: [][]int64{{1, 2, 3}},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			drafts := StitchSegments(tc.in, gap)
			if len(drafts) != len(tc.want) {
				t.Fatalf("got %d drafts want %d", len(drafts), len(tc.want))
			}
			for i, d := range drafts {
				if len(d.SegmentIDs) != len(tc.want[i]) {
					t.Fatalf("draft %d: got segments %v want %v", i, d.SegmentIDs, tc.want[i])
				}
				for j, id := range d.SegmentIDs {
					if id != tc.want[i][j] {
						t.Fatalf("draft %d: got segments %v want %v", i, d.SegmentIDs, tc.want[i])
					}
				}
			}
		})
	}
}

func TestStitchSegmentsEmpty(t *testing.T) {
	if drafts := StitchSegments(nil, time.Hour); drafts != nil {
		t.Fatalf("expected nil drafts got %v", drafts)
	}
}

func TestStitchSegmentsSpan(t *testing.T) {
	// The draft covers from the first start through the running-max end, even
	// when a later segment is contained in an earlier one.
	drafts := StitchSegments([]Segment{closedSeg(1, 0, 120), closedSeg(2, 30, 60)}, time.Hour)
	if len(drafts) != 1 {
		t.Fatalf("got %d drafts want 1", len(drafts))
	}
	d := drafts[0]
	if !d.StartedAt.Equal(ts(0)) {
		t.Fatalf("started_at %v want %v", d.StartedAt, ts(0))
	}
	if d.EndedAt == nil || !d.EndedAt.Equal(ts(120)) {
		t.Fatalf("ended_at %v want %v", d.EndedAt, ts(120))
	}
}

func TestStitchSegmentsOpenPropagates(t *testing.T) {
	drafts := StitchSegments([]Segment{closedSeg(1, 0, 30), openSeg(2, 40)}, time.Hour)
	if len(drafts) != 1 {
		t.Fatalf("got %d drafts want 1", len(drafts))
	}
	if drafts[0].EndedAt != nil {
		t.Fatalf("expected open draft, got end %v", drafts[0].EndedAt)
	}
}

// Raising the merge gap can only reduce the number of sessions, never
// increase it.
func TestStitchSegmentsGapMonotonicity(t *testing.T) {
	segs := []Segment{
		closedSeg(1, 0, 20), closedSeg(2, 50, 70), closedSeg(3, 200, 230),
		closedSeg(4, 260, 280), closedSeg(5, 600, 640),
	}
	prev := len(StitchSegments(segs, 0))
	for _, gap := range []time.Duration{10 * time.Minute, 30 * time.Minute, time.Hour, 6 * time.Hour} {
		n := len(StitchSegments(segs, gap))
		if n > prev {
			t.Fatalf("sessions grew from %d to %d when gap increased to %v", prev, n, gap)
		}
		prev = n
	}
}
