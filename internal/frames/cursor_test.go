package frames

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCursor_Observe(t *testing.T) {
	tests := []struct {
		name string
		seqs []uint64
		want CursorStats
	}{
		{
			name: "consecutive frames",
			seqs: []uint64{1, 2, 3},
			want: CursorStats{Seen: 3, LastSeq: 3},
		},
		{
			name: "late start does not count as missed",
			seqs: []uint64{5, 6},
			want: CursorStats{Seen: 2, LastSeq: 6},
		},
		{
			name: "gaps are missed frames",
			seqs: []uint64{1, 4, 10},
			want: CursorStats{Seen: 3, Missed: 2 + 5, LastSeq: 10},
		},
		{
			name: "same frame twice is a repeat",
			seqs: []uint64{1, 1, 1, 2},
			want: CursorStats{Seen: 2, Repeated: 2, LastSeq: 2},
		},
		{
			name: "older frame is a repeat",
			seqs: []uint64{3, 2},
			want: CursorStats{Seen: 1, Repeated: 1, LastSeq: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Cursor
			for _, seq := range tt.seqs {
				c.Observe(&Frame{Seq: seq})
			}
			if diff := cmp.Diff(tt.want, c.Stats()); diff != "" {
				t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCursor_ObserveNil(t *testing.T) {
	var c Cursor
	if c.Observe(nil) {
		t.Error("Observe(nil) should report no fresh frame")
	}
	if diff := cmp.Diff(CursorStats{}, c.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}
