package chat

import "testing"

func seqs(ms []Message) []int64 {
	out := make([]int64, len(ms))
	for i, m := range ms {
		out[i] = m.Seq
	}
	return out
}

func equalSeqs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRecentBufferAfter(t *testing.T) {
	r := newRecentBuffer(3)
	for seq := int64(11); seq <= 15; seq++ {
		r.Push(Message{Seq: seq})
	}

	got, complete := r.After(12, 15)
	if !complete || !equalSeqs(seqs(got), []int64{13, 14, 15}) {
		t.Fatalf("After(12) = %v complete=%v", seqs(got), complete)
	}

	got, complete = r.After(10, 15)
	if complete {
		t.Fatal("buffer starting at 13 cannot cover a gap after 10")
	}
	if !equalSeqs(seqs(got), []int64{13, 14, 15}) {
		t.Fatalf("After(10) = %v", seqs(got))
	}

	if _, complete := r.After(15, 15); !complete {
		t.Fatal("nothing newer than 15 should count as covered")
	}
	if _, complete := newRecentBuffer(4).After(3, 9); complete {
		t.Fatal("empty buffer cannot cover a gap")
	}
}

func TestMergeHistory(t *testing.T) {
	stored := []Message{{Seq: 2}, {Seq: 3}, {Seq: 4}}
	buffered := []Message{{Seq: 4, Content: "dup"}, {Seq: 5}, {Seq: 6}}

	got, more := mergeHistory(stored, buffered, 5, 10)
	if more || !equalSeqs(seqs(got), []int64{2, 3, 4, 5}) {
		t.Fatalf("merge = %v more=%v", seqs(got), more)
	}
	if got[2].Content == "dup" {
		t.Fatal("stored copy should win over buffered duplicate")
	}

	got, more = mergeHistory(stored, buffered, 6, 3)
	if !more || !equalSeqs(seqs(got), []int64{2, 3, 4}) {
		t.Fatalf("limited merge = %v more=%v", seqs(got), more)
	}
}
