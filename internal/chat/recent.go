package chat

import "sort"

// recentBuffer keeps the last messages a room delivered, oldest first. It is
// owned by the room loop and not safe for concurrent use.
type recentBuffer struct {
	buf   []Message
	head  int
	count int
}

func newRecentBuffer(capacity int) *recentBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &recentBuffer{buf: make([]Message, capacity)}
}

func (r *recentBuffer) Push(m Message) {
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = m
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
}

// After returns a copy of the buffered messages with seq > afterSeq, and
// whether the buffer alone covers everything after afterSeq up to lastSeq.
func (r *recentBuffer) After(afterSeq, lastSeq int64) ([]Message, bool) {
	var out []Message
	for i := 0; i < r.count; i++ {
		m := r.buf[(r.head+i)%len(r.buf)]
		if m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	if afterSeq >= lastSeq {
		return out, true
	}
	if r.count == 0 {
		return out, false
	}
	oldest := r.buf[r.head].Seq
	return out, oldest <= afterSeq+1
}

// mergeHistory merges stored and buffered messages by seq, drops duplicates
// and keeps the oldest limit entries.
func mergeHistory(stored, buffered []Message, upTo int64, limit int) ([]Message, bool) {
	bySeq := make(map[int64]Message, len(stored)+len(buffered))
	for _, m := range stored {
		bySeq[m.Seq] = m
	}
	for _, m := range buffered {
		if _, ok := bySeq[m.Seq]; !ok {
			bySeq[m.Seq] = m
		}
	}

	out := make([]Message, 0, len(bySeq))
	for seq, m := range bySeq {
		if seq <= upTo {
			out = append(out, m)
		}
	}
	sortBySeq(out)

	if limit > 0 && len(out) > limit {
		return out[:limit], true
	}
	return out, false
}

func sortBySeq(ms []Message) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Seq < ms[j].Seq })
}
