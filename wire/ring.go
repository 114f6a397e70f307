package wire

// ring is the bounded replay log. Messages arrive already seq-stamped and
// contiguous; when full, the oldest is dropped, so the ring always holds a
// suffix [start, start+len) of the session's broadcast history.
//
// The hub guards it with its own lock, so the ring itself is not
// synchronized.
type ring struct {
	msgs    []Message
	start   uint64 // seq of msgs[0]
	max     int
	dropped int64
}

func newRing(max int) *ring {
	if max <= 0 {
		max = 1024
	}
	return &ring{msgs: make([]Message, 0, max), max: max}
}

func (r *ring) append(m Message) {
	if len(r.msgs) == 0 {
		r.start = m.Seq
	}
	if len(r.msgs) >= r.max {
		r.msgs = r.msgs[1:]
		r.start++
		r.dropped++
	}
	r.msgs = append(r.msgs, m)
}

// after returns the retained messages with seq strictly greater than the
// given seq, and whether any messages in (seq, start) were purged from the
// ring. seq 0 asks for everything retained. seq is client-supplied and may
// be arbitrarily large; anything at or past the newest retained seq yields
// nothing.
func (r *ring) after(seq uint64) (msgs []Message, purged bool) {
	if len(r.msgs) == 0 || seq >= r.lastSeq() {
		return nil, false
	}
	if seq+1 < r.start {
		purged = true
		seq = r.start - 1
	}
	offset := int(seq - r.start + 1)
	out := make([]Message, len(r.msgs)-offset)
	copy(out, r.msgs[offset:])
	return out, purged
}

// lastSeq returns the newest retained seq, 0 when empty.
func (r *ring) lastSeq() uint64 {
	if len(r.msgs) == 0 {
		return 0
	}
	return r.msgs[len(r.msgs)-1].Seq
}
