package transport

// ringBuffer keeps the most recent max bytes written to it
type ringBuffer struct {
	max  int
	data []byte
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

func (r *ringBuffer) Write(p []byte) {
	if len(p) >= r.max {
		r.data = append(r.data[:0], p[len(p)-r.max:]...)
		return
	}
	if overflow := len(r.data) + len(p) - r.max; overflow > 0 {
		// Drop oldest bytes first
		r.data = append(r.data[:0], r.data[overflow:]...)
	}
	r.data = append(r.data, p...)
}

func (r *ringBuffer) Len() int {
	return len(r.data)
}

// Bytes returns a copy of the retained bytes
func (r *ringBuffer) Bytes() []byte {
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}
