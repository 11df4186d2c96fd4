package inspector

// Ring is the sampler output buffer. Samples accumulate until the watermark
// is reached, at which point the owner flushes them in one message.
type Ring struct {
	buf       []complex64
	ptr       int
	watermark int
}

// NewRing returns a ring with room for capacity samples and the watermark
// set to capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultSamplerSize
	}
	return &Ring{buf: make([]complex64, capacity), watermark: capacity}
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Len returns the number of buffered samples.
func (r *Ring) Len() int { return r.ptr }

// Avail returns the free room.
func (r *Ring) Avail() int { return len(r.buf) - r.ptr }

// Watermark returns the flush threshold.
func (r *Ring) Watermark() int { return r.watermark }

// SetWatermark changes the flush threshold. It must be in [1, Cap()].
func (r *Ring) SetWatermark(n int) error {
	if n <= 0 || n > len(r.buf) {
		return ErrInvalidWatermark
	}
	r.watermark = n
	return nil
}

// Push appends x. A full ring is left untouched and ErrBufferFull returned.
func (r *Ring) Push(x complex64) error {
	if r.ptr >= len(r.buf) {
		return ErrBufferFull
	}
	r.buf[r.ptr] = x
	r.ptr++
	return nil
}

// Due reports whether the watermark has been reached.
func (r *Ring) Due() bool { return r.ptr >= r.watermark }

// Output returns the buffered samples. The slice aliases the ring.
func (r *Ring) Output() []complex64 { return r.buf[:r.ptr] }

// Reset empties the ring.
func (r *Ring) Reset() { r.ptr = 0 }
