// Package stream conditions a live contrast series for display: a rolling
// buffer, a Butterworth bandpass, axis autoscaling and a pulse rate estimate.
package stream

// DefaultCapacity is the number of samples a Buffer holds by default
const DefaultCapacity = 500

// Buffer is a fixed capacity FIFO of (x, y) pairs.  Once full, each Append
// overwrites the oldest pair.  x is the running sample number.
//
// It is not concurrent safe.
type Buffer struct {
	x, y   []float64
	cursor int
	full   bool
	count  int
}

// NewBuffer returns a buffer holding up to size pairs.  size <= 0 uses
// DefaultCapacity.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultCapacity
	}
	return &Buffer{x: make([]float64, size), y: make([]float64, size)}
}

// Append adds a value, evicting the oldest when the buffer is full
func (b *Buffer) Append(v float64) {
	b.x[b.cursor] = float64(b.count)
	b.y[b.cursor] = v
	b.count++
	b.cursor++
	if b.cursor == len(b.y) {
		b.cursor = 0
		b.full = true
	}
}

// Len is the number of pairs held
func (b *Buffer) Len() int {
	if b.full {
		return len(b.y)
	}
	return b.cursor
}

// Cap is the capacity of the buffer
func (b *Buffer) Cap() int {
	return len(b.y)
}

// Count is the number of values ever appended
func (b *Buffer) Count() int {
	return b.count
}

// Values returns a copy of the y values, oldest first
func (b *Buffer) Values() []float64 {
	return b.contiguous(b.y)
}

// Indices returns a copy of the x values, oldest first
func (b *Buffer) Indices() []float64 {
	return b.contiguous(b.x)
}

// Last returns the most recently appended value; zero when empty
func (b *Buffer) Last() float64 {
	if b.Len() == 0 {
		return 0
	}
	i := b.cursor - 1
	if i < 0 {
		i = len(b.y) - 1
	}
	return b.y[i]
}

func (b *Buffer) contiguous(s []float64) []float64 {
	out := make([]float64, 0, b.Len())
	if b.full {
		out = append(out, s[b.cursor:]...)
	}
	return append(out, s[:b.cursor]...)
}
