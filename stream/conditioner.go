package stream

// DefaultFilterAfter is the number of samples the buffer must exceed
// before the bandpass is applied
const DefaultFilterAfter = 60

// Update is the state of one channel after a Push
type Update struct {
	// X holds the sample numbers, oldest first
	X []float64

	// Raw holds the buffered values
	Raw []float64

	// Filtered is Raw through the bandpass, or a copy of Raw while the
	// buffer is short
	Filtered []float64

	// Limits is the display range of Filtered
	Limits Limits

	// Rescaled is true when this push moved the limits
	Rescaled bool
}

// Conditioner owns the buffer, filter and axis state of one monitored
// channel.  Channels never share state; make one Conditioner each.
type Conditioner struct {
	FilterAfter int

	buf    *Buffer
	filter *Bandpass
	axis   *AxisScaler
}

// NewConditioner returns a conditioner with a buffer of the given capacity
// filtered by bp
func NewConditioner(capacity int, bp *Bandpass) *Conditioner {
	return &Conditioner{
		FilterAfter: DefaultFilterAfter,
		buf:         NewBuffer(capacity),
		filter:      bp,
		axis:        NewAxisScaler(),
	}
}

// Push appends v and reconditions the buffer
func (c *Conditioner) Push(v float64) Update {
	c.buf.Append(v)
	u := Update{X: c.buf.Indices(), Raw: c.buf.Values()}
	if c.filter != nil && c.buf.Len() > c.FilterAfter {
		u.Filtered = c.filter.Filter(u.Raw)
	} else {
		u.Filtered = append([]float64(nil), u.Raw...)
	}
	u.Limits, u.Rescaled = c.axis.Update(u.Filtered)
	return u
}

// Axis exposes the scaler, for its rescale count
func (c *Conditioner) Axis() *AxisScaler {
	return c.axis
}

// Len is the number of buffered samples
func (c *Conditioner) Len() int {
	return c.buf.Len()
}
