package analytics

// RollingBuffer is a fixed-size circular buffer of brightness samples.
type RollingBuffer struct {
	data  []int
	head  int
	count int
}

// NewRollingBuffer creates a buffer holding the last size samples.
func NewRollingBuffer(size int) *RollingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RollingBuffer{data: make([]int, size)}
}

// Push appends v, overwriting the oldest sample when full.
func (r *RollingBuffer) Push(v int) {
	r.data[r.head] = v
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// Len returns the number of samples held.
func (r *RollingBuffer) Len() int { return r.count }

// Values returns the samples oldest first.
func (r *RollingBuffer) Values() []int {
	out := make([]int, 0, r.count)
	start := (r.head - r.count + len(r.data)) % len(r.data)
	for i := 0; i < r.count; i++ {
		out = append(out, r.data[(start+i)%len(r.data)])
	}
	return out
}

// Stats returns min, max and mean of the held samples. ok is false when empty.
func (r *RollingBuffer) Stats() (lo, hi int, mean float64, ok bool) {
	if r.count == 0 {
		return 0, 0, 0, false
	}
	vals := r.Values()
	lo, hi = vals[0], vals[0]
	sum := 0
	for _, v := range vals {
		lo = min(lo, v)
		hi = max(hi, v)
		sum += v
	}
	return lo, hi, float64(sum) / float64(len(vals)), true
}
