package audio

// Slice helpers used by processors on the audio hot path. All of them operate
// in place and allocate nothing.

// Fill sets every element of dst to v.
func Fill(dst []float32, v float32) {
	for i := range dst {
		dst[i] = v
	}
}

// Linspace writes a linear ramp from first (inclusive) to last (exclusive)
// across dst.
func Linspace(dst []float32, first, last float32) {
	n := len(dst)
	if n == 0 {
		return
	}
	step := (last - first) / float32(n)
	for i := range dst {
		dst[i] = first + float32(i)*step
	}
}

// MulInplace multiplies dst element-wise by src.
func MulInplace(dst, src []float32) {
	for i := range dst {
		dst[i] *= src[i]
	}
}

// DivScalarInplace divides every element of dst by v.
func DivScalarInplace(dst []float32, v float32) {
	inv := 1.0 / v
	for i := range dst {
		dst[i] *= inv
	}
}

// ExclusiveScanInplace replaces dst with the running sum of its elements,
// seeded with init and excluding each element's own contribution.
func ExclusiveScanInplace(dst []float32, init float32) {
	acc := init
	for i, v := range dst {
		dst[i] = acc
		acc += v
	}
}

// ApplyUnaryInplace applies f to every element of dst.
func ApplyUnaryInplace(dst []float32, f func(float32) float32) {
	for i, v := range dst {
		dst[i] = f(v)
	}
}
