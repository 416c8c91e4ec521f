package tensor

import "math"

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Scale multiplies x by s in place.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// RMSNorm performs Root Mean Square Normalization. A nil weight means unit weights.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		w := float32(1)
		if weight != nil {
			w = weight[i]
		}
		dst[i] = src[i] * scale * w
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// MatVecT computes dst = x * w for w of shape [len(x) x len(dst)], i.e. the
// transposed product used to project a hidden vector onto the vocabulary.
func MatVecT(dst []float32, w *Mat, x []float32) {
	if len(x) < w.R || len(dst) < w.C {
		panic("matvec shape mismatch")
	}
	clear(dst[:w.C])
	for i := 0; i < w.R; i++ {
		xi := x[i]
		if xi == 0 {
			continue
		}
		row := w.Row(i)
		for j, v := range row {
			dst[j] += xi * v
		}
	}
}
