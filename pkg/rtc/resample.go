package rtc

import "math"

// LinearResampler converts PCM between sample rates using linear
// interpolation. It is cheap enough to run on the ingress hot path where
// the target is the 16 kHz speech rate and fidelity beyond that is wasted.
// The resampler is stateful across calls so frame boundaries do not click.
type LinearResampler struct {
	inRate  int
	outRate int
	// fractional read position carried between calls, in input samples
	pos  float64
	last int16
	have bool
}

// NewLinearResampler creates a resampler from inRate to outRate Hz.
func NewLinearResampler(inRate, outRate int) *LinearResampler {
	return &LinearResampler{inRate: inRate, outRate: outRate}
}

// Resample converts a block of samples. Passthrough when rates match.
func (r *LinearResampler) Resample(in []int16) []int16 {
	if r.inRate == r.outRate {
		return in
	}
	if len(in) == 0 {
		return nil
	}
	step := float64(r.inRate) / float64(r.outRate)
	// Virtual input: previous trailing sample (if any) followed by in.
	prevLen := 0
	if r.have {
		prevLen = 1
	}
	total := prevLen + len(in)
	at := func(i int) int16 {
		if r.have {
			if i == 0 {
				return r.last
			}
			return in[i-1]
		}
		return in[i]
	}

	out := make([]int16, 0, int(float64(len(in))/step)+2)
	pos := r.pos
	for int(pos)+1 < total {
		i := int(pos)
		frac := pos - float64(i)
		a, b := float64(at(i)), float64(at(i+1))
		out = append(out, int16(a+(b-a)*frac))
		pos += step
	}
	// Carry the final input sample and the leftover fractional position.
	r.pos = pos - float64(total-1)
	r.last = in[len(in)-1]
	r.have = true
	return out
}

// SincResampler converts PCM using a windowed-sinc kernel. It is used on
// the egress path where synthesis audio is upsampled to the publish rate
// and interpolation artifacts would be audible.
type SincResampler struct {
	inRate  int
	outRate int
	taps    int
	pos     float64
	hist    []int16
}

// NewSincResampler creates a windowed-sinc resampler of fixed quality
// (16 taps per side, Hann window).
func NewSincResampler(inRate, outRate int) *SincResampler {
	return &SincResampler{inRate: inRate, outRate: outRate, taps: 16}
}

// Resample converts a block of samples, keeping history across calls so
// chunk boundaries stay continuous.
func (r *SincResampler) Resample(in []int16) []int16 {
	if r.inRate == r.outRate {
		return in
	}
	if len(in) == 0 {
		return nil
	}
	buf := make([]int16, 0, len(r.hist)+len(in))
	buf = append(buf, r.hist...)
	buf = append(buf, in...)

	step := float64(r.inRate) / float64(r.outRate)
	cutoff := 1.0
	if r.outRate < r.inRate {
		cutoff = float64(r.outRate) / float64(r.inRate)
	}

	out := make([]int16, 0, int(float64(len(in))/step)+2)
	pos := r.pos + float64(len(r.hist))
	// Stop far enough from the end that the kernel never reads past buf;
	// the unread tail becomes history for the next call.
	limit := float64(len(buf) - r.taps - 1)
	for pos < limit {
		out = append(out, r.sample(buf, pos, cutoff))
		pos += step
	}

	keep := 2 * r.taps
	if keep > len(buf) {
		keep = len(buf)
	}
	tail := len(buf) - keep
	r.hist = append(r.hist[:0], buf[tail:]...)
	r.pos = pos - float64(tail)
	return out
}

func (r *SincResampler) sample(buf []int16, pos, cutoff float64) int16 {
	center := int(pos)
	frac := pos - float64(center)
	var acc, norm float64
	for i := -r.taps + 1; i <= r.taps; i++ {
		idx := center + i
		if idx < 0 || idx >= len(buf) {
			continue
		}
		x := (float64(i) - frac) * cutoff
		w := sinc(x) * hann(float64(i)-frac, float64(r.taps))
		acc += float64(buf[idx]) * w
		norm += w
	}
	if norm != 0 {
		acc /= norm
	}
	return clampInt16(acc)
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func hann(x, taps float64) float64 {
	if math.Abs(x) >= taps {
		return 0
	}
	return 0.5 * (1 + math.Cos(math.Pi*x/taps))
}

func clampInt16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
