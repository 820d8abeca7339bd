package denoise

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ErrEmptyProfile is returned when a noise profile is built from no samples.
var ErrEmptyProfile = errors.New("denoise: noise profile has no samples")

// stft is a short-time Fourier transform engine for a fixed window and hop.
// It holds scratch buffers and is not safe for concurrent use.
type stft struct {
	window int
	hop    int
	fft    *fourier.FFT
	hann   []float64

	frame []float64
	coeff []complex128
	synth []float64
}

func newSTFT(window, hop int) (*stft, error) {
	if window < 2 || window%2 != 0 {
		return nil, fmt.Errorf("denoise: window size must be even and >= 2, got %d", window)
	}
	if hop <= 0 || hop > window {
		return nil, fmt.Errorf("denoise: hop size must be in (0, %d], got %d", window, hop)
	}
	hann := make([]float64, window)
	for i := range hann {
		// Periodic Hann so overlapped squared windows sum to a constant.
		hann[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(window))
	}
	return &stft{
		window: window,
		hop:    hop,
		fft:    fourier.NewFFT(window),
		hann:   hann,
		frame:  make([]float64, window),
		coeff:  make([]complex128, window/2+1),
		synth:  make([]float64, window),
	}, nil
}

// bins is the number of non-redundant frequency bins per frame.
func (s *stft) bins() int { return s.window/2 + 1 }

// analyse windows samples[off:off+window] (zero-padded past the end) and
// returns its spectrum in the shared coefficient buffer.
func (s *stft) analyse(samples []float64, off int) []complex128 {
	for i := range s.frame {
		v := 0.0
		if j := off + i; j >= 0 && j < len(samples) {
			v = samples[j]
		}
		s.frame[i] = v * s.hann[i]
	}
	return s.fft.Coefficients(s.coeff, s.frame)
}

// Profile is the mean magnitude spectrum of a stretch of ambient noise.
// It is immutable once built.
type Profile struct {
	mag     []float64
	samples int
}

// Samples returns how many noise samples the profile was built from.
func (p *Profile) Samples() int { return p.samples }

// buildProfile averages the magnitude spectrum over all frames of noise.
// Noise shorter than one window is zero-padded to a single frame.
func (s *stft) buildProfile(noise []float64) (*Profile, error) {
	if len(noise) == 0 {
		return nil, ErrEmptyProfile
	}
	mag := make([]float64, s.bins())
	frames := 0
	for off := 0; off == 0 || off+s.window <= len(noise); off += s.hop {
		for k, c := range s.analyse(noise, off) {
			mag[k] += cmplx.Abs(c)
		}
		frames++
	}
	for k := range mag {
		mag[k] /= float64(frames)
		if math.IsNaN(mag[k]) || math.IsInf(mag[k], 0) {
			return nil, fmt.Errorf("denoise: non-finite noise magnitude in bin %d", k)
		}
	}
	return &Profile{mag: mag, samples: len(noise)}, nil
}

// subtract removes the profiled noise from samples by spectral subtraction
// and returns a new slice of the same length. reduction in [0, 1] is the
// fraction of the estimated noise that is removed.
//
// The signal is padded by one window on each side so every input sample is
// covered by the same number of frames, then resynthesised by weighted
// overlap-add and normalised by the summed squared window.
func (s *stft) subtract(samples []float64, p *Profile, reduction float64) ([]float64, error) {
	if p == nil || len(p.mag) != s.bins() {
		return nil, errors.New("denoise: profile does not match transform size")
	}
	n := len(samples)
	if n == 0 {
		return []float64{}, nil
	}
	reduction = max(0, min(1, reduction))

	pad := s.window
	total := n + 2*pad
	if rem := (total - s.window) % s.hop; rem != 0 {
		total += s.hop - rem
	}
	acc := make([]float64, total)
	norm := make([]float64, total)
	scale := 1 / float64(s.window)

	for start := 0; start+s.window <= total; start += s.hop {
		coeff := s.analyse(samples, start-pad)
		for k, c := range coeff {
			m := cmplx.Abs(c)
			if m == 0 {
				continue
			}
			sub := max(0, (m-p.mag[k])/m)
			coeff[k] = c * complex(1-reduction*(1-sub), 0)
		}
		s.fft.Sequence(s.synth, coeff)
		for i, v := range s.synth {
			w := s.hann[i]
			acc[start+i] += v * scale * w
			norm[start+i] += w * w
		}
	}

	out := make([]float64, n)
	for i := range out {
		j := i + pad
		if norm[j] < 1e-8 {
			continue
		}
		v := acc[j] / norm[j]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("denoise: non-finite output sample at %d", i)
		}
		out[i] = v
	}
	return out, nil
}
