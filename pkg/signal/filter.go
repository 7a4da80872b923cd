// Package signal implements the time-course and spatial operations used to
// clean BOLD data: detrending, standardisation, FFT high-pass filtering,
// least-squares confound removal and Gaussian smoothing.
package signal

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// constantTolerance is the standard deviation below which a time course is
// treated as constant
const constantTolerance = 1e-10

// Detrend removes the mean and the least-squares linear trend from x in place.
func Detrend(x []float64) {
	n := len(x)
	if n == 0 {
		return
	}
	mean := stat.Mean(x, nil)
	if n == 1 {
		x[0] -= mean
		return
	}

	// Centred time axis keeps the slope independent of the intercept
	mid := float64(n-1) / 2
	var num, den float64
	for i, v := range x {
		t := float64(i) - mid
		num += t * (v - mean)
		den += t * t
	}
	slope := num / den
	for i := range x {
		x[i] -= mean + slope*(float64(i)-mid)
	}
}

// Standardize converts x to zero mean and unit (population) variance in place.
// A constant time course is set to zero and false is returned.
func Standardize(x []float64) bool {
	if len(x) == 0 {
		return false
	}
	mean, std := stat.PopMeanStdDev(x, nil)
	if std < constantTolerance {
		for i := range x {
			x[i] = 0
		}
		return false
	}
	for i := range x {
		x[i] = (x[i] - mean) / std
	}
	return true
}

// HighPass is an ideal FFT high-pass filter for time courses of a fixed length.
// A HighPass holds scratch buffers and must not be shared between goroutines.
type HighPass struct {
	fft   *fourier.FFT
	n     int
	keep  []bool
	coeff []complex128
}

// NewHighPass prepares a filter removing frequencies below cutoff Hz from
// time courses of n samples taken every tr seconds.
//
// Parameters:
//   - n: Number of samples per time course
//   - tr: Sampling interval in seconds
//   - cutoff: Cutoff frequency in Hz; zero disables filtering
//
// Returns:
//   - The filter, or an error if the parameters cannot describe a filter
func NewHighPass(n int, tr, cutoff float64) (*HighPass, error) {
	if n < 1 {
		return nil, fmt.Errorf("high-pass filter needs at least one sample, got %d", n)
	}
	if tr <= 0 {
		return nil, fmt.Errorf("sampling interval must be positive, got %g", tr)
	}
	if cutoff < 0 {
		return nil, fmt.Errorf("high-pass cutoff must not be negative, got %g", cutoff)
	}
	if nyquist := 0.5 / tr; cutoff >= nyquist {
		return nil, fmt.Errorf("high-pass cutoff %g Hz is not below the Nyquist frequency %g Hz", cutoff, nyquist)
	}

	h := &HighPass{
		fft:   fourier.NewFFT(n),
		n:     n,
		keep:  make([]bool, n/2+1),
		coeff: make([]complex128, n/2+1),
	}
	for i := range h.keep {
		// Freq is in cycles per sample
		h.keep[i] = cutoff == 0 || h.fft.Freq(i)/tr >= cutoff
	}
	return h, nil
}

// Len returns the time-course length the filter was built for.
func (h *HighPass) Len() int {
	return h.n
}

// Apply filters x in place. x must have the length given to NewHighPass.
func (h *HighPass) Apply(x []float64) {
	h.fft.Coefficients(h.coeff, x)
	for i, keep := range h.keep {
		if !keep {
			h.coeff[i] = 0
		}
	}
	h.fft.Sequence(x, h.coeff)

	// gonum's inverse transform is unnormalised
	scale := 1 / float64(h.n)
	for i := range x {
		x[i] *= scale
	}
}
