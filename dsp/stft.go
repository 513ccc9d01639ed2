package dsp

import (
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// stftContext holds the scratch buffers a single DSP stage reuses across
// every processed block, mirroring the ProcessingContext pattern: allocate
// once per session, never per block.
type stftContext struct {
	fft      *fourier.FFT
	timeIn   []float64
	timeOut  []float64
	spectrum []complex128
}

func newSTFTContext() *stftContext {
	return &stftContext{
		fft:      fourier.NewFFT(BlockSize),
		timeIn:   make([]float64, BlockSize),
		timeOut:  make([]float64, BlockSize),
		spectrum: make([]complex128, FFTOutSize),
	}
}

// forward runs a real FFT over block (length BlockSize) and returns the
// complex spectrum, reusing the context's scratch storage.
func (c *stftContext) forward(block []float32) []complex128 {
	for i, v := range block {
		c.timeIn[i] = float64(v)
	}
	return c.fft.Coefficients(c.spectrum, c.timeIn)
}

// magnitude fills dst (length FFTOutSize) with the magnitude of spectrum.
func magnitude(spectrum []complex128, dst []float32) {
	for i, c := range spectrum {
		dst[i] = float32(cmplx.Abs(c))
	}
}

// inverse runs the inverse real FFT. gonum's Sequence already divides by
// BlockSize internally, so callers must not re-normalize.
func (c *stftContext) inverse(spectrum []complex128) []float64 {
	return c.fft.Sequence(c.timeOut, spectrum)
}
