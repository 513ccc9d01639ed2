package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// AudioSnapshot is the test-fixture metric set used to compare DSP outputs
// within tolerance instead of requiring bit-identical audio, per the batch
// vs streaming parity scenario.
type AudioSnapshot struct {
	SampleCount      int     `json:"sample_count"`
	RMSEnergy        float64 `json:"rms_energy"`
	PeakAmplitude    float64 `json:"peak_amplitude"`
	ZeroCrossingRate float64 `json:"zero_crossing_rate"`
	SpectralCentroid float64 `json:"spectral_centroid"`
	BandEnergyLow    float64 `json:"band_energy_low"`
	BandEnergyMid    float64 `json:"band_energy_mid"`
	BandEnergyHigh   float64 `json:"band_energy_high"`
}

// Tolerances for comparing two snapshots of supposedly-equivalent audio.
const (
	TolRMS           = 1e-3
	TolPeak          = 1e-3
	TolZCR           = 5e-3
	TolCentroidHz    = 50.0
	TolBandRelative  = 0.05
	TolParityRMS     = 0.05
	TolParityCentrHz = 300.0
)

// ComputeSnapshot derives the audio-snapshot metrics for samples at the
// given sample rate. Band edges follow a coarse low/mid/high split at
// 300 Hz and 3000 Hz.
func ComputeSnapshot(samples []float32, sampleRate int) AudioSnapshot {
	snap := AudioSnapshot{SampleCount: len(samples)}
	if len(samples) == 0 {
		return snap
	}

	var sumSquares float64
	var peak float64
	var crossings int
	for i, s := range samples {
		v := float64(s)
		sumSquares += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
		if i > 0 && ((samples[i-1] >= 0) != (s >= 0)) {
			crossings++
		}
	}
	snap.RMSEnergy = math.Sqrt(sumSquares / float64(len(samples)))
	snap.PeakAmplitude = peak
	snap.ZeroCrossingRate = float64(crossings) / float64(len(samples))

	n := nextPow2(len(samples))
	padded := make([]float64, n)
	for i, s := range samples {
		padded[i] = float64(s)
	}
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, padded)

	freqBin := float64(sampleRate) / float64(n)
	var weightedSum, magSum float64
	var low, mid, high float64
	for i, c := range coeffs {
		mag := cmplx.Abs(c)
		freq := float64(i) * freqBin
		weightedSum += freq * mag
		magSum += mag

		switch {
		case freq < 300:
			low += mag * mag
		case freq < 3000:
			mid += mag * mag
		default:
			high += mag * mag
		}
	}
	if magSum > 0 {
		snap.SpectralCentroid = weightedSum / magSum
	}
	snap.BandEnergyLow = low
	snap.BandEnergyMid = mid
	snap.BandEnergyHigh = high

	return snap
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	if p == 0 {
		p = 1
	}
	return p
}

// WithinParityTolerance reports whether two snapshots of the same audio
// processed via different code paths (batch vs streaming) are close enough
// to be considered equivalent.
func (s AudioSnapshot) WithinParityTolerance(other AudioSnapshot) bool {
	if math.Abs(s.RMSEnergy-other.RMSEnergy) > TolParityRMS {
		return false
	}
	if math.Abs(s.SpectralCentroid-other.SpectralCentroid) > TolParityCentrHz {
		return false
	}
	return true
}
