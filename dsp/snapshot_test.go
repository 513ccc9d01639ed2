package dsp

import (
	"math"
	"testing"
)

func TestComputeSnapshotEmpty(t *testing.T) {
	snap := ComputeSnapshot(nil, SampleRate)
	if snap.SampleCount != 0 {
		t.Fatalf("expected zero sample count, got %d", snap.SampleCount)
	}
}

func TestComputeSnapshotSilence(t *testing.T) {
	samples := make([]float32, 1000)
	snap := ComputeSnapshot(samples, SampleRate)
	if snap.RMSEnergy != 0 || snap.PeakAmplitude != 0 {
		t.Fatalf("expected zero energy for silence, got %+v", snap)
	}
}

func TestComputeSnapshotSinePeak(t *testing.T) {
	n := 4000
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / float64(SampleRate)))
	}
	snap := ComputeSnapshot(samples, SampleRate)
	if snap.PeakAmplitude < 0.9 || snap.PeakAmplitude > 1.0001 {
		t.Fatalf("expected peak near 1.0 for a full-scale sine, got %v", snap.PeakAmplitude)
	}
	if snap.ZeroCrossingRate <= 0 {
		t.Fatalf("expected nonzero zero-crossing rate for a sine wave")
	}
}

func TestWithinParityToleranceRejectsLargeDrift(t *testing.T) {
	a := AudioSnapshot{RMSEnergy: 0.1, SpectralCentroid: 500}
	b := AudioSnapshot{RMSEnergy: 0.3, SpectralCentroid: 500}
	if a.WithinParityTolerance(b) {
		t.Fatalf("expected RMS drift of 0.2 to exceed %v tolerance", TolParityRMS)
	}
}

func TestWithinParityToleranceAcceptsSmallDrift(t *testing.T) {
	a := AudioSnapshot{RMSEnergy: 0.100, SpectralCentroid: 500}
	b := AudioSnapshot{RMSEnergy: 0.120, SpectralCentroid: 600}
	if !a.WithinParityTolerance(b) {
		t.Fatalf("expected small RMS/centroid drift to be within tolerance")
	}
}
