package dsp

import (
	"math"
	"os"
	"testing"

	ort "github.com/yalue/onnxruntime_go"
)

// loadAECForTest wires an AEC session from DSP_AEC_MASK_MODEL /
// DSP_AEC_REFINE_MODEL, following the same env-var + t.Skip convention the
// on-device engines' own tests use when model weights aren't vendored
// into the test environment.
func loadAECForTest(t *testing.T) *AEC {
	t.Helper()
	maskPath := os.Getenv("DSP_AEC_MASK_MODEL")
	refinePath := os.Getenv("DSP_AEC_REFINE_MODEL")
	if maskPath == "" || refinePath == "" {
		t.Skip("DSP_AEC_MASK_MODEL and DSP_AEC_REFINE_MODEL not set")
	}
	if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		t.Skipf("onnxruntime not available: %v", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		t.Fatalf("session options: %v", err)
	}
	aec, err := NewAEC(maskPath, refinePath, opts)
	if err != nil {
		t.Fatalf("load aec: %v", err)
	}
	t.Cleanup(aec.Close)
	return aec
}

func sineFixture(n int, freq float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(SampleRate)))
	}
	return out
}

func TestAECEmptyStreamingPreservesState(t *testing.T) {
	aec := loadAECForTest(t)
	out, err := aec.ProcessStreaming(nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty output for empty input, got %d samples", len(out))
	}
}

func TestAECBatchOutputLengthMatchesInput(t *testing.T) {
	aec := loadAECForTest(t)
	mic := sineFixture(SampleRate*2, 220)
	lpb := sineFixture(SampleRate*2, 220)

	out, err := aec.Process(mic, lpb)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != len(mic) {
		t.Fatalf("expected output length %d, got %d", len(mic), len(out))
	}

	peak := 0.0
	for _, v := range out {
		if a := math.Abs(float64(v)); a > peak {
			peak = a
		}
	}
	if peak > 1.0 {
		t.Fatalf("expected peak <= 1.0 after normalization, got %v", peak)
	}
}

func TestAECBatchVsStreamingParity(t *testing.T) {
	mic := sineFixture(SampleRate*10, 220)
	lpb := sineFixture(SampleRate*10, 150)

	batchAEC := loadAECForTest(t)
	batchOut, err := batchAEC.Process(mic, lpb)
	if err != nil {
		t.Fatalf("batch process: %v", err)
	}

	streamAEC := loadAECForTest(t)
	chunk := 2 * BlockSize
	streamOut := make([]float32, 0, len(mic))
	for start := 0; start < len(mic); start += chunk {
		end := start + chunk
		if end > len(mic) {
			end = len(mic)
		}
		out, err := streamAEC.ProcessStreaming(mic[start:end], lpb[start:end])
		if err != nil {
			t.Fatalf("streaming process: %v", err)
		}
		streamOut = append(streamOut, out...)
	}

	batchSnap := ComputeSnapshot(batchOut, SampleRate)
	streamSnap := ComputeSnapshot(streamOut[:len(batchOut)], SampleRate)
	if !batchSnap.WithinParityTolerance(streamSnap) {
		t.Fatalf("batch/streaming parity exceeded tolerance: batch=%+v stream=%+v", batchSnap, streamSnap)
	}
}

func TestAECDeterministicAfterReset(t *testing.T) {
	aec := loadAECForTest(t)
	mic := sineFixture(SampleRate, 220)
	lpb := sineFixture(SampleRate, 150)

	first, err := aec.Process(mic, lpb)
	if err != nil {
		t.Fatalf("first process: %v", err)
	}
	second, err := aec.Process(mic, lpb)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("length mismatch between runs")
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("expected bit-identical output across resets, diverged at sample %d", i)
		}
	}
}
