package dsp

import (
	"math"
	"os"
	"testing"

	ort "github.com/yalue/onnxruntime_go"
)

func loadDenoiserForTest(t *testing.T) *Denoiser {
	t.Helper()
	maskPath := os.Getenv("DSP_DENOISE_MASK_MODEL")
	refinePath := os.Getenv("DSP_DENOISE_REFINE_MODEL")
	if maskPath == "" || refinePath == "" {
		t.Skip("DSP_DENOISE_MASK_MODEL and DSP_DENOISE_REFINE_MODEL not set")
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
	d, err := NewDenoiser(maskPath, refinePath, opts)
	if err != nil {
		t.Fatalf("load denoiser: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestDenoiserEmptyStreamingPreservesState(t *testing.T) {
	d := loadDenoiserForTest(t)
	out, err := d.ProcessStreaming(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %d samples", len(out))
	}
}

func TestDenoiserBatchOutputLengthMatchesInput(t *testing.T) {
	d := loadDenoiserForTest(t)
	input := sineFixture(SampleRate*2, 220)

	out, err := d.Process(input)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != len(input) {
		t.Fatalf("expected output length %d, got %d", len(input), len(out))
	}
	peak := 0.0
	for _, v := range out {
		if a := math.Abs(float64(v)); a > peak {
			peak = a
		}
	}
	if peak > 1.0 {
		t.Fatalf("expected peak <= 1.0, got %v", peak)
	}
}

func TestDenoiserBatchVsStreamingParity(t *testing.T) {
	input := sineFixture(SampleRate*10, 220)

	batch := loadDenoiserForTest(t)
	batchOut, err := batch.Process(input)
	if err != nil {
		t.Fatalf("batch process: %v", err)
	}

	stream := loadDenoiserForTest(t)
	chunk := 2 * BlockSize
	streamOut := make([]float32, 0, len(input))
	for start := 0; start < len(input); start += chunk {
		end := start + chunk
		if end > len(input) {
			end = len(input)
		}
		out, err := stream.ProcessStreaming(input[start:end])
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
