package dsp

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

const (
	// SampleRate is the DSP front-end's fixed operating rate.
	SampleRate = 16000
	// StateSize is the per-gate width of the recurrent state tensors
	// shared by the mask estimator and time-domain refiner networks.
	StateSize = 128
	// FFTOutSize is the number of magnitude/complex bins a BlockSize-point
	// real FFT produces.
	FFTOutSize = BlockSize/2 + 1
)

// newStateTensor allocates a zero-initialized (1, 2, StateSize, 2) recurrent
// state tensor, the shape shared by both sub-networks of a DSP stage.
func newStateTensor() (*ort.Tensor[float32], error) {
	shape := ort.NewShape(1, 2, int64(StateSize), 2)
	data := make([]float32, 1*2*StateSize*2)
	return ort.NewTensor(shape, data)
}

// loadStageSession opens a DynamicAdvancedSession for one DSP sub-network,
// following the same GetInputOutputInfo + NewDynamicAdvancedSession pattern
// the on-device ASR engines already use for their ONNX graphs.
func loadStageSession(path string, opts *ort.SessionOptions) (*ort.DynamicAdvancedSession, []string, []string, error) {
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("inspect onnx graph %s: %w", path, err)
	}

	inputNames := make([]string, len(inputInfo))
	for i, info := range inputInfo {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputInfo))
	for i, info := range outputInfo {
		outputNames[i] = info.Name
	}

	session, err := ort.NewDynamicAdvancedSession(path, inputNames, outputNames, opts)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load onnx session %s: %w", path, err)
	}

	return session, inputNames, outputNames, nil
}

// normalizeOutput scales the buffer uniformly so its peak becomes 0.99
// when the peak magnitude exceeds 1.0; otherwise it is left untouched.
func normalizeOutput(out []float32) {
	var maxVal float32
	for _, v := range out {
		if a := abs32(v); a > maxVal {
			maxVal = a
		}
	}
	if maxVal > 1.0 {
		scale := float32(0.99) / maxVal
		for i := range out {
			out[i] *= scale
		}
	}
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
