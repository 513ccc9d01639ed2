package dsp

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// AEC cancels far-end (loopback) leakage from a near-end microphone stream.
// Each block runs two ONNX sub-networks in sequence: a mask estimator that
// turns mic+loopback magnitudes plus recurrent state into a per-bin gain,
// and a time-domain refiner that polishes the gain-applied IFFT output.
type AEC struct {
	maskSession   *ort.DynamicAdvancedSession
	refineSession *ort.DynamicAdvancedSession

	maskState   *ort.Tensor[float32]
	refineState *ort.Tensor[float32]

	micRing *RingBuffer
	lpbRing *RingBuffer
	outRing *RingBuffer

	ctxMic *stftContext
	ctxLpb *stftContext
}

// NewAEC loads the mask-estimator and refiner ONNX graphs from maskPath and
// refinePath respectively and allocates zero-initialized session state.
func NewAEC(maskPath, refinePath string, opts *ort.SessionOptions) (*AEC, error) {
	maskSession, _, _, err := loadStageSession(maskPath, opts)
	if err != nil {
		return nil, fmt.Errorf("aec mask model: %w", err)
	}
	refineSession, _, _, err := loadStageSession(refinePath, opts)
	if err != nil {
		return nil, fmt.Errorf("aec refine model: %w", err)
	}

	a := &AEC{
		maskSession:   maskSession,
		refineSession: refineSession,
		micRing:       NewRingBuffer(BlockSize, BlockShift),
		lpbRing:       NewRingBuffer(BlockSize, BlockShift),
		outRing:       NewRingBuffer(BlockSize, BlockShift),
		ctxMic:        newSTFTContext(),
		ctxLpb:        newSTFTContext(),
	}
	if err := a.Reset(); err != nil {
		return nil, err
	}
	return a, nil
}

// Reset clears recurrent state and all ring buffers. Must be called before
// reusing a session for an unrelated audio stream.
func (a *AEC) Reset() error {
	st1, err := newStateTensor()
	if err != nil {
		return fmt.Errorf("aec reset: %w", err)
	}
	st2, err := newStateTensor()
	if err != nil {
		return fmt.Errorf("aec reset: %w", err)
	}
	a.maskState = st1
	a.refineState = st2
	a.micRing.Clear()
	a.lpbRing.Clear()
	a.outRing.Clear()
	return nil
}

// Process runs batch-mode AEC: the session is reset, input is padded with
// BlockSize-BlockShift zeros on each side, and the output is trimmed back
// to len(mic).
func (a *AEC) Process(mic, lpb []float32) ([]float32, error) {
	if len(mic) != len(lpb) {
		return nil, newShapeError("aec: mic and loopback length mismatch")
	}
	if err := a.Reset(); err != nil {
		return nil, err
	}

	pad := BlockSize - BlockShift
	padded := func(buf []float32) []float32 {
		out := make([]float32, 0, len(buf)+2*pad)
		out = append(out, make([]float32, pad)...)
		out = append(out, buf...)
		out = append(out, make([]float32, pad)...)
		return out
	}

	out, err := a.processInternal(padded(mic), padded(lpb), true)
	if err != nil {
		return nil, err
	}
	return out[pad : pad+len(mic)], nil
}

// ProcessStreaming runs incremental AEC: no padding, state persists across
// calls. Empty input returns empty output and leaves state untouched.
func (a *AEC) ProcessStreaming(mic, lpb []float32) ([]float32, error) {
	if len(mic) == 0 {
		return []float32{}, nil
	}
	if len(mic) != len(lpb) {
		return nil, newShapeError("aec: mic and loopback length mismatch")
	}
	return a.processInternal(mic, lpb, false)
}

func (a *AEC) processInternal(mic, lpb []float32, withPadding bool) ([]float32, error) {
	out := make([]float32, len(mic))

	effectiveLen := len(mic)
	if withPadding {
		effectiveLen -= BlockSize - BlockShift
	}
	numBlocks := effectiveLen / BlockShift

	inMag := make([]float32, FFTOutSize)
	lpbMag := make([]float32, FFTOutSize)

	for idx := 0; idx < numBlocks; idx++ {
		start := idx * BlockShift
		end := start + BlockShift
		if end > len(mic) {
			end = len(mic)
		}

		a.micRing.PushChunk(mic[start:end])
		a.lpbRing.PushChunk(lpb[start:end])

		micSpectrum := a.ctxMic.forward(a.micRing.Data())
		lpbSpectrum := a.ctxLpb.forward(a.lpbRing.Data())
		magnitude(micSpectrum, inMag)
		magnitude(lpbSpectrum, lpbMag)

		mask, err := a.runMaskModel(inMag, lpbMag)
		if err != nil {
			return nil, err
		}
		if len(mask) != FFTOutSize {
			return nil, newShapeError("aec: mask output size mismatch")
		}

		for i, m := range mask {
			micSpectrum[i] *= complex(float64(m), 0)
		}

		timeDomain := a.ctxMic.inverse(micSpectrum)
		estimated := make([]float32, BlockSize)
		for i, v := range timeDomain {
			estimated[i] = float32(v)
		}

		refined, err := a.runRefineModel(estimated, a.lpbRing.Data())
		if err != nil {
			return nil, err
		}
		if len(refined) != BlockSize {
			return nil, newShapeError("aec: refine output size mismatch")
		}

		a.outRing.ShiftAndAccumulate(refined)

		outStart := idx * BlockShift
		outEnd := outStart + BlockShift
		if outEnd > len(out) {
			outEnd = len(out)
		}
		chunkLen := outEnd - outStart
		if chunkLen > 0 {
			copy(out[outStart:outEnd], a.outRing.Data()[:chunkLen])
		}
	}

	normalizeOutput(out)
	return out, nil
}

// runMaskModel feeds (mic magnitude, recurrent state, loopback magnitude)
// to the mask estimator and returns the per-bin gain, updating state
// in-place.
func (a *AEC) runMaskModel(micMag, lpbMag []float32) ([]float32, error) {
	micTensor, err := ort.NewTensor(ort.NewShape(1, 1, int64(FFTOutSize)), micMag)
	if err != nil {
		return nil, fmt.Errorf("aec mask input: %w", err)
	}
	lpbTensor, err := ort.NewTensor(ort.NewShape(1, 1, int64(FFTOutSize)), lpbMag)
	if err != nil {
		return nil, fmt.Errorf("aec mask input: %w", err)
	}

	outputs := make([]ort.Value, 2)
	if err := a.maskSession.Run([]ort.Value{micTensor, a.maskState, lpbTensor}, outputs); err != nil {
		return nil, fmt.Errorf("aec mask run: %w", err)
	}
	if outputs[0] == nil {
		return nil, newMissingOutputError("aec_mask")
	}
	mask, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, newShapeError("aec: mask output is not a float32 tensor")
	}
	if newState, ok := outputs[1].(*ort.Tensor[float32]); ok {
		a.maskState = newState
	} else {
		return nil, newMissingOutputError("aec_mask_state")
	}
	return mask.GetData(), nil
}

// runRefineModel feeds (gain-applied time-domain estimate, recurrent
// state, loopback time buffer) to the refiner and returns the polished
// block, updating state in-place.
func (a *AEC) runRefineModel(estimated, lpbTime []float32) ([]float32, error) {
	estTensor, err := ort.NewTensor(ort.NewShape(1, 1, int64(BlockSize)), estimated)
	if err != nil {
		return nil, fmt.Errorf("aec refine input: %w", err)
	}
	lpbTensor, err := ort.NewTensor(ort.NewShape(1, 1, int64(BlockSize)), lpbTime)
	if err != nil {
		return nil, fmt.Errorf("aec refine input: %w", err)
	}

	outputs := make([]ort.Value, 2)
	if err := a.refineSession.Run([]ort.Value{estTensor, a.refineState, lpbTensor}, outputs); err != nil {
		return nil, fmt.Errorf("aec refine run: %w", err)
	}
	if outputs[0] == nil {
		return nil, newMissingOutputError("aec_refine")
	}
	refined, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, newShapeError("aec: refine output is not a float32 tensor")
	}
	if newState, ok := outputs[1].(*ort.Tensor[float32]); ok {
		a.refineState = newState
	} else {
		return nil, newMissingOutputError("aec_refine_state")
	}
	return refined.GetData(), nil
}

// Close releases both ONNX sessions.
func (a *AEC) Close() {
	if a.maskSession != nil {
		a.maskSession.Destroy()
	}
	if a.refineSession != nil {
		a.refineSession.Destroy()
	}
}
