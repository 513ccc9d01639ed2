package dsp

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// Denoiser suppresses stationary and non-stationary background noise on a
// single audio stream. Structurally identical to AEC — same mask-estimator
// plus time-domain-refiner pair over overlap-add STFT blocks — but with no
// loopback input, since there is nothing to cancel against.
type Denoiser struct {
	maskSession   *ort.DynamicAdvancedSession
	refineSession *ort.DynamicAdvancedSession

	maskState   *ort.Tensor[float32]
	refineState *ort.Tensor[float32]

	inRing  *RingBuffer
	outRing *RingBuffer
	ctx     *stftContext
}

// NewDenoiser loads the mask-estimator and refiner ONNX graphs.
func NewDenoiser(maskPath, refinePath string, opts *ort.SessionOptions) (*Denoiser, error) {
	maskSession, _, _, err := loadStageSession(maskPath, opts)
	if err != nil {
		return nil, fmt.Errorf("denoiser mask model: %w", err)
	}
	refineSession, _, _, err := loadStageSession(refinePath, opts)
	if err != nil {
		return nil, fmt.Errorf("denoiser refine model: %w", err)
	}

	d := &Denoiser{
		maskSession:   maskSession,
		refineSession: refineSession,
		inRing:        NewRingBuffer(BlockSize, BlockShift),
		outRing:       NewRingBuffer(BlockSize, BlockShift),
		ctx:           newSTFTContext(),
	}
	if err := d.Reset(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reset clears recurrent state and ring buffers.
func (d *Denoiser) Reset() error {
	st1, err := newStateTensor()
	if err != nil {
		return fmt.Errorf("denoiser reset: %w", err)
	}
	st2, err := newStateTensor()
	if err != nil {
		return fmt.Errorf("denoiser reset: %w", err)
	}
	d.maskState = st1
	d.refineState = st2
	d.inRing.Clear()
	d.outRing.Clear()
	return nil
}

// Process runs batch-mode denoising: reset, pad by BlockSize-BlockShift on
// each side, trim the output back to len(input).
func (d *Denoiser) Process(input []float32) ([]float32, error) {
	if err := d.Reset(); err != nil {
		return nil, err
	}

	pad := BlockSize - BlockShift
	padded := make([]float32, 0, len(input)+2*pad)
	padded = append(padded, make([]float32, pad)...)
	padded = append(padded, input...)
	padded = append(padded, make([]float32, pad)...)

	out, err := d.processInternal(padded, true)
	if err != nil {
		return nil, err
	}
	return out[pad : pad+len(input)], nil
}

// ProcessStreaming runs incremental denoising with persistent state. Empty
// input returns empty output and leaves state untouched.
func (d *Denoiser) ProcessStreaming(input []float32) ([]float32, error) {
	if len(input) == 0 {
		return []float32{}, nil
	}
	return d.processInternal(input, false)
}

func (d *Denoiser) processInternal(input []float32, withPadding bool) ([]float32, error) {
	out := make([]float32, len(input))

	effectiveLen := len(input)
	if withPadding {
		effectiveLen -= BlockSize - BlockShift
	}
	numBlocks := effectiveLen / BlockShift

	inMag := make([]float32, FFTOutSize)

	for idx := 0; idx < numBlocks; idx++ {
		start := idx * BlockShift
		end := start + BlockShift
		if end > len(input) {
			end = len(input)
		}

		d.inRing.PushChunk(input[start:end])

		spectrum := d.ctx.forward(d.inRing.Data())
		magnitude(spectrum, inMag)

		mask, err := d.runMaskModel(inMag)
		if err != nil {
			return nil, err
		}
		if len(mask) != FFTOutSize {
			return nil, newShapeError("denoiser: mask output size mismatch")
		}

		for i, m := range mask {
			spectrum[i] *= complex(float64(m), 0)
		}

		timeDomain := d.ctx.inverse(spectrum)
		estimated := make([]float32, BlockSize)
		for i, v := range timeDomain {
			estimated[i] = float32(v)
		}

		refined, err := d.runRefineModel(estimated)
		if err != nil {
			return nil, err
		}
		if len(refined) != BlockSize {
			return nil, newShapeError("denoiser: refine output size mismatch")
		}

		d.outRing.ShiftAndAccumulate(refined)

		outStart := idx * BlockShift
		outEnd := outStart + BlockShift
		if outEnd > len(out) {
			outEnd = len(out)
		}
		chunkLen := outEnd - outStart
		if chunkLen > 0 {
			copy(out[outStart:outEnd], d.outRing.Data()[:chunkLen])
		}
	}

	normalizeOutput(out)
	return out, nil
}

func (d *Denoiser) runMaskModel(inMag []float32) ([]float32, error) {
	magTensor, err := ort.NewTensor(ort.NewShape(1, 1, int64(FFTOutSize)), inMag)
	if err != nil {
		return nil, fmt.Errorf("denoiser mask input: %w", err)
	}

	outputs := make([]ort.Value, 2)
	if err := d.maskSession.Run([]ort.Value{magTensor, d.maskState}, outputs); err != nil {
		return nil, fmt.Errorf("denoiser mask run: %w", err)
	}
	if outputs[0] == nil {
		return nil, newMissingOutputError("denoiser_mask")
	}
	mask, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, newShapeError("denoiser: mask output is not a float32 tensor")
	}
	if newState, ok := outputs[1].(*ort.Tensor[float32]); ok {
		d.maskState = newState
	} else {
		return nil, newMissingOutputError("denoiser_mask_state")
	}
	return mask.GetData(), nil
}

func (d *Denoiser) runRefineModel(estimated []float32) ([]float32, error) {
	estTensor, err := ort.NewTensor(ort.NewShape(1, 1, int64(BlockSize)), estimated)
	if err != nil {
		return nil, fmt.Errorf("denoiser refine input: %w", err)
	}

	outputs := make([]ort.Value, 2)
	if err := d.refineSession.Run([]ort.Value{estTensor, d.refineState}, outputs); err != nil {
		return nil, fmt.Errorf("denoiser refine run: %w", err)
	}
	if outputs[0] == nil {
		return nil, newMissingOutputError("denoiser_refine")
	}
	refined, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, newShapeError("denoiser: refine output is not a float32 tensor")
	}
	if newState, ok := outputs[1].(*ort.Tensor[float32]); ok {
		d.refineState = newState
	} else {
		return nil, newMissingOutputError("denoiser_refine_state")
	}
	return refined.GetData(), nil
}

// Close releases both ONNX sessions.
func (d *Denoiser) Close() {
	if d.maskSession != nil {
		d.maskSession.Destroy()
	}
	if d.refineSession != nil {
		d.refineSession.Destroy()
	}
}
