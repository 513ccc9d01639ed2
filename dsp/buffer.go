// Package dsp implements the AEC and denoiser front-end: overlap-add STFT
// blocks driven through a pair of recurrent ONNX sub-networks per stage.
//
// Grounded in the AEC/denoiser ONNX pipeline (mask estimator + time-domain
// refiner, shift_and_accumulate overlap-add) and adapted to the teacher's
// onnxruntime_go/gonum fourier stack (ai/mel_spectrogram.go, ai/gigaam_rnnt.go).
package dsp

// RingBuffer is a fixed-capacity window of blockLen samples advanced by
// blockShift per step. It has no internal locking — callers own exclusive
// access for the lifetime of a DSP session, per the single-session-owner
// invariant.
type RingBuffer struct {
	data       []float32
	blockLen   int
	blockShift int
}

// NewRingBuffer allocates a zeroed ring of the given logical length. The
// logical length never changes after construction.
func NewRingBuffer(blockLen, blockShift int) *RingBuffer {
	return &RingBuffer{
		data:       make([]float32, blockLen),
		blockLen:   blockLen,
		blockShift: blockShift,
	}
}

// Data returns the buffer's current contents. The returned slice aliases
// internal storage and must not be retained past the next mutating call.
func (r *RingBuffer) Data() []float32 {
	return r.data
}

// Len returns the ring's logical length (blockLen).
func (r *RingBuffer) Len() int {
	return len(r.data)
}

// PushChunk shifts the buffer left by len(chunk) samples, dropping the
// oldest, and appends chunk at the tail. chunk must be no longer than
// blockShift.
func (r *RingBuffer) PushChunk(chunk []float32) {
	n := len(chunk)
	copy(r.data, r.data[n:])
	copy(r.data[len(r.data)-n:], chunk)
}

// ShiftAndAccumulate is the overlap-add write side: shift left by
// blockShift, zero the new tail, then add block (length blockLen)
// element-wise into the buffer.
func (r *RingBuffer) ShiftAndAccumulate(block []float32) {
	shift := r.blockShift
	copy(r.data, r.data[shift:])
	for i := len(r.data) - shift; i < len(r.data); i++ {
		r.data[i] = 0
	}
	for i, v := range block {
		r.data[i] += v
	}
}

// Clear zeroes the ring in place.
func (r *RingBuffer) Clear() {
	for i := range r.data {
		r.data[i] = 0
	}
}
