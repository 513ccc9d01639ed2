package dsp

import "testing"

func TestRingBufferPushChunkShifts(t *testing.T) {
	r := NewRingBuffer(8, 2)
	r.PushChunk([]float32{1, 2})
	want := []float32{0, 0, 0, 0, 0, 0, 1, 2}
	assertFloatSlice(t, r.Data(), want)

	r.PushChunk([]float32{3, 4})
	want = []float32{0, 0, 0, 0, 1, 2, 3, 4}
	assertFloatSlice(t, r.Data(), want)
}

func TestRingBufferShiftAndAccumulate(t *testing.T) {
	r := NewRingBuffer(4, 2)
	r.PushChunk([]float32{1, 1})
	r.ShiftAndAccumulate([]float32{5, 5, 5, 5})
	// after push: [0,0,1,1]; shift by 2 -> [1,1,0,0]; add block -> [6,6,5,5]
	want := []float32{6, 6, 5, 5}
	assertFloatSlice(t, r.Data(), want)
}

func TestRingBufferClear(t *testing.T) {
	r := NewRingBuffer(4, 2)
	r.PushChunk([]float32{1, 2})
	r.Clear()
	for _, v := range r.Data() {
		if v != 0 {
			t.Fatalf("expected zeroed buffer after Clear, got %v", r.Data())
		}
	}
}

func assertFloatSlice(t *testing.T, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %v want %v (full got=%v want=%v)", i, got[i], want[i], got, want)
		}
	}
}
