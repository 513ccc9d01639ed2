package batch

import (
	"context"
	"testing"
	"time"

	"hearth/ai"
)

func TestPollUntilDoneReturnsOnSuccess(t *testing.T) {
	job := &DiarizationJob{status: JobRunning}
	go func() {
		time.Sleep(20 * time.Millisecond)
		job.mu.Lock()
		job.result = []ai.SpeakerSegment{{Start: 0, End: 1, Speaker: 0}}
		job.status = JobSucceeded
		job.mu.Unlock()
	}()

	segs, err := PollUntilDone(context.Background(), job, PollConfig{Interval: 5 * time.Millisecond, Timeout: time.Second})
	if err != nil {
		t.Fatalf("PollUntilDone: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segs))
	}
}

func TestPollUntilDoneSurfacesFailure(t *testing.T) {
	job := &DiarizationJob{status: JobRunning}
	go func() {
		time.Sleep(10 * time.Millisecond)
		job.mu.Lock()
		job.status = JobFailed
		job.err = errBoom
		job.mu.Unlock()
	}()

	_, err := PollUntilDone(context.Background(), job, PollConfig{Interval: 5 * time.Millisecond, Timeout: time.Second})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestPollUntilDoneTimesOutAndCancels(t *testing.T) {
	job := &DiarizationJob{status: JobRunning, cancel: func() {}}

	_, err := PollUntilDone(context.Background(), job, PollConfig{Interval: 2 * time.Millisecond, Timeout: 10 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if job.Status() != JobCanceled {
		t.Fatalf("expected job canceled after timeout, got %s", job.Status())
	}
}

func TestDiarizationJobCancelIsIdempotent(t *testing.T) {
	called := 0
	job := &DiarizationJob{status: JobRunning, cancel: func() { called++ }}
	job.Cancel()
	job.Cancel()
	if job.Status() != JobCanceled {
		t.Fatalf("expected canceled, got %s", job.Status())
	}
	if called != 2 {
		t.Fatalf("expected underlying cancel func called each time, got %d", called)
	}
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
