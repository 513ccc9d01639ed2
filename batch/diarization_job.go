package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hearth/ai"
)

// JobStatus is a diarization job's lifecycle state, matching the
// pyannote-class async-job contract (submit, then poll until terminal).
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// PollConfig bounds how a caller polls a DiarizationJob to completion.
type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultPollConfig is the project-wide batch poll policy: 2s interval,
// 10 minute overall timeout.
func DefaultPollConfig() PollConfig {
	return PollConfig{Interval: 2 * time.Second, Timeout: 10 * time.Minute}
}

// DiarizationJob wraps the teacher's synchronous ai.SherpaDiarizer.Diarize
// call in a goroutine and exposes it through a submit/poll/collect
// contract, the shape the spec's diarization providers (pyannote class)
// use natively but this in-process engine does not.
type DiarizationJob struct {
	mu     sync.Mutex
	status JobStatus
	result []ai.SpeakerSegment
	err    error
	cancel context.CancelFunc
}

// StartDiarizationJob launches diarization in the background and returns
// immediately with a job handle in JobRunning state.
func StartDiarizationJob(diarizer *ai.SherpaDiarizer, samples []float32) *DiarizationJob {
	ctx, cancel := context.WithCancel(context.Background())
	job := &DiarizationJob{status: JobRunning, cancel: cancel}

	go func() {
		segments, err := diarizer.Diarize(samples)

		job.mu.Lock()
		defer job.mu.Unlock()
		if job.status == JobCanceled {
			return
		}
		if err != nil {
			job.status = JobFailed
			job.err = err
			return
		}
		job.result = segments
		job.status = JobSucceeded
	}()

	return job
}

// Status reports the job's current lifecycle state.
func (j *DiarizationJob) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Cancel marks the job canceled; the background diarization call itself
// (native sherpa-onnx code) is not preemptible and keeps running to
// completion, but its result is discarded.
func (j *DiarizationJob) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == JobRunning {
		j.status = JobCanceled
	}
	j.cancel()
}

// collect returns the collected segments and error once the job has
// reached a terminal state; callers should only call this after Status()
// reports JobSucceeded or JobFailed.
func (j *DiarizationJob) collect() ([]ai.SpeakerSegment, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// PollUntilDone polls a DiarizationJob at cfg.Interval until it reaches a
// terminal state or cfg.Timeout elapses, matching the spec's 10-minute/2s
// batch diarization poll contract. Timeout is fatal; the job is canceled
// before returning.
func PollUntilDone(ctx context.Context, job *DiarizationJob, cfg PollConfig) ([]ai.SpeakerSegment, error) {
	deadline := time.Now().Add(cfg.Timeout)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		switch job.Status() {
		case JobSucceeded:
			return job.collect()
		case JobFailed:
			_, err := job.collect()
			return nil, err
		case JobCanceled:
			return nil, fmt.Errorf("batch: diarization job canceled")
		}

		if time.Now().After(deadline) {
			job.Cancel()
			return nil, fmt.Errorf("batch: diarization job timed out after %s", cfg.Timeout)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			job.Cancel()
			return nil, ctx.Err()
		}
	}
}
