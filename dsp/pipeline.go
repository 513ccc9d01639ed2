package dsp

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Pipeline chains the AEC and denoiser stages into the single front-end a
// capture loop calls once per block: echo cancellation against a loopback
// reference first, then noise suppression on the result. Either stage may
// be nil, in which case it is skipped and the signal passes through
// unmodified for that stage.
type Pipeline struct {
	aec      *AEC
	denoiser *Denoiser
}

// NewPipeline wraps already-constructed stages. A nil AEC or Denoiser
// disables that stage.
func NewPipeline(aec *AEC, denoiser *Denoiser) *Pipeline {
	return &Pipeline{aec: aec, denoiser: denoiser}
}

// Process runs one block through the configured stages. echoCancel gates
// the AEC stage independent of whether a Pipeline was built with one, so a
// session without a loopback reference can reuse the same Pipeline with
// echoCancel=false.
func (p *Pipeline) Process(mic, loopback []float32, echoCancel bool) ([]float32, error) {
	out := mic
	if echoCancel && p.aec != nil && len(loopback) > 0 {
		var err error
		out, err = p.aec.ProcessStreaming(out, loopback)
		if err != nil {
			return nil, fmt.Errorf("dsp pipeline aec: %w", err)
		}
	}
	if p.denoiser != nil {
		var err error
		out, err = p.denoiser.ProcessStreaming(out)
		if err != nil {
			return nil, fmt.Errorf("dsp pipeline denoiser: %w", err)
		}
	}
	return out, nil
}

// Reset clears both stages' recurrent state, e.g. between sessions.
func (p *Pipeline) Reset() error {
	if p.aec != nil {
		if err := p.aec.Reset(); err != nil {
			return err
		}
	}
	if p.denoiser != nil {
		if err := p.denoiser.Reset(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases both stages' ONNX sessions.
func (p *Pipeline) Close() {
	if p.aec != nil {
		p.aec.Close()
	}
	if p.denoiser != nil {
		p.denoiser.Close()
	}
}

// HasAEC reports whether echo cancellation is available in this pipeline.
func (p *Pipeline) HasAEC() bool { return p.aec != nil }

var (
	onnxEnvOnce sync.Once
	onnxEnvErr  error
)

// ensureONNXEnvironment initializes the shared ONNX Runtime environment
// once per process, following the same ONNXRUNTIME_SHARED_LIBRARY_PATH
// convention the on-device ASR engines use.
func ensureONNXEnvironment() error {
	onnxEnvOnce.Do(func() {
		if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		onnxEnvErr = ort.InitializeEnvironment()
	})
	return onnxEnvErr
}

// LoadPipeline builds a Pipeline from configured model paths, loading only
// the stages whose paths are non-empty. Unlike the on-device speech models,
// these DSP ONNX graphs have no registered download: an absent path simply
// disables that stage rather than triggering a fetch, so a deployment
// without the weights still runs the rest of the capture→ASR flow with
// audio passed through uncleaned.
func LoadPipeline(aecMaskPath, aecRefinePath, denoiserMaskPath, denoiserRefinePath string) (*Pipeline, error) {
	if aecMaskPath == "" && denoiserMaskPath == "" {
		return nil, nil
	}
	if err := ensureONNXEnvironment(); err != nil {
		return nil, fmt.Errorf("onnxruntime unavailable, DSP front-end disabled: %w", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("dsp session options: %w", err)
	}
	defer opts.Destroy()

	var aec *AEC
	if aecMaskPath != "" && aecRefinePath != "" {
		aec, err = NewAEC(aecMaskPath, aecRefinePath, opts)
		if err != nil {
			return nil, fmt.Errorf("load aec stage: %w", err)
		}
	}

	var denoiser *Denoiser
	if denoiserMaskPath != "" && denoiserRefinePath != "" {
		denoiser, err = NewDenoiser(denoiserMaskPath, denoiserRefinePath, opts)
		if err != nil {
			if aec != nil {
				aec.Close()
			}
			return nil, fmt.Errorf("load denoiser stage: %w", err)
		}
	}

	if aec == nil && denoiser == nil {
		return nil, nil
	}
	return NewPipeline(aec, denoiser), nil
}
