package config

import (
	"flag"
	"path/filepath"
	"runtime"
)

type Config struct {
	ModelPath string
	DataDir   string
	ModelsDir string
	Port      string
	GRPCAddr  string
	TraceLog  string

	// LLM настройки
	OllamaURL          string // URL Ollama API (по умолчанию http://localhost:11434)
	OllamaModel        string // Модель для улучшения транскрипции
	AutoImproveWithLLM bool   // Автоматически улучшать транскрипцию через LLM

	// Cloud ASR provider API keys (пусто = провайдер недоступен для
	// маршрутизации; local-движок всегда доступен без ключа)
	DeepgramAPIKey   string
	AssemblyAIAPIKey string

	// DSP front-end model paths. Empty = the corresponding stage is
	// skipped and the pipeline passes audio through uncleaned.
	DSPAECMaskModel      string
	DSPAECRefineModel    string
	DSPDenoiserMaskModel string
	DSPDenoiserRefineModel string
}

func Load() *Config {
	modelPath := flag.String("model", "ggml-base.bin", "Path to Whisper model")
	dataDir := flag.String("data", "data/sessions", "Directory for session data")
	modelsDir := flag.String("models", "", "Directory for downloaded models (default: dataDir/../models)")
	port := flag.String("port", "8080", "Server port")
	grpcAddr := flag.String("grpc-addr", defaultGRPCAddress(), "gRPC listen address (unix:/path/to.sock or npipe:////./pipe/hearth-grpc)")
	traceLog := flag.String("trace-log", "", "Path to tee log output to, in addition to stdout (default: disabled)")

	// LLM настройки
	ollamaURL := flag.String("ollama-url", "http://localhost:11434", "Ollama API URL")
	ollamaModel := flag.String("ollama-model", "llama3.2", "Ollama model for transcription improvement")
	autoImprove := flag.Bool("auto-improve", false, "Auto-improve transcription with LLM")

	deepgramKey := flag.String("deepgram-api-key", "", "Deepgram API key (enables the deepgram streaming provider)")
	assemblyAIKey := flag.String("assemblyai-api-key", "", "AssemblyAI API key (enables the assemblyai streaming provider)")

	dspAECMask := flag.String("dsp-aec-mask-model", "", "Path to AEC mask ONNX model (enables echo cancellation in the DSP front-end)")
	dspAECRefine := flag.String("dsp-aec-refine-model", "", "Path to AEC refine ONNX model")
	dspDenoiserMask := flag.String("dsp-denoiser-mask-model", "", "Path to denoiser mask ONNX model (enables noise suppression in the DSP front-end)")
	dspDenoiserRefine := flag.String("dsp-denoiser-refine-model", "", "Path to denoiser refine ONNX model")

	flag.Parse()

	// Determine models directory
	finalModelsDir := *modelsDir
	if finalModelsDir == "" {
		finalModelsDir = filepath.Join(filepath.Dir(*dataDir), "models")
	}

	return &Config{
		ModelPath:          *modelPath,
		DataDir:            *dataDir,
		ModelsDir:          finalModelsDir,
		Port:               *port,
		GRPCAddr:           *grpcAddr,
		TraceLog:           *traceLog,
		OllamaURL:          *ollamaURL,
		OllamaModel:        *ollamaModel,
		AutoImproveWithLLM: *autoImprove,
		DeepgramAPIKey:     *deepgramKey,
		AssemblyAIAPIKey:   *assemblyAIKey,
		DSPAECMaskModel:        *dspAECMask,
		DSPAECRefineModel:      *dspAECRefine,
		DSPDenoiserMaskModel:   *dspDenoiserMask,
		DSPDenoiserRefineModel: *dspDenoiserRefine,
	}
}

func defaultGRPCAddress() string {
	if runtime.GOOS == "windows" {
		return "npipe:\\\\.\\pipe\\hearth-grpc"
	}
	return "unix:/tmp/hearth-grpc.sock"
}
