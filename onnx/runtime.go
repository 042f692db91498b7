package onnx

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// LibPath picks the ONNX Runtime shared library. An explicit path wins;
// otherwise the usual install locations are probed and, failing that, the
// bare library name is returned so the dynamic loader can search for it.
func LibPath(configured string) string {
	if configured != "" {
		return configured
	}
	name, dirs := libCandidates()
	for _, dir := range dirs {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return name
}

func libCandidates() (string, []string) {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib", []string{"onnxlibs", "/opt/homebrew/lib", "/usr/local/lib"}
	case "windows":
		return "onnxruntime.dll", []string{"onnxlibs", "."}
	default:
		return "libonnxruntime.so", []string{"onnxlibs", "/usr/local/lib", "/usr/lib", "/usr/lib/x86_64-linux-gnu"}
	}
}

// Init loads the shared library and initializes the runtime environment.
func Init(libPath string) error {
	path := LibPath(libPath)
	slog.Info("Using ONNX Runtime library", slog.String("path", path))
	ort.SetSharedLibraryPath(path)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	return nil
}

func Destroy() {
	if !ort.IsInitialized() {
		return
	}
	if err := ort.DestroyEnvironment(); err != nil {
		slog.Warn("Failed to destroy ONNX Runtime environment", slog.String("error", err.Error()))
	}
}

// sessionOptions returns options for device and the device actually used.
// "auto" falls back to the CPU provider when CUDA cannot be enabled.
func sessionOptions(device string) (*ort.SessionOptions, string, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, "", fmt.Errorf("failed to create session options: %w", err)
	}
	if device == DeviceCPU {
		return opts, DeviceCPU, nil
	}

	if err := appendCUDA(opts); err != nil {
		if device == DeviceCUDA {
			opts.Destroy()
			return nil, "", fmt.Errorf("CUDA execution provider unavailable: %w", err)
		}
		slog.Info("CUDA not available, using CPU", slog.String("reason", err.Error()))
		// a failed append can leave the options half configured
		opts.Destroy()
		if opts, err = ort.NewSessionOptions(); err != nil {
			return nil, "", fmt.Errorf("failed to create session options: %w", err)
		}
		return opts, DeviceCPU, nil
	}
	return opts, DeviceCUDA, nil
}

func appendCUDA(opts *ort.SessionOptions) error {
	cudaOpts, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOpts.Destroy()
	if err := cudaOpts.Update(map[string]string{"device_id": "0"}); err != nil {
		return err
	}
	return opts.AppendExecutionProviderCUDA(cudaOpts)
}
