package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-resty/resty/v2"
	"github.com/krau/clothtagger/config"
	"github.com/krau/clothtagger/onnx"
	"github.com/krau/clothtagger/service"
)

type modelEngine interface {
	service.Engine
	InputLen() int
}

var openEngine = func(opts onnx.Options) (modelEngine, error) {
	e, err := onnx.NewEngine(opts)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Init loads everything the classifier needs from cfg.ModelDir. It must run
// after onnx.Init. The caller owns the returned classifier and closes it.
func Init(ctx context.Context, cfg config.Config) (*service.Classifier, error) {
	modelPath := filepath.Join(cfg.ModelDir, cfg.ModelFileName)
	if err := ensureModel(ctx, modelPath, cfg.ModelUrl); err != nil {
		return nil, err
	}

	pre, err := service.LoadPreprocessor(filepath.Join(cfg.ModelDir, cfg.PreprocessorConfigName))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Warn("No preprocessor config, using ViT defaults", slog.String("file", cfg.PreprocessorConfigName))
		pre = service.DefaultPreprocessor()
	case err != nil:
		return nil, fmt.Errorf("failed to load preprocessor config: %w", err)
	}

	labels, err := service.LoadLabelMap(filepath.Join(cfg.ModelDir, cfg.ModelConfigName))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Warn("No model config, using built-in labels", slog.String("file", cfg.ModelConfigName))
		labels = service.DefaultLabelMap()
	case err != nil:
		return nil, fmt.Errorf("failed to load labels: %w", err)
	}

	engine, err := openEngine(onnx.Options{
		ModelPath:  modelPath,
		Device:     cfg.Device,
		Sessions:   cfg.Sessions,
		Height:     pre.Size.Height,
		Width:      pre.Size.Width,
		NumClasses: labels.Len(),
	})
	if err != nil {
		return nil, err
	}

	if engine.InputLen() != pre.InputLen() {
		engine.Close()
		return nil, fmt.Errorf("model expects %d input values but the preprocessor produces %d (size %dx%d)",
			engine.InputLen(), pre.InputLen(), pre.Size.Width, pre.Size.Height)
	}

	cls, err := service.NewClassifier(engine, pre, labels)
	if err != nil {
		engine.Close()
		return nil, err
	}
	return cls, nil
}

// ensureModel downloads the model from url when path does not exist yet.
func ensureModel(ctx context.Context, path, url string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat model: %w", err)
	}
	if url == "" {
		return fmt.Errorf("model %s not found and no model_url configured", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	slog.Info("Downloading model", slog.String("url", url), slog.String("path", path))
	tmp := path + ".part"
	res, err := resty.New().R().
		SetContext(ctx).
		SetOutput(tmp).
		Get(url)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to download model: %w", err)
	}
	if res.IsError() {
		os.Remove(tmp)
		return fmt.Errorf("failed to download model: status %d", res.StatusCode())
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move model into place: %w", err)
	}
	return nil
}
