package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	Libonnx  string `toml:"libonnx"`
	Device   string `toml:"device"`
	Sessions int    `toml:"sessions"`

	ModelUrl               string `toml:"model_url"`
	ModelDir               string `toml:"model_dir"`
	ModelFileName          string `toml:"model_file_name"`
	ModelConfigName        string `toml:"model_config_name"`
	PreprocessorConfigName string `toml:"preprocessor_config_name"`

	FetchTimeout   Duration `toml:"fetch_timeout"`
	MaxImageBytes  int64    `toml:"max_image_bytes"`
	MaxImagePixels int64    `toml:"max_image_pixels"`
	MaxBatchSize   int      `toml:"max_batch_size"`

	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func Default() Config {
	return Config{
		Host:     "0.0.0.0",
		Port:     "8000",
		Device:   "auto",
		Sessions: 1,

		ModelUrl:               "https://huggingface.co/dima806/clothes_image_detection/resolve/main/onnx/model.onnx?download=true",
		ModelDir:               "models",
		ModelFileName:          "model.onnx",
		ModelConfigName:        "config.json",
		PreprocessorConfigName: "preprocessor_config.json",

		FetchTimeout:   Duration{30 * time.Second},
		MaxImageBytes:  20 << 20,
		MaxImagePixels: 178956970,
		MaxBatchSize:   50,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads path over the defaults, then applies environment overrides.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return cfg, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("HOST", &c.Host)
	setString("PORT", &c.Port)
	setString("ONNXRUNTIME_LIB", &c.Libonnx)
	setString("DEVICE", &c.Device)
	setString("MODEL_URL", &c.ModelUrl)
	setString("MODEL_DIR", &c.ModelDir)
	setString("LOG_LEVEL", &c.LogLevel)
	setString("LOG_FORMAT", &c.LogFormat)

	if v := os.Getenv("SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SESSIONS %q: %w", v, err)
		}
		c.Sessions = n
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Device {
	case "auto", "cuda", "cpu":
	default:
		return fmt.Errorf("unknown device %q (want auto, cuda or cpu)", c.Device)
	}
	if c.Sessions < 1 {
		return fmt.Errorf("sessions must be at least 1, got %d", c.Sessions)
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be at least 1, got %d", c.MaxBatchSize)
	}
	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("max_image_bytes must be positive, got %d", c.MaxImageBytes)
	}
	if c.MaxImagePixels <= 0 {
		return fmt.Errorf("max_image_pixels must be positive, got %d", c.MaxImagePixels)
	}
	if c.FetchTimeout.Duration <= 0 {
		return fmt.Errorf("fetch_timeout must be positive, got %s", c.FetchTimeout)
	}
	return nil
}

func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}
