package config

import (
	"os"
	"sync"

	"github.com/krateoplatformops/plumbing/env"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Host     string `toml:"host" mapstructure:"host"`
	Port     string `toml:"port" mapstructure:"port"`
	Libonnx  string `toml:"libonnx" mapstructure:"libonnx"`
	LogLevel string `toml:"log_level" mapstructure:"log_level"`

	// ModelUrl is the blob host endpoint; ModelFileID is sent as its id parameter.
	ModelUrl        string   `toml:"model_url" mapstructure:"model_url"`
	ModelFileID     string   `toml:"model_file_id" mapstructure:"model_file_id"`
	ModelDir        string   `toml:"model_dir" mapstructure:"model_dir"`
	ModelFileName   string   `toml:"model_file_name" mapstructure:"model_file_name"`
	ModelMinBytes   int64    `toml:"model_min_bytes" mapstructure:"model_min_bytes"`
	ModelLabelsName string   `toml:"model_labels_name" mapstructure:"model_labels_name"`
	Labels          []string `toml:"labels" mapstructure:"labels"`

	Workers int `toml:"workers" mapstructure:"workers"`
	Threads int `toml:"threads" mapstructure:"threads"`

	UploadDir      string `toml:"upload_dir" mapstructure:"upload_dir"`
	MaxUploadBytes int64  `toml:"max_upload_bytes" mapstructure:"max_upload_bytes"`
	// MaxImagePixels rejects uploads declaring more than width*height pixels
	// before decoding them. Zero or negative disables the check.
	MaxImagePixels int64 `toml:"max_image_pixels" mapstructure:"max_image_pixels"`
}

var (
	cfg = Config{
		Host:            "0.0.0.0",
		Port:            "10000",
		LogLevel:        "info",
		ModelUrl:        "https://drive.google.com/uc?export=download",
		ModelDir:        "models",
		ModelFileName:   "model.onnx",
		ModelMinBytes:   100 * 1024,
		ModelLabelsName: "labels.txt",
		Labels:          []string{"choco", "classic", "fruit"},
		Workers:         1,
		UploadDir:       "static/uploads",
		MaxUploadBytes:  10 << 20,
		MaxImagePixels:  89_478_485,
	}
	loadOnce sync.Once
)

func C() Config {
	loadOnce.Do(func() {
		if _, err := os.Stat("config.toml"); err == nil {
			data, err := os.ReadFile("config.toml")
			if err != nil {
				panic(err)
			}
			if err := toml.Unmarshal(data, &cfg); err != nil {
				panic(err)
			}
		}
		applyEnv(&cfg)
	})
	return cfg
}

// applyEnv lets the platform override the listen port and the onnxruntime
// library path. Everything else comes from config.toml.
func applyEnv(c *Config) {
	c.Port = env.String("PORT", c.Port)
	c.Libonnx = env.String("ONNXRUNTIME_SHARED_LIBRARY_PATH", c.Libonnx)
	if c.Workers < 1 {
		c.Workers = 1
	}
}
