package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// AIConfig is the snapshot of AI gateway settings taken once per logical
// operation. It is never re-read mid-batch.
type AIConfig struct {
	CompletionEndpoint string `toml:"completion_endpoint"`
	CompletionModel    string `toml:"completion_model"`
	APIKeyEnv          string `toml:"api_key_env"`
	ImageEndpoint      string `toml:"image_endpoint"`
	BaseStylePrompt    string `toml:"base_style_prompt"`
}

type Config struct {
	UploadsDir   string   `toml:"uploads_dir"`
	GeneratedDir string   `toml:"generated_dir"`
	PromptsDir   string   `toml:"prompts_dir"`
	LogLevel     string   `toml:"log_level"`
	AI           AIConfig `toml:"ai"`
}

func DefaultConfig() *Config {
	dir, _ := OnmodelDir()
	return &Config{
		UploadsDir:   filepath.Join(dir, "uploads"),
		GeneratedDir: filepath.Join(dir, "generated"),
		PromptsDir:   filepath.Join(dir, "prompts"),
		LogLevel:     "info",
		AI: AIConfig{
			CompletionEndpoint: "http://localhost:11434/v1/chat/completions",
			CompletionModel:    "gpt-4o",
			APIKeyEnv:          "ONMODEL_API_KEY",
			ImageEndpoint:      "http://localhost:7860/sdapi/v1/txt2img",
			BaseStylePrompt:    "professional photograph of a female model wearing the garment, full body shot, studio lighting, hyperrealistic, 8k",
		},
	}
}

func OnmodelDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".onmodel"), nil
}

func ConfigPath() (string, error) {
	dir, err := OnmodelDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func DatabasePath() (string, error) {
	dir, err := OnmodelDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "db", "onmodel.sqlite"), nil
}

// EnsureDirectories creates the application directory tree, including the
// content directories referenced by cfg.
func EnsureDirectories(cfg *Config) error {
	dir, err := OnmodelDir()
	if err != nil {
		return err
	}

	dirs := []string{
		dir,
		filepath.Join(dir, "db"),
		cfg.UploadsDir,
		cfg.GeneratedDir,
		cfg.PromptsDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}

	return nil
}

func Load() (*Config, error) {
	configPath, err := ConfigPath()
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	// If config file doesn't exist, create it with defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := EnsureDirectories(cfg); err != nil {
			return nil, err
		}
		if err := Save(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	// Load existing config
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, err
	}

	cfg.UploadsDir = expandPath(cfg.UploadsDir)
	cfg.GeneratedDir = expandPath(cfg.GeneratedDir)
	cfg.PromptsDir = expandPath(cfg.PromptsDir)

	return cfg, nil
}

func Save(cfg *Config) error {
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	f, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
