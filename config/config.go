// Package config 从 TOML 文件加载服务配置, 支持环境变量覆盖
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/chaos-io/bgstudio/rembg"
	"github.com/chaos-io/bgstudio/selection"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Selection SelectionConfig `toml:"selection"`
	Fal       FalConfig       `toml:"fal"`
	ComfyUI   ComfyUIConfig   `toml:"comfyui"`
	Output    OutputConfig    `toml:"output"`
	Logging   LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	ListenAddr      string `toml:"listen_addr"`
	MaxUploadMB     int    `toml:"max_upload_mb"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	// cron 表达式, 为空则不启用
	ReportSchedule  string `toml:"report_schedule"`
	CleanupSchedule string `toml:"cleanup_schedule"`
	Retention       string `toml:"retention"`

	ShutdownTimeoutD time.Duration `toml:"-"`
	RetentionD       time.Duration `toml:"-"`
}

type DatabaseConfig struct {
	Path       string `toml:"path"`
	SeedFile   string `toml:"seed_file"`
	ForceSeeds bool   `toml:"force_seeds"`
}

type SelectionConfig struct {
	FallbackChain   []string `toml:"fallback_chain"`
	MaxFallbackHops int      `toml:"max_fallback_hops"`
}

type FalConfig struct {
	APIKey          string  `toml:"api_key"`
	LoraPath        string  `toml:"lora_path"`
	LoraScale       float64 `toml:"lora_scale"`
	Prompt          string  `toml:"prompt"`
	Timeout         string  `toml:"timeout"`
	BreakerFailures uint32  `toml:"breaker_failures"`
	BreakerCooldown string  `toml:"breaker_cooldown"`

	TimeoutD         time.Duration `toml:"-"`
	BreakerCooldownD time.Duration `toml:"-"`
}

type ComfyUIConfig struct {
	PollInterval string `toml:"poll_interval"`
	Timeout      string `toml:"timeout"`

	PollIntervalD time.Duration `toml:"-"`
	TimeoutD      time.Duration `toml:"-"`
}

type OutputConfig struct {
	Dir        string `toml:"dir"`
	CanvasSize int    `toml:"canvas_size"`
	Margin     int    `toml:"margin"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8000",
			MaxUploadMB:     20,
			ShutdownTimeout: "10s",
			ReportSchedule:  "@every 1h",
			CleanupSchedule: "@every 30m",
			Retention:       "24h",
		},
		Database: DatabaseConfig{
			Path: "data/models.db",
		},
		Selection: SelectionConfig{
			FallbackChain:   append([]string(nil), selection.DefaultFallbackChain...),
			MaxFallbackHops: len(selection.DefaultFallbackChain),
		},
		Fal: FalConfig{
			LoraPath:        rembg.DefaultLoraPath,
			LoraScale:       1.0,
			Timeout:         "120s",
			BreakerFailures: 5,
			BreakerCooldown: "60s",
		},
		ComfyUI: ComfyUIConfig{
			PollInterval: "1s",
			Timeout:      "2m",
		},
		Output: OutputConfig{
			Dir:        "output",
			CanvasSize: 1024,
			Margin:     64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load 在默认配置上读取 path, 应用环境变量并校验
// path 为空或文件不存在时使用默认配置
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("decode TOML: %w", err)
			}
		}
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) postProcess() error {
	var err error

	if c.Server.ShutdownTimeoutD, err = time.ParseDuration(c.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("parse server.shutdown_timeout: %w", err)
	}
	if c.Server.RetentionD, err = time.ParseDuration(c.Server.Retention); err != nil {
		return fmt.Errorf("parse server.retention: %w", err)
	}
	if c.Fal.TimeoutD, err = time.ParseDuration(c.Fal.Timeout); err != nil {
		return fmt.Errorf("parse fal.timeout: %w", err)
	}
	if c.Fal.BreakerCooldownD, err = time.ParseDuration(c.Fal.BreakerCooldown); err != nil {
		return fmt.Errorf("parse fal.breaker_cooldown: %w", err)
	}
	if c.ComfyUI.PollIntervalD, err = time.ParseDuration(c.ComfyUI.PollInterval); err != nil {
		return fmt.Errorf("parse comfyui.poll_interval: %w", err)
	}
	if c.ComfyUI.TimeoutD, err = time.ParseDuration(c.ComfyUI.Timeout); err != nil {
		return fmt.Errorf("parse comfyui.timeout: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", c.Server.MaxUploadMB)
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if len(c.Selection.FallbackChain) == 0 {
		return errors.New("fallback_chain must not be empty")
	}
	for i, id := range c.Selection.FallbackChain {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("fallback_chain[%d] is empty", i)
		}
	}
	if c.Selection.MaxFallbackHops < 0 {
		return fmt.Errorf("max_fallback_hops cannot be negative, got %d", c.Selection.MaxFallbackHops)
	}
	if c.Fal.TimeoutD <= 0 {
		return fmt.Errorf("fal.timeout must be positive, got %s", c.Fal.Timeout)
	}
	if c.ComfyUI.TimeoutD <= 0 || c.ComfyUI.PollIntervalD <= 0 {
		return fmt.Errorf("comfyui timeout and poll_interval must be positive, got %s and %s",
			c.ComfyUI.Timeout, c.ComfyUI.PollInterval)
	}
	if c.Output.CanvasSize < 1 || c.Output.Margin < 0 || 2*c.Output.Margin >= c.Output.CanvasSize {
		return fmt.Errorf("invalid canvas: size=%d margin=%d", c.Output.CanvasSize, c.Output.Margin)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}
	return nil
}

// ApplyEnvOverrides 应用部署环境变量
// 先读 FAL_KEY, 两者都设置时以 FAL_API_KEY 为准
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("FAL_KEY"); v != "" {
		cfg.Fal.APIKey = v
	}
	if v := os.Getenv("FAL_API_KEY"); v != "" {
		cfg.Fal.APIKey = v
	}
	if v := os.Getenv("LORA_PATH"); v != "" {
		cfg.Fal.LoraPath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			cfg.Server.ListenAddr = ":" + v
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("OUTPUT_DIR"); v != "" {
		cfg.Output.Dir = v
	}
}
