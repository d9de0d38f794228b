package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chaos-io/bgstudio/rembg"
	"github.com/chaos-io/bgstudio/selection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"DATABASE_PATH", "FAL_KEY", "FAL_API_KEY", "LORA_PATH", "PORT", "LOG_LEVEL", "OUTPUT_DIR"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.toml")} {
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, ":8000", cfg.Server.ListenAddr)
		assert.Equal(t, selection.DefaultFallbackChain, cfg.Selection.FallbackChain)
		assert.Equal(t, len(selection.DefaultFallbackChain), cfg.Selection.MaxFallbackHops)
		// LoRA 模型默认带上适配器
		assert.Equal(t, rembg.DefaultLoraPath, cfg.Fal.LoraPath)
		assert.Equal(t, 120*time.Second, cfg.Fal.TimeoutD)
		assert.Equal(t, 24*time.Hour, cfg.Server.RetentionD)
		assert.Equal(t, time.Second, cfg.ComfyUI.PollIntervalD)
	}

	// 修改默认配置不影响全局回退链
	cfg := Default()
	cfg.Selection.FallbackChain[0] = "changed"
	assert.Equal(t, "flux-kontext-lora-v2", selection.DefaultFallbackChain[0])
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
[server]
listen_addr = "127.0.0.1:9000"
retention = "2h"

[selection]
fallback_chain = ["birefnet-fallback"]
max_fallback_hops = 0

[fal]
api_key = "from-file"
timeout = "30s"

[logging]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddr)
	assert.Equal(t, 2*time.Hour, cfg.Server.RetentionD)
	assert.Equal(t, []string{"birefnet-fallback"}, cfg.Selection.FallbackChain)
	assert.Equal(t, 0, cfg.Selection.MaxFallbackHops)
	assert.Equal(t, "from-file", cfg.Fal.APIKey)
	assert.Equal(t, 30*time.Second, cfg.Fal.TimeoutD)
	assert.Equal(t, "json", cfg.Logging.Format)
	// 未配置的字段保留默认值
	assert.Equal(t, 1024, cfg.Output.CanvasSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_PATH", "/tmp/catalog.db")
	t.Setenv("FAL_KEY", "legacy")
	t.Setenv("FAL_API_KEY", "primary")
	t.Setenv("LORA_PATH", "https://example.com/lora.safetensors")
	t.Setenv("PORT", "9100")
	t.Setenv("LOG_LEVEL", "WARN")

	cfg, err := Load(writeConfig(t, "[fal]\napi_key = \"from-file\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/catalog.db", cfg.Database.Path)
	assert.Equal(t, "primary", cfg.Fal.APIKey)
	assert.Equal(t, "https://example.com/lora.safetensors", cfg.Fal.LoraPath)
	assert.Equal(t, ":9100", cfg.Server.ListenAddr)
	assert.Equal(t, "warn", cfg.Logging.Level)

	t.Setenv("FAL_API_KEY", "")
	t.Setenv("PORT", "not-a-port")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "legacy", cfg.Fal.APIKey)
	assert.Equal(t, ":8000", cfg.Server.ListenAddr)
}

func TestLoad_LoraPath(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, rembg.DefaultLoraPath, cfg.Fal.LoraPath)

	// 环境变量覆盖默认适配器
	t.Setenv("LORA_PATH", "https://example.com/custom.safetensors")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/custom.safetensors", cfg.Fal.LoraPath)

	// 配置文件中置空则关闭 LoRA
	t.Setenv("LORA_PATH", "")
	cfg, err = Load(writeConfig(t, "[fal]\nlora_path = \"\"\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Fal.LoraPath)
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "语法错误", content: "[server\n", wantErr: "decode TOML"},
		{name: "时长格式错误", content: "[fal]\ntimeout = \"soon\"\n", wantErr: "parse fal.timeout"},
		{name: "空回退链", content: "[selection]\nfallback_chain = []\n", wantErr: "fallback_chain must not be empty"},
		{name: "负跳数", content: "[selection]\nmax_fallback_hops = -1\n", wantErr: "max_fallback_hops cannot be negative"},
		{name: "非正超时", content: "[fal]\ntimeout = \"0s\"\n", wantErr: "fal.timeout must be positive"},
		{name: "日志级别", content: "[logging]\nlevel = \"trace\"\n", wantErr: "invalid logging level"},
		{name: "画布边距", content: "[output]\ncanvas_size = 100\nmargin = 50\n", wantErr: "invalid canvas"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
