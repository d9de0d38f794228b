package cli

import (
	"bytes"
	"encoding/json"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chaos-io/bgstudio/catalog"
	"github.com/chaos-io/bgstudio/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type testEnv struct {
	dir    string
	config string
}

func newTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	for _, k := range []string{"DATABASE_PATH", "FAL_KEY", "FAL_API_KEY", "LORA_PATH", "PORT", "LOG_LEVEL", "OUTPUT_DIR", "BGSTUDIO_CONFIG"} {
		t.Setenv(k, "")
	}

	dir := t.TempDir()
	content := `
[database]
path = "` + filepath.ToSlash(filepath.Join(dir, "models.db")) + `"

[output]
dir = "` + filepath.ToSlash(filepath.Join(dir, "out")) + `"
` + extra
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return &testEnv{dir: dir, config: path}
}

func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(&GlobalOptions{Out: &out, LogOutput: io.Discard})
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return out.String(), err
}

func TestModelsCommand(t *testing.T) {
	env := newTestEnv(t, "")

	tests := []struct {
		name    string
		args    []string
		wantIDs []string
	}{
		{name: "启用模型", args: []string{"models"}, wantIDs: []string{"flux-kontext-lora-v2", "flux-kontext-lora-v1", "birefnet-fallback"}},
		{name: "全部模型", args: []string{"models", "--all"}, wantIDs: []string{"flux-kontext-lora-v2", "flux-kontext-lora-v1", "birefnet-fallback", "birefnet-comfyui"}},
		{name: "按标签", args: []string{"models", "--tag", "lora"}, wantIDs: []string{"flux-kontext-lora-v2", "flux-kontext-lora-v1"}},
		{name: "按市场", args: []string{"models", "-m", "ozon"}, wantIDs: []string{"flux-kontext-lora-v2", "flux-kontext-lora-v1", "birefnet-fallback"}},
		{name: "无匹配", args: []string{"models", "--tag", "nothing"}, wantIDs: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := env.run(t, tt.args...)
			require.NoError(t, err)

			var models []catalog.ModelInfo
			require.NoError(t, json.Unmarshal([]byte(out), &models))
			ids := []string{}
			for _, m := range models {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}

	_, err := env.run(t, "models", "--all", "--tag", "lora")
	assert.Error(t, err)
}

func TestModelsShowAndSummary(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run(t, "models", "show", "flux-kontext-lora-v1")
	require.NoError(t, err)
	var m catalog.ModelInfo
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, 90, m.Priority)
	assert.Equal(t, 30, m.Spec.Steps(0))

	_, err = env.run(t, "models", "show", "birefnet-comfyui")
	assert.ErrorIs(t, err, catalog.ErrModelNotFound)

	out, err = env.run(t, "models", "summary")
	require.NoError(t, err)
	var sum map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, float64(4), sum["total_models"])
	assert.Equal(t, float64(3), sum["active_models"])

	out, err = env.run(t, "models", "schema")
	require.NoError(t, err)
	assert.Contains(t, out, `"supports_marketplaces"`)
}

func TestSelectCommands(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run(t, "select", "--model", "birefnet-fallback")
	require.NoError(t, err)
	var sel map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &sel))
	assert.Equal(t, "birefnet-fallback", sel["model_id"])
	assert.Equal(t, "user_choice", sel["reason"])

	out, err = env.run(t, "select", "--complexity", "0.9")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &sel))
	assert.Equal(t, "auto_policy", sel["reason"])
	assert.Equal(t, 0.9, sel["selection_metadata"].(map[string]any)["image_complexity"])

	_, err = env.run(t, "select", "--complexity", "1.5")
	assert.ErrorContains(t, err, "complexity must be within [0, 1]")

	out, err = env.run(t, "fallback", "flux-kontext-lora-v1", "--reason", "timeout")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &sel))
	assert.Equal(t, "birefnet-fallback", sel["model_id"])
	assert.Equal(t, "fallback_error", sel["reason"])

	out, err = env.run(t, "-o", "yaml", "policy")
	require.NoError(t, err)
	var policy map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &policy))
	assert.Equal(t, "2.0", policy["policy_version"])
	assert.NotContains(t, out, "{")

	_, err = env.run(t, "-o", "xml", "policy")
	assert.ErrorContains(t, err, "unsupported output format")
}

func TestSelectCommand_ConfiguredChain(t *testing.T) {
	env := newTestEnv(t, `
[selection]
fallback_chain = ["birefnet-fallback", "flux-kontext-lora-v1"]
`)

	out, err := env.run(t, "fallback", "birefnet-fallback")
	require.NoError(t, err)
	var sel map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &sel))
	assert.Equal(t, "flux-kontext-lora-v1", sel["model_id"])
	assert.Equal(t, []any{"flux-kontext-lora-v1"}, sel["fallback_chain"])
}

func TestMigrateCommand(t *testing.T) {
	env := newTestEnv(t, "")

	seed := filepath.Join(env.dir, "extra.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`
models:
  - id: custom-birefnet
    name: Custom BiRefNet
    version: v3
    provider: fal
    endpoint: https://fal.run/fal-ai/birefnet/v2
    spec:
      requires_prompt: false
    tags: [segmentation]
    priority: 10
`), 0o644))

	out, err := env.run(t, "migrate", "--seed-file", seed)
	require.NoError(t, err)
	var info catalog.SchemaInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Contains(t, info.Tables, "models")
	assert.Contains(t, info.Tables, "processing_history")
	require.Len(t, info.Migrations, 2)
	require.Len(t, info.Seeds, 2)
	assert.Equal(t, "models.yaml", info.Seeds[0].Filename)
	assert.Equal(t, "extra.yaml", info.Seeds[1].Filename)

	out, err = env.run(t, "models", "show", "custom-birefnet")
	require.NoError(t, err)
	assert.Contains(t, out, `"Custom BiRefNet"`)
}

func TestRemoveCommand(t *testing.T) {
	env := newTestEnv(t, `
[selection]
max_fallback_hops = 1
`)

	_, err := env.run(t, "remove", filepath.Join(env.dir, "missing.png"))
	assert.ErrorContains(t, err, "failed to load image")

	img := filepath.Join(env.dir, "input.png")
	require.NoError(t, os.WriteFile(img, onePixelPNG(t), 0o644))

	// 没有 API key 时所有 fal 模型都失败
	_, err = env.run(t, "remove", img, "--model", "flux-kontext-lora-v2")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed after 2 attempt(s)"), err.Error())
	assert.ErrorContains(t, err, "missing API key")
}

func onePixelPNG(t *testing.T) []byte {
	t.Helper()
	data, err := util.EncodePNG(image.NewNRGBA(image.Rect(0, 0, 1, 1)))
	require.NoError(t, err)
	return data
}
