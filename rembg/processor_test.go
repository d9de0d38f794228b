package rembg

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chaos-io/bgstudio/catalog"
	"github.com/chaos-io/bgstudio/history"
	"github.com/chaos-io/bgstudio/registry"
	"github.com/chaos-io/bgstudio/selection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRecorder struct {
	mu      sync.Mutex
	entries []history.Entry
	err     error
}

func (r *memoryRecorder) Record(_ context.Context, e history.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return r.err
}

func newTestPolicy(models ...catalog.ModelInfo) *selection.Policy {
	if models == nil {
		models = catalog.DefaultSeed().Models
	}
	return selection.NewPolicy(registry.New(catalog.NewMemoryStore(models...)))
}

// failFor 对列出的模型返回错误, 其余原样返回输入
func failFor(calls *[]string, ids ...string) RemoverFunc {
	var mu sync.Mutex
	return func(_ context.Context, model *catalog.ModelInfo, img image.Image) (image.Image, error) {
		mu.Lock()
		*calls = append(*calls, model.ID)
		mu.Unlock()
		for _, id := range ids {
			if model.ID == id {
				return nil, errors.New(id + " unavailable")
			}
		}
		return img, nil
	}
}

func TestProcessor_Process(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		failing      []string
		wantModel    string
		wantCalls    []string
		wantReason   selection.Reason
		wantAttempts int
	}{
		{
			name:         "首选模型成功",
			wantModel:    "flux-kontext-lora-v2",
			wantCalls:    []string{"flux-kontext-lora-v2"},
			wantReason:   selection.ReasonUserChoice,
			wantAttempts: 1,
		},
		{
			name:         "回退一次",
			failing:      []string{"flux-kontext-lora-v2"},
			wantModel:    "flux-kontext-lora-v1",
			wantCalls:    []string{"flux-kontext-lora-v2", "flux-kontext-lora-v1"},
			wantReason:   selection.ReasonFallbackError,
			wantAttempts: 2,
		},
		{
			name:         "回退到分割模型",
			failing:      []string{"flux-kontext-lora-v2", "flux-kontext-lora-v1"},
			wantModel:    "birefnet-fallback",
			wantCalls:    []string{"flux-kontext-lora-v2", "flux-kontext-lora-v1", "birefnet-fallback"},
			wantReason:   selection.ReasonFallbackError,
			wantAttempts: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var calls []string
			rec := &memoryRecorder{}
			p := NewProcessor(newTestPolicy(), failFor(&calls, tt.failing...), WithRecorder(rec))

			res, err := p.Process(context.Background(), sampleImage(), Options{
				Request: selection.Request{UserModelID: "flux-kontext-lora-v2"},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantModel, res.Model.ID)
			assert.Equal(t, tt.wantCalls, calls)
			assert.Len(t, res.Attempts, tt.wantAttempts)
			assert.NotEmpty(t, res.JobID)
			assert.NotNil(t, res.Image)

			require.Len(t, rec.entries, 1)
			entry := rec.entries[0]
			assert.Equal(t, res.JobID, entry.JobID)
			assert.Equal(t, tt.wantModel, entry.ModelID)
			assert.Equal(t, string(tt.wantReason), entry.SelectionReason)
			assert.Equal(t, history.StatusSucceeded, entry.Status)
			assert.Equal(t, tt.wantAttempts, entry.Attempts)
		})
	}
}

func TestProcessor_Process_AllFail(t *testing.T) {
	t.Parallel()

	var calls []string
	rec := &memoryRecorder{}
	all := []string{"flux-kontext-lora-v2", "flux-kontext-lora-v1", "birefnet-fallback"}
	p := NewProcessor(newTestPolicy(), failFor(&calls, all...), WithRecorder(rec))

	_, err := p.Process(context.Background(), sampleImage(), Options{
		Request: selection.Request{UserModelID: "flux-kontext-lora-v2"},
	})
	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Len(t, perr.Attempts, 3)
	assert.Equal(t, "birefnet-fallback unavailable", perr.Err.Error())
	assert.Equal(t, all, calls)
	for _, a := range perr.Attempts {
		assert.NotEmpty(t, a.Error)
	}

	require.Len(t, rec.entries, 1)
	assert.Equal(t, history.StatusFailed, rec.entries[0].Status)
	assert.Contains(t, rec.entries[0].Error, "failed after 3 attempt(s)")
}

func TestProcessor_Process_MaxHops(t *testing.T) {
	t.Parallel()

	var calls []string
	p := NewProcessor(newTestPolicy(), failFor(&calls, "flux-kontext-lora-v2", "flux-kontext-lora-v1"),
		WithMaxFallbackHops(1))

	_, err := p.Process(context.Background(), sampleImage(), Options{
		Request: selection.Request{UserModelID: "flux-kontext-lora-v2"},
	})
	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{"flux-kontext-lora-v2", "flux-kontext-lora-v1"}, calls)

	calls = nil
	_, err = NewProcessor(newTestPolicy(), failFor(&calls, "flux-kontext-lora-v2"), WithMaxFallbackHops(0)).
		Process(context.Background(), sampleImage(), Options{
			Request: selection.Request{UserModelID: "flux-kontext-lora-v2"},
		})
	assert.Error(t, err)
	assert.Equal(t, []string{"flux-kontext-lora-v2"}, calls)
}

func TestProcessor_Process_OutsideChain(t *testing.T) {
	t.Parallel()

	models := catalog.DefaultSeed().Models
	for i := range models {
		if models[i].ID == "birefnet-comfyui" {
			models[i].IsActive = true
		}
	}
	var calls []string
	p := NewProcessor(newTestPolicy(models...),
		failFor(&calls, "birefnet-comfyui", "flux-kontext-lora-v2", "flux-kontext-lora-v1"))

	// 链外模型失败后从链首开始回退, 仍能走到 birefnet-fallback
	res, err := p.Process(context.Background(), sampleImage(), Options{
		Request: selection.Request{UserModelID: "birefnet-comfyui"},
	})
	require.NoError(t, err)
	assert.Equal(t, "birefnet-fallback", res.Model.ID)
	assert.Equal(t, []string{"birefnet-comfyui", "flux-kontext-lora-v2", "flux-kontext-lora-v1", "birefnet-fallback"}, calls)
	assert.Len(t, res.Attempts, 4)
}

func TestProcessor_Process_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls []string
	rm := RemoverFunc(func(ctx context.Context, model *catalog.ModelInfo, _ image.Image) (image.Image, error) {
		calls = append(calls, model.ID)
		cancel()
		return nil, ctx.Err()
	})
	rec := &memoryRecorder{}

	// 请求取消后不再尝试回退模型
	_, err := NewProcessor(newTestPolicy(), rm, WithRecorder(rec)).Process(ctx, sampleImage(), Options{
		Request: selection.Request{UserModelID: "flux-kontext-lora-v2"},
	})
	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, perr.Attempts, 1)
	assert.Equal(t, []string{"flux-kontext-lora-v2"}, calls)
}

func TestProcessor_Process_NoModel(t *testing.T) {
	t.Parallel()

	rec := &memoryRecorder{}
	var calls []string
	p := NewProcessor(newTestPolicy([]catalog.ModelInfo{}...), failFor(&calls), WithRecorder(rec))

	_, err := p.Process(context.Background(), sampleImage(), Options{})
	assert.ErrorIs(t, err, ErrNoModel)
	assert.ErrorContains(t, err, "No models available in registry")
	assert.Empty(t, calls)

	require.Len(t, rec.entries, 1)
	assert.Equal(t, history.StatusFailed, rec.entries[0].Status)
	assert.Empty(t, rec.entries[0].ModelID)
}

func TestProcessor_Process_CanvasAndSave(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var calls []string
	rec := &memoryRecorder{err: errors.New("disk full")}
	p := NewProcessor(newTestPolicy(), failFor(&calls), WithRecorder(rec), WithCanvas(Canvas{Size: 64, Margin: 4}))

	complexity := 0.5
	res, err := p.Process(context.Background(), sampleImage(), Options{
		Request:   selection.Request{ImageComplexity: &complexity},
		Canvas:    true,
		OutputDir: filepath.Join(dir, "out"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.Complexity)
	assert.Equal(t, image.Rect(0, 0, 64, 64), res.Image.Bounds())
	assert.Equal(t, filepath.Join(dir, "out", res.JobID+"_nobg.png"), res.OutputPath)

	_, err = os.Stat(res.OutputPath)
	assert.NoError(t, err)
	// 记录失败不影响结果
	assert.Len(t, rec.entries, 1)
}

func TestProcessor_Process_NilResult(t *testing.T) {
	t.Parallel()

	nothing := RemoverFunc(func(context.Context, *catalog.ModelInfo, image.Image) (image.Image, error) {
		return nil, nil
	})
	_, err := NewProcessor(newTestPolicy(), nothing).Process(context.Background(), sampleImage(), Options{})
	assert.ErrorIs(t, err, ErrNoResult)
}
