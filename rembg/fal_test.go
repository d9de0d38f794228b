package rembg

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaos-io/bgstudio/catalog"
	"github.com/chaos-io/bgstudio/util"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T {
	return &v
}

func sampleImage() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 180, B: 20, A: 255})
		}
	}
	return img
}

func loraModel(endpoint string) *catalog.ModelInfo {
	return &catalog.ModelInfo{
		ID: "flux-kontext-lora-v2", Name: "FLUX Kontext LoRA", Version: "v2", Provider: ProviderFal,
		Endpoint: endpoint,
		Spec: catalog.ModelSpec{
			GuidanceScale: ptr(3.5), NumInferenceSteps: ptr(50), SupportsAlpha: true,
			MaxResolution: "1024x1024", DefaultOutputFormat: "png", MemoryUsage: catalog.MemoryHigh, RequiresPrompt: true,
		},
		Tags:     []string{"lora", "enhanced"},
		IsActive: true,
	}
}

func birefnetModel(endpoint string) *catalog.ModelInfo {
	return &catalog.ModelInfo{
		ID: "birefnet-fallback", Name: "BiRefNet", Version: "v1", Provider: ProviderFal,
		Endpoint: endpoint,
		Spec:     catalog.ModelSpec{SupportsAlpha: true, MaxResolution: "1024x1024", DefaultOutputFormat: "png", MemoryUsage: catalog.MemoryLow},
		Tags:     []string{"segmentation"},
		IsActive: true,
	}
}

// newFalServer 模拟 fal.run: /run 返回 JSON, /out.png 返回结果图片
func newFalServer(t *testing.T, respond func(base string) any, inspect func(r *http.Request, body map[string]any)) *httptest.Server {
	t.Helper()

	png, err := util.EncodePNG(sampleImage())
	require.NoError(t, err)

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/out.png":
			_, _ = w.Write(png)
		case "/run":
			body := map[string]any{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if inspect != nil {
				inspect(r, body)
			}
			_ = json.NewEncoder(w).Encode(respond(server.URL))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFalRemover_Remove_Lora(t *testing.T) {
	t.Parallel()

	server := newFalServer(t,
		func(base string) any {
			return map[string]any{"images": []map[string]any{{"url": base + "/out.png"}}}
		},
		func(r *http.Request, body map[string]any) {
			assert.Equal(t, "Key secret", r.Header.Get("Authorization"))
			assert.Contains(t, body["image_url"], "data:image/png;base64,")
			assert.Equal(t, DefaultPrompt, body["prompt"])
			assert.Equal(t, 3.5, body["guidance_scale"])
			assert.Equal(t, float64(50), body["num_inference_steps"])
			assert.Equal(t, "png", body["output_format"])
			assert.Equal(t, false, body["enable_safety_checker"])
			assert.Equal(t, "match_input", body["resolution_mode"])
			assert.Equal(t, []any{map[string]any{"path": DefaultLoraPath, "scale": 1.0}}, body["loras"])
		},
	)

	f := NewFalRemover(FalOptions{APIKey: "secret", LoraPath: DefaultLoraPath})
	out, err := f.Remove(context.Background(), loraModel(server.URL+"/run"), sampleImage())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), out.Bounds())
}

func TestFalRemover_Remove_Segmentation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		respond func(base string) any
	}{
		{
			name:    "image 对象",
			respond: func(base string) any { return map[string]any{"image": map[string]any{"url": base + "/out.png"}} },
		},
		{
			name:    "image 字符串",
			respond: func(base string) any { return map[string]any{"image": base + "/out.png"} },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := newFalServer(t, tt.respond, func(r *http.Request, body map[string]any) {
				assert.NotContains(t, body, "prompt")
				assert.NotContains(t, body, "loras")
				assert.NotContains(t, body, "guidance_scale")
				assert.NotContains(t, body, "num_inference_steps")
			})

			f := NewFalRemover(FalOptions{APIKey: "secret", LoraPath: DefaultLoraPath})
			out, err := f.Remove(context.Background(), birefnetModel(server.URL+"/run"), sampleImage())
			require.NoError(t, err)
			assert.NotNil(t, out)
		})
	}
}

func TestFalRemover_Remove_Errors(t *testing.T) {
	t.Parallel()

	f := NewFalRemover(FalOptions{})
	_, err := f.Remove(context.Background(), loraModel("http://127.0.0.1:1/run"), sampleImage())
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = NewFalRemover(FalOptions{APIKey: "k"}).Remove(context.Background(), nil, sampleImage())
	assert.ErrorIs(t, err, ErrNoModel)

	empty := newFalServer(t, func(string) any { return map[string]any{"images": []any{}} }, nil)
	_, err = NewFalRemover(FalOptions{APIKey: "k"}).Remove(context.Background(), loraModel(empty.URL+"/run"), sampleImage())
	assert.ErrorIs(t, err, ErrNoResult)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"detail": "overloaded"}`))
	}))
	defer failing.Close()
	_, err = NewFalRemover(FalOptions{APIKey: "k"}).Remove(context.Background(), loraModel(failing.URL), sampleImage())
	assert.ErrorContains(t, err, "HTTP request failed with status 503")
}

func TestFalRemover_CircuitBreaker(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	f := NewFalRemover(FalOptions{APIKey: "k", BreakerFailures: 2, BreakerCooldown: time.Minute})
	model := loraModel(failing.URL)

	for range 2 {
		_, err := f.Remove(context.Background(), model, sampleImage())
		assert.ErrorContains(t, err, "status 502")
	}
	_, err := f.Remove(context.Background(), model, sampleImage())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), calls.Load())

	other := birefnetModel(failing.URL)
	_, err = f.Remove(context.Background(), other, sampleImage())
	assert.ErrorContains(t, err, "status 502")
}

func TestFalRemover_Payload_NoLoraPath(t *testing.T) {
	t.Parallel()

	f := NewFalRemover(FalOptions{APIKey: "k", Prompt: "white background"})
	p := f.Payload(loraModel(""), "data:image/png;base64,AAAA")
	assert.Equal(t, "white background", p["prompt"])
	assert.NotContains(t, p, "loras")
}
