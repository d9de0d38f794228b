package rembg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaos-io/bgstudio/catalog"
	"github.com/chaos-io/bgstudio/util"
	nhttp "github.com/chaos-io/bgstudio/util/http"
	"github.com/sony/gobreaker"
)

const (
	DefaultPrompt   = "remove background, place product on pure white background, keep shadows for realism, professional product photography"
	DefaultLoraPath = "https://v3.fal.media/files/rabbit/McQtMDl9HQ2cKh0_E-CrO_adapter_model.safetensors"

	tagLora = "lora"
)

type FalOptions struct {
	APIKey    string
	LoraPath  string
	LoraScale float64
	Prompt    string
	Timeout   time.Duration

	// 单个模型连续失败 BreakerFailures 次后熔断 BreakerCooldown, 为 0 时不熔断
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// FalRemover 调用 ModelInfo.Endpoint 指定的 fal.run 同步接口
type FalRemover struct {
	cli    nhttp.IClient
	opts   FalOptions
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

type FalOption func(*FalRemover)

func WithFalClient(cli nhttp.IClient) FalOption {
	return func(f *FalRemover) {
		f.cli = cli
	}
}

func WithFalLogger(l *slog.Logger) FalOption {
	return func(f *FalRemover) {
		if l != nil {
			f.logger = l
		}
	}
}

func NewFalRemover(opts FalOptions, fopts ...FalOption) *FalRemover {
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}
	if opts.LoraScale == 0 {
		opts.LoraScale = 1.0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	f := &FalRemover{
		cli:      nhttp.NewHTTPClientWithTimeout(opts.Timeout),
		opts:     opts,
		logger:   slog.Default(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, o := range fopts {
		o(f)
	}
	return f
}

type falImage struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
}

type falResponse struct {
	Images []falImage      `json:"images"`
	Image  json.RawMessage `json:"image"`
}

// imageURL 兼容 images[0].url, image.url 和 image 字符串
func (r *falResponse) imageURL() string {
	if len(r.Images) > 0 && r.Images[0].URL != "" {
		return r.Images[0].URL
	}
	if len(r.Image) == 0 {
		return ""
	}
	var img falImage
	if err := json.Unmarshal(r.Image, &img); err == nil && img.URL != "" {
		return img.URL
	}
	var s string
	if err := json.Unmarshal(r.Image, &s); err == nil {
		return s
	}
	return ""
}

func (f *FalRemover) Remove(ctx context.Context, model *catalog.ModelInfo, img image.Image) (image.Image, error) {
	if model == nil {
		return nil, ErrNoModel
	}
	if f.opts.APIKey == "" {
		return nil, fmt.Errorf("fal %s: %w", model.ID, ErrMissingAPIKey)
	}

	cb := f.breaker(model.ID)
	if cb == nil {
		return f.remove(ctx, model, img)
	}
	out, err := cb.Execute(func() (any, error) {
		return f.remove(ctx, model, img)
	})
	if err != nil {
		return nil, err
	}
	return out.(image.Image), nil
}

func (f *FalRemover) remove(ctx context.Context, model *catalog.ModelInfo, img image.Image) (image.Image, error) {
	dataURI, err := util.EncodeDataURI(img)
	if err != nil {
		return nil, err
	}

	resp := &falResponse{}
	reqParam := &nhttp.RequestParam{
		RequestURI: model.Endpoint,
		Method:     "POST",
		Header: map[string]string{
			"Authorization": "Key " + f.opts.APIKey,
			"Content-Type":  "application/json",
		},
		Body:     f.Payload(model, dataURI),
		Response: resp,
		Timeout:  f.opts.Timeout,
	}
	start := time.Now()
	if err := f.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("fal %s: %w", model.ID, err)
	}

	url := resp.imageURL()
	f.logger.DebugContext(ctx, "get the response", "model", model.ID, "elapsed", time.Since(start), "has_image", url != "")
	if url == "" {
		return nil, fmt.Errorf("fal %s: %w", model.ID, ErrNoResult)
	}

	out, err := util.DownloadImage(ctx, f.cli, url)
	if err != nil {
		return nil, fmt.Errorf("fal %s: %w", model.ID, err)
	}
	return out, nil
}

// Payload 根据模型参数构造请求体
func (f *FalRemover) Payload(model *catalog.ModelInfo, imageURL string) map[string]any {
	spec := model.Spec
	p := map[string]any{
		"image_url": imageURL,
	}
	if spec.DefaultOutputFormat != "" {
		p["output_format"] = strings.ToLower(spec.DefaultOutputFormat)
	}
	if spec.RequiresPrompt {
		p["prompt"] = f.opts.Prompt
		p["enable_safety_checker"] = false
		p["resolution_mode"] = "match_input"
	}
	if spec.GuidanceScale != nil {
		p["guidance_scale"] = *spec.GuidanceScale
	}
	if spec.NumInferenceSteps != nil {
		p["num_inference_steps"] = *spec.NumInferenceSteps
	}
	if model.HasTag(tagLora) && f.opts.LoraPath != "" {
		p["loras"] = []map[string]any{
			{"path": f.opts.LoraPath, "scale": f.opts.LoraScale},
		}
	}
	return p
}

func (f *FalRemover) breaker(modelID string) *gobreaker.CircuitBreaker {
	if f.opts.BreakerFailures == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[modelID]; ok {
		return cb
	}

	threshold := f.opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        modelID,
		MaxRequests: 1,
		Timeout:     f.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Warn("circuit state changed", "model", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	f.breakers[modelID] = cb
	return cb
}
