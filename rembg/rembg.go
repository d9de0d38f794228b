// Package rembg 调用目录中描述的远程后端抠图, 后端失败时沿回退链重试
package rembg

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/chaos-io/bgstudio/catalog"
)

var (
	ErrNoModel             = errors.New("no model available")
	ErrNoResult            = errors.New("backend returned no image")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrMissingAPIKey       = errors.New("missing API key")
)

const (
	ProviderFal     = "fal"
	ProviderComfyUI = "comfyui"
)

// Remover 用 model 对应的后端去除 img 的背景
type Remover interface {
	Remove(ctx context.Context, model *catalog.ModelInfo, img image.Image) (image.Image, error)
}

type RemoverFunc func(ctx context.Context, model *catalog.ModelInfo, img image.Image) (image.Image, error)

func (f RemoverFunc) Remove(ctx context.Context, model *catalog.ModelInfo, img image.Image) (image.Image, error) {
	return f(ctx, model, img)
}

// Router 按 ModelInfo.Provider 分发
type Router struct {
	removers map[string]Remover
}

func NewRouter() *Router {
	return &Router{removers: make(map[string]Remover)}
}

// Handle 注册 provider 对应的 Remover, 重复注册时覆盖
func (r *Router) Handle(provider string, rm Remover) *Router {
	r.removers[provider] = rm
	return r
}

func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.removers))
	for p := range r.removers {
		out = append(out, p)
	}
	return out
}

func (r *Router) Remove(ctx context.Context, model *catalog.ModelInfo, img image.Image) (image.Image, error) {
	if model == nil {
		return nil, ErrNoModel
	}
	rm, ok := r.removers[model.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q (model %s)", ErrUnsupportedProvider, model.Provider, model.ID)
	}
	return rm.Remove(ctx, model, img)
}
