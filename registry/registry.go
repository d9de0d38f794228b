// Package registry 模型目录的只读访问
//
// 存储错误不会返回给调用方, 只记录日志并返回空列表或 nil,
// 目录不可用时选择逻辑走 "no models available" 分支
package registry

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/chaos-io/bgstudio/catalog"
)

// Store 持久化的模型目录, 返回结果按 priority 降序, name 升序, version 升序
type Store interface {
	List(ctx context.Context, filter catalog.Filter) ([]catalog.ModelInfo, error)
}

type Registry struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock 设置 Summary.LastUpdated 使用的时钟
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) list(ctx context.Context, op string, filter catalog.Filter) []catalog.ModelInfo {
	models, err := r.store.List(ctx, filter)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to read model catalog", "op", op, "error", err)
		return []catalog.ModelInfo{}
	}
	if models == nil {
		return []catalog.ModelInfo{}
	}
	return models
}

// GetAllModels 返回全部模型, activeOnly 为 false 时包含未启用的模型
func (r *Registry) GetAllModels(ctx context.Context, activeOnly bool) []catalog.ModelInfo {
	return r.list(ctx, "get_all_models", catalog.Filter{ActiveOnly: activeOnly})
}

// GetModelByID 返回已启用的模型, 未启用和不存在都返回 nil
func (r *Registry) GetModelByID(ctx context.Context, id string) *catalog.ModelInfo {
	if id == "" {
		return nil
	}
	models := r.list(ctx, "get_model_by_id", catalog.Filter{ActiveOnly: true, ID: id})
	if len(models) == 0 {
		return nil
	}
	m := models[0]
	return &m
}

func (r *Registry) GetModelsByTag(ctx context.Context, tag string) []catalog.ModelInfo {
	return r.list(ctx, "get_models_by_tag", catalog.Filter{ActiveOnly: true, Tag: tag})
}

func (r *Registry) GetModelsByMarketplace(ctx context.Context, marketplace string) []catalog.ModelInfo {
	return r.list(ctx, "get_models_by_marketplace", catalog.Filter{ActiveOnly: true, Marketplace: marketplace})
}

// Summary 目录统计信息
type Summary struct {
	TotalModels   int       `json:"total_models"`
	ActiveModels  int       `json:"active_models"`
	Providers     []string  `json:"providers"`
	AvailableTags []string  `json:"available_tags"`
	LastUpdated   time.Time `json:"last_updated"`
}

// GetSummary 统计全部条目, providers 和 tags 只取已启用的模型
// 存储出错时返回零值
func (r *Registry) GetSummary(ctx context.Context) Summary {
	models, err := r.store.List(ctx, catalog.Filter{})
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to read model catalog", "op", "get_summary", "error", err)
		return Summary{}
	}

	providers := make(map[string]struct{})
	tags := make(map[string]struct{})
	s := Summary{TotalModels: len(models), LastUpdated: r.now()}
	for _, m := range models {
		if !m.IsActive {
			continue
		}
		s.ActiveModels++
		providers[m.Provider] = struct{}{}
		for _, t := range m.Tags {
			tags[t] = struct{}{}
		}
	}
	s.Providers = sortedKeys(providers)
	s.AvailableTags = sortedKeys(tags)
	return s
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
