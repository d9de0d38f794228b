// Package selection 为请求选择抠图模型, 并在模型运行失败时给出替代模型
//
// 结果只取决于当前目录和固定的回退链, 策略不保存其他状态, 可并发使用
package selection

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/chaos-io/bgstudio/catalog"
)

// DefaultFallbackChain 降级顺序, 效果最好的模型在前
var DefaultFallbackChain = []string{
	"flux-kontext-lora-v2",
	"flux-kontext-lora-v1",
	"birefnet-fallback",
}

const (
	defaultSteps        = 30
	fastMaxSteps        = 30
	qualityMinSteps     = 40
	complexThreshold    = 0.7
	simpleThreshold     = 0.3
	tagHighQuality      = "high-quality"
	tagEnhanced         = "enhanced"
	versionRich         = "v2"
	versionLight        = "v1"
	noModelsExplanation = "No models available in registry"
)

// Catalog 模型 registry 的只读接口
type Catalog interface {
	GetAllModels(ctx context.Context, activeOnly bool) []catalog.ModelInfo
	GetModelByID(ctx context.Context, id string) *catalog.ModelInfo
	GetModelsByMarketplace(ctx context.Context, marketplace string) []catalog.ModelInfo
}

// Request 一次处理的用户意图和上下文提示, 零值表示未指定
type Request struct {
	UserModelID        string   `json:"model_id,omitempty"`
	Marketplace        string   `json:"marketplace,omitempty"`
	ImageComplexity    *float64 `json:"image_complexity,omitempty"`
	RequireFast        bool     `json:"require_fast,omitempty"`
	RequireHighQuality bool     `json:"require_high_quality,omitempty"`
}

type Policy struct {
	catalog Catalog
	chain   []string
	logger  *slog.Logger
}

type Option func(*Policy)

// WithFallbackChain 替换默认回退链, 空链忽略
func WithFallbackChain(ids []string) Option {
	return func(p *Policy) {
		if len(ids) > 0 {
			p.chain = slices.Clone(ids)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewPolicy(c Catalog, opts ...Option) *Policy {
	p := &Policy{
		catalog: c,
		chain:   slices.Clone(DefaultFallbackChain),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FallbackChain 返回当前回退链的副本
func (p *Policy) FallbackChain() []string {
	return slices.Clone(p.chain)
}

// SelectModel 选出一个模型
// 用户指定且已启用的模型优先, 否则自动选择, 并在 metadata 中记录不可用的指定模型
func (p *Policy) SelectModel(ctx context.Context, req Request) Result {
	var res Result
	switch {
	case req.UserModelID == "":
		res = p.autoSelect(ctx, req, map[string]any{})
	default:
		if m := p.catalog.GetModelByID(ctx, req.UserModelID); m != nil {
			res = Result{
				Model:         m,
				Reason:        ReasonUserChoice,
				Explanation:   fmt.Sprintf("User explicitly selected %s", m.DisplayName()),
				FallbackChain: []string{req.UserModelID},
				Metadata: map[string]any{
					MetaUserSpecified:  true,
					MetaModelAvailable: true,
				},
			}
			break
		}
		res = p.autoSelect(ctx, req, map[string]any{MetaUserSpecifiedUnavailable: req.UserModelID})
		if res.Model != nil {
			res.Reason = ReasonFallbackUnavailable
		}
		res.Explanation = fmt.Sprintf("Requested model %s is unavailable; %s", req.UserModelID, lowerFirst(res.Explanation))
	}

	p.logger.DebugContext(ctx, "model selected", res.LogAttrs()...)
	return res
}

func (p *Policy) autoSelect(ctx context.Context, req Request, meta map[string]any) Result {
	if req.ImageComplexity != nil {
		meta[MetaImageComplexity] = *req.ImageComplexity
	}

	all := p.catalog.GetAllModels(ctx, true)
	if len(all) == 0 {
		return Result{
			Reason:        ReasonDefault,
			Explanation:   noModelsExplanation,
			FallbackChain: []string{},
			Metadata:      meta,
		}
	}

	candidates := all
	if req.Marketplace != "" {
		if narrowed := p.catalog.GetModelsByMarketplace(ctx, req.Marketplace); len(narrowed) > 0 {
			candidates = narrowed
			meta[MetaMarketplaceFilter] = req.Marketplace
		} else {
			meta[MetaMarketplaceUnmatched] = req.Marketplace
		}
	}

	if m := choose(candidates, req); m != nil {
		return Result{
			Model:         m,
			Reason:        ReasonAutoPolicy,
			Explanation:   explain(m, req),
			FallbackChain: []string{m.ID},
			Metadata:      meta,
		}
	}
	return p.fallbackToDefault(ctx, meta)
}

// choose 依次按速度, 质量, 复杂度筛选, 无匹配时进入下一步, 最后取优先级最高的模型
func choose(models []catalog.ModelInfo, req Request) *catalog.ModelInfo {
	if len(models) == 0 {
		return nil
	}

	if req.RequireFast {
		if m := highestPriority(models, isFast); m != nil {
			return m
		}
	}
	if req.RequireHighQuality {
		if m := highestPriority(models, isHighQuality); m != nil {
			return m
		}
	}
	if c := req.ImageComplexity; c != nil {
		switch {
		case *c > complexThreshold:
			if m := highestPriority(models, suitsComplex); m != nil {
				return m
			}
		case *c < simpleThreshold:
			if m := highestPriority(models, suitsSimple); m != nil {
				return m
			}
		}
	}
	return highestPriority(models, nil)
}

func isFast(m *catalog.ModelInfo) bool {
	mem := m.Spec.MemoryUsage
	return (mem == catalog.MemoryLow || mem == catalog.MemoryMedium) && m.Spec.Steps(defaultSteps) <= fastMaxSteps
}

func isHighQuality(m *catalog.ModelInfo) bool {
	return m.HasTag(tagHighQuality) || m.HasTag(tagEnhanced) || m.Spec.Steps(defaultSteps) >= qualityMinSteps
}

func suitsComplex(m *catalog.ModelInfo) bool {
	return m.HasTag(tagEnhanced) || m.Version == versionRich
}

func suitsSimple(m *catalog.ModelInfo) bool {
	return m.Spec.MemoryUsage == catalog.MemoryLow || m.Version == versionLight
}

// highestPriority 返回 keep 接受的模型中优先级最高的第一个, keep 为 nil 时接受全部
func highestPriority(models []catalog.ModelInfo, keep func(*catalog.ModelInfo) bool) *catalog.ModelInfo {
	var best *catalog.ModelInfo
	for i := range models {
		m := &models[i]
		if keep != nil && !keep(m) {
			continue
		}
		if best == nil || m.Priority > best.Priority {
			best = m
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

func explain(m *catalog.ModelInfo, req Request) string {
	var reasons []string
	if req.RequireFast {
		reasons = append(reasons, "optimized for speed")
	}
	if req.RequireHighQuality {
		reasons = append(reasons, "optimized for quality")
	}
	if c := req.ImageComplexity; c != nil {
		switch {
		case *c > complexThreshold:
			reasons = append(reasons, "selected for complex image processing")
		case *c < simpleThreshold:
			reasons = append(reasons, "selected for simple image processing")
		}
	}
	if len(reasons) == 0 {
		reasons = append(reasons, fmt.Sprintf("highest priority model (priority: %d)", m.Priority))
	}
	return fmt.Sprintf("Auto-selected %s - %s", m.DisplayName(), strings.Join(reasons, ", "))
}

func (p *Policy) fallbackToDefault(ctx context.Context, meta map[string]any) Result {
	for _, id := range p.chain {
		if m := p.catalog.GetModelByID(ctx, id); m != nil {
			return Result{
				Model:         m,
				Reason:        ReasonDefault,
				Explanation:   fmt.Sprintf("Fallback to default model %s", m.DisplayName()),
				FallbackChain: p.FallbackChain(),
				Metadata:      meta,
			}
		}
	}
	return Result{
		Reason:        ReasonDefault,
		Explanation:   "No models available in fallback chain",
		FallbackChain: p.FallbackChain(),
		Metadata:      meta,
	}
}

// GetFallbackModel 返回回退链上 failedModelID 之后第一个已启用的模型
// 不在链上的模型从链首开始, 本身不重试
func (p *Policy) GetFallbackModel(ctx context.Context, failedModelID, errorReason string) Result {
	candidates := p.chain
	if i := slices.Index(p.chain, failedModelID); i >= 0 {
		candidates = p.chain[i+1:]
	}
	offset := len(p.chain) - len(candidates)

	for i, id := range candidates {
		m := p.catalog.GetModelByID(ctx, id)
		if m == nil {
			continue
		}
		res := Result{
			Model:         m,
			Reason:        ReasonFallbackError,
			Explanation:   fmt.Sprintf("Fallback from %s (%s) to %s", failedModelID, errorReason, m.DisplayName()),
			FallbackChain: slices.Clone(candidates),
			Metadata: map[string]any{
				MetaFailedModel:      failedModelID,
				MetaErrorReason:      errorReason,
				MetaFallbackPosition: offset + i + 1,
			},
		}
		p.logger.InfoContext(ctx, "fallback model selected", res.LogAttrs()...)
		return res
	}

	res := Result{
		Reason:        ReasonFallbackError,
		Explanation:   fmt.Sprintf("No fallback available after %s failure: %s", failedModelID, errorReason),
		FallbackChain: []string{},
		Metadata: map[string]any{
			MetaFailedModel:         failedModelID,
			MetaErrorReason:         errorReason,
			MetaNoFallbackAvailable: true,
		},
	}
	p.logger.WarnContext(ctx, "fallback chain exhausted", res.LogAttrs()...)
	return res
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
