package selection

import (
	"encoding/json"

	"github.com/chaos-io/bgstudio/catalog"
)

// Reason 选择该模型的原因
type Reason string

const (
	ReasonUserChoice          Reason = "user_choice"
	ReasonAutoPolicy          Reason = "auto_policy"
	ReasonFallbackError       Reason = "fallback_error"
	ReasonFallbackUnavailable Reason = "fallback_unavailable"
	ReasonDefault             Reason = "default"
)

// Result 中 metadata 的键
const (
	MetaUserSpecified            = "user_specified"
	MetaModelAvailable           = "model_available"
	MetaUserSpecifiedUnavailable = "user_specified_unavailable"
	MetaMarketplaceFilter        = "marketplace_filter"
	MetaMarketplaceUnmatched     = "marketplace_unmatched"
	MetaImageComplexity          = "image_complexity"
	MetaFailedModel              = "failed_model"
	MetaErrorReason              = "error_reason"
	MetaFallbackPosition         = "fallback_position"
	MetaNoFallbackAvailable      = "no_fallback_available"
)

// Result 选择结果, 只有无模型可选时 Model 为 nil, 处理前需要检查
type Result struct {
	Model         *catalog.ModelInfo
	Reason        Reason
	Explanation   string
	FallbackChain []string
	Metadata      map[string]any
}

func (r Result) ModelID() string {
	if r.Model == nil {
		return ""
	}
	return r.Model.ID
}

type resultJSON struct {
	ModelID       *string            `json:"model_id"`
	ModelName     *string            `json:"model_name"`
	Reason        Reason             `json:"reason"`
	Explanation   string             `json:"explanation"`
	FallbackChain []string           `json:"fallback_chain"`
	Metadata      map[string]any     `json:"selection_metadata"`
	Model         *catalog.ModelInfo `json:"model"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Reason:        r.Reason,
		Explanation:   r.Explanation,
		FallbackChain: r.FallbackChain,
		Metadata:      r.Metadata,
		Model:         r.Model,
	}
	if out.FallbackChain == nil {
		out.FallbackChain = []string{}
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	if r.Model != nil {
		id, name := r.Model.ID, r.Model.DisplayName()
		out.ModelID, out.ModelName = &id, &name
	}
	return json.Marshal(out)
}

// LogAttrs 转为结构化日志字段
func (r Result) LogAttrs() []any {
	return []any{
		"model_id", r.ModelID(),
		"reason", string(r.Reason),
		"explanation", r.Explanation,
		"fallback_chain", r.FallbackChain,
	}
}
