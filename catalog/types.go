// Package catalog 抠图后端的模型描述及其存储
package catalog

import (
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrModelNotFound = errors.New("model not found")

type MemoryUsage string

const (
	MemoryLow    MemoryUsage = "low"
	MemoryMedium MemoryUsage = "medium"
	MemoryHigh   MemoryUsage = "high"
)

const (
	defaultMaxResolution = "1024x1024"
	defaultOutputFormat  = "png"
	defaultDimension     = 1024
)

// ModelSpec 构造后端请求所用的模型参数
type ModelSpec struct {
	GuidanceScale       *float64    `json:"guidance_scale" yaml:"guidance_scale"`
	NumInferenceSteps   *int        `json:"num_inference_steps" yaml:"num_inference_steps"`
	SupportsAlpha       bool        `json:"supports_alpha" yaml:"supports_alpha"`
	MaxResolution       string      `json:"max_resolution" yaml:"max_resolution"`
	DefaultOutputFormat string      `json:"default_output_format" yaml:"default_output_format"`
	SupportsBatch       bool        `json:"supports_batch" yaml:"supports_batch"`
	MemoryUsage         MemoryUsage `json:"memory_usage" yaml:"memory_usage"`
	RequiresPrompt      bool        `json:"requires_prompt" yaml:"requires_prompt"`
}

// specDescriptor 与 ModelSpec 对应, 字段均为可选, 用于区分缺失和零值
type specDescriptor struct {
	GuidanceScale       *float64 `json:"guidance_scale" yaml:"guidance_scale"`
	NumInferenceSteps   *int     `json:"num_inference_steps" yaml:"num_inference_steps"`
	SupportsAlpha       *bool    `json:"supports_alpha" yaml:"supports_alpha"`
	MaxResolution       *string  `json:"max_resolution" yaml:"max_resolution"`
	DefaultOutputFormat *string  `json:"default_output_format" yaml:"default_output_format"`
	SupportsBatch       *bool    `json:"supports_batch" yaml:"supports_batch"`
	MemoryUsage         *string  `json:"memory_usage" yaml:"memory_usage" jsonschema:"enum=low,enum=medium,enum=high"`
	RequiresPrompt      *bool    `json:"requires_prompt" yaml:"requires_prompt"`
}

func (d specDescriptor) spec() ModelSpec {
	s := ModelSpec{
		GuidanceScale:       d.GuidanceScale,
		NumInferenceSteps:   d.NumInferenceSteps,
		SupportsAlpha:       true,
		MaxResolution:       defaultMaxResolution,
		DefaultOutputFormat: defaultOutputFormat,
		SupportsBatch:       false,
		MemoryUsage:         MemoryMedium,
		RequiresPrompt:      true,
	}
	if d.SupportsAlpha != nil {
		s.SupportsAlpha = *d.SupportsAlpha
	}
	if d.MaxResolution != nil {
		s.MaxResolution = *d.MaxResolution
	}
	if d.DefaultOutputFormat != nil {
		s.DefaultOutputFormat = *d.DefaultOutputFormat
	}
	if d.SupportsBatch != nil {
		s.SupportsBatch = *d.SupportsBatch
	}
	if d.MemoryUsage != nil {
		s.MemoryUsage = MemoryUsage(*d.MemoryUsage)
	}
	if d.RequiresPrompt != nil {
		s.RequiresPrompt = *d.RequiresPrompt
	}
	return s
}

// ParseSpec 解析 JSON 描述, 缺失字段取默认值
func ParseSpec(data []byte) (ModelSpec, error) {
	var d specDescriptor
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &d); err != nil {
			return specDescriptor{}.spec(), err
		}
	}
	return d.spec(), nil
}

func (s *ModelSpec) UnmarshalJSON(data []byte) error {
	spec, err := ParseSpec(data)
	if err != nil {
		return err
	}
	*s = spec
	return nil
}

// Steps 返回推理步数, 未设置时返回 def
func (s ModelSpec) Steps(def int) int {
	if s.NumInferenceSteps == nil {
		return def
	}
	return *s.NumInferenceSteps
}

// Dimensions 解析 MaxResolution ("WxH"), 格式错误时返回 1024x1024
func (s ModelSpec) Dimensions() (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s.MaxResolution)), "x")
	if !ok {
		return defaultDimension, defaultDimension
	}
	width, err1 := strconv.Atoi(strings.TrimSpace(w))
	height, err2 := strconv.Atoi(strings.TrimSpace(h))
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return defaultDimension, defaultDimension
	}
	return width, height
}

// ModelInfo 目录中的一个模型
type ModelInfo struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Version              string    `json:"version"`
	Provider             string    `json:"provider"`
	Endpoint             string    `json:"endpoint"`
	DatasetNotes         *string   `json:"dataset_notes"`
	Pros                 []string  `json:"pros"`
	Cons                 []string  `json:"cons"`
	Spec                 ModelSpec `json:"spec"`
	Tags                 []string  `json:"tags"`
	SupportsMarketplaces []string  `json:"supports_marketplaces"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	IsActive             bool      `json:"is_active"`
	Priority             int       `json:"priority"`
}

func (m *ModelInfo) HasTag(tag string) bool {
	return contains(m.Tags, tag)
}

func (m *ModelInfo) SupportsMarketplace(marketplace string) bool {
	return contains(m.SupportsMarketplaces, marketplace)
}

// DisplayName 返回 "name version", 用于选择说明
func (m *ModelInfo) DisplayName() string {
	return m.Name + " " + m.Version
}

// Filter 读取条件, 零值表示不限制
type Filter struct {
	ActiveOnly  bool
	ID          string
	Tag         string
	Marketplace string
}

func (f Filter) Match(m *ModelInfo) bool {
	if f.ActiveOnly && !m.IsActive {
		return false
	}
	if f.ID != "" && m.ID != f.ID {
		return false
	}
	if f.Tag != "" && !m.HasTag(f.Tag) {
		return false
	}
	if f.Marketplace != "" && !m.SupportsMarketplace(f.Marketplace) {
		return false
	}
	return true
}

// SortModels 按 priority 降序, name 升序, version 升序排序
func SortModels(models []ModelInfo) {
	sort.SliceStable(models, func(i, j int) bool {
		a, b := models[i], models[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Version < b.Version
	})
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

// dedupe 去重, 保留首次出现的顺序
func dedupe(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
