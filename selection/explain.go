package selection

const PolicyVersion = "2.0"

// Explanation 选择规则的静态说明, 仅用于展示
type Explanation struct {
	PolicyVersion        string            `json:"policy_version"`
	DefaultFallbackChain []string          `json:"default_fallback_chain"`
	SelectionCriteria    SelectionCriteria `json:"selection_criteria"`
	FallbackLogic        FallbackLogic     `json:"fallback_logic"`
}

type SelectionCriteria struct {
	UserChoice    string        `json:"user_choice"`
	AutoSelection AutoSelection `json:"auto_selection"`
	PriorityBased string        `json:"priority_based"`
}

type AutoSelection struct {
	MarketplaceFilter  string          `json:"marketplace_filter"`
	SpeedPreference    string          `json:"speed_preference"`
	QualityPreference  string          `json:"quality_preference"`
	ComplexityBased    ComplexityBased `json:"complexity_based"`
	PreferenceOrdering []string        `json:"preference_ordering"`
}

type ComplexityBased struct {
	HighComplexity   string `json:"high_complexity"`
	LowComplexity    string `json:"low_complexity"`
	MediumComplexity string `json:"medium_complexity"`
}

type FallbackLogic struct {
	OnUserChoiceUnavailable string `json:"on_user_choice_unavailable"`
	OnModelFailure          string `json:"on_model_failure"`
	OnNoModels              string `json:"on_no_models"`
}

func (p *Policy) ExplainSelectionPolicy() Explanation {
	return Explanation{
		PolicyVersion:        PolicyVersion,
		DefaultFallbackChain: p.FallbackChain(),
		SelectionCriteria: SelectionCriteria{
			UserChoice: "Always preferred when specified and available",
			AutoSelection: AutoSelection{
				MarketplaceFilter: "Filter models supporting target marketplace; ignored when none match",
				SpeedPreference:   "Models with low or medium memory usage and ≤30 steps",
				QualityPreference: "Models with high-quality/enhanced tags or ≥40 steps",
				ComplexityBased: ComplexityBased{
					HighComplexity:   "Use enhanced/v2 models for complexity >0.7",
					LowComplexity:    "Use low-memory/v1 models for complexity <0.3",
					MediumComplexity: "Use highest priority available model",
				},
				PreferenceOrdering: []string{"speed", "quality", "complexity", "priority"},
			},
			PriorityBased: "Higher priority models preferred when criteria are equal",
		},
		FallbackLogic: FallbackLogic{
			OnUserChoiceUnavailable: "Fall back to auto-selection and record the unavailable choice",
			OnModelFailure:          "Move to next active model in fallback chain",
			OnNoModels:              "Return no model with explanation",
		},
	}
}
