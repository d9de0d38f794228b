package catalog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  func(t *testing.T, s ModelSpec)
	}{
		{
			name:  "空描述使用默认值",
			input: ``,
			want: func(t *testing.T, s ModelSpec) {
				assert.True(t, s.SupportsAlpha)
				assert.True(t, s.RequiresPrompt)
				assert.False(t, s.SupportsBatch)
				assert.Equal(t, "1024x1024", s.MaxResolution)
				assert.Equal(t, "png", s.DefaultOutputFormat)
				assert.Equal(t, MemoryMedium, s.MemoryUsage)
				assert.Nil(t, s.GuidanceScale)
				assert.Nil(t, s.NumInferenceSteps)
			},
		},
		{
			name:  "显式的false不会被默认值覆盖",
			input: `{"supports_alpha": false, "requires_prompt": false, "memory_usage": "low"}`,
			want: func(t *testing.T, s ModelSpec) {
				assert.False(t, s.SupportsAlpha)
				assert.False(t, s.RequiresPrompt)
				assert.Equal(t, MemoryLow, s.MemoryUsage)
			},
		},
		{
			name:  "保留可选数值",
			input: `{"guidance_scale": 3.5, "num_inference_steps": 50}`,
			want: func(t *testing.T, s ModelSpec) {
				require.NotNil(t, s.GuidanceScale)
				require.NotNil(t, s.NumInferenceSteps)
				assert.InDelta(t, 3.5, *s.GuidanceScale, 1e-9)
				assert.Equal(t, 50, *s.NumInferenceSteps)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := ParseSpec([]byte(tt.input))
			require.NoError(t, err)
			tt.want(t, s)
		})
	}
}

func TestParseSpec_Malformed(t *testing.T) {
	t.Parallel()

	s, err := ParseSpec([]byte(`{not json`))
	assert.Error(t, err)
	assert.True(t, s.SupportsAlpha)
	assert.Equal(t, "1024x1024", s.MaxResolution)
}

func TestModelSpec_RoundTrip(t *testing.T) {
	t.Parallel()

	var s ModelSpec
	require.NoError(t, json.Unmarshal([]byte(`{"num_inference_steps": 30}`), &s))

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Len(t, fields, 8)
	assert.Nil(t, fields["guidance_scale"])
	assert.EqualValues(t, 30, fields["num_inference_steps"])
	assert.Equal(t, true, fields["supports_alpha"])
	assert.Equal(t, true, fields["requires_prompt"])
	assert.Equal(t, "medium", fields["memory_usage"])

	var again ModelSpec
	require.NoError(t, json.Unmarshal(data, &again))
	assert.Equal(t, s, again)
}

func TestModelSpec_Dimensions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		resolution string
		w, h       int
	}{
		{"2048x1536", 2048, 1536},
		{" 512X512 ", 512, 512},
		{"", 1024, 1024},
		{"wide", 1024, 1024},
		{"0x100", 1024, 1024},
	}
	for _, tt := range tests {
		w, h := ModelSpec{MaxResolution: tt.resolution}.Dimensions()
		assert.Equal(t, tt.w, w, tt.resolution)
		assert.Equal(t, tt.h, h, tt.resolution)
	}
}

func TestFilter_Match(t *testing.T) {
	t.Parallel()

	m := &ModelInfo{ID: "a", IsActive: false, Tags: []string{"fast"}, SupportsMarketplaces: []string{"ozon"}}

	assert.True(t, Filter{}.Match(m))
	assert.False(t, Filter{ActiveOnly: true}.Match(m))
	assert.True(t, Filter{Tag: "fast", Marketplace: "ozon"}.Match(m))
	assert.False(t, Filter{Tag: "enhanced"}.Match(m))
	assert.False(t, Filter{Marketplace: "wildberries"}.Match(m))
	assert.False(t, Filter{ID: "b"}.Match(m))
}

func TestSortModels(t *testing.T) {
	t.Parallel()

	models := []ModelInfo{
		{ID: "c", Name: "B", Version: "v1", Priority: 10},
		{ID: "b", Name: "A", Version: "v2", Priority: 10},
		{ID: "a", Name: "A", Version: "v1", Priority: 10},
		{ID: "d", Name: "Z", Version: "v1", Priority: 99},
	}
	SortModels(models)

	var ids []string
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"d", "a", "b", "c"}, ids)
}
