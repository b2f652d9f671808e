package stylealign

// Args selects which stages are shared when a Handler registers.
type Args struct {
	ShareGroupNorm bool `json:"share_group_norm" yaml:"share_group_norm"`
	ShareLayerNorm bool `json:"share_layer_norm" yaml:"share_layer_norm"`
	ShareAttention bool `json:"share_attention" yaml:"share_attention"`
	AdainQueries   bool `json:"adain_queries" yaml:"adain_queries"`
	AdainKeys      bool `json:"adain_keys" yaml:"adain_keys"`
	AdainValues    bool `json:"adain_values" yaml:"adain_values"`
	// FullAttentionShare lets every row attend to all rows of its half
	// instead of only the reference row.
	FullAttentionShare bool `json:"full_attention_share" yaml:"full_attention_share"`
	// SharedScoreScale multiplies the attention weight given to reference
	// keys; SharedScoreShift is added to their logits.
	SharedScoreScale float32 `json:"shared_score_scale" yaml:"shared_score_scale"`
	SharedScoreShift float32 `json:"shared_score_shift" yaml:"shared_score_shift"`
	// OnlySelfLevel is the fraction of self-attention stages, spread evenly
	// through the network, that keep the default processor. Cross-attention is
	// never shared.
	OnlySelfLevel float32 `json:"only_self_level" yaml:"only_self_level"`
}

// DefaultArgs shares every normalization and self-attention stage with AdaIN
// on queries, keys and values.
func DefaultArgs() Args {
	return Args{
		ShareGroupNorm:   true,
		ShareLayerNorm:   true,
		ShareAttention:   true,
		AdainQueries:     true,
		AdainKeys:        true,
		AdainValues:      true,
		SharedScoreScale: 1,
	}
}
