package models

// ModelPricing holds USD rates per one million tokens for a provider model id
type ModelPricing struct {
	Model           string  `toml:"model" yaml:"model" json:"model"`
	InputPerMToken  float64 `toml:"input_per_mtoken" yaml:"input_per_mtoken" json:"input_per_mtoken"`
	OutputPerMToken float64 `toml:"output_per_mtoken" yaml:"output_per_mtoken" json:"output_per_mtoken"`
}

// Cost returns the estimated cost of a call with the given token counts
func (p ModelPricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*p.InputPerMToken + float64(outputTokens)/1_000_000*p.OutputPerMToken
}
