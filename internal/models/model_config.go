package models

// ModelConfig is one configured upstream model (or model + credential pair) the scheduler may dispatch to.
// Configs are read-only to the scheduler; they are loaded from configuration at startup.
type ModelConfig struct {
	ID              string `toml:"id" json:"id" yaml:"id" validate:"required"`
	ProviderModelID string `toml:"provider_model_id" json:"provider_model_id" yaml:"provider_model_id" validate:"required"`
	DisplayName     string `toml:"display_name" json:"display_name" yaml:"display_name"`
	APIKey          string `toml:"api_key" json:"-" yaml:"api_key"`            // Optional per-model credential, overrides the provider key
	Priority        int    `toml:"priority" json:"priority" yaml:"priority"`   // Lower is tried first
	RPM             int    `toml:"rpm" json:"rpm" yaml:"rpm" validate:"gte=0"` // Requests per minute
	TPM             int    `toml:"tpm" json:"tpm" yaml:"tpm" validate:"gte=0"` // Tokens per minute
	RPD             int    `toml:"rpd" json:"rpd" yaml:"rpd" validate:"gte=0"` // Requests per day
	Enabled         bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// Name returns the display name, falling back to the id.
func (m ModelConfig) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.ID
}

// HasCapacity reports whether every limit is positive. A model with any zero limit can never be selected.
func (m ModelConfig) HasCapacity() bool {
	return m.RPM > 0 && m.TPM > 0 && m.RPD > 0
}
