package config

import (
	"fmt"
	"os"
)

// Validate checks the configuration for consistency. It is called by Load
// so invalid settings are rejected synchronously, before any pipeline work
// begins.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name must not be empty", ErrInvalidModelName)
	}

	if c.Provider == "gemini" && os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY not set for gemini provider", ErrMissingAPIKey)
	}

	if err := c.Retrieval.validate(); err != nil {
		return err
	}

	if c.MergeWindow < 0 {
		return fmt.Errorf("%w: merge_window must not be negative", ErrInvalidInterval)
	}
	if c.DeliveryInterval <= 0 {
		return fmt.Errorf("%w: delivery_interval must be positive", ErrInvalidInterval)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("%w: history_limit must be positive", ErrInvalidLimit)
	}
	if c.ReconcileBatchSize <= 0 {
		return fmt.Errorf("%w: reconcile_batch_size must be positive", ErrInvalidLimit)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: postgres_host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: postgres_port %d out of range", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: postgres_db_name must not be empty", ErrInvalidPostgresDBName)
	}

	return nil
}

func (r *RetrievalConfig) validate() error {
	thresholds := map[string]float64{
		"persona_threshold":      r.PersonaThreshold,
		"abbreviation_threshold": r.AbbreviationThreshold,
		"script_threshold":       r.ScriptThreshold,
		"script_force_threshold": r.ScriptForceThreshold,
		"fallback_score":         r.FallbackScore,
	}
	for name, v := range thresholds {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s=%v must be in [0,1]", ErrInvalidThreshold, name, v)
		}
	}

	// The force tier must sit strictly above the base tier, otherwise every
	// base hit would be treated as a verbatim override.
	if r.ScriptForceThreshold <= r.ScriptThreshold {
		return fmt.Errorf("%w: script_force_threshold (%v) must be strictly greater than script_threshold (%v)",
			ErrInvalidThreshold, r.ScriptForceThreshold, r.ScriptThreshold)
	}

	if r.AbbreviationLimit <= 0 || r.ScriptLimit <= 0 || r.SnippetCap <= 0 {
		return fmt.Errorf("%w: limits must be positive", ErrInvalidLimit)
	}

	return nil
}
