package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks the configuration using struct tags plus the custom
// rules below.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules covers constraints that span fields.
func validateCustomRules(cfg *Config) error {
	// A chunk rides one DATA frame as base64 plus the JSON envelope, so it
	// must leave headroom under the frame limit.
	if int64(cfg.Server.ChunkSize) > int64(cfg.Server.MaxFrameSize)/2 {
		return fmt.Errorf("server.chunk_size (%d) must be at most half of server.max_frame_size (%d)",
			cfg.Server.ChunkSize, cfg.Server.MaxFrameSize)
	}

	if cfg.Server.MaxFileSize > 0 && int64(cfg.Server.ChunkSize) > cfg.Server.MaxFileSize {
		return fmt.Errorf("server.chunk_size (%d) exceeds server.max_file_size (%d)",
			cfg.Server.ChunkSize, cfg.Server.MaxFileSize)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}

	return nil
}

// formatValidationError turns validator's field errors into one readable
// message.
func formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	for _, fieldErr := range validationErrors {
		return fmt.Errorf("field %q failed validation: %s (value: %v)",
			fieldErr.Namespace(), fieldErr.Tag(), fieldErr.Value())
	}
	return err
}
