package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"chanfs/internal/chunk"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks struct tags first, then the rules that span sections.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	b := cfg.Backend
	if b.DataChannel == b.MetaChannel {
		return fmt.Errorf("backend: data_channel and meta_channel must differ (both %q)", b.DataChannel)
	}
	switch b.Type {
	case BackendDiscord:
		if b.Token == "" {
			return errors.New("backend: token is required for the discord backend")
		}
	case BackendLocal:
		if b.Database == "" {
			return errors.New("backend: database is required for the local backend")
		}
	}

	if cfg.Chunking.Size > b.MaxAttachmentSize {
		return fmt.Errorf("chunking: size %d exceeds backend max_attachment_size %d",
			cfg.Chunking.Size, b.MaxAttachmentSize)
	}
	if _, err := chunk.ParseCompression(cfg.Chunking.Compression); err != nil {
		return fmt.Errorf("chunking: %w", err)
	}

	if cfg.Encryption.Enabled {
		if _, err := cfg.Encryption.MasterKey(); err != nil {
			return fmt.Errorf("encryption: %w", err)
		}
		if cfg.Chunking.Size <= chunk.SealOverhead {
			return fmt.Errorf("chunking: size %d leaves no room for encryption overhead", cfg.Chunking.Size)
		}
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
