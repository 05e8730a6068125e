package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration against the struct validation tags and
// a few cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("invalid configuration: %s", describeFirst(verrs))
		}
		return err
	}

	// A fast-expiry tier slower than the active tier would make unused
	// sessions outlive used ones.
	if cfg.Sessions.UnusedGrace > cfg.Sessions.ActiveGrace {
		return fmt.Errorf("sessions.unused_grace (%s) must not exceed sessions.active_grace (%s)",
			cfg.Sessions.UnusedGrace, cfg.Sessions.ActiveGrace)
	}

	return nil
}

func describeFirst(verrs validator.ValidationErrors) string {
	if len(verrs) == 0 {
		return "unknown validation error"
	}
	e := verrs[0]
	return fmt.Sprintf("field %q failed %q validation (value: %v)", e.Namespace(), e.Tag(), e.Value())
}
