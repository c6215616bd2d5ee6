// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance; validator.Validate is safe for
// concurrent use and caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that required configuration is present and structurally
// valid, then applies the cross-field rules the tag language can't express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid config field %s: failed %q constraint", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Source.RetryBaseDelay > c.Source.RetryMaxDelay {
		return fmt.Errorf("source.retry_base_delay (%s) must not exceed source.retry_max_delay (%s)",
			c.Source.RetryBaseDelay, c.Source.RetryMaxDelay)
	}

	if c.Ledger.Path == c.Warehouse.DSN {
		return fmt.Errorf("ledger.path and warehouse.dsn must be distinct databases")
	}

	return nil
}

// asValidationErrors unwraps a validator.ValidationErrors from err.
func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	v, ok := err.(validator.ValidationErrors)
	if !ok {
		return false
	}
	*target = v
	return true
}
