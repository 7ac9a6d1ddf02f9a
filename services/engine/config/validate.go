// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid engine configuration")

// ValidationError describes one violated rule.
type ValidationError struct {
	// Field is the on-disk key, e.g. "port".
	Field string

	// Rule is the validator tag that failed, e.g. "max".
	Rule string

	// Param is the tag parameter, e.g. "65535". Empty for parameterless rules.
	Param string

	// Value is the offending value.
	Value any
}

// Error implements error.
func (e ValidationError) Error() string {
	switch e.Rule {
	case "required":
		return fmt.Sprintf("%s: is required", e.Field)
	case "min":
		return fmt.Sprintf("%s: must be at least %s (got %v)", e.Field, e.Param, e.Value)
	case "max":
		return fmt.Sprintf("%s: must be at most %s (got %v)", e.Field, e.Param, e.Value)
	case "gt":
		return fmt.Sprintf("%s: must be greater than %s (got %v)", e.Field, e.Param, e.Value)
	case "gte":
		return fmt.Sprintf("%s: must not be negative (got %v)", e.Field, e.Value)
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s] (got %v)", e.Field, e.Param, e.Value)
	default:
		return fmt.Sprintf("%s: failed %s validation (got %v)", e.Field, e.Rule, e.Value)
	}
}

// ValidationErrors collects every violation found in one pass.
type ValidationErrors []ValidationError

// Error implements error.
func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInvalidConfig, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (v ValidationErrors) Unwrap() error { return ErrInvalidConfig }

// Fields returns the names of the failing fields in report order.
func (v ValidationErrors) Fields() []string {
	out := make([]string, len(v))
	for i, e := range v {
		out[i] = e.Field
	}
	return out
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Validate checks port range, positive timeouts, non-negative retry counts
// and the log level enum.
//
// # Outputs
//
//   - error: nil, or a ValidationErrors listing every violation. The error
//     satisfies errors.Is(err, ErrInvalidConfig).
func (c Config) Validate() error {
	err := structValidator().Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		value := fe.Value()
		if d, ok := value.(Duration); ok {
			value = d.String()
		}
		out = append(out, ValidationError{
			Field: fe.Field(),
			Rule:  fe.Tag(),
			Param: fe.Param(),
			Value: value,
		})
	}
	return out
}
