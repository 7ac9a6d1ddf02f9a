// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidRequest is wrapped by every PanelRequest validation failure.
var ErrInvalidRequest = errors.New("invalid panel request")

// PanelRequest is the declarative input of one generation.
type PanelRequest struct {
	Prompt         string  `json:"prompt" yaml:"prompt" validate:"required"`
	NegativePrompt string  `json:"negative_prompt,omitempty" yaml:"negative_prompt,omitempty"`
	Width          int     `json:"width" yaml:"width" validate:"min=64,max=8192"`
	Height         int     `json:"height" yaml:"height" validate:"min=64,max=8192"`
	Steps          int     `json:"steps" yaml:"steps" validate:"min=1,max=200"`
	GuidanceScale  float64 `json:"guidance_scale" yaml:"guidance_scale" validate:"gt=0,lte=30"`

	// Seed selects the noise. Negative asks the compiler to pick one.
	Seed int64 `json:"seed" yaml:"seed"`

	// Checkpoint overrides the configured default checkpoint.
	Checkpoint string `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`

	Structure *StructureGuidance `json:"structure_guidance,omitempty" yaml:"structure_guidance,omitempty"`
	Reference *ReferenceAdapter  `json:"reference_adapter,omitempty" yaml:"reference_adapter,omitempty"`

	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// StructureGuidance steers composition with an auxiliary image run through
// a preprocessor chosen from the model name.
type StructureGuidance struct {
	Model    string  `json:"model" yaml:"model" validate:"required"`
	Image    string  `json:"image" yaml:"image" validate:"required"`
	Strength float64 `json:"strength" yaml:"strength" validate:"gt=0,lte=2"`
}

// ReferenceAdapter transfers the visual style of a reference image.
type ReferenceAdapter struct {
	Model  string  `json:"model" yaml:"model" validate:"required"`
	Image  string  `json:"image" yaml:"image" validate:"required"`
	Weight float64 `json:"weight" yaml:"weight" validate:"gt=0,lte=2"`
}

// DefaultPanelRequest returns a request with sensible sizes and sampling
// parameters. Prompt is left empty.
func DefaultPanelRequest() PanelRequest {
	return PanelRequest{
		Width:         1024,
		Height:        1024,
		Steps:         25,
		GuidanceScale: 7.0,
		Seed:          -1,
	}
}

// LoadPanelRequest reads a JSON request file, overlaying it on
// DefaultPanelRequest.
func LoadPanelRequest(path string) (PanelRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PanelRequest{}, fmt.Errorf("read panel request: %w", err)
	}
	req := DefaultPanelRequest()
	if err := json.Unmarshal(data, &req); err != nil {
		return PanelRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return req, nil
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
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

// Validate checks sizes, sampling parameters and the optional
// conditioning blocks. Width and height must also be multiples of 8.
//
// # Outputs
//
//   - error: nil, or an error wrapping ErrInvalidRequest that lists every
//     violation.
func (r PanelRequest) Validate() error {
	var problems []string

	if err := requestValidator().Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describe(fe))
		}
	}
	if r.Width%8 != 0 {
		problems = append(problems, fmt.Sprintf("width: must be a multiple of 8 (got %d)", r.Width))
	}
	if r.Height%8 != 0 {
		problems = append(problems, fmt.Sprintf("height: must be a multiple of 8 (got %d)", r.Height))
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + ": is required"
	case "min", "gte":
		return fmt.Sprintf("%s: must be at least %s (got %v)", field, fe.Param(), fe.Value())
	case "max", "lte":
		return fmt.Sprintf("%s: must be at most %s (got %v)", field, fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("%s: must be greater than %s (got %v)", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s: failed %s validation", field, fe.Tag())
	}
}
