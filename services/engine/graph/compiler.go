// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph compiles panel requests into engine job graphs and checks
// job graphs for structural integrity before submission.
package graph

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"

	"github.com/AleutianAI/PanelForge/services/engine/config"
)

// Compiler turns PanelRequests into JobGraphs.
//
// # Description
//
// Naming conventions (default checkpoint, output prefix, sampler and
// scheduler names) come from the engine configuration. Compile allocates
// node ids 1, 2, 3... afresh on every call, in dependency order, so a
// given request always yields the same graph apart from the metadata id
// and a randomly chosen seed.
//
// # Thread Safety
//
// Safe for concurrent use; Compile keeps no state between calls.
type Compiler struct {
	checkpoint   string
	outputPrefix string
	sampler      string
	scheduler    string
	seed         func() int64
	logger       *slog.Logger
}

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithSeedSource replaces the random seed source used for negative seeds.
func WithSeedSource(fn func() int64) CompilerOption {
	return func(c *Compiler) {
		if fn != nil {
			c.seed = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CompilerOption {
	return func(c *Compiler) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCompiler creates a compiler using cfg's naming conventions.
func NewCompiler(cfg config.Config, opts ...CompilerOption) *Compiler {
	c := &Compiler{
		checkpoint:   cfg.DefaultCheckpoint,
		outputPrefix: cfg.OutputPrefix,
		sampler:      cfg.SamplerName,
		scheduler:    cfg.Scheduler,
		seed:         func() int64 { return rand.Int64N(1 << 48) },
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "graph"))
	return c
}

// builder allocates sequential node ids.
type builder struct {
	g    *JobGraph
	next int
}

func (b *builder) add(kind, title string, inputs map[string]Input) string {
	b.next++
	id := strconv.Itoa(b.next)
	node := &Node{Kind: kind, Inputs: inputs}
	if title != "" {
		node.Meta = &NodeMeta{Title: title}
	}
	b.g.Nodes[id] = node
	return id
}

// Compile builds the job graph for req.
//
// # Description
//
// Emitted in order:
//
//  1. checkpoint loader
//  2. positive and negative text encoders
//  3. structure guidance, when configured: ControlNet loader, image
//     loader, preprocessor (when the model name matches a keyword) and an
//     apply node fed by the positive conditioning
//  4. reference adapter, when configured: adapter loader, image loader and
//     an apply node fed by the base model
//  5. empty latent sized to the request
//  6. sampler, taking its model from the adapter apply node and its
//     positive conditioning from the structure apply node when present
//  7. VAE decode and save
//
// # Outputs
//
//   - *JobGraph: reference-complete and acyclic.
//   - error: wraps ErrInvalidRequest when req fails Validate, or when no
//     checkpoint is configured or requested.
func (c *Compiler) Compile(req PanelRequest) (*JobGraph, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	checkpoint := req.Checkpoint
	if checkpoint == "" {
		checkpoint = c.checkpoint
	}
	if checkpoint == "" {
		return nil, fmt.Errorf("%w: no checkpoint requested or configured", ErrInvalidRequest)
	}

	seed := req.Seed
	if seed < 0 {
		seed = c.seed()
	}

	b := &builder{g: NewJobGraph()}

	loader := b.add(KindCheckpointLoader, "Load Checkpoint", map[string]Input{
		"ckpt_name": Literal(checkpoint),
	})
	positive := b.add(KindTextEncode, "Positive Prompt", map[string]Input{
		"text": Literal(req.Prompt),
		"clip": Link(loader, OutCLIP),
	})
	negative := b.add(KindTextEncode, "Negative Prompt", map[string]Input{
		"text": Literal(req.NegativePrompt),
		"clip": Link(loader, OutCLIP),
	})

	modelOut := Link(loader, OutModel)
	positiveOut := Link(positive, 0)
	tags := append([]string(nil), req.Tags...)

	if sg := req.Structure; sg != nil {
		cnLoader := b.add(KindControlNetLoader, "Load ControlNet", map[string]Input{
			"control_net_name": Literal(sg.Model),
		})
		image := b.add(KindLoadImage, "Structure Image", map[string]Input{
			"image": Literal(sg.Image),
		})
		hint := Link(image, 0)
		if kind, ok := PreprocessorFor(sg.Model); ok {
			pre := b.add(kind, "Preprocess", map[string]Input{
				"image":      hint,
				"resolution": Literal(min(req.Width, req.Height)),
			})
			hint = Link(pre, 0)
		} else {
			c.logger.Debug("no preprocessor matches structure model, using image directly",
				slog.String("model", sg.Model))
		}
		apply := b.add(KindControlNetApply, "Apply ControlNet", map[string]Input{
			"conditioning": positiveOut,
			"control_net":  Link(cnLoader, 0),
			"image":        hint,
			"strength":     Literal(sg.Strength),
		})
		positiveOut = Link(apply, 0)
		tags = append(tags, "structure-guidance")
	}

	if ra := req.Reference; ra != nil {
		adapterLoader := b.add(KindIPAdapterLoader, "Load IPAdapter", map[string]Input{
			"ipadapter_file": Literal(ra.Model),
		})
		image := b.add(KindLoadImage, "Reference Image", map[string]Input{
			"image": Literal(ra.Image),
		})
		apply := b.add(KindIPAdapterApply, "Apply IPAdapter", map[string]Input{
			"ipadapter": Link(adapterLoader, 0),
			"image":     Link(image, 0),
			"model":     modelOut,
			"weight":    Literal(ra.Weight),
		})
		modelOut = Link(apply, 0)
		tags = append(tags, "reference-adapter")
	}

	latent := b.add(KindEmptyLatent, "Empty Latent", map[string]Input{
		"width":      Literal(req.Width),
		"height":     Literal(req.Height),
		"batch_size": Literal(1),
	})
	sampler := b.add(KindSampler, "Sampler", map[string]Input{
		"model":        modelOut,
		"positive":     positiveOut,
		"negative":     Link(negative, 0),
		"latent_image": Link(latent, 0),
		"seed":         Literal(seed),
		"steps":        Literal(req.Steps),
		"cfg":          Literal(req.GuidanceScale),
		"sampler_name": Literal(c.sampler),
		"scheduler":    Literal(c.scheduler),
		"denoise":      Literal(1.0),
	})
	decode := b.add(KindVAEDecode, "Decode", map[string]Input{
		"samples": Link(sampler, 0),
		"vae":     Link(loader, OutVAE),
	})
	b.add(KindSaveImage, "Save", map[string]Input{
		"images":          Link(decode, 0),
		"filename_prefix": Literal(c.outputPrefix),
	})

	g := b.g
	g.Metadata.Tags = tags
	g.Metadata.Complexity = Complexity(g)

	c.logger.Debug("compiled panel request",
		slog.String("graph_id", g.Metadata.ID),
		slog.Int("nodes", len(g.Nodes)),
		slog.Float64("complexity", g.Metadata.Complexity))
	return g, nil
}

// Validate runs Validate and logs the findings.
func (c *Compiler) Validate(g *JobGraph) ValidationResult {
	result := Validate(g)
	for _, w := range result.Warnings {
		c.logger.Debug("graph warning", slog.String("code", string(w.Code)), slog.String("message", w.Message))
	}
	if !result.Valid {
		c.logger.Warn("graph failed validation",
			slog.Int("errors", len(result.Errors)),
			slog.String("first", result.Errors[0].Message))
	}
	return result
}
