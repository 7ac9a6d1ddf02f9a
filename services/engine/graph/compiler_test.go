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
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/PanelForge/services/engine/config"
)

func newTestCompiler() *Compiler {
	return NewCompiler(config.Default(), WithSeedSource(func() int64 { return 1234 }))
}

func baseRequest() PanelRequest {
	req := DefaultPanelRequest()
	req.Prompt = "a lighthouse on a cliff, ink panel"
	req.NegativePrompt = "blurry"
	req.Seed = 42
	return req
}

func kindsInOrder(g *JobGraph) []string {
	ids := g.NodeIDs()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = g.Nodes[id].Kind
	}
	return out
}

// =============================================================================
// Compile
// =============================================================================

func TestCompile_Basic(t *testing.T) {
	g, err := newTestCompiler().Compile(baseRequest())
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7"}, g.NodeIDs())
	assert.Equal(t, []string{
		KindCheckpointLoader, KindTextEncode, KindTextEncode,
		KindEmptyLatent, KindSampler, KindVAEDecode, KindSaveImage,
	}, kindsInOrder(g))

	loader := g.Nodes["1"]
	assert.Equal(t, "sd_xl_base_1.0.safetensors", loader.Inputs["ckpt_name"].Value)

	sampler := g.Nodes["5"]
	assert.Equal(t, Ref{NodeID: "1", Output: OutModel}, *sampler.Inputs["model"].Ref)
	assert.Equal(t, Ref{NodeID: "2", Output: 0}, *sampler.Inputs["positive"].Ref)
	assert.Equal(t, Ref{NodeID: "3", Output: 0}, *sampler.Inputs["negative"].Ref)
	assert.Equal(t, Ref{NodeID: "4", Output: 0}, *sampler.Inputs["latent_image"].Ref)
	assert.Equal(t, int64(42), sampler.Inputs["seed"].Value)
	assert.Equal(t, 25, sampler.Inputs["steps"].Value)
	assert.Equal(t, "euler", sampler.Inputs["sampler_name"].Value)
	assert.Equal(t, "normal", sampler.Inputs["scheduler"].Value)

	assert.Equal(t, Ref{NodeID: "1", Output: OutVAE}, *g.Nodes["6"].Inputs["vae"].Ref)
	assert.Equal(t, "panelforge", g.Nodes["7"].Inputs["filename_prefix"].Value)

	assert.NotEmpty(t, g.Metadata.ID)
	assert.Greater(t, g.Metadata.Complexity, 0.0)
}

func TestCompile_StructureGuidance(t *testing.T) {
	req := baseRequest()
	req.Structure = &StructureGuidance{Model: "control_v11p_sd15_openpose.pth", Image: "pose.png", Strength: 0.8}

	g, err := newTestCompiler().Compile(req)
	require.NoError(t, err)

	assert.Equal(t, []string{
		KindCheckpointLoader, KindTextEncode, KindTextEncode,
		KindControlNetLoader, KindLoadImage, KindOpenposePreprocessor, KindControlNetApply,
		KindEmptyLatent, KindSampler, KindVAEDecode, KindSaveImage,
	}, kindsInOrder(g))

	apply := g.Nodes["7"]
	assert.Equal(t, "2", apply.Inputs["conditioning"].Ref.NodeID)
	assert.Equal(t, "4", apply.Inputs["control_net"].Ref.NodeID)
	assert.Equal(t, "6", apply.Inputs["image"].Ref.NodeID)
	assert.Equal(t, 0.8, apply.Inputs["strength"].Value)

	sampler := g.Nodes["9"]
	assert.Equal(t, "7", sampler.Inputs["positive"].Ref.NodeID, "positive re-pointed to apply node")
	assert.Equal(t, "1", sampler.Inputs["model"].Ref.NodeID)
	assert.Contains(t, g.Metadata.Tags, "structure-guidance")
}

func TestCompile_StructureGuidanceWithoutPreprocessor(t *testing.T) {
	req := baseRequest()
	req.Structure = &StructureGuidance{Model: "control_v11e_sd15_ip2p.pth", Image: "ref.png", Strength: 1}

	g, err := newTestCompiler().Compile(req)
	require.NoError(t, err)

	apply := g.Nodes[g.NodesOfKind(KindControlNetApply)[0]]
	image := g.NodesOfKind(KindLoadImage)[0]
	assert.Equal(t, image, apply.Inputs["image"].Ref.NodeID, "image feeds apply directly")
}

func TestCompile_ReferenceAdapter(t *testing.T) {
	req := baseRequest()
	req.Reference = &ReferenceAdapter{Model: "ip-adapter_sdxl.safetensors", Image: "style.png", Weight: 0.6}

	g, err := newTestCompiler().Compile(req)
	require.NoError(t, err)

	assert.Equal(t, []string{
		KindCheckpointLoader, KindTextEncode, KindTextEncode,
		KindIPAdapterLoader, KindLoadImage, KindIPAdapterApply,
		KindEmptyLatent, KindSampler, KindVAEDecode, KindSaveImage,
	}, kindsInOrder(g))

	apply := g.Nodes["6"]
	assert.Equal(t, Ref{NodeID: "1", Output: OutModel}, *apply.Inputs["model"].Ref)
	sampler := g.Nodes["8"]
	assert.Equal(t, "6", sampler.Inputs["model"].Ref.NodeID, "model re-pointed to adapter")
	assert.Equal(t, "2", sampler.Inputs["positive"].Ref.NodeID)
}

func TestCompile_BothChains(t *testing.T) {
	req := baseRequest()
	req.Structure = &StructureGuidance{Model: "depth-zoe", Image: "d.png", Strength: 1}
	req.Reference = &ReferenceAdapter{Model: "ip-adapter", Image: "s.png", Weight: 1}

	g, err := newTestCompiler().Compile(req)
	require.NoError(t, err)

	sampler := g.Nodes[g.NodesOfKind(KindSampler)[0]]
	assert.Equal(t, KindIPAdapterApply, g.Nodes[sampler.Inputs["model"].Ref.NodeID].Kind)
	assert.Equal(t, KindControlNetApply, g.Nodes[sampler.Inputs["positive"].Ref.NodeID].Kind)
	assert.Equal(t, 1, g.CountKind(KindDepthPreprocessor))

	res := Validate(g)
	assert.True(t, res.Valid, "%v", res.Errors)
	assert.Empty(t, res.Warnings)
}

func TestCompile_IDsResetPerCall(t *testing.T) {
	c := newTestCompiler()
	g1, err := c.Compile(baseRequest())
	require.NoError(t, err)
	g2, err := c.Compile(baseRequest())
	require.NoError(t, err)

	assert.Equal(t, g1.NodeIDs(), g2.NodeIDs())
	assert.NotEqual(t, g1.Metadata.ID, g2.Metadata.ID)

	b1, _ := json.Marshal(g1)
	b2, _ := json.Marshal(g2)
	assert.JSONEq(t, string(b1), string(b2))
}

func TestCompile_RandomSeed(t *testing.T) {
	req := baseRequest()
	req.Seed = -1
	g, err := newTestCompiler().Compile(req)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), g.Nodes["5"].Inputs["seed"].Value)
}

func TestCompile_CheckpointOverride(t *testing.T) {
	req := baseRequest()
	req.Checkpoint = "anything-v5.safetensors"
	g, err := newTestCompiler().Compile(req)
	require.NoError(t, err)
	assert.Equal(t, "anything-v5.safetensors", g.Nodes["1"].Inputs["ckpt_name"].Value)
}

func TestCompile_NoCheckpoint(t *testing.T) {
	cfg := config.Default()
	cfg.DefaultCheckpoint = ""
	_, err := NewCompiler(cfg).Compile(baseRequest())
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCompile_RejectsInvalidRequest(t *testing.T) {
	req := baseRequest()
	req.Prompt = ""
	_, err := newTestCompiler().Compile(req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPanelRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PanelRequest)
		wantErr string
	}{
		{name: "valid", mutate: func(*PanelRequest) {}},
		{name: "missing prompt", mutate: func(r *PanelRequest) { r.Prompt = "" }, wantErr: "prompt: is required"},
		{name: "too small", mutate: func(r *PanelRequest) { r.Width = 32 }, wantErr: "width: must be at least 64"},
		{name: "not multiple of 8", mutate: func(r *PanelRequest) { r.Height = 1001 }, wantErr: "height: must be a multiple of 8"},
		{name: "zero steps", mutate: func(r *PanelRequest) { r.Steps = 0 }, wantErr: "steps"},
		{name: "zero guidance", mutate: func(r *PanelRequest) { r.GuidanceScale = 0 }, wantErr: "guidance_scale"},
		{
			name: "structure without image",
			mutate: func(r *PanelRequest) {
				r.Structure = &StructureGuidance{Model: "canny", Strength: 1}
			},
			wantErr: "structure_guidance.image: is required",
		},
		{
			name: "adapter weight out of range",
			mutate: func(r *PanelRequest) {
				r.Reference = &ReferenceAdapter{Model: "m", Image: "i", Weight: 5}
			},
			wantErr: "reference_adapter.weight: must be at most 2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadPanelRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "panel.json")
	body := `{"prompt": "robot reading", "steps": 30, "structure_guidance": {"model": "lineart", "image": "l.png", "strength": 0.7}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	req, err := LoadPanelRequest(path)
	require.NoError(t, err)
	assert.Equal(t, "robot reading", req.Prompt)
	assert.Equal(t, 30, req.Steps)
	assert.Equal(t, 1024, req.Width, "defaults kept")
	require.NotNil(t, req.Structure)
	assert.Equal(t, 0.7, req.Structure.Strength)

	_, err = LoadPanelRequest(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestPreprocessorFor(t *testing.T) {
	tests := []struct {
		model string
		want  string
		ok    bool
	}{
		{"control_v11p_sd15_openpose", KindOpenposePreprocessor, true},
		{"thibaud_xl_POSE", KindOpenposePreprocessor, true},
		{"control_v11f1p_sd15_depth", KindDepthPreprocessor, true},
		{"control_v11p_sd15_lineart", KindLineArtPreprocessor, true},
		{"mistoLine_rank256", KindLineArtPreprocessor, true},
		{"diffusers_xl_canny_full", KindCannyPreprocessor, true},
		{"control_v11p_sd15_scribble", KindScribblePreprocessor, true},
		{"control_v11p_sd15_softedge", KindHEDPreprocessor, true},
		{"control_v11e_sd15_shuffle", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, ok := PreprocessorFor(tt.model)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Properties
// =============================================================================

func randomRequest(r *rand.Rand) PanelRequest {
	req := DefaultPanelRequest()
	req.Prompt = fmt.Sprintf("panel %d", r.IntN(1000))
	req.Width = 64 + 8*r.IntN(240)
	req.Height = 64 + 8*r.IntN(240)
	req.Steps = 1 + r.IntN(100)
	req.GuidanceScale = 0.5 + r.Float64()*20
	req.Seed = r.Int64N(1 << 40)
	models := []string{"openpose", "depth", "lineart", "canny", "scribble", "hed", "tile"}
	if r.IntN(2) == 0 {
		req.Structure = &StructureGuidance{
			Model:    models[r.IntN(len(models))],
			Image:    "s.png",
			Strength: 0.1 + r.Float64(),
		}
	}
	if r.IntN(2) == 0 {
		req.Reference = &ReferenceAdapter{Model: "ip", Image: "r.png", Weight: 0.1 + r.Float64()}
	}
	return req
}

func TestProperty_CompiledGraphsValidate(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	c := newTestCompiler()

	for i := 0; i < 200; i++ {
		req := randomRequest(r)
		require.NoError(t, req.Validate(), "generator produced invalid request %+v", req)

		g, err := c.Compile(req)
		require.NoError(t, err)

		res := Validate(g)
		require.True(t, res.Valid, "request %+v: %v", req, res.Errors)
		for _, kind := range RequiredKinds {
			assert.Equal(t, 1, g.CountKind(kind), "kind %s", kind)
		}
		assert.Greater(t, res.EstimatedSeconds, 0.0)
	}
}

func TestProperty_DanglingReferenceDetected(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 5))
	c := newTestCompiler()

	for i := 0; i < 100; i++ {
		g, err := c.Compile(randomRequest(r))
		require.NoError(t, err)

		ids := g.NodeIDs()
		victim := ids[r.IntN(len(ids))]
		g.Nodes[victim].Inputs["injected"] = Link("999", 0)

		res := Validate(g)
		assert.False(t, res.Valid)
		require.True(t, res.HasError(CodeDanglingRef))
		found := false
		for _, e := range res.Errors {
			if e.Code == CodeDanglingRef {
				assert.Equal(t, victim, e.NodeID)
				assert.Equal(t, "injected", e.Input)
				assert.Contains(t, e.Message, "999")
				found = true
			}
		}
		assert.True(t, found)
	}
}

func TestProperty_CycleReportedOnce(t *testing.T) {
	r := rand.New(rand.NewPCG(9, 1))
	c := newTestCompiler()

	for i := 0; i < 100; i++ {
		g, err := c.Compile(randomRequest(r))
		require.NoError(t, err)

		// Wire the loader back to the save node's upstream decode, and the
		// encoder back to the sampler: two back edges, one cycle report.
		loader := g.NodesOfKind(KindCheckpointLoader)[0]
		decode := g.NodesOfKind(KindVAEDecode)[0]
		sampler := g.NodesOfKind(KindSampler)[0]
		g.Nodes[loader].Inputs["loop"] = Link(decode, 0)
		g.Nodes[g.NodesOfKind(KindTextEncode)[0]].Inputs["loop"] = Link(sampler, 0)

		res := Validate(g)
		assert.False(t, res.Valid)
		cycles := 0
		for _, e := range res.Errors {
			if e.Code == CodeCycle {
				cycles++
				assert.Contains(t, e.Message, "circular dependency")
			}
		}
		assert.Equal(t, 1, cycles)
	}
}

func TestProperty_EstimateMonotonic(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		c := r.Float64() * 40
		s := r.IntN(150)
		gs := r.IntN(5)
		base := EstimateSeconds(c, s, gs)

		assert.GreaterOrEqual(t, EstimateSeconds(c+r.Float64()*5, s, gs), base)
		assert.GreaterOrEqual(t, EstimateSeconds(c, s+1+r.IntN(10), gs), base)
		assert.GreaterOrEqual(t, EstimateSeconds(c, s, gs+1), base)
	}
}

func TestProperty_ComplexityGrowsWithNodes(t *testing.T) {
	c := newTestCompiler()
	plain, err := c.Compile(baseRequest())
	require.NoError(t, err)

	req := baseRequest()
	req.Structure = &StructureGuidance{Model: "canny", Image: "c.png", Strength: 1}
	guided, err := c.Compile(req)
	require.NoError(t, err)

	req.Reference = &ReferenceAdapter{Model: "ip", Image: "r.png", Weight: 1}
	both, err := c.Compile(req)
	require.NoError(t, err)

	assert.Less(t, Complexity(plain), Complexity(guided))
	assert.Less(t, Complexity(guided), Complexity(both))

	resPlain, resBoth := Validate(plain), Validate(both)
	assert.Less(t, resPlain.EstimatedSeconds, resBoth.EstimatedSeconds)
}
