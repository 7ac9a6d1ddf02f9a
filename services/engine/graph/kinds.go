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

import "strings"

// Node kinds emitted by the compiler. The names are the engine's class
// types.
const (
	KindCheckpointLoader = "CheckpointLoaderSimple"
	KindTextEncode       = "CLIPTextEncode"
	KindControlNetLoader = "ControlNetLoader"
	KindLoadImage        = "LoadImage"
	KindControlNetApply  = "ControlNetApply"
	KindIPAdapterLoader  = "IPAdapterModelLoader"
	KindIPAdapterApply   = "IPAdapterApply"
	KindEmptyLatent      = "EmptyLatentImage"
	KindSampler          = "KSampler"
	KindVAEDecode        = "VAEDecode"
	KindSaveImage        = "SaveImage"
	KindPreviewImage     = "PreviewImage"

	KindOpenposePreprocessor = "OpenposePreprocessor"
	KindDepthPreprocessor    = "MiDaS-DepthMapPreprocessor"
	KindLineArtPreprocessor  = "LineArtPreprocessor"
	KindCannyPreprocessor    = "CannyEdgePreprocessor"
	KindScribblePreprocessor = "ScribblePreprocessor"
	KindHEDPreprocessor      = "HEDPreprocessor"
)

// Output slots of CheckpointLoaderSimple.
const (
	OutModel = 0
	OutCLIP  = 1
	OutVAE   = 2
)

// RequiredKinds must each appear in every valid graph.
var RequiredKinds = []string{
	KindCheckpointLoader,
	KindSampler,
	KindVAEDecode,
	KindSaveImage,
}

// outputCounts is the number of output slots of each known kind.
var outputCounts = map[string]int{
	KindCheckpointLoader:     3,
	KindTextEncode:           1,
	KindControlNetLoader:     1,
	KindLoadImage:            2,
	KindControlNetApply:      1,
	KindIPAdapterLoader:      1,
	KindIPAdapterApply:       1,
	KindEmptyLatent:          1,
	KindSampler:              1,
	KindVAEDecode:            1,
	KindSaveImage:            0,
	KindPreviewImage:         0,
	KindOpenposePreprocessor: 1,
	KindDepthPreprocessor:    1,
	KindLineArtPreprocessor:  1,
	KindCannyPreprocessor:    1,
	KindScribblePreprocessor: 1,
	KindHEDPreprocessor:      1,
}

// KnownKind reports whether the compiler knows kind's output layout.
func KnownKind(kind string) bool {
	_, ok := outputCounts[kind]
	return ok
}

// isOutputKind reports whether kind is a terminal stage whose outputs
// nobody is expected to consume.
func isOutputKind(kind string) bool {
	return kind == KindSaveImage || kind == KindPreviewImage
}

// isGuidanceKind reports whether kind applies structure guidance or a
// reference adapter.
func isGuidanceKind(kind string) bool {
	return kind == KindControlNetApply || kind == KindIPAdapterApply
}

// Complexity weights. Unknown kinds weigh unknownWeight.
var kindWeights = map[string]float64{
	KindSampler:          3.0,
	KindControlNetApply:  2.5,
	KindIPAdapterApply:   2.5,
	KindCheckpointLoader: 1.0,
	KindControlNetLoader: 1.0,
	KindIPAdapterLoader:  1.0,
	KindVAEDecode:        1.0,
}

const (
	preprocessorWeight = 1.5
	defaultWeight      = 0.5
	unknownWeight      = 1.0
)

func weightOf(kind string) float64 {
	if w, ok := kindWeights[kind]; ok {
		return w
	}
	if isPreprocessorKind(kind) {
		return preprocessorWeight
	}
	if KnownKind(kind) {
		return defaultWeight
	}
	return unknownWeight
}

// preprocessors maps model-name keywords to preprocessor kinds. Order
// matters: the first entry with a matching keyword wins.
var preprocessors = []struct {
	keywords []string
	kind     string
}{
	{[]string{"openpose", "pose"}, KindOpenposePreprocessor},
	{[]string{"depth"}, KindDepthPreprocessor},
	{[]string{"lineart", "line"}, KindLineArtPreprocessor},
	{[]string{"canny"}, KindCannyPreprocessor},
	{[]string{"scribble"}, KindScribblePreprocessor},
	{[]string{"softedge", "hed"}, KindHEDPreprocessor},
}

// PreprocessorFor picks the preprocessor kind for a structure-guidance
// model name. ok is false when no keyword matches.
func PreprocessorFor(model string) (kind string, ok bool) {
	lower := strings.ToLower(model)
	for _, p := range preprocessors {
		for _, kw := range p.keywords {
			if strings.Contains(lower, kw) {
				return p.kind, true
			}
		}
	}
	return "", false
}

func isPreprocessorKind(kind string) bool {
	for _, p := range preprocessors {
		if p.kind == kind {
			return true
		}
	}
	return false
}
