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
	"slices"
	"strings"
)

// ErrInvalidGraph is wrapped by ValidationResult.Err.
var ErrInvalidGraph = errors.New("invalid job graph")

// IssueCode identifies a class of validation finding.
type IssueCode string

const (
	// Errors.
	CodeEmptyGraph    IssueCode = "empty_graph"
	CodeMissingStage  IssueCode = "missing_stage"
	CodeDanglingRef   IssueCode = "dangling_reference"
	CodeCycle         IssueCode = "circular_dependency"
	CodeInvalidOutput IssueCode = "invalid_output_index"
	CodeNilNode       IssueCode = "nil_node"

	// Warnings.
	CodeUnknownKind    IssueCode = "unknown_kind"
	CodeOutputRange    IssueCode = "output_out_of_range"
	CodeDuplicateStage IssueCode = "duplicate_stage"
	CodeOrphanNode     IssueCode = "orphan_node"
)

// ValidationIssue is one finding. NodeID and Input are empty for
// graph-level findings.
type ValidationIssue struct {
	Code    IssueCode `json:"code"`
	NodeID  string    `json:"node_id,omitempty"`
	Input   string    `json:"input,omitempty"`
	Message string    `json:"message"`
}

// Error implements error.
func (i ValidationIssue) Error() string { return i.Message }

// ValidationResult is the outcome of Validate.
type ValidationResult struct {
	Valid            bool              `json:"valid"`
	Errors           []ValidationIssue `json:"errors"`
	Warnings         []ValidationIssue `json:"warnings"`
	Complexity       float64           `json:"complexity_score"`
	EstimatedSeconds float64           `json:"estimated_seconds"`
}

// HasError reports whether an error with the given code was found.
func (r ValidationResult) HasError(code IssueCode) bool {
	return slices.ContainsFunc(r.Errors, func(i ValidationIssue) bool { return i.Code == code })
}

// HasWarning reports whether a warning with the given code was found.
func (r ValidationResult) HasWarning(code IssueCode) bool {
	return slices.ContainsFunc(r.Warnings, func(i ValidationIssue) bool { return i.Code == code })
}

// Err returns nil for a valid graph, otherwise an error wrapping
// ErrInvalidGraph that lists every error message.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return fmt.Errorf("%w: %s", ErrInvalidGraph, strings.Join(msgs, "; "))
}

// =============================================================================
// Validate
// =============================================================================

// Validate checks the structural integrity of g.
//
// # Description
//
// Errors:
//   - an empty graph
//   - a nil node entry; references to it count as dangling
//   - a missing required stage kind (RequiredKinds)
//   - a reference naming a node id that does not exist
//   - a negative output index
//   - any cycle, reported once for the whole graph
//
// Warnings:
//   - unknown node kinds
//   - references past the last output slot of a known kind
//   - a required stage kind appearing more than once
//   - nodes whose outputs nobody consumes, other than output stages
//
// The complexity score and time estimate are computed even for invalid
// graphs.
func Validate(g *JobGraph) ValidationResult {
	result := ValidationResult{Errors: []ValidationIssue{}, Warnings: []ValidationIssue{}}
	if g == nil || len(g.Nodes) == 0 {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    CodeEmptyGraph,
			Message: "graph has no nodes",
		})
		return result
	}

	g, nilIDs := withoutNilNodes(g)
	for _, id := range nilIDs {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    CodeNilNode,
			NodeID:  id,
			Message: fmt.Sprintf("node %s is nil", id),
		})
	}

	ids := g.NodeIDs()

	for _, kind := range RequiredKinds {
		switch n := g.CountKind(kind); {
		case n == 0:
			result.Errors = append(result.Errors, ValidationIssue{
				Code:    CodeMissingStage,
				Message: fmt.Sprintf("missing required stage %s", kind),
			})
		case n > 1:
			result.Warnings = append(result.Warnings, ValidationIssue{
				Code:    CodeDuplicateStage,
				Message: fmt.Sprintf("required stage %s appears %d times", kind, n),
			})
		}
	}

	consumed := make(map[string]bool, len(ids))
	for _, id := range ids {
		node := g.Nodes[id]
		if !KnownKind(node.Kind) {
			result.Warnings = append(result.Warnings, ValidationIssue{
				Code:    CodeUnknownKind,
				NodeID:  id,
				Message: fmt.Sprintf("node %s has unknown kind %s", id, node.Kind),
			})
		}

		for _, name := range sortedInputNames(node) {
			ref := node.Inputs[name].Ref
			if ref == nil {
				continue
			}
			target, ok := g.Nodes[ref.NodeID]
			if !ok {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    CodeDanglingRef,
					NodeID:  id,
					Input:   name,
					Message: fmt.Sprintf("node %s input %q references nonexistent node %s", id, name, ref.NodeID),
				})
				continue
			}
			consumed[ref.NodeID] = true

			if ref.Output < 0 {
				result.Errors = append(result.Errors, ValidationIssue{
					Code:    CodeInvalidOutput,
					NodeID:  id,
					Input:   name,
					Message: fmt.Sprintf("node %s input %q uses negative output index %d", id, name, ref.Output),
				})
				continue
			}
			if count, known := outputCounts[target.Kind]; known && ref.Output >= count {
				result.Warnings = append(result.Warnings, ValidationIssue{
					Code:    CodeOutputRange,
					NodeID:  id,
					Input:   name,
					Message: fmt.Sprintf("node %s input %q uses output %d of %s which has %d outputs", id, name, ref.Output, target.Kind, count),
				})
			}
		}
	}

	if cycleAt, found := findCycle(g, ids); found {
		result.Errors = append(result.Errors, ValidationIssue{
			Code:    CodeCycle,
			Message: fmt.Sprintf("circular dependency detected involving node %s", cycleAt),
		})
	}

	for _, id := range ids {
		if !consumed[id] && !isOutputKind(g.Nodes[id].Kind) {
			result.Warnings = append(result.Warnings, ValidationIssue{
				Code:    CodeOrphanNode,
				NodeID:  id,
				Message: fmt.Sprintf("output of node %s (%s) is never used", id, g.Nodes[id].Kind),
			})
		}
	}

	result.Complexity = Complexity(g)
	result.EstimatedSeconds = EstimateSeconds(result.Complexity, totalSteps(g), guidanceStages(g))
	result.Valid = len(result.Errors) == 0
	return result
}

// withoutNilNodes returns g, or a shallow copy without its nil entries,
// plus the sorted ids of those entries.
func withoutNilNodes(g *JobGraph) (*JobGraph, []string) {
	var nilIDs []string
	for id, n := range g.Nodes {
		if n == nil {
			nilIDs = append(nilIDs, id)
		}
	}
	if len(nilIDs) == 0 {
		return g, nil
	}
	slices.Sort(nilIDs)

	nodes := make(map[string]*Node, len(g.Nodes)-len(nilIDs))
	for id, n := range g.Nodes {
		if n != nil {
			nodes[id] = n
		}
	}
	return &JobGraph{Nodes: nodes, Metadata: g.Metadata}, nilIDs
}

// findCycle runs a depth-first traversal with a recursion stack. It stops
// at the first back edge and returns the node it points to.
func findCycle(g *JobGraph, ids []string) (string, bool) {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(ids))

	var visit func(id string) (string, bool)
	visit = func(id string) (string, bool) {
		state[id] = onStack
		node := g.Nodes[id]
		for _, name := range sortedInputNames(node) {
			ref := node.Inputs[name].Ref
			if ref == nil {
				continue
			}
			if _, ok := g.Nodes[ref.NodeID]; !ok {
				continue
			}
			switch state[ref.NodeID] {
			case onStack:
				return ref.NodeID, true
			case unvisited:
				if at, found := visit(ref.NodeID); found {
					return at, true
				}
			}
		}
		state[id] = done
		return "", false
	}

	for _, id := range ids {
		if state[id] == unvisited {
			if at, found := visit(id); found {
				return at, true
			}
		}
	}
	return "", false
}

func sortedInputNames(n *Node) []string {
	names := make([]string, 0, len(n.Inputs))
	for name := range n.Inputs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// =============================================================================
// Cost model
// =============================================================================

// Estimate constants. Policy values: only the monotonic shape matters.
const (
	EstimateBaseSeconds      = 5.0
	EstimatePerStepSeconds   = 0.5
	EstimatePerGuidanceStage = 3.0
)

// Complexity is the weighted sum of node kinds. Sampling, guidance and
// adapter stages weigh most; every node weighs something.
func Complexity(g *JobGraph) float64 {
	if g == nil {
		return 0
	}
	var score float64
	for _, n := range g.Nodes {
		if n != nil {
			score += weightOf(n.Kind)
		}
	}
	return score
}

// EstimateSeconds returns
//
//	base * (1 + complexity/10) + steps*perStep + guidanceStages*perStage
//
// Negative arguments count as zero. The result is non-decreasing in each
// argument.
func EstimateSeconds(complexity float64, steps, guidanceStages int) float64 {
	complexity = max(complexity, 0)
	steps = max(steps, 0)
	guidanceStages = max(guidanceStages, 0)
	return EstimateBaseSeconds*(1+complexity/10) +
		float64(steps)*EstimatePerStepSeconds +
		float64(guidanceStages)*EstimatePerGuidanceStage
}

func totalSteps(g *JobGraph) int {
	total := 0
	for _, n := range g.Nodes {
		if n.Kind != KindSampler {
			continue
		}
		in, ok := n.Inputs["steps"]
		if !ok || in.Ref != nil {
			continue
		}
		if v, ok := numberOf(in.Value); ok && v > 0 {
			total += int(v)
		}
	}
	return total
}

func guidanceStages(g *JobGraph) int {
	n := 0
	for _, node := range g.Nodes {
		if isGuidanceKind(node.Kind) {
			n++
		}
	}
	return n
}

func numberOf(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
