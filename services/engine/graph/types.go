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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedGraph is returned by ParseJobGraph for input that is not an
// engine job graph.
var ErrMalformedGraph = errors.New("malformed job graph")

// =============================================================================
// Inputs
// =============================================================================

// Ref points at output Output of node NodeID.
type Ref struct {
	NodeID string
	Output int
}

// String renders the reference as "id:output".
func (r Ref) String() string {
	return r.NodeID + ":" + strconv.Itoa(r.Output)
}

// Input is a node input: either a literal value or a reference to another
// node's output. Exactly one of Value and Ref is meaningful; Ref wins when
// set.
//
// On the wire a reference is the two-element array ["id", index] and a
// literal is any other JSON value.
type Input struct {
	Value any
	Ref   *Ref
}

// Literal wraps a literal value.
func Literal(v any) Input { return Input{Value: v} }

// Link builds a reference input.
func Link(nodeID string, output int) Input {
	return Input{Ref: &Ref{NodeID: nodeID, Output: output}}
}

// IsRef reports whether the input references another node.
func (i Input) IsRef() bool { return i.Ref != nil }

// MarshalJSON implements json.Marshaler.
func (i Input) MarshalJSON() ([]byte, error) {
	if i.Ref != nil {
		return json.Marshal([]any{i.Ref.NodeID, i.Ref.Output})
	}
	return json.Marshal(i.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *Input) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var pair []json.RawMessage
		if err := json.Unmarshal(trimmed, &pair); err == nil && len(pair) == 2 {
			var id string
			var out int
			if json.Unmarshal(pair[0], &id) == nil && json.Unmarshal(pair[1], &out) == nil {
				*i = Link(id, out)
				return nil
			}
		}
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	*i = Literal(v)
	return nil
}

// =============================================================================
// Nodes and graphs
// =============================================================================

// NodeMeta carries display-only annotations.
type NodeMeta struct {
	Title string `json:"title,omitempty"`
}

// Node is one processing stage.
type Node struct {
	Kind   string           `json:"class_type"`
	Inputs map[string]Input `json:"inputs"`
	Meta   *NodeMeta        `json:"_meta,omitempty"`
}

// Refs returns the node's reference inputs keyed by input name.
func (n *Node) Refs() map[string]Ref {
	out := make(map[string]Ref)
	for name, in := range n.Inputs {
		if in.Ref != nil {
			out[name] = *in.Ref
		}
	}
	return out
}

// Metadata describes a compiled graph. It is not sent to the engine.
type Metadata struct {
	ID         string    `json:"id"`
	Complexity float64   `json:"complexity_score"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// JobGraph is the engine-native graph: node id to node.
//
// # Description
//
// Node ids are decimal strings. The JSON encoding is exactly the body the
// engine expects under "prompt":
//
//	{"1": {"class_type": "CheckpointLoaderSimple", "inputs": {...}}, ...}
//
// Metadata travels alongside the graph but is never serialized into that
// body.
type JobGraph struct {
	Nodes    map[string]*Node
	Metadata Metadata
}

// NewJobGraph returns an empty graph with a fresh id.
func NewJobGraph() *JobGraph {
	return &JobGraph{
		Nodes:    make(map[string]*Node),
		Metadata: Metadata{ID: uuid.NewString(), CreatedAt: time.Now().UTC()},
	}
}

// ParseJobGraph decodes an engine job graph.
//
// # Outputs
//
//   - *JobGraph: with a fresh metadata id.
//   - error: wraps ErrMalformedGraph on bad JSON or nodes without a kind.
func ParseJobGraph(data []byte) (*JobGraph, error) {
	var nodes map[string]*Node
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedGraph, err)
	}
	g := NewJobGraph()
	for id, n := range nodes {
		if n == nil || n.Kind == "" {
			return nil, fmt.Errorf("%w: node %q has no class_type", ErrMalformedGraph, id)
		}
		if n.Inputs == nil {
			n.Inputs = map[string]Input{}
		}
		g.Nodes[id] = n
	}
	return g, nil
}

// MarshalJSON encodes the node map only.
func (g *JobGraph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.Nodes)
}

// UnmarshalJSON decodes the node map; the metadata is left as is.
func (g *JobGraph) UnmarshalJSON(data []byte) error {
	parsed, err := ParseJobGraph(data)
	if err != nil {
		return err
	}
	g.Nodes = parsed.Nodes
	if g.Metadata.ID == "" {
		g.Metadata = parsed.Metadata
	}
	return nil
}

// NodeIDs returns the node ids in ascending numeric order. Non-numeric ids
// sort after numeric ones, lexically.
func (g *JobGraph) NodeIDs() []string {
	ids := slices.Collect(maps.Keys(g.Nodes))
	slices.SortFunc(ids, compareIDs)
	return ids
}

func compareIDs(a, b string) int {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return ai - bi
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// NodesOfKind returns the ids of nodes with the given kind, ascending.
func (g *JobGraph) NodesOfKind(kind string) []string {
	var out []string
	for _, id := range g.NodeIDs() {
		if g.Nodes[id].Kind == kind {
			out = append(out, id)
		}
	}
	return out
}

// CountKind returns how many nodes have the given kind.
func (g *JobGraph) CountKind(kind string) int {
	n := 0
	for _, node := range g.Nodes {
		if node.Kind == kind {
			n++
		}
	}
	return n
}

// Clone returns a deep copy. Literal values are shared.
func (g *JobGraph) Clone() *JobGraph {
	out := &JobGraph{Nodes: make(map[string]*Node, len(g.Nodes)), Metadata: g.Metadata}
	out.Metadata.Tags = slices.Clone(g.Metadata.Tags)
	for id, n := range g.Nodes {
		cp := &Node{Kind: n.Kind, Inputs: make(map[string]Input, len(n.Inputs))}
		if n.Meta != nil {
			meta := *n.Meta
			cp.Meta = &meta
		}
		for name, in := range n.Inputs {
			if in.Ref != nil {
				r := *in.Ref
				in.Ref = &r
			}
			cp.Inputs[name] = in
		}
		out.Nodes[id] = cp
	}
	return out
}
