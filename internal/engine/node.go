// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/mechanic-dev/mechanic/pkg/errors"
)

// Node names a workflow node.
type Node string

const (
	NodePrepare       Node = "prepare_environment"
	NodeImplement     Node = "implement_task"
	NodeRunTests      Node = "run_tests"
	NodeDebug         Node = "debug_code"
	NodeValidation    Node = "human_validation"
	NodeFinalize      Node = "finalize_pr"
	NodeUpdateTracker Node = "update_tracker"
)

// edge is one graph transition. The guard is an expression over the source
// node's output; an empty guard always matches. Guards are evaluated in
// declaration order and the first match wins.
type edge struct {
	from  Node
	to    Node
	guard string

	program *vm.Program
}

// graph is the canonical workflow. debug_code loops back to run_tests; the
// loop bound is enforced by the engine, not the graph.
var graph = []edge{
	{from: NodePrepare, to: NodeImplement},
	{from: NodeImplement, to: NodeRunTests},
	{from: NodeRunTests, to: NodeValidation, guard: "passed"},
	{from: NodeRunTests, to: NodeDebug, guard: "!passed"},
	{from: NodeDebug, to: NodeRunTests},
	{from: NodeValidation, to: NodeFinalize},
	{from: NodeFinalize, to: NodeUpdateTracker},
}

func init() {
	for i := range graph {
		if graph[i].guard == "" {
			continue
		}
		program, err := expr.Compile(graph[i].guard, expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			panic(fmt.Sprintf("engine: bad edge guard %q: %v", graph[i].guard, err))
		}
		graph[i].program = program
	}
}

// nextNode resolves the edge out of from given the node's output. Returns
// empty when from is terminal in the graph.
func nextNode(from Node, output map[string]any) (Node, error) {
	if output == nil {
		output = map[string]any{}
	}
	for i := range graph {
		if graph[i].from != from {
			continue
		}
		if graph[i].program == nil {
			return graph[i].to, nil
		}
		match, err := expr.Run(graph[i].program, output)
		if err != nil {
			return "", errors.Invariant("edge_guard", "guard %q failed on %s: %v", graph[i].guard, from, err)
		}
		if match.(bool) {
			return graph[i].to, nil
		}
	}
	return "", nil
}

// maxRetriesFor declares the per-node retry budget.
func maxRetriesFor(node Node) int {
	switch node {
	case NodePrepare:
		return 3
	case NodeImplement, NodeDebug:
		// Covers transient provider errors and malformed completions.
		return 2
	case NodeRunTests:
		return 1
	default:
		return 0
	}
}
