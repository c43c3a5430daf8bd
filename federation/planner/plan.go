package planner

import (
	"github.com/n9te9/graphql-parser/ast"

	"github.com/n9te9/federation-gateway/federation/graph"
)

// NodeKind discriminates the Plan sum type.
type NodeKind int

const (
	// NodeSequence runs its children one after another, left to right.
	NodeSequence NodeKind = iota
	// NodeParallel runs its children concurrently; the node completes once
	// all children have.
	NodeParallel
	// NodeFetch issues one request to a subgraph.
	NodeFetch
	// NodeFlatten wraps a Fetch whose representations must be gathered by
	// walking InsertionPath through possibly-nested arrays before the
	// fetch runs, and scattered back along the same path afterward.
	NodeFlatten
	// NodeCondition only executes its child when the named variable
	// evaluates true (@skip) or false (@include) — the boundary-field
	// form of those directives; field-level occurrences inside a single
	// subgraph's selection set are forwarded to the subgraph verbatim.
	NodeCondition
	// NodeDefer marks its child as an incremental (@defer) payload: the
	// executor returns the primary response without waiting on it, then
	// streams it as a follow-up multipart chunk.
	NodeDefer
)

// StepType indicates whether a Fetch resolves root fields or an entity
// via _entities.
type StepType int

const (
	// StepTypeQuery resolves root fields of a query/mutation/subscription.
	StepTypeQuery StepType = iota
	// StepTypeEntity resolves entity fields via an _entities query.
	StepTypeEntity
)

// Step is the leaf unit of work a Fetch/Flatten node carries: one request
// to one subgraph.
type Step struct {
	ID            int
	SubGraph      *graph.SubGraph
	StepType      StepType
	ParentType    string
	SelectionSet  []ast.Selection
	Path          []string
	DependsOn     []int
	InsertionPath []string
}

// ConditionInfo is the payload of a Condition node.
type ConditionInfo struct {
	Variable string
	// SkipWhenTrue is true for @skip (execute child when variable is
	// false), false for @include (execute child when variable is true).
	SkipWhenTrue bool
}

// DeferInfo is the payload of a Defer node.
type DeferInfo struct {
	Label string
	// Path is where in the response this deferred fragment's data attaches.
	Path []string
}

// Node is one element of the plan tree.
type Node struct {
	Kind      NodeKind
	Children  []*Node
	Step      *Step          // set for NodeFetch, NodeFlatten
	Condition *ConditionInfo // set for NodeCondition
	Defer     *DeferInfo     // set for NodeDefer
}

// Plan is a complete query execution plan: a tree of Sequence/Parallel
// nodes whose leaves are Fetch/Flatten, rooted at Root.
type Plan struct {
	Root             *Node
	Steps            []*Step // flat index, ID-addressable; same steps referenced from Root
	OriginalDocument *ast.Document
	OperationType    string
	// PlansExplored/PathsExplored count the search performed while
	// planning, bounded by PlansLimit/PathsLimit even though the current
	// planner — like the teacher's — commits to the first viable subgraph
	// per field rather than comparing alternatives.
	PlansExplored int
	PathsExplored int
}

// StepByID looks up a step by its ID.
func (p *Plan) StepByID(id int) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}
