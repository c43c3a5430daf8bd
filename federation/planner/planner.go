// Package planner turns a validated client operation into a Plan: a tree
// of subgraph fetches connected by Sequence/Parallel/Flatten/Condition/
// Defer nodes.
package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/token"

	"github.com/n9te9/federation-gateway/federation/graph"
)

// ErrPlansLimitExceeded/ErrPathsLimitExceeded bound planner search space.
// The planner, like the teacher's, commits to the first owning subgraph
// per field rather than enumerating alternatives, so these only trip on
// pathological documents with very large numbers of boundary fields.
var (
	ErrPlansLimitExceeded = errors.New("planner: plans_limit exceeded")
	ErrPathsLimitExceeded = errors.New("planner: paths_limit exceeded")
)

// Limits bounds the planner's search.
type Limits struct {
	PlansLimit int
	PathsLimit int
}

// DefaultLimits returns generous bounds that only trip on pathological
// documents.
func DefaultLimits() Limits {
	return Limits{PlansLimit: 10000, PathsLimit: 10000}
}

// Planner builds Plans for a fixed supergraph.
type Planner struct {
	SuperGraph *graph.SuperGraph
	Limits     Limits
}

// New creates a Planner bound to superGraph.
func New(superGraph *graph.SuperGraph) *Planner {
	return &Planner{SuperGraph: superGraph, Limits: DefaultLimits()}
}

// Plan builds an execution plan from a parsed, already-validated document.
func (p *Planner) Plan(doc *ast.Document, variables map[string]any) (*Plan, error) {
	op := p.getOperation(doc)
	if op == nil {
		return nil, errors.New("no operation found")
	}
	if len(op.SelectionSet) == 0 {
		return nil, errors.New("empty selection")
	}

	fragmentDefs := p.collectFragmentDefinitions(doc)

	rootTypeName, err := p.getRootTypeName(op)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Steps:            make([]*Step, 0),
		OriginalDocument: doc,
		OperationType:    string(op.Operation),
	}

	nextStepID := 0
	pathsExplored := 0
	plansExplored := 0

	expandedSelections := p.expandFragmentsInSelections(op.SelectionSet, fragmentDefs)

	// fieldMeta captures @skip/@include/@defer carried on a root field
	// itself or on an inline fragment/fragment spread wrapping it. It must
	// be collected from the raw, pre-expansion selection set because
	// expandFragmentsInSelections flattens fragments away, taking their
	// own Directives with them.
	fieldMeta := make(map[string]selectionMeta)
	p.collectRootFieldDirectives(op.SelectionSet, fragmentDefs, selectionMeta{}, fieldMeta, 0)

	rootFieldsByGroup := make(map[rootGroup][]ast.Selection)
	var rootOrder []rootGroup

	for _, selection := range expandedSelections {
		field, ok := selection.(*ast.Field)
		if !ok {
			continue
		}

		fieldName := field.Name.String()
		if fieldName == "__typename" || fieldName == "__schema" || fieldName == "__type" {
			continue
		}

		pathsExplored++
		if p.Limits.PathsLimit > 0 && pathsExplored > p.Limits.PathsLimit {
			return nil, ErrPathsLimitExceeded
		}

		subGraphs := p.SuperGraph.GetSubGraphsForField(rootTypeName, fieldName)
		if len(subGraphs) == 0 {
			return nil, fmt.Errorf("no subgraph found for field %s.%s", rootTypeName, fieldName)
		}

		// Ties among @shareable alternatives are broken deterministically
		// by lexicographic subgraph name.
		subGraph := lexicographicallyFirst(subGraphs)

		fieldIdentifier := fieldName
		if field.Alias != nil && field.Alias.String() != "" {
			fieldIdentifier = field.Alias.String()
		}

		// A boundary-level @skip/@include/@defer forces this field into
		// its own Step: Condition/Defer gate (or stream) one fetch at a
		// time, so a field carrying either can never be merged into a
		// combined fetch with unconditional siblings bound for the same
		// subgraph.
		group := rootGroup{subGraph: subGraph}
		if meta := fieldMeta[fieldIdentifier]; meta.conditional || meta.deferred {
			group.special = fieldIdentifier
		}

		if _, seen := rootFieldsByGroup[group]; !seen {
			rootOrder = append(rootOrder, group)
		}
		rootFieldsByGroup[group] = append(rootFieldsByGroup[group], selection)
	}

	stepMeta := make(map[int]selectionMeta)
	var rootStepIndexes []int
	for _, group := range rootOrder {
		selections := rootFieldsByGroup[group]
		filteredSelections := p.buildStepSelections(selections, group.subGraph, rootTypeName, fragmentDefs)

		plansExplored++
		if p.Limits.PlansLimit > 0 && plansExplored > p.Limits.PlansLimit {
			return nil, ErrPlansLimitExceeded
		}

		stepPath := []string{rootTypeName}
		if group.special != "" {
			stepPath = []string{rootTypeName, group.special}
		}

		step := &Step{
			ID:           nextStepID,
			SubGraph:     group.subGraph,
			StepType:     StepTypeQuery,
			ParentType:   rootTypeName,
			SelectionSet: filteredSelections,
			Path:         stepPath,
			DependsOn:    []int{},
		}

		if group.special != "" {
			stepMeta[step.ID] = fieldMeta[group.special]
		}

		plan.Steps = append(plan.Steps, step)
		rootStepIndexes = append(rootStepIndexes, nextStepID)
		nextStepID++
	}

	for i, group := range rootOrder {
		rootStep := plan.Steps[rootStepIndexes[i]]
		originalSelections := rootFieldsByGroup[group]
		p.findAndBuildEntitySteps(originalSelections, rootStep, plan, &nextStepID, rootStep.ParentType, []string{rootTypeName}, fragmentDefs, stepMeta)
	}

	plan.PlansExplored = plansExplored
	plan.PathsExplored = pathsExplored
	plan.Root = buildTree(plan.Steps, rootStepIndexes, stepMeta)

	return plan, nil
}

// rootGroup keys the root-level field groupings that become Steps. special
// is empty for an ordinary group, where any number of unconditional
// same-subgraph fields merge into one fetch; it holds the single field's
// identifier when a boundary @skip/@include/@defer forces that field into
// a dedicated Step.
type rootGroup struct {
	subGraph *graph.SubGraph
	special  string
}

// selectionMeta carries the boundary-level @skip/@include/@defer a field
// was found to carry. It holds only comparable values so it can be both a
// map value and (via rootGroup.special) part of a grouping key.
type selectionMeta struct {
	conditional      bool
	condVariable     string
	condSkipWhenTrue bool
	deferred         bool
	deferLabel       string
}

// mergeMeta folds a field's own directive metadata over metadata inherited
// from an enclosing inline fragment or fragment spread; the field's own
// directives win where both specify the same concern.
func mergeMeta(inherited, own selectionMeta) selectionMeta {
	out := inherited
	if own.conditional {
		out.conditional = true
		out.condVariable = own.condVariable
		out.condSkipWhenTrue = own.condSkipWhenTrue
	}
	if own.deferred {
		out.deferred = true
		out.deferLabel = own.deferLabel
	}
	return out
}

// extractFieldMeta reads @skip(if:)/@include(if:)/@defer(label:) straight
// off a selection's own directives.
func extractFieldMeta(directives []*ast.Directive) selectionMeta {
	var meta selectionMeta
	for _, d := range directives {
		switch d.Name {
		case "skip":
			if v, ok := directiveVariableArg(d, "if"); ok {
				meta.conditional = true
				meta.condVariable = v
				meta.condSkipWhenTrue = true
			}
		case "include":
			if v, ok := directiveVariableArg(d, "if"); ok {
				meta.conditional = true
				meta.condVariable = v
				meta.condSkipWhenTrue = false
			}
		case "defer":
			meta.deferred = true
			if label, ok := directiveStringArg(d, "label"); ok {
				meta.deferLabel = label
			}
		}
	}
	return meta
}

func directiveVariableArg(d *ast.Directive, argName string) (string, bool) {
	for _, arg := range d.Arguments {
		if arg.Name.String() != argName {
			continue
		}
		if v, ok := arg.Value.(*ast.Variable); ok {
			return v.Name, true
		}
	}
	return "", false
}

func directiveStringArg(d *ast.Directive, argName string) (string, bool) {
	for _, arg := range d.Arguments {
		if arg.Name.String() != argName {
			continue
		}
		if v, ok := arg.Value.(*ast.StringValue); ok {
			return v.Value, true
		}
	}
	return "", false
}

// collectRootFieldDirectives walks the operation's raw, pre-expansion
// selection set and records, per root field identifier, the @skip/
// @include/@defer it carries either directly or via an enclosing inline
// fragment/fragment spread. depth bounds fragment-cycle recursion.
func (p *Planner) collectRootFieldDirectives(selections []ast.Selection, fragmentDefs map[string]*ast.FragmentDefinition, inherited selectionMeta, out map[string]selectionMeta, depth int) {
	if depth > 64 {
		return
	}

	for _, selection := range selections {
		switch sel := selection.(type) {
		case *ast.Field:
			fieldIdentifier := sel.Name.String()
			if sel.Alias != nil && sel.Alias.String() != "" {
				fieldIdentifier = sel.Alias.String()
			}
			out[fieldIdentifier] = mergeMeta(inherited, extractFieldMeta(sel.Directives))

		case *ast.InlineFragment:
			merged := mergeMeta(inherited, extractFieldMeta(sel.Directives))
			p.collectRootFieldDirectives(sel.SelectionSet, fragmentDefs, merged, out, depth+1)

		case *ast.FragmentSpread:
			merged := mergeMeta(inherited, extractFieldMeta(sel.Directives))
			if fragDef, ok := fragmentDefs[sel.Name.String()]; ok {
				p.collectRootFieldDirectives(fragDef.SelectionSet, fragmentDefs, merged, out, depth+1)
			}
		}
	}
}

// lexicographicallyFirst breaks ties between @shareable alternatives by
// subgraph name, matching the "ties broken deterministically" invariant.
func lexicographicallyFirst(subGraphs []*graph.SubGraph) *graph.SubGraph {
	best := subGraphs[0]
	for _, sg := range subGraphs[1:] {
		if sg.Name < best.Name {
			best = sg
		}
	}
	return best
}

// buildTree layers the flat, dependency-annotated step list into a
// Sequence-of-Parallel tree: root steps form the first wave, then each
// subsequent wave holds steps whose dependencies are all satisfied by
// prior waves (a Kahn-style topological layering). The executor walks the
// finished tree as it is and does no readiness check of its own.
func buildTree(steps []*Step, rootIndexes []int, stepMeta map[int]selectionMeta) *Node {
	byID := make(map[int]*Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	placed := make(map[int]bool, len(steps))
	var waves [][]*Step

	rootWave := make([]*Step, 0, len(rootIndexes))
	for _, id := range rootIndexes {
		rootWave = append(rootWave, byID[id])
		placed[id] = true
	}
	waves = append(waves, rootWave)

	for len(placed) < len(steps) {
		var wave []*Step
		for _, s := range steps {
			if placed[s.ID] {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s)
			}
		}
		if len(wave) == 0 {
			// Dependency cycle or dangling DependsOn — stop rather than loop.
			break
		}
		for _, s := range wave {
			placed[s.ID] = true
		}
		waves = append(waves, wave)
	}

	seq := &Node{Kind: NodeSequence}
	for _, wave := range waves {
		seq.Children = append(seq.Children, waveNode(wave, stepMeta))
	}
	if len(seq.Children) == 1 {
		return seq.Children[0]
	}
	return seq
}

func waveNode(wave []*Step, stepMeta map[int]selectionMeta) *Node {
	if len(wave) == 1 {
		return leafNode(wave[0], stepMeta)
	}
	par := &Node{Kind: NodeParallel}
	for _, s := range wave {
		par.Children = append(par.Children, leafNode(s, stepMeta))
	}
	return par
}

// leafNode wraps a Step's base Fetch/Flatten node in Defer (innermost) then
// Condition (outermost) when stepMeta marks it boundary-deferred or
// boundary-conditional: Condition gates whether the (possibly deferred)
// fetch runs at all, so it must wrap Defer rather than the reverse.
func leafNode(s *Step, stepMeta map[int]selectionMeta) *Node {
	var node *Node
	if s.StepType == StepTypeEntity {
		node = &Node{Kind: NodeFlatten, Step: s}
	} else {
		node = &Node{Kind: NodeFetch, Step: s}
	}

	meta, ok := stepMeta[s.ID]
	if !ok {
		return node
	}

	if meta.deferred {
		node = &Node{
			Kind:     NodeDefer,
			Defer:    &DeferInfo{Label: meta.deferLabel, Path: s.Path},
			Children: []*Node{node},
		}
	}
	if meta.conditional {
		node = &Node{
			Kind:      NodeCondition,
			Condition: &ConditionInfo{Variable: meta.condVariable, SkipWhenTrue: meta.condSkipWhenTrue},
			Children:  []*Node{node},
		}
	}
	return node
}

func (p *Planner) collectFragmentDefinitions(doc *ast.Document) map[string]*ast.FragmentDefinition {
	fragments := make(map[string]*ast.FragmentDefinition)
	for _, def := range doc.Definitions {
		if fragDef, ok := def.(*ast.FragmentDefinition); ok {
			fragments[fragDef.Name.String()] = fragDef
		}
	}
	return fragments
}

func (p *Planner) expandFragmentsInSelections(selections []ast.Selection, fragmentDefs map[string]*ast.FragmentDefinition) []ast.Selection {
	result := make([]ast.Selection, 0)

	for _, selection := range selections {
		switch sel := selection.(type) {
		case *ast.Field:
			if len(sel.SelectionSet) > 0 {
				newField := &ast.Field{
					Alias:      sel.Alias,
					Name:       sel.Name,
					Arguments:  sel.Arguments,
					Directives: sel.Directives,
				}
				newField.SelectionSet = p.expandFragmentsInSelections(sel.SelectionSet, fragmentDefs)
				result = append(result, newField)
			} else {
				result = append(result, sel)
			}

		case *ast.InlineFragment:
			expandedSelections := p.expandFragmentsInSelections(sel.SelectionSet, fragmentDefs)
			result = append(result, expandedSelections...)

		case *ast.FragmentSpread:
			fragName := sel.Name.String()
			fragDef, ok := fragmentDefs[fragName]
			if !ok {
				continue
			}
			expandedSelections := p.expandFragmentsInSelections(fragDef.SelectionSet, fragmentDefs)
			result = append(result, expandedSelections...)

		default:
			result = append(result, sel)
		}
	}

	return result
}

// buildStepSelections builds a SelectionSet containing only fields owned
// by subGraph, auto-injecting __typename where needed for entity key
// extraction.
func (p *Planner) buildStepSelections(selections []ast.Selection, subGraph *graph.SubGraph, parentType string, fragmentDefs map[string]*ast.FragmentDefinition) []ast.Selection {
	result := make([]ast.Selection, 0)
	hasTypename := false

	for _, selection := range selections {
		switch sel := selection.(type) {
		case *ast.Field:
			fieldName := sel.Name.String()

			if fieldName == "__typename" {
				hasTypename = true
				result = append(result, typenameField())
				continue
			}

			subGraphs := p.SuperGraph.GetSubGraphsForField(parentType, fieldName)
			if len(subGraphs) == 0 || lexicographicallyFirst(subGraphs).Name != subGraph.Name {
				continue
			}

			fieldType, err := p.getFieldTypeName(parentType, fieldName)
			if err != nil {
				fieldType = ""
			}

			newField := &ast.Field{
				Alias:      sel.Alias,
				Name:       sel.Name,
				Arguments:  sel.Arguments,
				Directives: sel.Directives,
			}

			if len(sel.SelectionSet) > 0 && fieldType != "" {
				childSelections := p.buildStepSelections(sel.SelectionSet, subGraph, fieldType, fragmentDefs)
				if len(childSelections) == 0 {
					childSelections = append(childSelections, typenameField())
				}
				newField.SelectionSet = childSelections
			}

			result = append(result, newField)

		case *ast.InlineFragment:
			typeCondition := sel.TypeCondition.Name.String()
			expandedSelections := p.buildStepSelections(sel.SelectionSet, subGraph, typeCondition, fragmentDefs)
			result = append(result, expandedSelections...)

		case *ast.FragmentSpread:
			fragName := sel.Name.String()
			fragDef, ok := fragmentDefs[fragName]
			if !ok {
				continue
			}
			typeCondition := fragDef.TypeCondition.Name.String()
			expandedSelections := p.buildStepSelections(fragDef.SelectionSet, subGraph, typeCondition, fragmentDefs)
			result = append(result, expandedSelections...)
		}
	}

	isRootType := parentType == "Query" || parentType == "Mutation" || parentType == "Subscription"
	if !hasTypename && !isRootType && len(result) > 0 {
		result = append([]ast.Selection{typenameField()}, result...)
	}

	return result
}

func typenameField() *ast.Field {
	return &ast.Field{
		Name: &ast.Name{
			Token: token.Token{Type: token.IDENT, Literal: "__typename"},
			Value: "__typename",
		},
	}
}

// findAndBuildEntitySteps recursively finds boundary fields (fields owned
// by a different subgraph than parentStep, or fields returning an entity
// owned elsewhere) and synthesizes entity resolution steps, injecting the
// required @key fields back into the parent step's selections.
func (p *Planner) findAndBuildEntitySteps(
	selections []ast.Selection,
	parentStep *Step,
	plan *Plan,
	nextStepID *int,
	parentType string,
	currentPath []string,
	fragmentDefs map[string]*ast.FragmentDefinition,
	stepMeta map[int]selectionMeta,
) {
	entityStepsByKey := make(map[string]*Step)

	for _, selection := range selections {
		field, ok := selection.(*ast.Field)
		if !ok {
			continue
		}

		fieldName := field.Name.String()
		if fieldName == "__typename" {
			continue
		}

		fieldType, err := p.getFieldTypeName(parentType, fieldName)
		if err != nil {
			continue
		}

		fieldIdentifier := fieldName
		if field.Alias != nil && field.Alias.String() != "" {
			fieldIdentifier = field.Alias.String()
		}

		fieldPath := append(append([]string{}, currentPath...), fieldIdentifier)

		subGraphs := p.SuperGraph.GetSubGraphsForField(parentType, fieldName)
		if len(subGraphs) == 0 {
			continue
		}
		fieldSubGraph := lexicographicallyFirst(subGraphs)

		entityOwnerSubGraph := p.SuperGraph.GetEntityOwnerSubGraph(fieldType)

		isBoundaryField := false
		targetSubGraph := fieldSubGraph

		if fieldSubGraph.Name != parentStep.SubGraph.Name {
			isBoundaryField = true
		} else if entityOwnerSubGraph != nil && entityOwnerSubGraph.Name != parentStep.SubGraph.Name {
			isBoundaryField = true
			targetSubGraph = entityOwnerSubGraph
		}

		if !isBoundaryField {
			if len(field.SelectionSet) > 0 {
				p.findAndBuildEntitySteps(field.SelectionSet, parentStep, plan, nextStepID, fieldType, fieldPath, fragmentDefs, stepMeta)
			}
			continue
		}

		var entityTypeToResolve string
		_, parentIsExtendedInTarget := targetSubGraph.GetEntity(parentType)
		if parentIsExtendedInTarget {
			entityTypeToResolve = parentType
		} else {
			entityTypeToResolve = fieldType
		}

		isNestedEntity := entityOwnerSubGraph != nil && entityOwnerSubGraph.Name == targetSubGraph.Name

		boundaryFieldPath := append(append([]string{}, currentPath...), fieldName)
		stepKey := fmt.Sprintf("%s:%s:%d:%s", targetSubGraph.Name, entityTypeToResolve, parentStep.ID, strings.Join(boundaryFieldPath, "."))

		existingStep, exists := entityStepsByKey[stepKey]
		if exists {
			existingStep.SelectionSet = p.mergeSelections(existingStep.SelectionSet, []ast.Selection{selection}, targetSubGraph, entityTypeToResolve, fragmentDefs)
			continue
		}

		var entitySelections []ast.Selection
		var insertionPath []string

		if entityTypeToResolve == parentType {
			entitySelections = p.buildEntityStepSelections([]ast.Selection{selection}, targetSubGraph, parentType, entityTypeToResolve, fragmentDefs)
			insertionPath = currentPath
		} else {
			entitySelections = p.buildEntityStepSelections(field.SelectionSet, targetSubGraph, entityTypeToResolve, entityTypeToResolve, fragmentDefs)
			insertionPath = append(currentPath, fieldName)
		}

		newStep := &Step{
			ID:            *nextStepID,
			SubGraph:      targetSubGraph,
			StepType:      StepTypeEntity,
			ParentType:    entityTypeToResolve,
			SelectionSet:  entitySelections,
			Path:          fieldPath,
			DependsOn:     []int{parentStep.ID},
			InsertionPath: insertionPath,
		}
		plan.Steps = append(plan.Steps, newStep)
		entityStepsByKey[stepKey] = newStep
		*nextStepID++

		// A boundary field's own @skip/@include/@defer gates the entity
		// step it triggered, the same as a root field's would. Enclosing
		// fragments are not tracked here, matching this function's
		// existing field-only (not fragment-aware) directive handling.
		if entityMeta := extractFieldMeta(field.Directives); entityMeta.conditional || entityMeta.deferred {
			stepMeta[newStep.ID] = entityMeta
		}

		var relativePathForParent []string
		if len(parentStep.InsertionPath) == 0 {
			if len(currentPath) > 0 && isRootTypeName(currentPath[0]) {
				relativePathForParent = currentPath[1:]
			} else {
				relativePathForParent = currentPath
			}
		} else {
			relativePathForParent = currentPath[len(parentStep.InsertionPath):]
		}

		if isNestedEntity && entityTypeToResolve != parentType {
			relativePathForParent = append(relativePathForParent, fieldName)
		}

		p.injectKeyFieldsIntoParentStep(parentStep, entityTypeToResolve, targetSubGraph, relativePathForParent)

		if len(field.SelectionSet) > 0 {
			nestedParentType := entityTypeToResolve
			if entityTypeToResolve == parentType {
				nestedParentType = fieldType
			}
			p.findAndBuildEntitySteps(field.SelectionSet, newStep, plan, nextStepID, nestedParentType, fieldPath, fragmentDefs, stepMeta)
		}
	}
}

func isRootTypeName(name string) bool {
	return name == "Query" || name == "Mutation" || name == "Subscription"
}

// buildEntityStepSelections builds the SelectionSet for an entity
// resolution step: the entity's @key fields plus the filtered children of
// the boundary field(s).
func (p *Planner) buildEntityStepSelections(
	selections []ast.Selection,
	subGraph *graph.SubGraph,
	parentType string,
	entityType string,
	fragmentDefs map[string]*ast.FragmentDefinition,
) []ast.Selection {
	result := make([]ast.Selection, 0)

	keyFields := p.getKeyFields(entityType, subGraph)
	for _, keyField := range keyFields {
		result = append(result, &ast.Field{
			Name: &ast.Name{
				Token: token.Token{Type: token.IDENT, Literal: keyField},
				Value: keyField,
			},
		})
	}

	for _, selection := range selections {
		field, ok := selection.(*ast.Field)
		if !ok {
			continue
		}

		fieldName := field.Name.String()
		if fieldName == "__typename" {
			continue
		}

		fieldType, err := p.getFieldTypeName(parentType, fieldName)
		if err != nil {
			continue
		}

		newField := &ast.Field{
			Alias:      field.Alias,
			Name:       field.Name,
			Arguments:  field.Arguments,
			Directives: field.Directives,
		}

		if len(field.SelectionSet) > 0 {
			filteredChildren := p.buildStepSelections(field.SelectionSet, subGraph, fieldType, fragmentDefs)
			newField.SelectionSet = filteredChildren
			if len(filteredChildren) > 0 {
				result = append(result, newField)
			}
		} else {
			fieldSubGraphs := p.SuperGraph.GetSubGraphsForField(entityType, fieldName)
			if len(fieldSubGraphs) > 0 && lexicographicallyFirst(fieldSubGraphs).Name == subGraph.Name {
				result = append(result, newField)
			}
		}
	}

	return result
}

func (p *Planner) mergeSelections(existing, newSels []ast.Selection, subGraph *graph.SubGraph, parentType string, fragmentDefs map[string]*ast.FragmentDefinition) []ast.Selection {
	merged := append(existing, newSels...)
	return p.buildStepSelections(merged, subGraph, parentType, fragmentDefs)
}

// getKeyFields returns the @key fields (always __typename-prefixed) for
// an entity type as seen from subGraph.
func (p *Planner) getKeyFields(typeName string, subGraph *graph.SubGraph) []string {
	entity, exists := subGraph.GetEntity(typeName)
	if !exists || len(entity.Keys) == 0 {
		return []string{"__typename"}
	}

	keyFieldSet := entity.Keys[0].FieldSet
	keyFieldNames := strings.Fields(keyFieldSet)

	result := []string{"__typename"}
	result = append(result, keyFieldNames...)
	return result
}

func (p *Planner) injectKeyFieldsIntoParentStep(parentStep *Step, entityType string, childSubGraph *graph.SubGraph, insertionPath []string) {
	keyFields := p.getKeyFields(entityType, childSubGraph)
	if len(insertionPath) == 0 {
		return
	}
	parentStep.SelectionSet = p.ensureAndInjectKeyFields(parentStep.SelectionSet, insertionPath, keyFields)
}

func (p *Planner) ensureAndInjectKeyFields(selections []ast.Selection, path []string, keyFields []string) []ast.Selection {
	if len(path) == 0 {
		return selections
	}

	targetField := path[0]
	var targetFieldNode *ast.Field

	for _, sel := range selections {
		if field, ok := sel.(*ast.Field); ok {
			fieldIdentifier := field.Name.String()
			if field.Alias != nil && field.Alias.String() != "" {
				fieldIdentifier = field.Alias.String()
			}
			if fieldIdentifier == targetField {
				targetFieldNode = field
				break
			}
		}
	}

	if targetFieldNode == nil {
		targetFieldNode = &ast.Field{
			Name: &ast.Name{
				Token: token.Token{Type: token.IDENT, Literal: targetField},
				Value: targetField,
			},
			SelectionSet: make([]ast.Selection, 0),
		}
		selections = append(selections, targetFieldNode)
	}

	if len(path) == 1 {
		existingFields := make(map[string]bool)
		for _, childSel := range targetFieldNode.SelectionSet {
			if childField, ok := childSel.(*ast.Field); ok {
				existingFields[childField.Name.String()] = true
			}
		}

		for _, keyField := range keyFields {
			if !existingFields[keyField] {
				targetFieldNode.SelectionSet = append(targetFieldNode.SelectionSet, &ast.Field{
					Name: &ast.Name{
						Token: token.Token{Type: token.IDENT, Literal: keyField},
						Value: keyField,
					},
				})
			}
		}
	} else {
		targetFieldNode.SelectionSet = p.ensureAndInjectKeyFields(targetFieldNode.SelectionSet, path[1:], keyFields)
	}

	return selections
}

func (p *Planner) getOperation(doc *ast.Document) *ast.OperationDefinition {
	for _, def := range doc.Definitions {
		if op, ok := def.(*ast.OperationDefinition); ok {
			return op
		}
	}
	return nil
}

func (p *Planner) getRootTypeName(op *ast.OperationDefinition) (string, error) {
	var rootTypeName string

	switch op.Operation {
	case ast.Query:
		rootTypeName = "Query"
	case ast.Mutation:
		rootTypeName = "Mutation"
	case ast.Subscription:
		rootTypeName = "Subscription"
	default:
		return "", fmt.Errorf("unknown operation type: %v", op.Operation)
	}

	for _, def := range p.SuperGraph.Schema.Definitions {
		if sd, ok := def.(*ast.SchemaDefinition); ok {
			for _, ot := range sd.OperationTypes {
				if (ot.Operation == token.QUERY && op.Operation == ast.Query) ||
					(ot.Operation == token.MUTATION && op.Operation == ast.Mutation) ||
					(ot.Operation == token.SUBSCRIPTION && op.Operation == ast.Subscription) {
					rootTypeName = ot.Type.Name.String()
				}
			}
		}
	}

	return rootTypeName, nil
}

func (p *Planner) getFieldTypeName(parentTypeName, fieldName string) (string, error) {
	if fieldName == "__typename" {
		return "String", nil
	}

	for _, def := range p.SuperGraph.Schema.Definitions {
		if td, ok := def.(*ast.ObjectTypeDefinition); ok {
			if td.Name.String() == parentTypeName {
				for _, field := range td.Fields {
					if field.Name.String() == fieldName {
						return p.getNamedType(field.Type), nil
					}
				}
			}
		}
	}

	return "", fmt.Errorf("field %s not found in type %s", fieldName, parentTypeName)
}

func (p *Planner) getNamedType(t ast.Type) string {
	switch typ := t.(type) {
	case *ast.NamedType:
		return typ.Name.String()
	case *ast.ListType:
		return p.getNamedType(typ.Type)
	case *ast.NonNullType:
		return p.getNamedType(typ.Type)
	default:
		return ""
	}
}
