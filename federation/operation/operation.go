// Package operation parses and validates a client GraphQL document into an
// Operation: the unit the planner consumes and the cache keys on.
package operation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"

	"github.com/n9te9/federation-gateway/federation/graph"
)

// SignatureMode selects the normalization rules used to compute Signature.
type SignatureMode int

const (
	// SignatureLegacy replaces input object literals with "{}" wholesale.
	SignatureLegacy SignatureMode = iota
	// SignatureEnhanced expands aliases and recursively normalizes input
	// objects while preserving field presence.
	SignatureEnhanced
)

// ErrorKind distinguishes the OperationError cases parse_and_validate can
// return.
type ErrorKind int

const (
	KindParseError ErrorKind = iota
	KindNoOperationSelected
	KindValidationError
	KindLimitExceeded
)

// Error is the typed error parse_and_validate returns on any failure path.
type Error struct {
	Kind    ErrorKind
	Message string
	// Extra carries the LimitExceeded sub-kind ("depth", "height", "aliases",
	// "root_fields", "tokens", "recursion") when Kind is KindLimitExceeded.
	Extra string
}

func (e *Error) Error() string {
	if e.Extra != "" {
		return fmt.Sprintf("%s (%s): %s", kindName(e.Kind), e.Extra, e.Message)
	}
	return fmt.Sprintf("%s: %s", kindName(e.Kind), e.Message)
}

func kindName(k ErrorKind) string {
	switch k {
	case KindParseError:
		return "parse_error"
	case KindNoOperationSelected:
		return "no_operation_selected"
	case KindValidationError:
		return "validation_error"
	case KindLimitExceeded:
		return "limit_exceeded"
	default:
		return "unknown_error"
	}
}

// Operation is a parsed, validated, limit-checked client operation ready
// for planning.
type Operation struct {
	Document      *ast.Document
	Definition    *ast.OperationDefinition
	Name          string
	Type          ast.OperationType
	Fragments     map[string]*ast.FragmentDefinition
	Variables     map[string]interface{}
	HasDefer      bool
	AuthPartition string
}

// ParseAndValidate parses document against schema, checks accessibility and
// configured limits, and returns the resulting Operation. operationName
// disambiguates documents with multiple named operations; pass "" when the
// document carries exactly one.
func ParseAndValidate(document string, operationName string, variables map[string]interface{}, schema *graph.SuperGraph, limits Limits, authPartition string) (*Operation, *Error) {
	if limits.MaxTokens > 0 {
		if tokens := CountTokens(document); tokens > limits.MaxTokens {
			return nil, limitErr("tokens", fmt.Sprintf("operation has %d tokens, limit is %d", tokens, limits.MaxTokens))
		}
	}

	l := lexer.New(document)
	p := parser.New(l)
	doc := p.ParseDocument()
	if len(p.Errors()) > 0 {
		return nil, &Error{Kind: KindParseError, Message: fmt.Sprintf("%v", p.Errors())}
	}

	fragments := collectFragmentDefinitions(doc)

	opDef, err := selectOperation(doc, operationName)
	if err != nil {
		return nil, err
	}

	if err := checkLimits(opDef, fragments, limits); err != nil {
		return nil, err
	}

	if schema != nil {
		if err := validateAccessibility(opDef, fragments, schema); err != nil {
			return nil, err
		}
	}

	return &Operation{
		Document:      doc,
		Definition:    opDef,
		Name:          opDef.Name.String(),
		Type:          opDef.Operation,
		Fragments:     fragments,
		Variables:     variables,
		HasDefer:      containsDefer(opDef.SelectionSet, fragments, 0),
		AuthPartition: authPartition,
	}, nil
}

func collectFragmentDefinitions(doc *ast.Document) map[string]*ast.FragmentDefinition {
	fragments := make(map[string]*ast.FragmentDefinition)
	for _, def := range doc.Definitions {
		if fragDef, ok := def.(*ast.FragmentDefinition); ok {
			fragments[fragDef.Name.String()] = fragDef
		}
	}
	return fragments
}

func selectOperation(doc *ast.Document, operationName string) (*ast.OperationDefinition, *Error) {
	var ops []*ast.OperationDefinition
	for _, def := range doc.Definitions {
		if opDef, ok := def.(*ast.OperationDefinition); ok {
			ops = append(ops, opDef)
		}
	}

	if len(ops) == 0 {
		return nil, &Error{Kind: KindNoOperationSelected, Message: "document contains no operation"}
	}

	if operationName == "" {
		if len(ops) > 1 {
			return nil, &Error{Kind: KindNoOperationSelected, Message: "document contains multiple operations; operationName is required"}
		}
		return ops[0], nil
	}

	for _, op := range ops {
		if op.Name.String() == operationName {
			return op, nil
		}
	}
	return nil, &Error{Kind: KindNoOperationSelected, Message: fmt.Sprintf("no operation named %q", operationName)}
}

// containsDefer reports whether any field in the selection tree carries
// @defer, expanding fragment spreads. depth bounds fragment-cycle recursion.
func containsDefer(selections []ast.Selection, fragments map[string]*ast.FragmentDefinition, depth int) bool {
	if depth > 64 {
		return false
	}
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			if hasDirectiveName(s.Directives, "defer") {
				return true
			}
			if containsDefer(s.SelectionSet, fragments, depth+1) {
				return true
			}
		case *ast.InlineFragment:
			if hasDirectiveName(s.Directives, "defer") {
				return true
			}
			if containsDefer(s.SelectionSet, fragments, depth+1) {
				return true
			}
		case *ast.FragmentSpread:
			if hasDirectiveName(s.Directives, "defer") {
				return true
			}
			if fragDef, ok := fragments[s.Name.String()]; ok {
				if containsDefer(fragDef.SelectionSet, fragments, depth+1) {
					return true
				}
			}
		}
	}
	return false
}

func hasDirectiveName(directives []*ast.Directive, name string) bool {
	for _, d := range directives {
		if d.Name == name {
			return true
		}
	}
	return false
}

// validateAccessibility rejects any selection of a field or type marked
// @inaccessible in the supergraph.
func validateAccessibility(opDef *ast.OperationDefinition, fragments map[string]*ast.FragmentDefinition, schema *graph.SuperGraph) *Error {
	rootTypeName := rootTypeNameFor(opDef.Operation)
	if err := validateSelectionSet(opDef.SelectionSet, rootTypeName, fragments, schema, 0); err != nil {
		return err
	}
	return nil
}

func rootTypeNameFor(op ast.OperationType) string {
	switch op {
	case ast.Mutation:
		return "Mutation"
	case ast.Subscription:
		return "Subscription"
	default:
		return "Query"
	}
}

func validateSelectionSet(selSet []ast.Selection, parentTypeName string, fragments map[string]*ast.FragmentDefinition, schema *graph.SuperGraph, depth int) *Error {
	if selSet == nil || depth > 128 {
		return nil
	}

	for _, sel := range selSet {
		switch s := sel.(type) {
		case *ast.Field:
			fieldName := s.Name.String()
			if fieldName == "__typename" || fieldName == "__schema" || fieldName == "__type" {
				continue
			}

			if checkFieldAccessibility(parentTypeName, fieldName, schema) {
				return &Error{Kind: KindValidationError, Message: fmt.Sprintf("cannot query field %q on type %q", fieldName, parentTypeName)}
			}

			nextTypeName := getFieldTypeName(parentTypeName, fieldName, schema)
			if nextTypeName != "" {
				if err := validateSelectionSet(s.SelectionSet, nextTypeName, fragments, schema, depth+1); err != nil {
					return err
				}
			}

		case *ast.FragmentSpread:
			fragDef, ok := fragments[s.Name.String()]
			if !ok {
				continue
			}
			typeCondition := parentTypeName
			if fragDef.TypeCondition != nil {
				typeCondition = fragDef.TypeCondition.Name.String()
			}
			if err := validateSelectionSet(fragDef.SelectionSet, typeCondition, fragments, schema, depth+1); err != nil {
				return err
			}

		case *ast.InlineFragment:
			typeCondition := parentTypeName
			if s.TypeCondition != nil && s.TypeCondition.Name.String() != "" {
				typeCondition = s.TypeCondition.Name.String()
			}
			if err := validateSelectionSet(s.SelectionSet, typeCondition, fragments, schema, depth+1); err != nil {
				return err
			}
		}
	}

	return nil
}

func checkFieldAccessibility(typeName, fieldName string, schema *graph.SuperGraph) bool {
	for _, subGraph := range schema.SubGraphs {
		if entity, exists := subGraph.GetEntity(typeName); exists {
			if field, ok := entity.Fields[fieldName]; ok && field.IsInaccessible() {
				return true
			}
		}
	}
	return false
}

func getFieldTypeName(typeName, fieldName string, schema *graph.SuperGraph) string {
	for _, def := range schema.Schema.Definitions {
		if objDef, ok := def.(*ast.ObjectTypeDefinition); ok && objDef.Name.String() == typeName {
			for _, field := range objDef.Fields {
				if field.Name.String() == fieldName {
					return unwrapTypeName(field.Type)
				}
			}
		}
	}
	return ""
}

func unwrapTypeName(t ast.Type) string {
	switch typ := t.(type) {
	case *ast.NamedType:
		return typ.Name.String()
	case *ast.ListType:
		return unwrapTypeName(typ.Type)
	case *ast.NonNullType:
		return unwrapTypeName(typ.Type)
	}
	return ""
}

// Signature computes the deterministic canonical string used for usage
// reporting and request deduplication, per mode's normalization rules.
func Signature(op *Operation, mode SignatureMode) string {
	var sb strings.Builder
	sb.WriteString(string(operationKeyword(op.Type)))
	if op.Name != "" {
		sb.WriteString(" ")
		sb.WriteString(op.Name)
	}
	sb.WriteString(" ")
	writeNormalizedSelectionSet(&sb, op.Definition.SelectionSet, op.Fragments, mode, 0)
	return sb.String()
}

func operationKeyword(t ast.OperationType) string {
	switch t {
	case ast.Mutation:
		return "mutation"
	case ast.Subscription:
		return "subscription"
	default:
		return "query"
	}
}

func writeNormalizedSelectionSet(sb *strings.Builder, selections []ast.Selection, fragments map[string]*ast.FragmentDefinition, mode SignatureMode, depth int) {
	if depth > 128 {
		return
	}

	type entry struct {
		key string
		sel ast.Selection
	}
	entries := make([]entry, 0, len(selections))

	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			name := s.Name.String()
			if mode == SignatureEnhanced && s.Alias != nil && s.Alias.String() != "" {
				name = s.Alias.String()
			}
			entries = append(entries, entry{key: name, sel: sel})
		case *ast.FragmentSpread:
			fragDef, ok := fragments[s.Name.String()]
			if !ok {
				continue
			}
			for _, inner := range fragDef.SelectionSet {
				entries = append(entries, entry{key: selectionKey(inner), sel: inner})
			}
		case *ast.InlineFragment:
			entries = append(entries, entry{key: "..." + typeConditionOf(s), sel: sel})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	sb.WriteString("{")
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(" ")
		}
		writeNormalizedSelection(sb, e.sel, fragments, mode, depth)
	}
	sb.WriteString("}")
}

func selectionKey(sel ast.Selection) string {
	switch s := sel.(type) {
	case *ast.Field:
		return s.Name.String()
	case *ast.InlineFragment:
		return "..." + typeConditionOf(s)
	case *ast.FragmentSpread:
		return "..." + s.Name.String()
	}
	return ""
}

func typeConditionOf(s *ast.InlineFragment) string {
	if s.TypeCondition != nil {
		return s.TypeCondition.Name.String()
	}
	return ""
}

func writeNormalizedSelection(sb *strings.Builder, sel ast.Selection, fragments map[string]*ast.FragmentDefinition, mode SignatureMode, depth int) {
	switch s := sel.(type) {
	case *ast.Field:
		sb.WriteString(s.Name.String())
		if len(s.Arguments) > 0 {
			writeNormalizedArguments(sb, s.Arguments, mode)
		}
		if len(s.SelectionSet) > 0 {
			sb.WriteString(" ")
			writeNormalizedSelectionSet(sb, s.SelectionSet, fragments, mode, depth+1)
		}
	case *ast.InlineFragment:
		sb.WriteString("... on ")
		sb.WriteString(typeConditionOf(s))
		sb.WriteString(" ")
		writeNormalizedSelectionSet(sb, s.SelectionSet, fragments, mode, depth+1)
	case *ast.FragmentSpread:
		fragDef, ok := fragments[s.Name.String()]
		if ok {
			writeNormalizedSelectionSet(sb, fragDef.SelectionSet, fragments, mode, depth+1)
		}
	}
}

func writeNormalizedArguments(sb *strings.Builder, args []*ast.Argument, mode SignatureMode) {
	names := make([]string, 0, len(args))
	byName := make(map[string]*ast.Argument, len(args))
	for _, a := range args {
		n := a.Name.String()
		names = append(names, n)
		byName[n] = a
	}
	sort.Strings(names)

	sb.WriteString("(")
	for i, n := range names {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(n)
		sb.WriteString(":")
		sb.WriteString(normalizeValue(byName[n].Value, mode))
	}
	sb.WriteString(")")
}

// normalizeValue replaces scalar literals with the zero value of their
// type and, depending on mode, collapses or recursively normalizes input
// object literals.
func normalizeValue(v ast.Value, mode SignatureMode) string {
	switch val := v.(type) {
	case *ast.StringValue:
		return `""`
	case *ast.IntValue:
		return "0"
	case *ast.FloatValue:
		return "0.0"
	case *ast.BooleanValue:
		return "false"
	case *ast.EnumValue:
		return val.Value
	case *ast.Variable:
		return "$" + val.Name
	case *ast.ListValue:
		var sb strings.Builder
		sb.WriteString("[")
		for i, item := range val.Values {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(normalizeValue(item, mode))
		}
		sb.WriteString("]")
		return sb.String()
	case *ast.ObjectValue:
		if mode == SignatureLegacy {
			return "{}"
		}
		names := make([]string, 0, len(val.Fields))
		byName := make(map[string]ast.Value, len(val.Fields))
		for _, f := range val.Fields {
			n := f.Name.String()
			names = append(names, n)
			byName[n] = f.Value
		}
		sort.Strings(names)
		var sb strings.Builder
		sb.WriteString("{")
		for i, n := range names {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(n)
			sb.WriteString(":")
			sb.WriteString(normalizeValue(byName[n], mode))
		}
		sb.WriteString("}")
		return sb.String()
	default:
		return "null"
	}
}

// Fingerprint computes the SHA-256 digest used as the plan cache key:
// schemaID, operation name, normalized signature text, sorted variable
// types, and the caller's auth partition bucket.
func Fingerprint(op *Operation, schemaID string, mode SignatureMode, variableTypes map[string]string) string {
	h := sha256.New()
	h.Write([]byte(schemaID))
	h.Write([]byte{0})
	h.Write([]byte(op.Name))
	h.Write([]byte{0})
	h.Write([]byte(Signature(op, mode)))
	h.Write([]byte{0})

	varNames := make([]string, 0, len(variableTypes))
	for n := range variableTypes {
		varNames = append(varNames, n)
	}
	sort.Strings(varNames)
	for _, n := range varNames {
		h.Write([]byte(n))
		h.Write([]byte(":"))
		h.Write([]byte(variableTypes[n]))
		h.Write([]byte{0})
	}
	h.Write([]byte{0})
	h.Write([]byte(op.AuthPartition))

	return hex.EncodeToString(h.Sum(nil))
}
