// Package graph holds the schema model: per-subgraph projections and the
// composed supergraph built from them.
package graph

import (
	"fmt"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"
)

// EntityKey is the parsed form of a @key directive application.
type EntityKey struct {
	FieldSet   string // field set specified in @key (e.g. "id" or "number departureDate")
	Resolvable bool   // resolvable argument of @key, default true
}

// Override records an @override(from: "...") application on a field.
type Override struct {
	From  string
	Label string // progressive-override label; empty when unconditional
}

// Field is the per-subgraph view of a field: its type plus the
// directive-derived metadata the planner and pipeline consult.
type Field struct {
	Name     string
	Type     ast.Type
	Requires []string // @requires(fields:) field set, space-split
	Provides []string // @provides(fields:) field set, space-split

	isShareable    bool
	isExternal     bool
	isInaccessible bool
	override       *Override

	isAuthenticated bool
	requiredScopes  [][]string // @requiresScopes(scopes:) — OR of AND-groups
	policies        [][]string // @policy(policies:) — OR of AND-groups

	cost    int
	hasCost bool

	listSizeArgument string
	listSizeAssumed  int
	hasListSize      bool
}

// IsShareable reports whether the field carries @shareable.
func (f *Field) IsShareable() bool { return f.isShareable }

// IsExternal reports whether the field carries @external.
func (f *Field) IsExternal() bool { return f.isExternal }

// IsInaccessible reports whether the field carries @inaccessible.
func (f *Field) IsInaccessible() bool { return f.isInaccessible }

// GetOverride returns the field's @override metadata, or nil if absent.
func (f *Field) GetOverride() *Override { return f.override }

// IsAuthenticated reports whether the field carries @authenticated.
func (f *Field) IsAuthenticated() bool { return f.isAuthenticated }

// RequiredScopes returns the @requiresScopes scope groups (OR of AND-groups).
func (f *Field) RequiredScopes() [][]string { return f.requiredScopes }

// Policies returns the @policy policy groups (OR of AND-groups).
func (f *Field) Policies() [][]string { return f.policies }

// Cost returns the @cost weight and whether one was declared.
func (f *Field) Cost() (int, bool) { return f.cost, f.hasCost }

// ListSize returns the @listSize assumed size and whether one was declared.
func (f *Field) ListSize() (int, bool) { return f.listSizeAssumed, f.hasListSize }

// Entity is an object type carrying one or more @key directives.
type Entity struct {
	Keys              []EntityKey
	isExtension       bool
	isInterfaceObject bool
	Fields            map[string]*Field
}

// IsExtension reports whether the entity was declared as a type extension
// in this subgraph.
func (e *Entity) IsExtension() bool { return e.isExtension }

// IsInterfaceObject reports whether @interfaceObject is present: this
// subgraph resolves the type as an interface it doesn't itself declare.
func (e *Entity) IsInterfaceObject() bool { return e.isInterfaceObject }

// IsResolvable reports whether at least one @key is resolvable. A type
// declared only with resolvable:false keys cannot be entered via _entities.
func (e *Entity) IsResolvable() bool {
	for _, key := range e.Keys {
		if key.Resolvable {
			return true
		}
	}
	return false
}

// SubGraph is the parsed, directive-annotated view of one subgraph's SDL.
type SubGraph struct {
	Name     string
	Host     string
	Schema   *ast.Document
	entities map[string]*Entity
}

// NewSubGraph parses src and extracts entity/field metadata for the
// federation directives (@key, @requires, @provides, @shareable,
// @external, @inaccessible, @override, @interfaceObject, @authenticated,
// @requiresScopes, @policy, @cost, @listSize).
func NewSubGraph(name string, src []byte, host string) (*SubGraph, error) {
	l := lexer.New(string(src))
	p := parser.New(l)
	doc := p.ParseDocument()
	if len(p.Errors()) > 0 {
		return nil, fmt.Errorf("parse subgraph %q: %v", name, p.Errors())
	}

	sg := &SubGraph{
		Name:     name,
		Host:     host,
		Schema:   doc,
		entities: make(map[string]*Entity),
	}

	for _, def := range doc.Definitions {
		switch t := def.(type) {
		case *ast.ObjectTypeDefinition:
			if isEntity(t.Directives) {
				sg.entities[t.Name.String()] = buildEntity(t.Directives, t.Fields, false)
			}
		case *ast.ObjectTypeExtension:
			if isEntity(t.Directives) {
				sg.entities[t.Name.String()] = buildEntity(t.Directives, t.Fields, true)
			}
		}
	}

	return sg, nil
}

func buildEntity(directives []*ast.Directive, fields []*ast.FieldDefinition, extension bool) *Entity {
	entity := &Entity{
		Keys:              parseEntityKeys(directives),
		isExtension:       extension,
		isInterfaceObject: hasDirective(directives, "interfaceObject"),
		Fields:            make(map[string]*Field),
	}
	for _, field := range fields {
		entity.Fields[field.Name.String()] = parseField(field)
	}
	return entity
}

// GetEntities returns the subgraph's entity map.
func (sg *SubGraph) GetEntities() map[string]*Entity { return sg.entities }

// GetEntity looks up an entity by type name.
func (sg *SubGraph) GetEntity(name string) (*Entity, bool) {
	entity, ok := sg.entities[name]
	return entity, ok
}

func isEntity(directives []*ast.Directive) bool {
	return hasDirective(directives, "key")
}

func parseEntityKeys(directives []*ast.Directive) []EntityKey {
	var keys []EntityKey
	for _, d := range directives {
		if d.Name != "key" {
			continue
		}
		key := EntityKey{Resolvable: true}
		for _, arg := range d.Arguments {
			switch arg.Name.String() {
			case "fields":
				key.FieldSet = strings.Trim(arg.Value.String(), "\"")
			case "resolvable":
				if arg.Value.String() == "false" {
					key.Resolvable = false
				}
			}
		}
		keys = append(keys, key)
	}
	return keys
}

func parseField(field *ast.FieldDefinition) *Field {
	f := &Field{
		Name:     field.Name.String(),
		Type:     field.Type,
		Requires: []string{},
		Provides: []string{},
	}

	for _, d := range field.Directives {
		switch d.Name {
		case "requires":
			if len(d.Arguments) > 0 {
				f.Requires = strings.Fields(strings.Trim(d.Arguments[0].Value.String(), "\""))
			}
		case "provides":
			if len(d.Arguments) > 0 {
				f.Provides = strings.Fields(strings.Trim(d.Arguments[0].Value.String(), "\""))
			}
		case "shareable":
			f.isShareable = true
		case "external":
			f.isExternal = true
		case "inaccessible":
			f.isInaccessible = true
		case "authenticated":
			f.isAuthenticated = true
		case "override":
			ov := &Override{}
			for _, arg := range d.Arguments {
				switch arg.Name.String() {
				case "from":
					ov.From = strings.Trim(arg.Value.String(), "\"")
				case "label":
					ov.Label = strings.Trim(arg.Value.String(), "\"")
				}
			}
			f.override = ov
		case "requiresScopes":
			f.requiredScopes = parseScopeGroups(d.Arguments)
		case "policy":
			f.policies = parseScopeGroups(d.Arguments)
		case "cost":
			for _, arg := range d.Arguments {
				if arg.Name.String() == "weight" {
					fmt.Sscanf(arg.Value.String(), "%d", &f.cost)
					f.hasCost = true
				}
			}
		case "listSize":
			f.hasListSize = true
			for _, arg := range d.Arguments {
				switch arg.Name.String() {
				case "slicingArguments":
					f.listSizeArgument = arg.Value.String()
				case "assumedSize":
					fmt.Sscanf(arg.Value.String(), "%d", &f.listSizeAssumed)
				}
			}
		}
	}

	return f
}

// parseScopeGroups parses the list-of-lists argument shared by
// @requiresScopes(scopes:) and @policy(policies:):
// [["a","b"],["c"]] means (a AND b) OR (c).
func parseScopeGroups(args []*ast.Argument) [][]string {
	var groups [][]string
	for _, arg := range args {
		listVal, ok := arg.Value.(*ast.ListValue)
		if !ok {
			continue
		}
		for _, outer := range listVal.Values {
			innerList, ok := outer.(*ast.ListValue)
			if !ok {
				continue
			}
			var group []string
			for _, v := range innerList.Values {
				group = append(group, strings.Trim(v.String(), "\""))
			}
			groups = append(groups, group)
		}
	}
	return groups
}

func hasDirective(directives []*ast.Directive, name string) bool {
	for _, d := range directives {
		if d.Name == name {
			return true
		}
	}
	return false
}
