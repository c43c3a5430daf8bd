package graph

import (
	"fmt"

	"github.com/n9te9/graphql-parser/ast"
)

// SuperGraph is the composed schema built from a set of subgraphs: the
// merged SDL plus a field ownership map used by the planner.
type SuperGraph struct {
	SubGraphs []*SubGraph
	Schema    *ast.Document
	Ownership map[string][]*SubGraph // "Product.id" -> subgraphs that can resolve it
	entities  map[string][]string    // type name -> keyset fingerprints; created empty, never filled or read
}

// NewSuperGraph composes a supergraph from a list of subgraphs. It merges
// their SDL, validates that @override chains terminate without cycles, and
// builds the field ownership map.
func NewSuperGraph(subGraphs []*SubGraph) (*SuperGraph, error) {
	sg := &SuperGraph{
		SubGraphs: subGraphs,
		Ownership: make(map[string][]*SubGraph),
		entities:  make(map[string][]string),
	}

	if err := sg.composeSchema(); err != nil {
		return nil, err
	}

	if err := sg.validateOverrides(); err != nil {
		return nil, err
	}

	if err := sg.buildOwnershipMap(); err != nil {
		return nil, err
	}

	return sg, nil
}

// composeSchema composes schemas from all subgraphs.
func (sg *SuperGraph) composeSchema() error {
	if len(sg.SubGraphs) == 0 {
		return fmt.Errorf("no subgraphs to compose")
	}

	sg.Schema = &ast.Document{
		Definitions: make([]ast.Definition, 0),
	}

	for _, subGraph := range sg.SubGraphs {
		sg.mergeSchemaDeep(subGraph.Schema)
	}

	return nil
}

// mergeSchemaDeep merges a new schema into the existing schema using deep copy.
func (sg *SuperGraph) mergeSchemaDeep(newSchema *ast.Document) {
	for _, newDef := range newSchema.Definitions {
		switch newTypeDef := newDef.(type) {
		case *ast.ObjectTypeDefinition:
			sg.mergeObjectTypeDefinitionDeep(newTypeDef)
		case *ast.ObjectTypeExtension:
			sg.mergeObjectTypeExtensionDeep(newTypeDef)
		case *ast.InterfaceTypeDefinition:
			sg.mergeInterfaceTypeDefinition(newTypeDef)
		case *ast.InputObjectTypeDefinition:
			sg.mergeInputObjectTypeDefinition(newTypeDef)
		case *ast.EnumTypeDefinition:
			sg.mergeEnumTypeDefinition(newTypeDef)
		case *ast.ScalarTypeDefinition:
			sg.mergeScalarTypeDefinition(newTypeDef)
		case *ast.UnionTypeDefinition:
			sg.mergeUnionTypeDefinition(newTypeDef)
		case *ast.DirectiveDefinition:
			sg.mergeDirectiveDefinition(newTypeDef)
		}
	}
}

func (sg *SuperGraph) mergeObjectTypeDefinitionDeep(newDef *ast.ObjectTypeDefinition) {
	var existingDef *ast.ObjectTypeDefinition
	for _, def := range sg.Schema.Definitions {
		if objDef, ok := def.(*ast.ObjectTypeDefinition); ok {
			if objDef.Name.String() == newDef.Name.String() {
				existingDef = objDef
				break
			}
		}
	}

	if existingDef != nil {
		newFields := copyFields(newDef.Fields)
		existingDef.Fields = mergeFields(existingDef.Fields, newFields)
		existingDef.Directives = append(existingDef.Directives, copyDirectives(newDef.Directives)...)
	} else {
		copiedDef := &ast.ObjectTypeDefinition{
			Name:       newDef.Name,
			Interfaces: newDef.Interfaces,
			Fields:     copyFields(newDef.Fields),
			Directives: copyDirectives(newDef.Directives),
		}
		sg.Schema.Definitions = append(sg.Schema.Definitions, copiedDef)
	}
}

func (sg *SuperGraph) mergeObjectTypeExtensionDeep(newExt *ast.ObjectTypeExtension) {
	var existingDef *ast.ObjectTypeDefinition
	for _, def := range sg.Schema.Definitions {
		if objDef, ok := def.(*ast.ObjectTypeDefinition); ok {
			if objDef.Name.String() == newExt.Name.String() {
				existingDef = objDef
				break
			}
		}
	}

	if existingDef != nil {
		newFields := copyFields(newExt.Fields)
		existingDef.Fields = mergeFields(existingDef.Fields, newFields)
		existingDef.Directives = append(existingDef.Directives, copyDirectives(newExt.Directives)...)
	}
}

func copyFields(fields []*ast.FieldDefinition) []*ast.FieldDefinition {
	if fields == nil {
		return nil
	}
	copied := make([]*ast.FieldDefinition, len(fields))
	for i, field := range fields {
		copied[i] = &ast.FieldDefinition{
			Name:       field.Name,
			Arguments:  field.Arguments,
			Type:       field.Type,
			Directives: copyDirectives(field.Directives),
		}
	}
	return copied
}

func copyDirectives(directives []*ast.Directive) []*ast.Directive {
	if directives == nil {
		return nil
	}
	copied := make([]*ast.Directive, len(directives))
	for i, dir := range directives {
		copied[i] = &ast.Directive{
			Name:      dir.Name,
			Arguments: dir.Arguments,
		}
	}
	return copied
}

func mergeFields(existing, newFields []*ast.FieldDefinition) []*ast.FieldDefinition {
	fieldMap := make(map[string]*ast.FieldDefinition)

	for _, field := range existing {
		fieldMap[field.Name.String()] = field
	}

	for _, field := range newFields {
		if _, exists := fieldMap[field.Name.String()]; !exists {
			fieldMap[field.Name.String()] = field
		}
	}

	result := make([]*ast.FieldDefinition, 0, len(fieldMap))
	for _, field := range fieldMap {
		result = append(result, field)
	}

	return result
}

func (sg *SuperGraph) mergeInterfaceTypeDefinition(newDef *ast.InterfaceTypeDefinition) {
	var existingDef *ast.InterfaceTypeDefinition
	for _, def := range sg.Schema.Definitions {
		if intDef, ok := def.(*ast.InterfaceTypeDefinition); ok {
			if intDef.Name.String() == newDef.Name.String() {
				existingDef = intDef
				break
			}
		}
	}

	if existingDef != nil {
		existingDef.Fields = append(existingDef.Fields, newDef.Fields...)
		existingDef.Directives = append(existingDef.Directives, newDef.Directives...)
	} else {
		sg.Schema.Definitions = append(sg.Schema.Definitions, newDef)
	}
}

func (sg *SuperGraph) mergeInputObjectTypeDefinition(newDef *ast.InputObjectTypeDefinition) {
	var existingDef *ast.InputObjectTypeDefinition
	for _, def := range sg.Schema.Definitions {
		if inputDef, ok := def.(*ast.InputObjectTypeDefinition); ok {
			if inputDef.Name.String() == newDef.Name.String() {
				existingDef = inputDef
				break
			}
		}
	}

	if existingDef != nil {
		existingDef.Fields = append(existingDef.Fields, newDef.Fields...)
		existingDef.Directives = append(existingDef.Directives, newDef.Directives...)
	} else {
		sg.Schema.Definitions = append(sg.Schema.Definitions, newDef)
	}
}

func (sg *SuperGraph) mergeEnumTypeDefinition(newDef *ast.EnumTypeDefinition) {
	var existingDef *ast.EnumTypeDefinition
	for _, def := range sg.Schema.Definitions {
		if enumDef, ok := def.(*ast.EnumTypeDefinition); ok {
			if enumDef.Name.String() == newDef.Name.String() {
				existingDef = enumDef
				break
			}
		}
	}

	if existingDef != nil {
		existingDef.Values = append(existingDef.Values, newDef.Values...)
		existingDef.Directives = append(existingDef.Directives, newDef.Directives...)
	} else {
		sg.Schema.Definitions = append(sg.Schema.Definitions, newDef)
	}
}

func (sg *SuperGraph) mergeScalarTypeDefinition(newDef *ast.ScalarTypeDefinition) {
	var existingDef *ast.ScalarTypeDefinition
	for _, def := range sg.Schema.Definitions {
		if scalarDef, ok := def.(*ast.ScalarTypeDefinition); ok {
			if scalarDef.Name.String() == newDef.Name.String() {
				existingDef = scalarDef
				break
			}
		}
	}

	if existingDef == nil {
		sg.Schema.Definitions = append(sg.Schema.Definitions, newDef)
	}
}

func (sg *SuperGraph) mergeUnionTypeDefinition(newDef *ast.UnionTypeDefinition) {
	var existingDef *ast.UnionTypeDefinition
	for _, def := range sg.Schema.Definitions {
		if unionDef, ok := def.(*ast.UnionTypeDefinition); ok {
			if unionDef.Name.String() == newDef.Name.String() {
				existingDef = unionDef
				break
			}
		}
	}

	if existingDef != nil {
		existingDef.Types = append(existingDef.Types, newDef.Types...)
		existingDef.Directives = append(existingDef.Directives, newDef.Directives...)
	} else {
		sg.Schema.Definitions = append(sg.Schema.Definitions, newDef)
	}
}

func (sg *SuperGraph) mergeDirectiveDefinition(newDef *ast.DirectiveDefinition) {
	var existingDef *ast.DirectiveDefinition
	for _, def := range sg.Schema.Definitions {
		if dirDef, ok := def.(*ast.DirectiveDefinition); ok {
			if dirDef.Name.String() == newDef.Name.String() {
				existingDef = dirDef
				break
			}
		}
	}

	if existingDef == nil {
		sg.Schema.Definitions = append(sg.Schema.Definitions, newDef)
	}
}

// validateOverrides walks every @override(from:) edge in the composed graph
// and rejects cycles: A overriding B which overrides A back leaves no
// subgraph able to claim the field.
func (sg *SuperGraph) validateOverrides() error {
	edges := make(map[string]map[string]string) // "Type.field" -> subgraph -> from

	for _, subGraph := range sg.SubGraphs {
		for typeName, entity := range subGraph.GetEntities() {
			for fieldName, field := range entity.Fields {
				override := field.GetOverride()
				if override == nil {
					continue
				}
				key := typeName + "." + fieldName
				if edges[key] == nil {
					edges[key] = make(map[string]string)
				}
				edges[key][subGraph.Name] = override.From
			}
		}
	}

	for key, chain := range edges {
		visited := make(map[string]bool)
		current := ""
		for sub := range chain {
			current = sub
			break
		}
		for {
			from, ok := chain[current]
			if !ok {
				break
			}
			if visited[from] {
				return fmt.Errorf("@override cycle detected for field %q involving subgraph %q", key, from)
			}
			visited[current] = true
			current = from
		}
	}

	return nil
}

// buildOwnershipMap constructs the ownership map: which subgraphs can
// resolve each field in the composed schema, honoring @override.
func (sg *SuperGraph) buildOwnershipMap() error {
	for _, def := range sg.Schema.Definitions {
		objDef, ok := def.(*ast.ObjectTypeDefinition)
		if !ok {
			continue
		}

		typeName := objDef.Name.String()

		for _, field := range objDef.Fields {
			fieldName := field.Name.String()
			key := fmt.Sprintf("%s.%s", typeName, fieldName)

			var overrideFrom string
			var overrideSubGraph *SubGraph

			for _, subGraph := range sg.SubGraphs {
				if entity, exists := subGraph.GetEntity(typeName); exists {
					if entityField, ok := entity.Fields[fieldName]; ok {
						if override := entityField.GetOverride(); override != nil {
							overrideFrom = override.From
							overrideSubGraph = subGraph
							break
						}
					}
				}
			}

			for _, subGraph := range sg.SubGraphs {
				if overrideFrom != "" && subGraph.Name == overrideFrom {
					continue
				}

				if sg.canResolveField(subGraph, typeName, fieldName) {
					sg.Ownership[key] = append(sg.Ownership[key], subGraph)
				}
			}

			if overrideSubGraph != nil {
				found := false
				for _, owner := range sg.Ownership[key] {
					if owner.Name == overrideSubGraph.Name {
						found = true
						break
					}
				}
				if !found {
					sg.Ownership[key] = append(sg.Ownership[key], overrideSubGraph)
				}
			}
		}
	}

	return nil
}

// canResolveField reports whether subGraph can resolve typeName.fieldName:
// false if the field is declared @external there.
func (sg *SuperGraph) canResolveField(subGraph *SubGraph, typeName, fieldName string) bool {
	foundType := false
	for _, def := range subGraph.Schema.Definitions {
		if objDef, ok := def.(*ast.ObjectTypeDefinition); ok {
			if objDef.Name.String() == typeName {
				foundType = true
				for _, field := range objDef.Fields {
					if field.Name.String() == fieldName {
						return !hasDirective(field.Directives, "external")
					}
				}
				return false
			}
		}
	}

	if !foundType {
		for _, def := range subGraph.Schema.Definitions {
			if objExt, ok := def.(*ast.ObjectTypeExtension); ok {
				if objExt.Name.String() == typeName {
					for _, field := range objExt.Fields {
						if field.Name.String() == fieldName {
							return !hasDirective(field.Directives, "external")
						}
					}
					return false
				}
			}
		}
	}

	return false
}

// GetSubGraphsForField returns the subgraphs that can resolve typeName.fieldName.
func (sg *SuperGraph) GetSubGraphsForField(typeName, fieldName string) []*SubGraph {
	key := fmt.Sprintf("%s.%s", typeName, fieldName)
	return sg.Ownership[key]
}

// GetEntityOwnerSubGraph returns the subgraph that owns the entity (declares
// it with a resolvable @key, not merely extends it). Stubs declared only
// with @key(resolvable: false) are skipped.
func (sg *SuperGraph) GetEntityOwnerSubGraph(typeName string) *SubGraph {
	for _, subGraph := range sg.SubGraphs {
		if entity, exists := subGraph.GetEntity(typeName); exists && !entity.IsExtension() && entity.IsResolvable() {
			return subGraph
		}
	}

	for _, subGraph := range sg.SubGraphs {
		if entity, exists := subGraph.GetEntity(typeName); exists && entity.IsResolvable() {
			return subGraph
		}
	}

	return nil
}

// IsEntityType reports whether typeName carries @key in any subgraph.
func (sg *SuperGraph) IsEntityType(typeName string) bool {
	return sg.GetEntityOwnerSubGraph(typeName) != nil
}

// GetFieldOwnerSubGraph returns the first subgraph able to resolve
// typeName.fieldName, honoring @override.
func (sg *SuperGraph) GetFieldOwnerSubGraph(typeName, fieldName string) *SubGraph {
	key := fmt.Sprintf("%s.%s", typeName, fieldName)
	owners := sg.Ownership[key]
	if len(owners) > 0 {
		return owners[0]
	}
	return nil
}

// InterfaceObjectOwners returns the subgraphs that resolve typeName via
// @interfaceObject rather than a native declaration.
func (sg *SuperGraph) InterfaceObjectOwners(typeName string) []*SubGraph {
	var owners []*SubGraph
	for _, subGraph := range sg.SubGraphs {
		if entity, exists := subGraph.GetEntity(typeName); exists && entity.IsInterfaceObject() {
			owners = append(owners, subGraph)
		}
	}
	return owners
}
