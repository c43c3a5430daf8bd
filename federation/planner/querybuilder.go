package planner

import (
	"fmt"
	"strings"

	"github.com/n9te9/graphql-parser/ast"

	"github.com/n9te9/federation-gateway/federation/graph"
)

// QueryBuilder renders a Step into the GraphQL document text and variables
// to send to its SubGraph.
type QueryBuilder struct {
	superGraph *graph.SuperGraph
}

// NewQueryBuilder creates a QueryBuilder bound to a composed supergraph.
func NewQueryBuilder(superGraph *graph.SuperGraph) *QueryBuilder {
	return &QueryBuilder{superGraph: superGraph}
}

// Build generates a GraphQL document and variables for one step. For
// StepTypeQuery it builds a root query/mutation; for StepTypeEntity it
// builds an _entities query carrying the given representations.
func (qb *QueryBuilder) Build(
	step *Step,
	representations []map[string]interface{},
	variables map[string]interface{},
	operationType string,
) (string, map[string]interface{}, error) {
	if step.StepType == StepTypeQuery {
		return qb.buildRootQuery(step, variables, operationType)
	}
	return qb.buildEntityQuery(step, representations, variables)
}

func (qb *QueryBuilder) buildRootQuery(
	step *Step,
	variables map[string]interface{},
	operationType string,
) (string, map[string]interface{}, error) {
	var sb strings.Builder

	varNames := qb.collectVariables(step.SelectionSet)

	if operationType == "" {
		operationType = "query"
	}

	sb.WriteString(operationType)
	if len(varNames) > 0 {
		sb.WriteString(" (")
		for i, varName := range varNames {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("$")
			sb.WriteString(varName)
			sb.WriteString(": ")
			sb.WriteString(qb.inferVariableType(varName, variables, step))
		}
		sb.WriteString(")")
	}
	sb.WriteString(" {\n")

	for _, sel := range step.SelectionSet {
		if err := qb.writeSelection(&sb, sel, "\t", step, step.ParentType); err != nil {
			return "", nil, err
		}
	}

	sb.WriteString("}")
	return sb.String(), variables, nil
}

func (qb *QueryBuilder) collectVariables(selections []ast.Selection) []string {
	vars := make(map[string]bool)
	qb.collectVariablesRecursive(selections, vars)

	result := make([]string, 0, len(vars))
	for v := range vars {
		result = append(result, v)
	}
	return result
}

func (qb *QueryBuilder) collectVariablesRecursive(selections []ast.Selection, vars map[string]bool) {
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			for _, arg := range s.Arguments {
				qb.collectVariablesFromValue(arg.Value, vars)
			}
			for _, d := range s.Directives {
				for _, arg := range d.Arguments {
					qb.collectVariablesFromValue(arg.Value, vars)
				}
			}
			if len(s.SelectionSet) > 0 {
				qb.collectVariablesRecursive(s.SelectionSet, vars)
			}
		case *ast.InlineFragment:
			if len(s.SelectionSet) > 0 {
				qb.collectVariablesRecursive(s.SelectionSet, vars)
			}
		}
	}
}

func (qb *QueryBuilder) collectVariablesFromValue(val ast.Value, vars map[string]bool) {
	switch v := val.(type) {
	case *ast.Variable:
		vars[v.Name] = true
	case *ast.ListValue:
		for _, item := range v.Values {
			qb.collectVariablesFromValue(item, vars)
		}
	case *ast.ObjectValue:
		for _, field := range v.Fields {
			qb.collectVariablesFromValue(field.Value, vars)
		}
	}
}

func (qb *QueryBuilder) inferVariableType(varName string, variables map[string]interface{}, step *Step) string {
	if step.SubGraph != nil && step.SubGraph.Schema != nil {
		if varType := qb.getVariableTypeFromSchema(varName, step); varType != "" {
			return varType
		}
	}

	if val, ok := variables[varName]; ok {
		switch val.(type) {
		case string:
			return "String"
		case int, int32, int64:
			return "Int"
		case float32, float64:
			return "Float"
		case bool:
			return "Boolean"
		}
	}

	return "String"
}

func (qb *QueryBuilder) getVariableTypeFromSchema(varName string, step *Step) string {
	for _, sel := range step.SelectionSet {
		if field, ok := sel.(*ast.Field); ok {
			for _, arg := range field.Arguments {
				if variable, ok := arg.Value.(*ast.Variable); ok && variable.Name == varName {
					return qb.getArgumentTypeFromSchema(step, step.ParentType, field.Name.String(), arg.Name.String())
				}
			}
		}
	}
	return ""
}

func (qb *QueryBuilder) getArgumentTypeFromSchema(step *Step, parentType, fieldName, argName string) string {
	if step.SubGraph == nil || step.SubGraph.Schema == nil {
		return ""
	}

	for _, def := range step.SubGraph.Schema.Definitions {
		if objType, ok := def.(*ast.ObjectTypeDefinition); ok && objType.Name.String() == parentType {
			for _, field := range objType.Fields {
				if field.Name.String() == fieldName {
					for _, arg := range field.Arguments {
						if arg.Name.String() == argName {
							return arg.Type.String()
						}
					}
				}
			}
		}
	}

	return ""
}

func (qb *QueryBuilder) getFieldType(step *Step, parentType, fieldName string) string {
	if step.SubGraph == nil || step.SubGraph.Schema == nil {
		return ""
	}

	for _, def := range step.SubGraph.Schema.Definitions {
		if objType, ok := def.(*ast.ObjectTypeDefinition); ok && objType.Name.String() == parentType {
			for _, field := range objType.Fields {
				if field.Name.String() == fieldName {
					return qb.extractBaseTypeName(field.Type.String())
				}
			}
		}
	}

	return ""
}

// extractBaseTypeName strips list/non-null wrappers: "[Product!]!" -> "Product".
func (qb *QueryBuilder) extractBaseTypeName(typeStr string) string {
	cleaned := strings.Trim(typeStr, "[]!")
	cleaned = strings.ReplaceAll(cleaned, "[", "")
	cleaned = strings.ReplaceAll(cleaned, "]", "")
	cleaned = strings.ReplaceAll(cleaned, "!", "")
	return cleaned
}

func (qb *QueryBuilder) buildEntityQuery(
	step *Step,
	representations []map[string]interface{},
	variables map[string]interface{},
) (string, map[string]interface{}, error) {
	if len(representations) == 0 {
		return "", nil, fmt.Errorf("representations cannot be empty for entity query")
	}

	var sb strings.Builder
	sb.WriteString("query ($representations: [_Any!]!) {\n")
	sb.WriteString("\t_entities(representations: $representations) {\n")

	sb.WriteString("\t\t... on ")
	sb.WriteString(step.ParentType)
	sb.WriteString(" {\n")

	for _, sel := range step.SelectionSet {
		if err := qb.writeSelection(&sb, sel, "\t\t\t", step, step.ParentType); err != nil {
			return "", nil, err
		}
	}

	sb.WriteString("\t\t}\n")
	sb.WriteString("\t}\n")
	sb.WriteString("}")

	newVariables := make(map[string]interface{})
	for k, v := range variables {
		newVariables[k] = v
	}
	newVariables["representations"] = representations

	return sb.String(), newVariables, nil
}

// writeSelection renders one selection. Every directive on a field,
// @skip/@include/@defer included, is forwarded to the subgraph verbatim;
// the planner additionally lifts boundary-level occurrences into plan.Node
// Condition/Defer wrappers.
func (qb *QueryBuilder) writeSelection(sb *strings.Builder, sel ast.Selection, indent string, step *Step, parentType string) error {
	switch s := sel.(type) {
	case *ast.Field:
		fieldName := s.Name.String()

		sb.WriteString(indent)

		if s.Alias != nil && s.Alias.String() != "" {
			sb.WriteString(s.Alias.String())
			sb.WriteString(": ")
		}

		sb.WriteString(s.Name.String())

		if len(s.Arguments) > 0 {
			sb.WriteString("(")
			for i, arg := range s.Arguments {
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(arg.Name.String())
				sb.WriteString(": ")
				qb.writeValue(sb, arg.Value)
			}
			sb.WriteString(")")
		}

		qb.writeDirectives(sb, s.Directives)

		if len(s.SelectionSet) > 0 {
			fieldType := qb.getFieldType(step, parentType, fieldName)
			sb.WriteString(" {\n")
			for _, subSel := range s.SelectionSet {
				if err := qb.writeSelection(sb, subSel, indent+"\t", step, fieldType); err != nil {
					return err
				}
			}
			sb.WriteString(indent)
			sb.WriteString("}")
		}
		sb.WriteString("\n")

	case *ast.InlineFragment:
		sb.WriteString(indent)
		sb.WriteString("... on ")
		typeCondition := s.TypeCondition.Name.String()
		sb.WriteString(typeCondition)
		sb.WriteString(" {\n")
		for _, subSel := range s.SelectionSet {
			if err := qb.writeSelection(sb, subSel, indent+"\t", step, typeCondition); err != nil {
				return err
			}
		}
		sb.WriteString(indent)
		sb.WriteString("}\n")

	case *ast.FragmentSpread:
		sb.WriteString(indent)
		sb.WriteString("...")
		sb.WriteString(s.Name.String())
		sb.WriteString("\n")
	}

	return nil
}

func (qb *QueryBuilder) writeDirectives(sb *strings.Builder, directives []*ast.Directive) {
	for _, d := range directives {
		sb.WriteString(" @")
		sb.WriteString(d.Name)
		if len(d.Arguments) > 0 {
			sb.WriteString("(")
			for i, arg := range d.Arguments {
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(arg.Name.String())
				sb.WriteString(": ")
				qb.writeValue(sb, arg.Value)
			}
			sb.WriteString(")")
		}
	}
}

func (qb *QueryBuilder) writeValue(sb *strings.Builder, val ast.Value) {
	switch v := val.(type) {
	case *ast.StringValue:
		sb.WriteString("\"")
		sb.WriteString(v.Value)
		sb.WriteString("\"")
	case *ast.IntValue:
		fmt.Fprintf(sb, "%d", v.Value)
	case *ast.FloatValue:
		fmt.Fprintf(sb, "%f", v.Value)
	case *ast.BooleanValue:
		fmt.Fprintf(sb, "%t", v.Value)
	case *ast.Variable:
		sb.WriteString("$")
		sb.WriteString(v.Name)
	case *ast.ListValue:
		sb.WriteString("[")
		for i, item := range v.Values {
			if i > 0 {
				sb.WriteString(", ")
			}
			qb.writeValue(sb, item)
		}
		sb.WriteString("]")
	case *ast.ObjectValue:
		sb.WriteString("{")
		for i, field := range v.Fields {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(field.Name.String())
			sb.WriteString(": ")
			qb.writeValue(sb, field.Value)
		}
		sb.WriteString("}")
	case *ast.EnumValue:
		sb.WriteString(v.Value)
	default:
		sb.WriteString("null")
	}
}
