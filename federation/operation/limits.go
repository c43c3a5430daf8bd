package operation

import (
	"fmt"

	"github.com/n9te9/graphql-parser/ast"
)

// Limits bounds the shape of an incoming operation, mirroring the
// `limits` section of the gateway's configuration.
type Limits struct {
	MaxDepth             int
	MaxHeight            int
	MaxAliases           int
	MaxRootFields        int
	MaxTokens            int
	MaxRecursion         int // max nesting the limit walks descend; deeper nesting or a fragment cycle is a "recursion" error
	MaxIntrospectionDepth int
}

// DefaultLimits matches the defaults documented for the `limits` config
// section: generous enough not to reject ordinary operations, tight enough
// to stop pathological ones (deeply nested selection bombs, alias floods).
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:              16,
		MaxHeight:             256,
		MaxAliases:            30,
		MaxRootFields:         32,
		MaxTokens:             15000,
		MaxRecursion:          32,
		MaxIntrospectionDepth: 4,
	}
}

func checkLimits(opDef *ast.OperationDefinition, fragments map[string]*ast.FragmentDefinition, limits Limits) *Error {
	rootFields := countRootFields(opDef.SelectionSet)
	if limits.MaxRootFields > 0 && rootFields > limits.MaxRootFields {
		return limitErr("root_fields", fmt.Sprintf("operation selects %d root fields, limit is %d", rootFields, limits.MaxRootFields))
	}

	aliases := countAliases(opDef.SelectionSet, fragments, make(map[string]bool), 0, limits.MaxRecursion)
	if limits.MaxAliases > 0 && aliases > limits.MaxAliases {
		return limitErr("aliases", fmt.Sprintf("operation uses %d aliases, limit is %d", aliases, limits.MaxAliases))
	}

	depth, ok := measureDepth(opDef.SelectionSet, fragments, make(map[string]bool), 0, limits.MaxRecursion)
	if !ok {
		return limitErr("recursion", fmt.Sprintf("selection nesting or fragment recursion exceeds limit of %d", limits.MaxRecursion))
	}
	if limits.MaxDepth > 0 && depth > limits.MaxDepth {
		return limitErr("depth", fmt.Sprintf("operation nests %d levels deep, limit is %d", depth, limits.MaxDepth))
	}

	height := countHeight(opDef.SelectionSet, fragments, make(map[string]bool), 0, limits.MaxRecursion)
	if limits.MaxHeight > 0 && height > limits.MaxHeight {
		return limitErr("height", fmt.Sprintf("operation selects %d total fields, limit is %d", height, limits.MaxHeight))
	}

	return nil
}

func limitErr(kind, msg string) *Error {
	return &Error{Kind: KindLimitExceeded, Extra: kind, Message: msg}
}

func countRootFields(selections []ast.Selection) int {
	n := 0
	for _, sel := range selections {
		if _, ok := sel.(*ast.Field); ok {
			n++
		}
	}
	return n
}

// countAliases counts fields carrying a non-empty alias across the whole
// selection tree, following fragment spreads. visiting guards against
// fragment self-reference cycles; recursion caps nesting depth.
func countAliases(selections []ast.Selection, fragments map[string]*ast.FragmentDefinition, visiting map[string]bool, depth, maxRecursion int) int {
	if maxRecursion > 0 && depth > maxRecursion {
		return 0
	}
	n := 0
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			if s.Alias != nil && s.Alias.String() != "" {
				n++
			}
			n += countAliases(s.SelectionSet, fragments, visiting, depth+1, maxRecursion)
		case *ast.InlineFragment:
			n += countAliases(s.SelectionSet, fragments, visiting, depth+1, maxRecursion)
		case *ast.FragmentSpread:
			name := s.Name.String()
			if visiting[name] {
				continue
			}
			fragDef, ok := fragments[name]
			if !ok {
				continue
			}
			visiting[name] = true
			n += countAliases(fragDef.SelectionSet, fragments, visiting, depth+1, maxRecursion)
			visiting[name] = false
		}
	}
	return n
}

// measureDepth returns the maximum field nesting depth, counting every
// field level including leaf fields ({ a { b } } is 2 deep). Fragments add
// no level of their own. ok is false if the nesting exceeds maxRecursion
// or a fragment spread re-enters a fragment already being walked.
func measureDepth(selections []ast.Selection, fragments map[string]*ast.FragmentDefinition, visiting map[string]bool, depth, maxRecursion int) (int, bool) {
	if maxRecursion > 0 && depth > maxRecursion {
		return depth, false
	}

	max := depth
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			d, ok := measureDepth(s.SelectionSet, fragments, visiting, depth+1, maxRecursion)
			if !ok {
				return d, false
			}
			if d > max {
				max = d
			}
		case *ast.InlineFragment:
			d, ok := measureDepth(s.SelectionSet, fragments, visiting, depth, maxRecursion)
			if !ok {
				return d, false
			}
			if d > max {
				max = d
			}
		case *ast.FragmentSpread:
			name := s.Name.String()
			if visiting[name] {
				return depth, false
			}
			fragDef, ok := fragments[name]
			if !ok {
				continue
			}
			visiting[name] = true
			d, ok2 := measureDepth(fragDef.SelectionSet, fragments, visiting, depth, maxRecursion)
			visiting[name] = false
			if !ok2 {
				return d, false
			}
			if d > max {
				max = d
			}
		}
	}
	return max, true
}

// countHeight counts the total number of field selections across the tree
// (the "height" metric: breadth summed across all depths, not just the
// widest level).
func countHeight(selections []ast.Selection, fragments map[string]*ast.FragmentDefinition, visiting map[string]bool, depth, maxRecursion int) int {
	if maxRecursion > 0 && depth > maxRecursion {
		return 0
	}
	n := 0
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			n++
			n += countHeight(s.SelectionSet, fragments, visiting, depth+1, maxRecursion)
		case *ast.InlineFragment:
			n += countHeight(s.SelectionSet, fragments, visiting, depth+1, maxRecursion)
		case *ast.FragmentSpread:
			name := s.Name.String()
			if visiting[name] {
				continue
			}
			fragDef, ok := fragments[name]
			if !ok {
				continue
			}
			visiting[name] = true
			n += countHeight(fragDef.SelectionSet, fragments, visiting, depth+1, maxRecursion)
			visiting[name] = false
		}
	}
	return n
}

// CountTokens approximates the lexer token count of document without
// re-lexing, by counting runs of characters between separators
// (whitespace and commas); punctuation touching a name is not split off,
// so the count can fall below the real token count. Used as a cheap
// pre-parse guard against oversized documents. The real parse still runs
// afterward.
func CountTokens(document string) int {
	n := 0
	inToken := false
	for _, r := range document {
		significant := r != ' ' && r != '\t' && r != '\n' && r != '\r' && r != ','
		if significant && !inToken {
			n++
		}
		inToken = significant
	}
	return n
}
