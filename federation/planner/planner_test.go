package planner_test

import (
	"testing"

	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"

	"github.com/n9te9/federation-gateway/federation/graph"
	"github.com/n9te9/federation-gateway/federation/planner"
)

func mustParse(t *testing.T, query string) *parser.Parser {
	t.Helper()
	l := lexer.New(query)
	p := parser.New(l)
	return p
}

func TestPlanner_SimpleQuery(t *testing.T) {
	productSchema := `
		type Product @key(fields: "id") {
			id: ID!
			name: String!
			price: Float!
		}

		type Query {
			product(id: ID!): Product
		}
	`

	productSG, err := graph.NewSubGraph("product", []byte(productSchema), "http://product.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}

	superGraph, err := graph.NewSuperGraph([]*graph.SubGraph{productSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	p := planner.New(superGraph)

	query := `{ product(id: "1") { id name price } }`
	parsed := mustParse(t, query)
	doc := parsed.ParseDocument()
	if len(parsed.Errors()) > 0 {
		t.Fatalf("parse error: %v", parsed.Errors())
	}

	plan, err := p.Plan(doc, nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if len(plan.Steps) != 1 {
		t.Fatalf("expected 1 step, got %d", len(plan.Steps))
	}

	if plan.Root == nil {
		t.Fatal("expected a root plan node")
	}

	if plan.Root.Kind != planner.NodeFetch {
		t.Errorf("expected root to be a single Fetch node, got kind %v", plan.Root.Kind)
	}
}

func TestPlanner_EntityBoundaryProducesFlatten(t *testing.T) {
	productSchema := `
		type Product @key(fields: "id") {
			id: ID!
			name: String!
		}

		type Query {
			product(id: ID!): Product
		}
	`

	reviewSchema := `
		extend type Product @key(fields: "id") {
			id: ID! @external
			reviews: [Review!]!
		}

		type Review {
			id: ID!
			rating: Int!
		}
	`

	productSG, err := graph.NewSubGraph("product", []byte(productSchema), "http://product.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}

	reviewSG, err := graph.NewSubGraph("review", []byte(reviewSchema), "http://review.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}

	superGraph, err := graph.NewSuperGraph([]*graph.SubGraph{productSG, reviewSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	p := planner.New(superGraph)

	query := `{ product(id: "1") { id name reviews { id rating } } }`
	parsed := mustParse(t, query)
	doc := parsed.ParseDocument()
	if len(parsed.Errors()) > 0 {
		t.Fatalf("parse error: %v", parsed.Errors())
	}

	plan, err := p.Plan(doc, nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps (root + entity), got %d", len(plan.Steps))
	}

	var sawFlatten bool
	var walk func(n *planner.Node)
	walk = func(n *planner.Node) {
		if n == nil {
			return
		}
		if n.Kind == planner.NodeFlatten {
			sawFlatten = true
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(plan.Root)

	if !sawFlatten {
		t.Error("expected the entity resolution step to appear as a Flatten node")
	}
}

func TestPlanner_BoundarySkipProducesCondition(t *testing.T) {
	productSchema := `
		type Product @key(fields: "id") {
			id: ID!
			name: String!
		}

		type Query {
			product(id: ID!): Product
		}
	`

	productSG, err := graph.NewSubGraph("product", []byte(productSchema), "http://product.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}

	superGraph, err := graph.NewSuperGraph([]*graph.SubGraph{productSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	p := planner.New(superGraph)

	query := `query($skipIt: Boolean!) { product(id: "1") @skip(if: $skipIt) { id name } }`
	parsed := mustParse(t, query)
	doc := parsed.ParseDocument()
	if len(parsed.Errors()) > 0 {
		t.Fatalf("parse error: %v", parsed.Errors())
	}

	plan, err := p.Plan(doc, map[string]any{"skipIt": true})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if plan.Root == nil {
		t.Fatal("expected a root plan node")
	}
	if plan.Root.Kind != planner.NodeCondition {
		t.Fatalf("expected root to be a Condition node, got kind %v", plan.Root.Kind)
	}
	if plan.Root.Condition == nil || plan.Root.Condition.Variable != "skipIt" || !plan.Root.Condition.SkipWhenTrue {
		t.Fatalf("unexpected condition payload: %+v", plan.Root.Condition)
	}
	if len(plan.Root.Children) != 1 || plan.Root.Children[0].Kind != planner.NodeFetch {
		t.Fatalf("expected Condition to wrap a single Fetch node, got %+v", plan.Root.Children)
	}
}

func TestPlanner_DeferredBoundaryProducesDefer(t *testing.T) {
	productSchema := `
		type Product @key(fields: "id") {
			id: ID!
			name: String!
		}

		type Query {
			product(id: ID!): Product
			slowField: String!
		}
	`

	productSG, err := graph.NewSubGraph("product", []byte(productSchema), "http://product.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}

	superGraph, err := graph.NewSuperGraph([]*graph.SubGraph{productSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	p := planner.New(superGraph)

	query := `{ product(id: "1") { id name } ... @defer(label: "slow") { slowField } }`
	parsed := mustParse(t, query)
	doc := parsed.ParseDocument()
	if len(parsed.Errors()) > 0 {
		t.Fatalf("parse error: %v", parsed.Errors())
	}

	plan, err := p.Plan(doc, nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	var deferNode *planner.Node
	var walk func(n *planner.Node)
	walk = func(n *planner.Node) {
		if n == nil {
			return
		}
		if n.Kind == planner.NodeDefer {
			deferNode = n
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(plan.Root)

	if deferNode == nil {
		t.Fatal("expected a Defer node somewhere in the plan tree")
	}
	if deferNode.Defer == nil || deferNode.Defer.Label != "slow" {
		t.Fatalf("unexpected defer payload: %+v", deferNode.Defer)
	}
	if len(deferNode.Children) != 1 || deferNode.Children[0].Kind != planner.NodeFetch {
		t.Fatalf("expected Defer to wrap a single Fetch node, got %+v", deferNode.Children)
	}
}
