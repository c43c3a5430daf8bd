package graph_test

import (
	"testing"

	"github.com/n9te9/federation-gateway/federation/graph"
)

func TestNewSuperGraph(t *testing.T) {
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

	reviewSchema := `
		extend type Product @key(fields: "id") {
			id: ID! @external
			reviews: [Review!]!
		}

		type Review {
			id: ID!
			rating: Int!
			comment: String!
		}

		extend type Query {
			review(id: ID!): Review
		}
	`

	productSG, err := graph.NewSubGraph("product", []byte(productSchema), "http://product.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed for product: %v", err)
	}

	reviewSG, err := graph.NewSubGraph("review", []byte(reviewSchema), "http://review.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed for review: %v", err)
	}

	superGraph, err := graph.NewSuperGraph([]*graph.SubGraph{productSG, reviewSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	if len(superGraph.SubGraphs) != 2 {
		t.Errorf("expected 2 subgraphs, got %d", len(superGraph.SubGraphs))
	}

	if superGraph.Schema == nil {
		t.Fatal("expected schema to be composed")
	}

	productIDOwners := superGraph.GetSubGraphsForField("Product", "id")
	if len(productIDOwners) != 1 {
		t.Errorf("expected 1 owner for Product.id, got %d", len(productIDOwners))
	}

	if !superGraph.IsEntityType("Product") {
		t.Error("expected Product to be an entity type")
	}

	owner := superGraph.GetEntityOwnerSubGraph("Product")
	if owner == nil || owner.Name != "product" {
		t.Fatalf("expected product subgraph to own Product entity, got %+v", owner)
	}
}

func TestSuperGraphOverrideOwnership(t *testing.T) {
	legacySchema := `
		type Review @key(fields: "id") {
			id: ID!
			rating: Int!
		}
	`

	newSchema := `
		extend type Review @key(fields: "id") {
			id: ID! @external
			rating: Int! @override(from: "legacy-reviews")
		}
	`

	legacySG, err := graph.NewSubGraph("legacy-reviews", []byte(legacySchema), "http://legacy.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}

	newSG, err := graph.NewSubGraph("reviews", []byte(newSchema), "http://reviews.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}

	superGraph, err := graph.NewSuperGraph([]*graph.SubGraph{legacySG, newSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	owner := superGraph.GetFieldOwnerSubGraph("Review", "rating")
	if owner == nil || owner.Name != "reviews" {
		t.Fatalf("expected rating to be owned by reviews after override, got %+v", owner)
	}
}

func TestSuperGraphOverrideCycleRejected(t *testing.T) {
	schemaA := `
		type Review @key(fields: "id") {
			id: ID!
			rating: Int! @override(from: "reviews-b")
		}
	`

	schemaB := `
		extend type Review @key(fields: "id") {
			id: ID! @external
			rating: Int! @override(from: "reviews-a")
		}
	`

	sgA, err := graph.NewSubGraph("reviews-a", []byte(schemaA), "http://a.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}

	sgB, err := graph.NewSubGraph("reviews-b", []byte(schemaB), "http://b.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}

	if _, err := graph.NewSuperGraph([]*graph.SubGraph{sgA, sgB}); err == nil {
		t.Fatal("expected override cycle to be rejected")
	}
}
