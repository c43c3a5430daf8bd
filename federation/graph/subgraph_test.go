package graph_test

import (
	"testing"

	"github.com/n9te9/federation-gateway/federation/graph"
)

func TestNewSubGraph(t *testing.T) {
	schema := `
		type Product @key(fields: "id") {
			id: ID!
			name: String!
			price: Float! @external
			weight: Int! @shareable
		}

		type Query {
			product(id: ID!): Product
		}
	`

	sg, err := graph.NewSubGraph("product", []byte(schema), "http://product.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}

	if sg.Name != "product" {
		t.Errorf("expected name 'product', got '%s'", sg.Name)
	}

	entities := sg.GetEntities()
	productEntity, ok := entities["Product"]
	if !ok {
		t.Fatal("Product entity not found")
	}

	if len(productEntity.Keys) != 1 || productEntity.Keys[0].FieldSet != "id" {
		t.Fatalf("unexpected keys: %+v", productEntity.Keys)
	}

	if !productEntity.Fields["price"].IsExternal() {
		t.Error("expected price to be external")
	}

	if !productEntity.Fields["weight"].IsShareable() {
		t.Error("expected weight to be shareable")
	}
}

func TestNewSubGraphDirectiveMetadata(t *testing.T) {
	schema := `
		type Review @key(fields: "id") {
			id: ID!
			body: String! @inaccessible
			rating: Int! @override(from: "legacy-reviews", label: "percent(10)")
			author: String! @authenticated
			secret: String! @requiresScopes(scopes: [["internal"]])
		}
	`

	sg, err := graph.NewSubGraph("reviews", []byte(schema), "http://reviews.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}

	review := sg.GetEntities()["Review"]

	if !review.Fields["body"].IsInaccessible() {
		t.Error("expected body to be inaccessible")
	}

	override := review.Fields["rating"].GetOverride()
	if override == nil || override.From != "legacy-reviews" || override.Label != "percent(10)" {
		t.Fatalf("unexpected override: %+v", override)
	}

	if !review.Fields["author"].IsAuthenticated() {
		t.Error("expected author to require authentication")
	}

	scopes := review.Fields["secret"].RequiredScopes()
	if len(scopes) != 1 || len(scopes[0]) != 1 || scopes[0][0] != "internal" {
		t.Fatalf("unexpected required scopes: %+v", scopes)
	}
}

func TestEntityIsResolvable(t *testing.T) {
	schema := `
		type Product @key(fields: "id", resolvable: false) {
			id: ID!
		}
	`

	sg, err := graph.NewSubGraph("stub", []byte(schema), "http://stub.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}

	if sg.GetEntities()["Product"].IsResolvable() {
		t.Error("expected entity with resolvable:false key to not be resolvable")
	}
}
