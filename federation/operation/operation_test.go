package operation_test

import (
	"strings"
	"testing"

	"github.com/n9te9/federation-gateway/federation/graph"
	"github.com/n9te9/federation-gateway/federation/operation"
)

func buildTestSchema(t *testing.T) *graph.SuperGraph {
	t.Helper()

	schema := `
		type Product @key(fields: "id") {
			id: ID!
			name: String!
			secret: String! @inaccessible
		}

		type Query {
			product(id: ID!): Product
			products: [Product!]!
		}
	`

	sg, err := graph.NewSubGraph("product", []byte(schema), "http://product.example.com")
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}

	superGraph, err := graph.NewSuperGraph([]*graph.SubGraph{sg})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	return superGraph
}

func TestParseAndValidateSuccess(t *testing.T) {
	superGraph := buildTestSchema(t)

	query := `query GetProduct($id: ID!) { product(id: $id) { id name } }`

	op, errr := operation.ParseAndValidate(query, "", map[string]interface{}{"id": "1"}, superGraph, operation.DefaultLimits(), "")
	if errr != nil {
		t.Fatalf("unexpected error: %v", errr)
	}

	if op.Name != "GetProduct" {
		t.Errorf("expected operation name GetProduct, got %q", op.Name)
	}
}

func TestParseAndValidateRejectsInaccessibleField(t *testing.T) {
	superGraph := buildTestSchema(t)

	query := `{ product(id: "1") { id secret } }`

	_, errr := operation.ParseAndValidate(query, "", nil, superGraph, operation.DefaultLimits(), "")
	if errr == nil {
		t.Fatal("expected validation error for inaccessible field")
	}
	if errr.Kind != operation.KindValidationError {
		t.Errorf("expected KindValidationError, got %v", errr.Kind)
	}
}

func TestParseAndValidateEnforcesDepthLimit(t *testing.T) {
	superGraph := buildTestSchema(t)

	limits := operation.DefaultLimits()
	limits.MaxDepth = 1

	query := `{ product(id: "1") { id name } }`

	_, errr := operation.ParseAndValidate(query, "", nil, superGraph, limits, "")
	if errr == nil || errr.Kind != operation.KindLimitExceeded || errr.Extra != "depth" {
		t.Fatalf("expected depth limit error, got %+v", errr)
	}
}

func TestParseAndValidateNoOperationSelected(t *testing.T) {
	superGraph := buildTestSchema(t)

	query := `
		query One { products { id } }
		query Two { products { id } }
	`

	_, errr := operation.ParseAndValidate(query, "", nil, superGraph, operation.DefaultLimits(), "")
	if errr == nil || errr.Kind != operation.KindNoOperationSelected {
		t.Fatalf("expected no_operation_selected error, got %+v", errr)
	}
}

func TestSignatureNormalizesLiteralsAndOrdering(t *testing.T) {
	superGraph := buildTestSchema(t)

	a, errr := operation.ParseAndValidate(`{ product(id: "1") { name id } }`, "", nil, superGraph, operation.DefaultLimits(), "")
	if errr != nil {
		t.Fatalf("unexpected error: %v", errr)
	}

	b, errr := operation.ParseAndValidate(`{ product(id: "2") { id name } }`, "", nil, superGraph, operation.DefaultLimits(), "")
	if errr != nil {
		t.Fatalf("unexpected error: %v", errr)
	}

	sigA := operation.Signature(a, operation.SignatureLegacy)
	sigB := operation.Signature(b, operation.SignatureLegacy)

	if sigA != sigB {
		t.Fatalf("expected equivalent operations to normalize to the same signature, got %q vs %q", sigA, sigB)
	}
}

func TestFingerprintDiffersByAuthPartition(t *testing.T) {
	superGraph := buildTestSchema(t)

	op, errr := operation.ParseAndValidate(`{ product(id: "1") { id } }`, "", nil, superGraph, operation.DefaultLimits(), "public")
	if errr != nil {
		t.Fatalf("unexpected error: %v", errr)
	}

	op2, errr := operation.ParseAndValidate(`{ product(id: "1") { id } }`, "", nil, superGraph, operation.DefaultLimits(), "internal")
	if errr != nil {
		t.Fatalf("unexpected error: %v", errr)
	}

	f1 := operation.Fingerprint(op, "schema-1", operation.SignatureLegacy, nil)
	f2 := operation.Fingerprint(op2, "schema-1", operation.SignatureLegacy, nil)

	if f1 == f2 {
		t.Fatal("expected fingerprints to differ by auth partition")
	}
	if len(f1) != 64 || !strings.ContainsAny(f1, "0123456789abcdef") {
		t.Fatalf("expected a 64-char hex sha256 digest, got %q", f1)
	}
}
