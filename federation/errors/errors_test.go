package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/n9te9/federation-gateway/federation/errors"
)

func TestCodeOfFindsWrappedError(t *testing.T) {
	cause := ferrors.New(ferrors.CodeSubrequestHTTPError, "upstream returned 502")
	wrapped := fmt.Errorf("fetching reviews: %w", cause)

	code, ok := ferrors.CodeOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, ferrors.CodeSubrequestHTTPError, code)
}

func TestCodeOfFalseForPlainError(t *testing.T) {
	_, ok := ferrors.CodeOf(stderrors.New("boom"))
	assert.False(t, ok)
}

func TestWithPathAndReasonDoNotMutateOriginal(t *testing.T) {
	base := ferrors.New(ferrors.CodeForbidden, "not allowed")
	withPath := base.WithPath("topProducts", 0, "reviews")
	withReason := base.WithReason("missing scope")

	assert.Nil(t, base.Path)
	assert.Equal(t, "", base.Reason)
	assert.Equal(t, []interface{}{"topProducts", 0, "reviews"}, withPath.Path)
	assert.Equal(t, "missing scope", withReason.Reason)
}

func TestGraphQLExtensionsOmitsReasonWhenUnset(t *testing.T) {
	err := ferrors.New(ferrors.CodeTimeout, "planning timed out")
	ext := err.GraphQLExtensions()
	assert.Equal(t, map[string]interface{}{"code": "TIMEOUT"}, ext)
}

func TestAggregateCollectsAllErrors(t *testing.T) {
	agg := ferrors.NewAggregate()
	agg.Add(ferrors.New(ferrors.CodeValidationError, "depth exceeded"))
	agg.Add(nil)
	agg.Add(ferrors.New(ferrors.CodeValidationError, "too many aliases"))

	require.True(t, agg.HasErrors())
	assert.Len(t, agg.Errors(), 2)
	require.Error(t, agg.ErrOrNil())
}

func TestAggregateEmptyHasNoError(t *testing.T) {
	agg := ferrors.NewAggregate()
	assert.False(t, agg.HasErrors())
	assert.NoError(t, agg.ErrOrNil())
}
