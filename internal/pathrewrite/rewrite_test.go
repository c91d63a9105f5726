package pathrewrite_test

import (
	"testing"

	"github.com/rat-data/scgateway/internal/pathmatcher"
	"github.com/rat-data/scgateway/internal/pathrewrite"
	"github.com/rat-data/scgateway/internal/uritemplate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathPrefix_PrependsPrefix(t *testing.T) {
	rc, err := pathrewrite.NewPathPrefix("/v1")
	require.NoError(t, err)

	res, err := pathrewrite.Rewrite(rc, "/books/1?x=y", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "/v1/books/1?x=y", res.Path)
}

func TestPathPrefix_IdentityWhenEmptyOrSlash(t *testing.T) {
	for _, prefix := range []string{"", "/"} {
		rc, err := pathrewrite.NewPathPrefix(prefix)
		require.NoError(t, err)
		res, err := pathrewrite.Rewrite(rc, "/books/1", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "/books/1", res.Path)
	}
}

func TestNewPathPrefix_RejectsQueryOrFragment(t *testing.T) {
	_, err := pathrewrite.NewPathPrefix("/v1?x")
	assert.Error(t, err)
	_, err = pathrewrite.NewPathPrefix("/v1#frag")
	assert.Error(t, err)
}

func TestNewPathPrefix_TrimsTrailingSlash(t *testing.T) {
	rc, err := pathrewrite.NewPathPrefix("/v1/")
	require.NoError(t, err)
	assert.Equal(t, "/v1", rc.Prefix)
}

func TestConstantPath_AppendsQueryAndBindings(t *testing.T) {
	rc, err := pathrewrite.NewConstantPath("/foo", nil)
	require.NoError(t, err)

	bindings := []pathmatcher.VariableBinding{{FieldPath: []string{"abc"}, Value: "567"}}
	res, err := pathrewrite.Rewrite(rc, "/bar/567?xyz=123", bindings, nil)
	require.NoError(t, err)
	assert.Equal(t, "/foo?xyz=123&abc=567", res.Path)
}

func TestConstantPath_NoQueryNoBindings(t *testing.T) {
	rc, err := pathrewrite.NewConstantPath("/foo", nil)
	require.NoError(t, err)

	res, err := pathrewrite.Rewrite(rc, "/bar", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "/foo", res.Path)
}

func TestConstantPath_UrlTemplateMismatchFails(t *testing.T) {
	tpl, err := uritemplate.Parse("/bar/{abc}")
	require.NoError(t, err)
	rc, err := pathrewrite.NewConstantPath("/foo", tpl)
	require.NoError(t, err)

	_, err = pathrewrite.Rewrite(rc, "/nope/567", nil, nil)
	assert.ErrorIs(t, err, pathrewrite.ErrUrlTemplateMismatch)
}

func TestConstantPath_UrlTemplateDerivesBindings(t *testing.T) {
	tpl, err := uritemplate.Parse("/bar/{abc}")
	require.NoError(t, err)
	rc, err := pathrewrite.NewConstantPath("/foo", tpl)
	require.NoError(t, err)

	res, err := pathrewrite.Rewrite(rc, "/bar/567?xyz=123", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "/foo?xyz=123&abc=567", res.Path)
}

func TestConstantPath_SnakeToJSONRemapping(t *testing.T) {
	rc, err := pathrewrite.NewConstantPath("/foo", nil)
	require.NoError(t, err)

	bindings := []pathmatcher.VariableBinding{{FieldPath: []string{"shelf_id"}, Value: "9"}}
	res, err := pathrewrite.Rewrite(rc, "/bar/9", bindings, map[string]string{"shelf_id": "shelfId"})
	require.NoError(t, err)
	assert.Equal(t, "/foo?shelfId=9", res.Path)
}

func TestConstantPath_SnakeToJSONLeavesUnmappedAsIs(t *testing.T) {
	rc, err := pathrewrite.NewConstantPath("/foo", nil)
	require.NoError(t, err)

	bindings := []pathmatcher.VariableBinding{{FieldPath: []string{"plain"}, Value: "9"}}
	res, err := pathrewrite.Rewrite(rc, "/bar/9", bindings, map[string]string{"shelf_id": "shelfId"})
	require.NoError(t, err)
	assert.Equal(t, "/foo?plain=9", res.Path)
}
