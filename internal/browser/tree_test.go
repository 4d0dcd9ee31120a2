package browser

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTreeFromDocument(t *testing.T) {
	src := TreeSource{
		Tag: "html",
		HTML: `<html><head><title>T</title></head><body>
			<main id="app" class=" wide  dark " data-plwr-id="7" role="main" aria-label="root">
				Hello <b>big</b> world
				<ul><li>one</li><li>two</li></ul>
			</main>
		</body></html>`,
	}

	tree, err := BuildTree(src)
	require.NoError(t, err)
	assert.Equal(t, "html", tree.Tag)
	require.Len(t, tree.Children, 2)

	body := tree.Children[1]
	require.Len(t, body.Children, 1)
	main := body.Children[0]

	assert.Equal(t, "main", main.Tag)
	assert.Equal(t, "app", main.ID)
	assert.Equal(t, []string{"wide", "dark"}, main.Class)
	assert.Equal(t, "Hello world", main.Text)
	require.Len(t, main.Children, 2)
	assert.Equal(t, "ul", main.Children[1].Tag)
	assert.Equal(t, "two", main.Children[1].Children[1].Text)

	raw, err := json.Marshal(main.Attrs)
	require.NoError(t, err)
	assert.Equal(t, `{"role":"main","aria-label":"root"}`, string(raw), "attributes keep source order and skip plwr markers")
}

func TestBuildTreeFromFragment(t *testing.T) {
	tree, err := BuildTree(TreeSource{Tag: "td", Parent: "tr", HTML: `<td colspan="2">cell</td>`})
	require.NoError(t, err)
	assert.Equal(t, "td", tree.Tag)
	assert.Equal(t, "cell", tree.Text)

	raw, err := json.Marshal(tree)
	require.NoError(t, err)
	assert.Equal(t, `{"tag":"td","attrs":{"colspan":"2"},"text":"cell"}`, string(raw))
}

func TestBuildTreeOmitsEmptyFields(t *testing.T) {
	tree, err := BuildTree(TreeSource{Tag: "br", Parent: "div", HTML: `<br>`})
	require.NoError(t, err)
	raw, err := json.Marshal(tree)
	require.NoError(t, err)
	assert.Equal(t, `{"tag":"br"}`, string(raw))
}
