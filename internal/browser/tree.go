package browser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// TreeSourceJS collects what BuildTree needs from a live element: its markup and
// the tag of its parent, which decides how a fragment is parsed.
const TreeSourceJS = `el => ({
	tag: el.tagName.toLowerCase(),
	parent: el.parentElement ? el.parentElement.tagName.toLowerCase() : '',
	html: el.outerHTML,
})`

// TreeSource is the decoded result of TreeSourceJS.
type TreeSource struct {
	Tag    string `json:"tag"`
	Parent string `json:"parent"`
	HTML   string `json:"html"`
}

// TreeNode is one element of the JSON DOM tree. Field order is output order.
type TreeNode struct {
	Tag      string      `json:"tag"`
	ID       string      `json:"id,omitempty"`
	Class    []string    `json:"class,omitempty"`
	Attrs    Attrs       `json:"attrs,omitempty"`
	Text     string      `json:"text,omitempty"`
	Children []*TreeNode `json:"children,omitempty"`
}

// Attrs keeps attributes in source order when encoded as a JSON object.
type Attrs []html.Attribute

func (a Attrs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, attr := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(attr.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(attr.Val)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// BuildTree parses the element markup and converts it into a TreeNode.
func BuildTree(src TreeSource) (*TreeNode, error) {
	root, err := parseElement(src)
	if err != nil {
		return nil, err
	}
	return walk(root), nil
}

func parseElement(src TreeSource) (*html.Node, error) {
	if src.Tag == "html" {
		doc, err := htmlquery.Parse(strings.NewReader(src.HTML))
		if err != nil {
			return nil, fmt.Errorf("parse document: %w", err)
		}
		root := htmlquery.FindOne(doc, "/html")
		if root == nil {
			return nil, fmt.Errorf("document has no html element")
		}
		return root, nil
	}

	parent := src.Parent
	if parent == "" {
		parent = "body"
	}
	fragmentCtx := &html.Node{Type: html.ElementNode, Data: parent, DataAtom: atom.Lookup([]byte(parent))}
	nodes, err := html.ParseFragment(strings.NewReader(src.HTML), fragmentCtx)
	if err != nil {
		return nil, fmt.Errorf("parse <%s> fragment: %w", src.Tag, err)
	}
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			return n, nil
		}
	}
	return nil, fmt.Errorf("no <%s> element in markup", src.Tag)
}

func walk(n *html.Node) *TreeNode {
	node := &TreeNode{Tag: n.Data}
	for _, a := range n.Attr {
		switch {
		case a.Namespace != "":
			node.Attrs = append(node.Attrs, html.Attribute{Key: a.Namespace + ":" + a.Key, Val: a.Val})
		case a.Key == "id":
			node.ID = a.Val
		case a.Key == "class":
			node.Class = strings.Fields(a.Val)
		case strings.HasPrefix(a.Key, "data-plwr"):
		default:
			node.Attrs = append(node.Attrs, a)
		}
	}

	var texts []string
	for _, t := range htmlquery.Find(n, "./text()") {
		if s := strings.TrimSpace(t.Data); s != "" {
			texts = append(texts, s)
		}
	}
	node.Text = strings.Join(texts, " ")

	for _, child := range htmlquery.Find(n, "./*") {
		node.Children = append(node.Children, walk(child))
	}
	return node
}
