// Package xmlparse extracts the XML fragment embedded in a model reply and
// parses it into a navigable node tree. Model output is free-form prose around
// a single fragment; extraction tolerates the surrounding text while parsing
// stays strict so that malformed output surfaces as a retryable error.
package xmlparse

import (
	"encoding/xml"
	"io"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// ParseError reports a fragment that is not well-formed XML.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "xml parse: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Node is one element of a parsed fragment.
type Node struct {
	Tag      string
	Attrs    map[string]string
	Text     string
	Children []*Node
}

// ExtractTagged returns the first <tag ...>...</tag> fragment found in
// content, matching across newlines and stopping at the first closing tag.
// The boolean reports whether a fragment was found.
func ExtractTagged(content, tag string) (string, bool) {
	quoted := regexp.QuoteMeta(tag)
	re := regexp.MustCompile(`(?s)<` + quoted + `[^>]*>.*?</` + quoted + `>`)
	fragment := re.FindString(content)
	if fragment == "" {
		return "", false
	}
	return fragment, true
}

// Parse decodes a fragment into its node tree. The fragment must contain
// exactly one root element; mismatched or unclosed tags are parse errors.
func Parse(fragment string) (*Node, error) {
	decoder := xml.NewDecoder(strings.NewReader(strings.TrimSpace(fragment)))

	var root *Node
	var stack []*Node

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{Err: err}
		}

		switch t := token.(type) {
		case xml.StartElement:
			node := &Node{Tag: t.Name.Local}
			if len(t.Attr) > 0 {
				node.Attrs = make(map[string]string, len(t.Attr))
				for _, attr := range t.Attr {
					node.Attrs[attr.Name.Local] = attr.Value
				}
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, &ParseError{Err: errors.New("multiple root elements")}
				}
				root = node
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			}
			stack = append(stack, node)
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		case xml.EndElement:
			node := stack[len(stack)-1]
			node.Text = strings.TrimSpace(node.Text)
			stack = stack[:len(stack)-1]
		}
	}

	if root == nil {
		return nil, &ParseError{Err: errors.New("no element found")}
	}
	return root, nil
}

// Child returns the first child element with the given tag, or nil.
func (n *Node) Child(tag string) *Node {
	for _, child := range n.Children {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

// ChildList returns every child element with the given tag, in order.
func (n *Node) ChildList(tag string) []*Node {
	var nodes []*Node
	for _, child := range n.Children {
		if child.Tag == tag {
			nodes = append(nodes, child)
		}
	}
	return nodes
}

// ChildText returns the text of the first child with the given tag. The
// boolean reports whether that child exists.
func (n *Node) ChildText(tag string) (string, bool) {
	child := n.Child(tag)
	if child == nil {
		return "", false
	}
	return child.Text, true
}

// Attr returns the attribute value, or the empty string when absent.
func (n *Node) Attr(name string) string {
	return n.Attrs[name]
}
