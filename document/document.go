// Package document is the structured payload tree exchanged with the host
// runtime and the payload codecs.
package document

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Attr is a single attribute.
type Attr struct {
	Name  string
	Value string
}

// Node is an element or, when Name is empty, a text node.
type Node struct {
	Name     string
	Attrs    []Attr
	Text     string
	Children []*Node
}

// Element creates an element with the given children.
func Element(name string, children ...*Node) *Node {
	return &Node{Name: name, Children: children}
}

// TextNode creates a text node.
func TextNode(s string) *Node {
	return &Node{Text: s}
}

// ElementText creates an element holding a single text node.
func ElementText(name, text string) *Node {
	return Element(name, TextNode(text))
}

// IsText reports whether n is a text node.
func (n *Node) IsText() bool {
	return n.Name == ""
}

// Attr returns the value of the named attribute or "".
func (n *Node) Attr(name string) string {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value
		}
	}
	return ""
}

// HasAttr reports whether the named attribute is present.
func (n *Node) HasAttr(name string) bool {
	for _, a := range n.Attrs {
		if a.Name == name {
			return true
		}
	}
	return false
}

// SetAttr sets or replaces an attribute and returns n.
func (n *Node) SetAttr(name, value string) *Node {
	for i := range n.Attrs {
		if n.Attrs[i].Name == name {
			n.Attrs[i].Value = value
			return n
		}
	}
	n.Attrs = append(n.Attrs, Attr{Name: name, Value: value})
	return n
}

// Add appends children and returns n.
func (n *Node) Add(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

// AddText appends an element holding text and returns the new element.
func (n *Node) AddText(name, text string) *Node {
	c := ElementText(name, text)
	n.Children = append(n.Children, c)
	return c
}

// Child returns the first child element with the given name.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildText returns the text content of the named child, or "".
func (n *Node) ChildText(name string) string {
	if c := n.Child(name); c != nil {
		return c.InnerText()
	}
	return ""
}

// Elements returns the element children of n.
func (n *Node) Elements() []*Node {
	var out []*Node
	for _, c := range n.Children {
		if !c.IsText() {
			out = append(out, c)
		}
	}
	return out
}

// InnerText concatenates all text beneath n.
func (n *Node) InnerText() string {
	if n.IsText() {
		return n.Text
	}
	var sb strings.Builder
	for _, c := range n.Children {
		sb.WriteString(c.InnerText())
	}
	return sb.String()
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := &Node{Name: n.Name, Text: n.Text}
	c.Attrs = append([]Attr(nil), n.Attrs...)
	for _, ch := range n.Children {
		c.Children = append(c.Children, ch.Clone())
	}
	return c
}

// Parse reads the first element of data. Namespace prefixes are kept as
// written and whitespace-only text between elements is dropped.
func Parse(data []byte) (*Node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var stack []*Node
	var root *Node
	for {
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: qualified(t.Name)}
			for _, a := range t.Attr {
				n.Attrs = append(n.Attrs, Attr{Name: qualified(a.Name), Value: a.Value})
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 || stack[len(stack)-1].Name != qualified(t.Name) {
				return nil, fmt.Errorf("document: unexpected end element %s", qualified(t.Name))
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return root, nil
			}
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			s := string(t)
			if strings.TrimSpace(s) == "" {
				continue
			}
			parent := stack[len(stack)-1]
			if k := len(parent.Children); k > 0 && parent.Children[k-1].IsText() {
				parent.Children[k-1].Text += s
				continue
			}
			parent.Children = append(parent.Children, TextNode(s))
		}
	}
	if root == nil {
		return nil, errors.New("document: no element found")
	}
	return nil, fmt.Errorf("document: unclosed element %s", stack[len(stack)-1].Name)
}

// ParseString is Parse for a string.
func ParseString(s string) (*Node, error) {
	return Parse([]byte(s))
}

func qualified(name xml.Name) string {
	if name.Space == "" {
		return name.Local
	}
	return name.Space + ":" + name.Local
}

// Marshal serialises n.
func (n *Node) Marshal() []byte {
	var buf bytes.Buffer
	n.write(&buf)
	return buf.Bytes()
}

// String returns the serialised form of n.
func (n *Node) String() string {
	return string(n.Marshal())
}

func (n *Node) write(buf *bytes.Buffer) {
	if n.IsText() {
		_ = xml.EscapeText(buf, []byte(n.Text))
		return
	}
	buf.WriteByte('<')
	buf.WriteString(n.Name)
	for _, a := range n.Attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.Name)
		buf.WriteString(`="`)
		_ = xml.EscapeText(buf, []byte(a.Value))
		buf.WriteByte('"')
	}
	if len(n.Children) == 0 {
		buf.WriteString("/>")
		return
	}
	buf.WriteByte('>')
	for _, c := range n.Children {
		c.write(buf)
	}
	buf.WriteString("</")
	buf.WriteString(n.Name)
	buf.WriteByte('>')
}
