package alerting

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrFieldNotFound is returned when a trigger field cannot be located.
var ErrFieldNotFound = errors.New("field not found")

// Document is a YAML document held as a node tree, so edits keep key order
// and comments.
type Document struct {
	root *yaml.Node
}

// ErrMultipleDocuments is returned for files holding more than one YAML
// document. Rewriting such a file would drop every document but the first.
var ErrMultipleDocuments = errors.New("file contains more than one YAML document")

// ParseDocument parses data, which must hold a single YAML document whose
// top-level value is a mapping.
func ParseDocument(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))

	var root yaml.Node
	if err := dec.Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("document is empty")
		}
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	var extra yaml.Node
	switch err := dec.Decode(&extra); {
	case err == nil:
		return nil, ErrMultipleDocuments
	case !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, fmt.Errorf("document is empty")
	}
	if root.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top-level value is not a mapping")
	}
	return &Document{root: &root}, nil
}

// Mapping returns the top-level mapping node.
func (d *Document) Mapping() *yaml.Node {
	return d.root.Content[0]
}

// Encode renders the document in block style with 2-space indentation.
func (d *Document) Encode() ([]byte, error) {
	blockStyle(d.root)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d.root); err != nil {
		return nil, fmt.Errorf("encode YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode YAML: %w", err)
	}
	return buf.Bytes(), nil
}

// blockStyle expands flow collections so the output is block style.
func blockStyle(n *yaml.Node) {
	n.Style &^= yaml.FlowStyle
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// lookup returns the value node for key in mapping m, or nil.
func lookup(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// lookupPath follows a dotted path of mapping keys.
func lookupPath(m *yaml.Node, path string) (*yaml.Node, error) {
	node := m
	for _, key := range strings.Split(path, ".") {
		if node.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%s: parent of %q is not a mapping", path, key)
		}
		next := lookup(node, key)
		if next == nil {
			return nil, fmt.Errorf("%s: %w", path, ErrFieldNotFound)
		}
		node = next
	}
	return node, nil
}

// ensurePath follows a dotted path, appending missing keys at the end of
// their mapping. The returned node is the value of the last key.
func ensurePath(m *yaml.Node, path string) (*yaml.Node, error) {
	node := m
	keys := strings.Split(path, ".")
	for i, key := range keys {
		if node.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%s: parent of %q is not a mapping", path, key)
		}
		next := lookup(node, key)
		if next == nil {
			next = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			if i == len(keys)-1 {
				next = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int"}
			}
			node.Content = append(node.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
				next,
			)
		}
		node = next
	}
	return node, nil
}

// setInt turns n into an integer scalar, keeping its comments.
func setInt(n *yaml.Node, v int) {
	n.Kind = yaml.ScalarNode
	n.Tag = "!!int"
	n.Style = 0
	n.Value = strconv.Itoa(v)
	n.Content = nil
	n.Alias = nil
}

// intValue returns the integer held by a scalar node.
func intValue(n *yaml.Node) (int, bool) {
	if n == nil || n.Kind != yaml.ScalarNode {
		return 0, false
	}
	v, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, false
	}
	return v, true
}
