package yamltree

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/sapling/pkg/tree"
)

// Print renders docs back to YAML.
func Print(docs *tree.Documents) ([]byte, error) {
	var buf bytes.Buffer
	if docs.BOM {
		buf.Write(bom)
	}

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for i, doc := range docs.Documents {
		n, err := documentNode(doc)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		if err := enc.Encode(n); err != nil {
			return nil, fmt.Errorf("failed to encode document %d: %w", i, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush YAML: %w", err)
	}
	buf.WriteString(docs.Suffix)
	return buf.Bytes(), nil
}

func documentNode(doc *tree.Document) (*yaml.Node, error) {
	n := &yaml.Node{Kind: yaml.DocumentNode, HeadComment: commentText(doc.Comments)}
	if doc.Block == nil {
		n.Content = []*yaml.Node{{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}}
		return n, nil
	}
	block, err := toNode(doc.Block)
	if err != nil {
		return nil, err
	}
	n.Content = []*yaml.Node{block}
	return n, nil
}

func toNode(n tree.Node) (*yaml.Node, error) {
	switch t := n.(type) {
	case *tree.Mapping:
		m := &yaml.Node{Kind: yaml.MappingNode, Anchor: t.Anchor}
		if t.OpenBrace != "" {
			m.Style = yaml.FlowStyle
		}
		for _, e := range t.Entries {
			k, err := toNode(e.Key)
			if err != nil {
				return nil, err
			}
			k.HeadComment = commentText(e.Comments)
			v := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: ""}
			if e.Value != nil {
				if v, err = toNode(e.Value); err != nil {
					return nil, err
				}
			}
			m.Content = append(m.Content, k, v)
		}
		return m, nil

	case *tree.Sequence:
		s := &yaml.Node{Kind: yaml.SequenceNode, Anchor: t.Anchor}
		if t.OpenBracket != "" {
			s.Style = yaml.FlowStyle
		}
		for _, el := range t.Elements {
			c, err := toNode(el)
			if err != nil {
				return nil, err
			}
			s.Content = append(s.Content, c)
		}
		return s, nil

	case *tree.Scalar:
		s := &yaml.Node{
			Kind:        yaml.ScalarNode,
			Anchor:      t.Anchor,
			Value:       t.Value,
			LineComment: t.LineComment,
			Style:       yamlStyle(t.Style),
		}
		if t.Tag != "" {
			s.Tag = t.Tag
			s.Style |= yaml.TaggedStyle
		}
		return s, nil

	case *tree.Identifier:
		if alias, ok := strings.CutPrefix(t.Name, "*"); ok {
			return &yaml.Node{Kind: yaml.AliasNode, Value: alias}, nil
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: t.Name}, nil

	default:
		return nil, fmt.Errorf("cannot print %s #%s as YAML", n.Kind(), n.Identity().Short())
	}
}

func commentText(comments []*tree.Comment) string {
	lines := make([]string, 0, len(comments))
	for _, c := range comments {
		lines = append(lines, c.Text)
	}
	return strings.Join(lines, "\n")
}

func yamlStyle(s tree.ScalarStyle) yaml.Style {
	switch s {
	case tree.StyleDoubleQuoted:
		return yaml.DoubleQuotedStyle
	case tree.StyleSingleQuoted:
		return yaml.SingleQuotedStyle
	case tree.StyleLiteral:
		return yaml.LiteralStyle
	case tree.StyleFolded:
		return yaml.FoldedStyle
	default:
		return 0
	}
}
