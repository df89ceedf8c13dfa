// Package yamltree converts YAML source to and from sapling trees.
//
// Node ids are derived from the source path and the node's position (mapping
// keys, sequence indexes), so parsing an edited file again reuses the ids of
// everything that did not move. That is what lets a session send a re-parsed
// file as a small diff.
//
// The round trip is structural, not lexical. Comments, anchors, tags, scalar
// styles and flow brackets survive, but inter-token whitespace does not: Parse
// leaves every Prefix empty and records only the bracket in OpenBrace and
// OpenBracket, and Print re-indents with two spaces.
package yamltree

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/sapling/pkg/tree"
)

var (
	bom = []byte("\xef\xbb\xbf")

	// JSON-pointer escaping keeps keys containing "/" unambiguous.
	keyEscaper = strings.NewReplacer("~", "~0", "/", "~1")
)

// Parse builds a Documents tree from data. sourcePath scopes every id.
func Parse(sourcePath string, data []byte) (*tree.Documents, error) {
	p := &parser{ns: tree.DerivedID(tree.ID("sapling:"+sourcePath), "/")}

	docs := &tree.Documents{ID: p.id(""), SourcePath: sourcePath}
	if bytes.HasPrefix(data, bom) {
		docs.BOM = true
		data = data[len(bom):]
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	for i := 0; ; i++ {
		var n yaml.Node
		err := dec.Decode(&n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", sourcePath, err)
		}
		doc, err := p.document(&n, "/"+strconv.Itoa(i))
		if err != nil {
			return nil, fmt.Errorf("failed to convert %s: %w", sourcePath, err)
		}
		doc.Explicit = i > 0 || bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("---"))
		docs.Documents = append(docs.Documents, doc)
	}
	return docs, nil
}

type parser struct {
	ns tree.ID
}

func (p *parser) id(path string) tree.ID {
	return tree.DerivedID(p.ns, path)
}

func (p *parser) document(n *yaml.Node, path string) (*tree.Document, error) {
	doc := &tree.Document{ID: p.id(path)}
	doc.Comments = p.comments(path+"#doc", n.HeadComment, n.FootComment)
	if len(n.Content) == 0 {
		return doc, nil
	}
	block, err := p.node(n.Content[0], path+"/")
	if err != nil {
		return nil, err
	}
	doc.Block = block
	return doc, nil
}

func (p *parser) node(n *yaml.Node, path string) (tree.Node, error) {
	switch n.Kind {
	case yaml.MappingNode:
		return p.mapping(n, path)
	case yaml.SequenceNode:
		return p.sequence(n, path)
	case yaml.ScalarNode:
		return p.scalar(n, path), nil
	case yaml.AliasNode:
		return &tree.Identifier{ID: p.id(path), Name: "*" + n.Value}, nil
	default:
		return nil, fmt.Errorf("unsupported YAML node kind %d at line %d", n.Kind, n.Line)
	}
}

func (p *parser) mapping(n *yaml.Node, path string) (*tree.Mapping, error) {
	m := &tree.Mapping{ID: p.id(path), Anchor: n.Anchor, Entries: []*tree.Entry{}}
	if n.Style&yaml.FlowStyle != 0 {
		m.OpenBrace, m.CloseBrace = "{", "}"
	}

	seen := make(map[string]int)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]

		segment := keyEscaper.Replace(k.Value)
		if c := seen[segment]; c > 0 {
			seen[segment]++
			segment += "~~" + strconv.Itoa(c)
		} else {
			seen[segment] = 1
		}
		entryPath := path + "/" + segment

		e := &tree.Entry{ID: p.id(entryPath + "#entry")}
		e.Comments = p.comments(entryPath+"#head", k.HeadComment)
		if k.Kind == yaml.ScalarNode && k.Style == 0 && k.Tag == "!!str" {
			e.Key = &tree.Identifier{ID: p.id(entryPath + "#key"), Name: k.Value}
		} else {
			key, err := p.node(k, entryPath+"#key")
			if err != nil {
				return nil, err
			}
			e.Key = key
		}

		value, err := p.node(v, entryPath)
		if err != nil {
			return nil, err
		}
		e.Value = value
		m.Entries = append(m.Entries, e)
	}
	return m, nil
}

func (p *parser) sequence(n *yaml.Node, path string) (*tree.Sequence, error) {
	s := &tree.Sequence{ID: p.id(path), Anchor: n.Anchor, Elements: []tree.Node{}}
	if n.Style&yaml.FlowStyle != 0 {
		s.OpenBracket, s.CloseBracket = "[", "]"
	}
	for i, c := range n.Content {
		el, err := p.node(c, path+"/"+strconv.Itoa(i))
		if err != nil {
			return nil, err
		}
		s.Elements = append(s.Elements, el)
	}
	return s, nil
}

func (p *parser) scalar(n *yaml.Node, path string) *tree.Scalar {
	s := &tree.Scalar{
		ID:          p.id(path),
		Anchor:      n.Anchor,
		Value:       n.Value,
		Style:       styleOf(n.Style),
		LineComment: n.LineComment,
	}
	if n.Style&yaml.TaggedStyle != 0 {
		s.Tag = n.Tag
	}
	return s
}

// comments turns YAML comment blocks into Comment nodes, one per line.
func (p *parser) comments(path string, blocks ...string) []*tree.Comment {
	var out []*tree.Comment
	for _, block := range blocks {
		if block == "" {
			continue
		}
		for _, line := range strings.Split(block, "\n") {
			out = append(out, &tree.Comment{ID: p.id(path + "/" + strconv.Itoa(len(out))), Text: line})
		}
	}
	return out
}

func styleOf(s yaml.Style) tree.ScalarStyle {
	switch {
	case s&yaml.DoubleQuotedStyle != 0:
		return tree.StyleDoubleQuoted
	case s&yaml.SingleQuotedStyle != 0:
		return tree.StyleSingleQuoted
	case s&yaml.LiteralStyle != 0:
		return tree.StyleLiteral
	case s&yaml.FoldedStyle != 0:
		return tree.StyleFolded
	default:
		return tree.StylePlain
	}
}
