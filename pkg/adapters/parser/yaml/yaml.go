package yaml

import (
	"bytes"
	"errors"
	"io"

	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	"gopkg.in/yaml.v3"
)

// Formats the parser registers under
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// document is the on-disk shape of a definition
type document struct {
	Key   string               `yaml:"key"`
	Name  string               `yaml:"name"`
	Nodes []domain.ProcessNode `yaml:"nodes"`
}

// Parser reads definitions written as YAML, or as JSON with the same field
// names. Unknown fields are rejected and task timeouts are duration strings
// such as "30s".
type Parser struct {
	format string
}

// NewParser creates a new YAML definition parser
func NewParser() *Parser {
	return &Parser{format: FormatYAML}
}

// NewJSONParser creates a parser registered for JSON sources
func NewJSONParser() *Parser {
	return &Parser{format: FormatJSON}
}

// Format returns the format name
func (p *Parser) Format() string {
	return p.format
}

// Parse decodes source into process nodes
func (p *Parser) Parse(source []byte) (*ports.ParsedDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(source))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.NewError(domain.CodeGraphParse, "empty definition document", nil)
		}
		return nil, domain.NewError(domain.CodeGraphParse, "malformed "+p.format+" definition", err)
	}
	if len(doc.Nodes) == 0 {
		return nil, domain.NewError(domain.CodeGraphParse, "definition document has no nodes", nil)
	}

	for i := range doc.Nodes {
		node := &doc.Nodes[i]
		if node.ID == "" {
			return nil, domain.Errorf(domain.CodeGraphParse, "node %d has no id", i)
		}
		if !node.Kind.Valid() {
			return nil, domain.Errorf(domain.CodeGraphParse, "node %s: unknown kind %q", node.ID, node.Kind)
		}
	}

	return &ports.ParsedDefinition{
		Key:   doc.Key,
		Name:  doc.Name,
		Nodes: doc.Nodes,
	}, nil
}
