package bpmn

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aescanero/agentflow/internal/domain"
	"github.com/aescanero/agentflow/internal/ports"
	json "github.com/goccy/go-json"
)

// Format is the name the parser registers under
const Format = "bpmn"

var nodeKinds = map[string]domain.NodeKind{
	"startEvent":       domain.NodeKindStart,
	"endEvent":         domain.NodeKindEnd,
	"task":             domain.NodeKindTask,
	"serviceTask":      domain.NodeKindTask,
	"scriptTask":       domain.NodeKindTask,
	"sendTask":         domain.NodeKindTask,
	"businessRuleTask": domain.NodeKindTask,
	"exclusiveGateway": domain.NodeKindExclusiveGateway,
	"parallelGateway":  domain.NodeKindParallelGateway,
	"inclusiveGateway": domain.NodeKindInclusiveGateway,
}

// Elements that carry no control flow
var ignored = map[string]bool{
	"documentation":       true,
	"extensionElements":   true,
	"laneSet":             true,
	"textAnnotation":      true,
	"association":         true,
	"dataObject":          true,
	"dataObjectReference": true,
	"dataStoreReference":  true,
}

type definitions struct {
	XMLName   xml.Name  `xml:"definitions"`
	Processes []process `xml:"process"`
}

type process struct {
	ID       string    `xml:"id,attr"`
	Name     string    `xml:"name,attr"`
	Elements []element `xml:",any"`
}

type element struct {
	XMLName   xml.Name
	ID        string      `xml:"id,attr"`
	Name      string      `xml:"name,attr"`
	Default   string      `xml:"default,attr"`
	SourceRef string      `xml:"sourceRef,attr"`
	TargetRef string      `xml:"targetRef,attr"`
	Condition *expression `xml:"conditionExpression"`

	// Task attributes, usually in an extension namespace
	Capability string `xml:"capability,attr"`
	Type       string `xml:"type,attr"`
	Priority   string `xml:"priority,attr"`
	MaxRetries string `xml:"maxRetries,attr"`
	Timeout    string `xml:"timeout,attr"`

	Extensions *extensions `xml:"extensionElements"`
}

type expression struct {
	Body string `xml:",chardata"`
}

type extensions struct {
	Inputs []input `xml:"input"`
}

type input struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// Parser reads the executable subset of BPMN 2.0 XML.
//
// The first process of the document is used. Start and end events, tasks,
// exclusive, parallel and inclusive gateways, and sequence flows are
// supported. Task capability, priority, maxRetries and timeout are read from
// attributes in any namespace; <input name="..."> extension elements become
// the task input, decoded as JSON when they parse as JSON. A gateway's
// default flow never carries a condition.
type Parser struct{}

// NewParser creates a new BPMN parser
func NewParser() *Parser {
	return &Parser{}
}

// Format returns the format name
func (p *Parser) Format() string {
	return Format
}

// Parse converts a BPMN document into process nodes
func (p *Parser) Parse(source []byte) (*ports.ParsedDefinition, error) {
	var doc definitions
	dec := xml.NewDecoder(bytes.NewReader(source))
	if err := dec.Decode(&doc); err != nil {
		return nil, parseError("malformed BPMN document", err)
	}
	if len(doc.Processes) == 0 {
		return nil, parseError("BPMN document has no process", nil)
	}
	proc := doc.Processes[0]

	var (
		nodes    []domain.ProcessNode
		index    = make(map[string]int)
		defaults = make(map[string]string)
		flows    []element
	)

	for _, el := range proc.Elements {
		tag := el.XMLName.Local
		if tag == "sequenceFlow" {
			flows = append(flows, el)
			continue
		}
		if ignored[tag] {
			continue
		}
		kind, ok := nodeKinds[tag]
		if !ok {
			return nil, parseError(fmt.Sprintf("unsupported element <%s> %q", tag, el.ID), nil)
		}
		if el.ID == "" {
			return nil, parseError(fmt.Sprintf("<%s> without id", tag), nil)
		}
		if _, dup := index[el.ID]; dup {
			return nil, parseError(fmt.Sprintf("duplicate element id %q", el.ID), nil)
		}

		node := domain.ProcessNode{ID: el.ID, Name: el.Name, Kind: kind}
		if kind == domain.NodeKindTask {
			if err := applyTaskAttributes(&node, el); err != nil {
				return nil, err
			}
		}
		if el.Default != "" {
			defaults[el.ID] = el.Default
		}

		index[el.ID] = len(nodes)
		nodes = append(nodes, node)
	}

	for _, flow := range flows {
		src, ok := index[flow.SourceRef]
		if !ok {
			return nil, parseError(fmt.Sprintf("sequence flow %q: unknown source %q", flow.ID, flow.SourceRef), nil)
		}
		dst, ok := index[flow.TargetRef]
		if !ok {
			return nil, parseError(fmt.Sprintf("sequence flow %q: unknown target %q", flow.ID, flow.TargetRef), nil)
		}

		f := domain.Flow{Target: flow.TargetRef}
		if flow.Condition != nil && defaults[flow.SourceRef] != flow.ID {
			f.Condition = strings.TrimSpace(flow.Condition.Body)
		}
		nodes[src].Outgoing = append(nodes[src].Outgoing, f)
		nodes[dst].Incoming = append(nodes[dst].Incoming, flow.SourceRef)
	}

	return &ports.ParsedDefinition{
		Key:   proc.ID,
		Name:  proc.Name,
		Nodes: nodes,
	}, nil
}

func applyTaskAttributes(node *domain.ProcessNode, el element) error {
	node.CapabilityTag = el.Capability
	if node.CapabilityTag == "" {
		node.CapabilityTag = el.Type
	}

	if el.Priority != "" {
		v, err := strconv.Atoi(el.Priority)
		if err != nil {
			return parseError(fmt.Sprintf("task %q: invalid priority %q", el.ID, el.Priority), err)
		}
		node.Priority = v
	}
	if el.MaxRetries != "" {
		v, err := strconv.Atoi(el.MaxRetries)
		if err != nil {
			return parseError(fmt.Sprintf("task %q: invalid maxRetries %q", el.ID, el.MaxRetries), err)
		}
		node.MaxRetries = &v
	}
	if el.Timeout != "" {
		d, err := time.ParseDuration(el.Timeout)
		if err != nil {
			return parseError(fmt.Sprintf("task %q: invalid timeout %q", el.ID, el.Timeout), err)
		}
		node.Timeout = d
	}

	if el.Extensions != nil && len(el.Extensions.Inputs) > 0 {
		node.Input = make(map[string]interface{}, len(el.Extensions.Inputs))
		for _, in := range el.Extensions.Inputs {
			if in.Name == "" {
				return parseError(fmt.Sprintf("task %q: input without name", el.ID), nil)
			}
			node.Input[in.Name] = inputValue(in.Value)
		}
	}
	return nil
}

func inputValue(raw string) interface{} {
	text := strings.TrimSpace(raw)
	var v interface{}
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return text
}

func parseError(message string, err error) error {
	return domain.NewError(domain.CodeGraphParse, message, err)
}
