// Package parser groups the graph-source parsers.
//
// Each parser turns an external definition format into process nodes:
//   - bpmn: the executable subset of BPMN 2.0 XML
//   - yaml: YAML or JSON documents mirroring the node model
package parser
