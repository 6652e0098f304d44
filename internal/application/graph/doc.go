// Package graph compiles process definitions into an indexed, immutable
// graph and validates their structure.
//
// Guard conditions on flows are small boolean expressions over instance
// variables; see Condition.
package graph
