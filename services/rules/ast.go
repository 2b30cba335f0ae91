package rules

import (
	"encoding/json"
	"fmt"
)

// LogicalOp - group combinator
type LogicalOp string

const (
	// OpAnd - all children must match, short-circuits on first false
	OpAnd LogicalOp = "AND"
	// OpOr - any child may match, short-circuits on first true
	OpOr LogicalOp = "OR"
)

// Node - a node of the compiled rule tree: either a group or a condition
type Node struct {
	// group
	LogicalOp LogicalOp `json:"logicalOp,omitempty"`
	Children  []*Node   `json:"conditions,omitempty"`

	// condition
	Field    string          `json:"field,omitempty"`
	Operator Operator        `json:"operator,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// IsGroup - whether this node combines children
func (n *Node) IsGroup() bool {
	return n.LogicalOp != ""
}

// nodeJSON mirrors Node for unmarshalling without recursion into the
// custom UnmarshalJSON
type nodeJSON struct {
	LogicalOp LogicalOp       `json:"logicalOp"`
	Children  []*Node         `json:"conditions"`
	Field     string          `json:"field"`
	Operator  Operator        `json:"operator"`
	Value     json.RawMessage `json:"value"`
}

// UnmarshalJSON - discriminate group vs condition on the presence of logicalOp
func (n *Node) UnmarshalJSON(b []byte) error {
	var raw nodeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.LogicalOp != "" {
		if raw.LogicalOp != OpAnd && raw.LogicalOp != OpOr {
			return fmt.Errorf("unknown logical op %q", raw.LogicalOp)
		}
		if len(raw.Children) == 0 {
			return fmt.Errorf("group with logical op %q has no conditions", raw.LogicalOp)
		}
		n.LogicalOp = raw.LogicalOp
		n.Children = raw.Children
		return nil
	}
	if raw.Field == "" {
		return fmt.Errorf("condition missing field")
	}
	if !raw.Operator.Valid() {
		return fmt.Errorf("unknown operator %q", raw.Operator)
	}
	n.Field = raw.Field
	n.Operator = raw.Operator
	n.Value = raw.Value
	return nil
}

// CompiledRule - a parsed rule ready for evaluation
type CompiledRule struct {
	ID      int64
	Name    string
	Version int
	Root    *Node
}

// Compile - parse ruleJSON into a compiled tree
func Compile(id int64, name string, version int, ruleJSON []byte) (*CompiledRule, error) {
	var root Node
	if err := json.Unmarshal(ruleJSON, &root); err != nil {
		return nil, fmt.Errorf("failed to compile rule %d: %w", id, err)
	}
	return &CompiledRule{ID: id, Name: name, Version: version, Root: &root}, nil
}
