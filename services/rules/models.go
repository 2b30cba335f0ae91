// Package rules implements the rule engine: a compiled boolean
// expression tree evaluated over event JSON, parametric templates that
// instantiate concrete rules, and the hot-reloaded per-process catalog
// of active rules indexed by event type.
package rules

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Rule - an instantiated rule bound to one badge
type Rule struct {
	ID              int64           `db:"id"`
	BadgeID         int64           `db:"badge_id"`
	RuleCode        string          `db:"rule_code"`
	EventType       string          `db:"event_type"`
	RuleJSON        []byte          `db:"rule_json"`
	StartTime       *time.Time      `db:"start_time"`
	EndTime         *time.Time      `db:"end_time"`
	MaxCountPerUser *int64          `db:"max_count_per_user"`
	GlobalQuota     *int64          `db:"global_quota"`
	GlobalGranted   int64           `db:"global_granted"`
	Enabled         bool            `db:"enabled"`
	TemplateID      *int64          `db:"template_id"`
	TemplateParams  json.RawMessage `db:"template_params"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// ActiveAt - whether the rule's time window covers t
func (r *Rule) ActiveAt(t time.Time) bool {
	if r.StartTime != nil && t.Before(*r.StartTime) {
		return false
	}
	if r.EndTime != nil && t.After(*r.EndTime) {
		return false
	}
	return true
}

// TemplateCategory - rule template grouping
type TemplateCategory string

const (
	// TemplateBasic - simple single-condition templates
	TemplateBasic TemplateCategory = "basic"
	// TemplateAdvanced - composite templates
	TemplateAdvanced TemplateCategory = "advanced"
	// TemplateIndustry - vertical specific templates
	TemplateIndustry TemplateCategory = "industry"
)

// ParameterType - a template parameter's type
type ParameterType string

const (
	// ParamString - free text
	ParamString ParameterType = "string"
	// ParamNumber - numeric, min/max constrained
	ParamNumber ParameterType = "number"
	// ParamBoolean - true/false
	ParamBoolean ParameterType = "boolean"
	// ParamArray - JSON array
	ParamArray ParameterType = "array"
	// ParamDate - RFC 3339 or YYYY-MM-DD
	ParamDate ParameterType = "date"
	// ParamEnum - one of the declared options
	ParamEnum ParameterType = "enum"
)

// Parameter - a template parameter descriptor
type Parameter struct {
	Name     string        `json:"name"`
	Type     ParameterType `json:"type"`
	Required bool          `json:"required"`
	Default  interface{}   `json:"default,omitempty"`
	Min      *float64      `json:"min,omitempty"`
	Max      *float64      `json:"max,omitempty"`
	Options  []string      `json:"options,omitempty"`
}

// Parameters - the jsonb parameter list
type Parameters []Parameter

// Value - implement driver.Valuer
func (p Parameters) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan - implement sql.Scanner
func (p *Parameters) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok {
		return errors.New("parameters: expected []byte")
	}
	return json.Unmarshal(b, p)
}

// Template - a reusable parametric rule skeleton
type Template struct {
	ID           int64            `db:"id"`
	Code         string           `db:"code"`
	Category     TemplateCategory `db:"category"`
	TemplateJSON string           `db:"template_json"`
	Parameters   Parameters       `db:"parameters"`
	Version      int              `db:"version"`
	CreatedAt    time.Time        `db:"created_at"`
	UpdatedAt    time.Time        `db:"updated_at"`
}

// Context - the evaluation context assembled from an event envelope.
// The document is flattened at the top level only: envelope fields plus
// every top level key of data. Nested access uses dotted paths.
type Context struct {
	EventID   string
	EventType string
	UserID    string
	Timestamp time.Time
	Source    string
	Data      json.RawMessage
}

// Document - the flattened JSON document conditions resolve against
func (c *Context) Document() ([]byte, error) {
	doc := map[string]interface{}{
		"event_id":   c.EventID,
		"event_type": c.EventType,
		"user_id":    c.UserID,
		"timestamp":  c.Timestamp.Format(time.RFC3339),
		"source":     c.Source,
	}
	if len(c.Data) > 0 {
		var data map[string]interface{}
		if err := json.Unmarshal(c.Data, &data); err != nil {
			return nil, err
		}
		for k, v := range data {
			doc[k] = v
		}
	}
	return json.Marshal(doc)
}

// EvalResult - the outcome of evaluating one rule
type EvalResult struct {
	RuleID            int64         `json:"ruleId"`
	Matched           bool          `json:"matched"`
	MatchedConditions []string      `json:"matchedConditions"`
	EvaluationTime    time.Duration `json:"evaluationTime"`
	Trace             []TraceEntry  `json:"trace,omitempty"`
}

// TraceEntry - one condition check in an evaluation trace
type TraceEntry struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Matched  bool   `json:"matched"`
}
