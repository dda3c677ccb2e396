package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"crashmill/common/format/crash"
	"crashmill/processor/pipeline"
	"crashmill/processor/schema"
)

// CopyItem describes how one annotation lands in the processed crash.
type CopyItem struct {
	Type       string
	Annotation string
	Key        string
	Default    any
	HasDefault bool

	reducer *schema.Reducer
}

// CopyFromRawCrashRule copies and normalizes every annotation the schema
// declares with source_annotation.
type CopyFromRawCrashRule struct {
	pipeline.Base
	Fields []CopyItem
}

// NewCopyFromRawCrashRule reads copy items from the top level properties of
// a resolved schema.
func NewCopyFromRawCrashRule(s schema.Schema) *CopyFromRawCrashRule {
	props, _ := s["properties"].(map[string]any)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r := &CopyFromRawCrashRule{}
	for _, key := range keys {
		node, ok := props[key].(map[string]any)
		if !ok {
			continue
		}
		annotation, ok := node["source_annotation"].(string)
		if !ok || annotation == "" {
			continue
		}
		item := CopyItem{
			Type:       valueType(node),
			Annotation: annotation,
			Key:        key,
		}
		item.Default, item.HasDefault = node["default"]
		if item.Type == "object" {
			item.reducer = schema.NewReducer(schema.Schema(node))
		}
		r.Fields = append(r.Fields, item)
	}
	return r
}

// valueType is the first declared type other than null.
func valueType(node map[string]any) string {
	for _, t := range schema.Types(node) {
		if t != "null" {
			return t
		}
	}
	return "string"
}

func (*CopyFromRawCrashRule) Name() string { return "CopyFromRawCrashRule" }

func (r *CopyFromRawCrashRule) Action(c *pipeline.Crash) error {
	for _, item := range r.Fields {
		value, ok := c.Raw[item.Annotation]
		if !ok {
			if item.HasDefault {
				c.Processed[item.Key] = crash.DeepCopy(item.Default)
			}
			continue
		}

		switch item.Type {
		case "boolean":
			switch strings.ToLower(text(value)) {
			case "1", "true":
				c.Processed[item.Key] = true
			case "0", "false":
				c.Processed[item.Key] = false
			default:
				c.Status.Add(fmt.Sprintf("%s has non-boolean value %s", item.Annotation, text(value)))
			}

		case "integer":
			i, err := parseInt(value)
			if err != nil {
				c.Status.Add(fmt.Sprintf("%s has a non-int value", item.Annotation))
				continue
			}
			c.Processed[item.Key] = i

		case "number":
			f, err := parseFloat(value)
			if err != nil {
				c.Status.Add(fmt.Sprintf("%s has a non-float value", item.Annotation))
				continue
			}
			c.Processed[item.Key] = f

		case "object":
			if s, ok := value.(string); ok {
				var decoded any
				if err := json.Unmarshal([]byte(s), &decoded); err != nil {
					c.Status.Add(fmt.Sprintf("%s value is malformed json", item.Annotation))
					continue
				}
				value = decoded
			}
			reduced, err := item.reducer.Traverse(value)
			if err != nil {
				c.Status.Add(fmt.Sprintf("%s value is malformed %s", item.Annotation, item.Key))
				continue
			}
			c.Processed[item.Key] = reduced

		default:
			c.Processed[item.Key] = value
		}
	}
	return nil
}

// ConvertModuleSignatureInfoRule encodes a ModuleSignatureInfo object so the
// annotation is always a string.
type ConvertModuleSignatureInfoRule struct{}

func (ConvertModuleSignatureInfoRule) Name() string { return "ConvertModuleSignatureInfoRule" }

func (ConvertModuleSignatureInfoRule) Predicate(c *pipeline.Crash) bool {
	v, ok := c.Raw["ModuleSignatureInfo"]
	if !ok {
		return false
	}
	_, isString := v.(string)
	return !isString
}

func (ConvertModuleSignatureInfoRule) Action(c *pipeline.Crash) error {
	encoded, err := crash.SpacedJson(c.Raw["ModuleSignatureInfo"])
	if err != nil {
		return err
	}
	c.Raw["ModuleSignatureInfo"] = encoded
	return nil
}

// SubmittedFromInfobarFixRule normalizes true values of
// SubmittedFromInfobar to "1".
type SubmittedFromInfobarFixRule struct{}

func (SubmittedFromInfobarFixRule) Name() string { return "SubmittedFromInfobarFixRule" }

func (SubmittedFromInfobarFixRule) Predicate(c *pipeline.Crash) bool {
	switch v := c.Raw["SubmittedFromInfobar"].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

func (SubmittedFromInfobarFixRule) Action(c *pipeline.Crash) error {
	c.Raw["SubmittedFromInfobar"] = "1"
	return nil
}
