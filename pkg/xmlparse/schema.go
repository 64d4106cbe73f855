package xmlparse

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// ValidationError reports a fragment that parsed but does not satisfy the
// expected schema. Like parse errors it is retryable upstream: the model is
// asked again with the full violation list.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "响应格式错误: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError wraps a message as a schema violation.
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Err: errors.New(msg)}
}

// Field describes one expected value in a fragment.
//
// By default the value is the text of the child element named Tag (Name when
// Tag is empty). With Attr set, the value is that attribute instead: of the
// child element when Tag is set, of the node under validation when not. With
// List set, the value is a list of item maps.
type Field struct {
	Name     string
	Tag      string
	Attr     string
	Required bool
	Enum     []string
	// EnumError overrides the default message for an out-of-enum value.
	EnumError string
	List      *ListSpec
}

// ListSpec describes a repeated element. The field element named by
// Field.Tag wraps zero or more ItemTag elements, each validated by Schema.
// A wrapper holding only text (for example "无") yields an empty list.
type ListSpec struct {
	ItemTag string
	Schema  *Schema
}

// Schema describes the fields expected in a fragment. Validate collects every
// violation instead of stopping at the first, so a retry prompt carries the
// full correction list.
type Schema struct {
	Fields []Field
	// CrossChecks run against the extracted values once all fields are
	// individually valid.
	CrossChecks []func(values map[string]any) error
}

func (f *Field) elementTag() string {
	if f.Tag != "" {
		return f.Tag
	}
	return f.Name
}

// Validate extracts the schema's fields from the node. Scalar fields map to
// strings, list fields to []map[string]any. On any violation it returns a
// ValidationError aggregating all of them.
func Validate(node *Node, schema *Schema) (map[string]any, error) {
	values := make(map[string]any, len(schema.Fields))
	var violations *multierror.Error

	for _, field := range schema.Fields {
		if field.List != nil {
			items, err := validateList(node, &field)
			if err != nil {
				violations = multierror.Append(violations, err)
				continue
			}
			values[field.Name] = items
			continue
		}

		value, found := extractScalar(node, &field)
		if !found {
			if field.Required {
				violations = multierror.Append(violations, errors.Errorf("缺少必需字段: %s", field.elementTag()))
			}
			continue
		}
		if value == "" && field.Required {
			violations = multierror.Append(violations, errors.Errorf("字段内容为空: %s", field.elementTag()))
			continue
		}
		if len(field.Enum) > 0 && value != "" && !contains(field.Enum, value) {
			msg := field.EnumError
			if msg == "" {
				violations = multierror.Append(violations, errors.Errorf("字段 %s 的取值无效: %s", field.Name, value))
			} else {
				violations = multierror.Append(violations, errors.New(msg))
			}
			continue
		}
		values[field.Name] = value
	}

	if err := violations.ErrorOrNil(); err != nil {
		return nil, &ValidationError{Err: err}
	}

	for _, check := range schema.CrossChecks {
		if err := check(values); err != nil {
			violations = multierror.Append(violations, err)
		}
	}
	if err := violations.ErrorOrNil(); err != nil {
		return nil, &ValidationError{Err: err}
	}

	return values, nil
}

func extractScalar(node *Node, field *Field) (string, bool) {
	// Attribute of the node under validation itself.
	if field.Attr != "" && field.Tag == "" {
		value, ok := node.Attrs[field.Attr]
		return value, ok
	}

	child := node.Child(field.elementTag())
	if child == nil {
		return "", false
	}
	if field.Attr != "" {
		value, ok := child.Attrs[field.Attr]
		return value, ok
	}
	return child.Text, true
}

func validateList(node *Node, field *Field) ([]map[string]any, error) {
	wrapper := node.Child(field.elementTag())
	if wrapper == nil {
		if field.Required {
			return nil, errors.Errorf("缺少必需字段: %s", field.elementTag())
		}
		return []map[string]any{}, nil
	}

	items := wrapper.ChildList(field.List.ItemTag)
	if len(items) == 0 {
		// An empty or text-only wrapper means no items.
		return []map[string]any{}, nil
	}

	results := make([]map[string]any, 0, len(items))
	var violations *multierror.Error
	for i, item := range items {
		values, err := Validate(item, field.List.Schema)
		if err != nil {
			inner := err
			if verr, ok := err.(*ValidationError); ok {
				inner = verr.Err
			}
			violations = multierror.Append(violations, errors.Wrapf(inner, "%s[%d]", field.List.ItemTag, i))
			continue
		}
		results = append(results, values)
	}
	if err := violations.ErrorOrNil(); err != nil {
		return nil, err
	}
	return results, nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
