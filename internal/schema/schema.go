// Package schema derives the externally visible request and response
// models of a datasource. Descriptors are computed once at startup and
// served from the schema endpoint; they never fail registration, only
// degrade to untyped passthrough.
package schema

import (
	"github.com/leapstack-labs/leapserve/internal/config"
	"github.com/leapstack-labs/leapserve/internal/meta"
)

// ParamIn distinguishes where a parameter travels.
type ParamIn string

const (
	InQuery ParamIn = "query"
	InBody  ParamIn = "body"
)

// ParamField is one accepted request parameter.
type ParamField struct {
	// Name is the full key including the operator postfix.
	Name string `json:"name"`

	Column   string          `json:"column,omitempty"`
	Operator config.Operator `json:"operator,omitempty"`
	Type     string          `json:"type"`
	In       ParamIn         `json:"in"`

	// Repeated marks parameters accepting multiple values.
	Repeated bool `json:"repeated,omitempty"`

	Required bool `json:"required,omitempty"`
	Default  any  `json:"default,omitempty"`
}

// ParamDescriptor is the full request model of a datasource.
type ParamDescriptor struct {
	Fields []ParamField `json:"fields"`
}

// FieldKind tags response field descriptors.
type FieldKind string

const (
	KindPrimitive FieldKind = "primitive"
	KindStruct    FieldKind = "struct"
	KindList      FieldKind = "list"
	KindMap       FieldKind = "map"

	// KindAny is the untyped passthrough for sources without readable
	// metadata or type shapes the model cannot express.
	KindAny FieldKind = "any"
)

// FieldDescriptor describes one response column or nested member.
type FieldDescriptor struct {
	Name     string            `json:"name,omitempty"`
	Kind     FieldKind         `json:"kind"`
	Type     string            `json:"type,omitempty"`
	Nullable bool              `json:"nullable,omitempty"`
	Fields   []FieldDescriptor `json:"fields,omitempty"`
	Element  *FieldDescriptor  `json:"element,omitempty"`
	Key      *FieldDescriptor  `json:"key,omitempty"`
	Value    *FieldDescriptor  `json:"value,omitempty"`
}

// ResponseDescriptor is the row model of a datasource.
type ResponseDescriptor struct {
	// Untyped is set when no schema could be derived; rows pass through
	// as-is.
	Untyped bool              `json:"untyped,omitempty"`
	Fields  []FieldDescriptor `json:"fields,omitempty"`
}

// ParamModel expands resolved parameter definitions into the request
// model: one field per accepted name and operator postfix, and one
// list-of-maps body field per combination parameter.
func ParamModel(resolved []config.Param, m *meta.Metadata) ParamDescriptor {
	var fields []ParamField
	for _, p := range resolved {
		if p.Combination {
			fields = append(fields, ParamField{
				Name:     p.Name,
				Type:     "object",
				In:       InBody,
				Repeated: true,
				Required: p.Required,
			})
			continue
		}

		colType := columnType(p.PhysicalColumn(), m)
		for _, op := range p.Operators {
			fields = append(fields, ParamField{
				Name:     p.Name + op.Postfix(),
				Column:   p.PhysicalColumn(),
				Operator: op,
				Type:     paramType(op, colType),
				In:       InQuery,
				Repeated: repeatedOperator(op),
				Required: p.Required && op == config.OpEq,
				Default:  defaultFor(p, op),
			})
		}
	}
	return ParamDescriptor{Fields: fields}
}

func columnType(column string, m *meta.Metadata) string {
	if m == meta.None {
		return "string"
	}
	f, ok := m.Lookup(column)
	if !ok || f.Type.Kind != meta.KindPrimitive {
		return "string"
	}
	return f.Type.Primitive
}

// paramType is the wire type of one operator's value.
func paramType(op config.Operator, colType string) string {
	switch op {
	case config.OpNull, config.OpNotNull:
		return "boolean"
	default:
		return colType
	}
}

func repeatedOperator(op config.Operator) bool {
	switch op {
	case config.OpIn, config.OpNotIn, config.OpBetween, config.OpNotBetween:
		return true
	default:
		return false
	}
}

func defaultFor(p config.Param, op config.Operator) any {
	if op != config.OpEq {
		return nil
	}
	return p.Default
}

// ResponseModel maps the metadata type tree onto the response model.
// Hidden columns are excluded. Sources without metadata degrade to an
// untyped descriptor.
func ResponseModel(m *meta.Metadata) ResponseDescriptor {
	if m == meta.None {
		return ResponseDescriptor{Untyped: true}
	}

	var fields []FieldDescriptor
	for _, f := range m.Fields {
		if meta.HiddenColumn(f.Name) {
			continue
		}
		fields = append(fields, fieldDescriptor(f))
	}
	return ResponseDescriptor{Fields: fields}
}

func fieldDescriptor(f meta.Field) FieldDescriptor {
	d := typeDescriptor(f.Type)
	d.Name = f.Name
	d.Nullable = f.Nullable
	return d
}

func typeDescriptor(t meta.Type) FieldDescriptor {
	switch t.Kind {
	case meta.KindPrimitive:
		return FieldDescriptor{Kind: KindPrimitive, Type: t.Primitive}
	case meta.KindStruct:
		fields := make([]FieldDescriptor, 0, len(t.Fields))
		for _, f := range t.Fields {
			fields = append(fields, fieldDescriptor(f))
		}
		return FieldDescriptor{Kind: KindStruct, Fields: fields}
	case meta.KindList:
		if t.Element == nil {
			return FieldDescriptor{Kind: KindAny}
		}
		elem := typeDescriptor(*t.Element)
		return FieldDescriptor{Kind: KindList, Element: &elem}
	case meta.KindMap:
		if t.Key == nil || t.Value == nil {
			return FieldDescriptor{Kind: KindAny}
		}
		key := typeDescriptor(*t.Key)
		value := typeDescriptor(*t.Value)
		return FieldDescriptor{Kind: KindMap, Key: &key, Value: &value}
	default:
		return FieldDescriptor{Kind: KindAny}
	}
}
