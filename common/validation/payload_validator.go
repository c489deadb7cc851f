package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
)

// Kind is the JSON shape a field must have
type Kind string

const (
	KindString     Kind = "string"
	KindNumber     Kind = "number"
	KindInteger    Kind = "integer"
	KindBool       Kind = "bool"
	KindStringList Kind = "string_list"
	KindUUID       Kind = "uuid"
)

// FieldSpec describes one payload field
type FieldSpec struct {
	Name     string
	Kind     Kind
	Required bool
}

// Rule is a CEL expression over the payload, bound to the variable r.
// It must evaluate to true for the payload to be valid.
type Rule struct {
	Field   string
	Expr    string
	Message string
}

// Schema is the payload contract for one resource type
type Schema struct {
	Type   string
	Fields []FieldSpec
	Rules  []Rule
}

// FieldError reports a problem with one field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a list of field problems
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fmt.Sprintf("%s: %s", fe.Field, fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ReservedFields may never appear in a payload
var ReservedFields = map[string]struct{}{
	"id":         {},
	"type":       {},
	"version":    {},
	"created_at": {},
	"updated_at": {},
}

type compiledRule struct {
	Rule
	prg cel.Program
}

type compiledSchema struct {
	fields map[string]FieldSpec
	order  []FieldSpec
	rules  []compiledRule
}

// PayloadValidator checks proposed payloads against per-type schemas
type PayloadValidator struct {
	schemas map[string]*compiledSchema
}

// NewPayloadValidator compiles every rule up front
func NewPayloadValidator(schemas []Schema) (*PayloadValidator, error) {
	env, err := cel.NewEnv(
		cel.Variable("r", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	v := &PayloadValidator{schemas: make(map[string]*compiledSchema, len(schemas))}
	for _, s := range schemas {
		cs := &compiledSchema{fields: make(map[string]FieldSpec, len(s.Fields)), order: s.Fields}
		for _, f := range s.Fields {
			cs.fields[f.Name] = f
		}
		for _, r := range s.Rules {
			ast, issues := env.Compile(r.Expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("rule %s.%s: CEL compilation error: %w", s.Type, r.Field, issues.Err())
			}
			if !ast.OutputType().IsExactType(cel.BoolType) {
				return nil, fmt.Errorf("rule %s.%s: expression must return bool", s.Type, r.Field)
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("rule %s.%s: failed to create CEL program: %w", s.Type, r.Field, err)
			}
			cs.rules = append(cs.rules, compiledRule{Rule: r, prg: prg})
		}
		v.schemas[s.Type] = cs
	}
	return v, nil
}

// ValidateShape checks that a partial payload only names known fields with
// the right JSON types. null is accepted for any field and clears it on merge.
func (v *PayloadValidator) ValidateShape(resourceType string, payload json.RawMessage) error {
	cs, doc, err := v.decode(resourceType, payload)
	if err != nil {
		return err
	}
	if errs := cs.shape(doc); len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateComplete checks a fully merged document: shape, required fields
// and every business rule.
func (v *PayloadValidator) ValidateComplete(resourceType string, doc json.RawMessage) error {
	cs, fields, err := v.decode(resourceType, doc)
	if err != nil {
		return err
	}
	if errs := cs.shape(fields); len(errs) > 0 {
		return errs
	}

	for k, val := range fields {
		if val == nil {
			delete(fields, k)
		}
	}

	var errs Errors
	for _, f := range cs.order {
		if !f.Required {
			continue
		}
		val, ok := fields[f.Name]
		if !ok {
			errs = append(errs, FieldError{Field: f.Name, Message: "is required"})
			continue
		}
		if s, isString := val.(string); isString && strings.TrimSpace(s) == "" {
			errs = append(errs, FieldError{Field: f.Name, Message: "must not be blank"})
		}
	}
	if len(errs) > 0 {
		return errs
	}

	input := map[string]interface{}{"r": fields}
	for _, r := range cs.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			errs = append(errs, FieldError{Field: r.Field, Message: r.Message})
			continue
		}
		if ok, isBool := out.Value().(bool); !isBool || !ok {
			errs = append(errs, FieldError{Field: r.Field, Message: r.Message})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Types returns the resource types this validator knows
func (v *PayloadValidator) Types() []string {
	out := make([]string, 0, len(v.schemas))
	for t := range v.schemas {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (v *PayloadValidator) decode(resourceType string, payload json.RawMessage) (*compiledSchema, map[string]interface{}, error) {
	cs, ok := v.schemas[resourceType]
	if !ok {
		return nil, nil, Errors{{Field: "type", Message: fmt.Sprintf("unknown resource type %q", resourceType)}}
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil || doc == nil {
		return nil, nil, Errors{{Field: "payload", Message: "must be a JSON object"}}
	}
	return cs, doc, nil
}

func (cs *compiledSchema) shape(doc map[string]interface{}) Errors {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs Errors
	for _, k := range keys {
		if _, reserved := ReservedFields[k]; reserved {
			errs = append(errs, FieldError{Field: k, Message: "is reserved"})
			continue
		}
		def, known := cs.fields[k]
		if !known {
			errs = append(errs, FieldError{Field: k, Message: "is not a known field"})
			continue
		}
		if val := doc[k]; val != nil && !kindMatches(def.Kind, val) {
			errs = append(errs, FieldError{Field: k, Message: "must be " + describeKind(def.Kind)})
		}
	}
	return errs
}

func kindMatches(kind Kind, val interface{}) bool {
	switch kind {
	case KindString:
		_, ok := val.(string)
		return ok
	case KindNumber:
		_, ok := val.(float64)
		return ok
	case KindInteger:
		n, ok := val.(float64)
		return ok && n == math.Trunc(n)
	case KindBool:
		_, ok := val.(bool)
		return ok
	case KindStringList:
		list, ok := val.([]interface{})
		if !ok {
			return false
		}
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	case KindUUID:
		s, ok := val.(string)
		if !ok {
			return false
		}
		_, err := uuid.Parse(s)
		return err == nil
	}
	return false
}

func describeKind(kind Kind) string {
	switch kind {
	case KindString:
		return "a string"
	case KindNumber:
		return "a number"
	case KindInteger:
		return "an integer"
	case KindBool:
		return "a boolean"
	case KindStringList:
		return "a list of strings"
	case KindUUID:
		return "a UUID"
	}
	return string(kind)
}
