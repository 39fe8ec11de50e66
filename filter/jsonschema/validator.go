// Package jsonschema validates messages against JSON Schema definitions
// before they reach their handlers.
//
// Schemas are the source of truth for message contracts. Register them per
// Go type at startup, written by hand or inferred from the type, and add the
// validator's filter to the processor:
//
//	v := jsonschema.NewValidator()
//	v.MustRegister(PlaceOrderCommand{}, placeOrderSchema)
//	jsonschema.MustRegisterType[CancelOrderCommand](v, nil)
//	p := microprocessor.New(reg, microprocessor.Config{
//	    Filters: []microprocessor.Filter{v.Filter()},
//	})
//
// The Validator also satisfies outbox.Marshaler, so outgoing events are
// checked against the same contracts.
package jsonschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	inferred "github.com/google/jsonschema-go/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/fxsml/microprocessor"
)

// Validator checks the JSON encoding of values against per-type schemas.
// Types without a registered schema pass without validation.
type Validator struct {
	mu       sync.RWMutex
	compiler *jschema.Compiler
	schemas  map[reflect.Type]*entry
}

type entry struct {
	compiled *jschema.Schema
	raw      json.RawMessage
}

// NewValidator creates a validator without schemas.
func NewValidator() *Validator {
	return &Validator{
		compiler: jschema.NewCompiler(),
		schemas:  make(map[reflect.Type]*entry),
	}
}

// Register associates a JSON Schema with the type of v. The schema is
// compiled immediately.
func (v *Validator) Register(value any, schemaJSON string) error {
	t := elemType(value)
	if t == nil {
		return fmt.Errorf("jsonschema: cannot register schema for nil")
	}
	return v.register(t, schemaJSON)
}

// RegisterType infers the schema of T from its definition and struct tags
// and registers it. Fields without omitempty are required and no other
// properties are allowed. refine, if not nil, may tighten the inferred
// schema before it is compiled.
func RegisterType[T any](v *Validator, refine func(s *inferred.Schema)) error {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	s, err := inferred.ForType(t, &inferred.ForOptions{})
	if err != nil {
		return fmt.Errorf("jsonschema: inferring schema for %s: %w", t, err)
	}
	if refine != nil {
		refine(s)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("jsonschema: encoding schema for %s: %w", t, err)
	}
	return v.register(t, string(data))
}

// MustRegisterType is like RegisterType but panics on error.
func MustRegisterType[T any](v *Validator, refine func(s *inferred.Schema)) {
	if err := RegisterType[T](v, refine); err != nil {
		panic(err)
	}
}

func (v *Validator) register(t reflect.Type, schemaJSON string) error {
	uri := schemaURI(t)

	doc, err := jschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("jsonschema: parsing schema for %s: %w", t, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.compiler.AddResource(uri, doc); err != nil {
		return fmt.Errorf("jsonschema: adding resource for %s: %w", t, err)
	}
	compiled, err := v.compiler.Compile(uri)
	if err != nil {
		return fmt.Errorf("jsonschema: compiling schema for %s: %w", t, err)
	}
	v.schemas[t] = &entry{compiled: compiled, raw: json.RawMessage(schemaJSON)}
	return nil
}

// MustRegister is like Register but panics on error.
func (v *Validator) MustRegister(value any, schemaJSON string) {
	if err := v.Register(value, schemaJSON); err != nil {
		panic(err)
	}
}

// Schema returns the raw JSON Schema for the type of value, or nil.
func (v *Validator) Schema(value any) json.RawMessage {
	if e := v.entry(value); e != nil {
		return e.raw
	}
	return nil
}

// Schemas returns a JSON Schema document containing all registered schemas
// under $defs, keyed by Go type name.
func (v *Validator) Schemas() json.RawMessage {
	v.mu.RLock()
	defer v.mu.RUnlock()

	defs := make(map[string]json.RawMessage, len(v.schemas))
	for t, e := range v.schemas {
		defs[t.Name()] = e.raw
	}
	doc := struct {
		Schema string                     `json:"$schema"`
		Defs   map[string]json.RawMessage `json:"$defs"`
	}{
		Schema: "https://json-schema.org/draft/2020-12/schema",
		Defs:   defs,
	}
	data, _ := json.Marshal(doc)
	return data
}

// Validate checks the JSON encoding of value against its schema.
func (v *Validator) Validate(value any) error {
	e := v.entry(value)
	if e == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return e.validate(data)
}

// Marshal encodes value to JSON and validates the result.
func (v *Validator) Marshal(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if e := v.entry(value); e != nil {
		if err := e.validate(data); err != nil {
			return nil, fmt.Errorf("marshal validation: %w", err)
		}
	}
	return data, nil
}

// Unmarshal validates data against the schema of value's type, then
// decodes it. Missing required fields are caught before they would be
// filled with zero values.
func (v *Validator) Unmarshal(data []byte, value any) error {
	if e := v.entry(value); e != nil {
		if err := e.validate(data); err != nil {
			return fmt.Errorf("unmarshal validation: %w", err)
		}
	}
	return json.Unmarshal(data, value)
}

// DataContentType returns "application/json".
func (v *Validator) DataContentType() string {
	return "application/json"
}

// Filter returns a filter in ValidationStage rejecting messages that do not
// match their schema with an unprocessable entity error.
func (v *Validator) Filter() microprocessor.Filter {
	check := func(msg any) error {
		if msg == nil {
			return nil
		}
		if err := v.Validate(msg); err != nil {
			return microprocessor.NewUnprocessableError(fmt.Sprintf("%T does not match its schema", msg), err)
		}
		return nil
	}
	return microprocessor.NewFilter(microprocessor.FilterConfig{
		Stage:    microprocessor.ValidationStage,
		Position: 10,
		Handle: func(next microprocessor.HandleFunc) microprocessor.HandleFunc {
			return func(ctx *microprocessor.Context, msg any) (microprocessor.HandleResult, error) {
				if err := check(msg); err != nil {
					return microprocessor.HandleResult{}, err
				}
				return next(ctx, msg)
			}
		},
		Execute: func(next microprocessor.ExecuteFunc) microprocessor.ExecuteFunc {
			return func(ctx *microprocessor.Context, msg any) (microprocessor.ExecuteResult, error) {
				if err := check(msg); err != nil {
					return microprocessor.ExecuteResult{}, err
				}
				return next(ctx, msg)
			}
		},
	})
}

func (v *Validator) entry(value any) *entry {
	t := elemType(value)
	if t == nil {
		return nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.schemas[t]
}

func (e *entry) validate(data []byte) error {
	inst, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return e.compiled.Validate(inst)
}

func elemType(v any) reflect.Type {
	t := reflect.TypeOf(v)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func schemaURI(t reflect.Type) string {
	return fmt.Sprintf("urn:microprocessor:schema:%s/%s", t.PkgPath(), t.Name())
}
