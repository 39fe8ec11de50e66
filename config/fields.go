package config

import (
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var durationType = reflect.TypeFor[time.Duration]()

// walk calls visit for every supported field of v with its variable name.
// Named nested structs extend the prefix; embedded structs, exported or
// not, are flattened into it.
func walk(prefix string, v reflect.Value, visit func(key string, field reflect.Value)) {
	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		fv := v.Field(i)

		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			walk(prefix, fv, visit)
			continue
		}
		if !field.IsExported() {
			continue
		}

		key := prefix + "_" + toUpperSnake(field.Name)
		switch {
		case field.Type == durationType || isScalar(field.Type.Kind()):
			visit(key, fv)
		case field.Type.Kind() == reflect.Struct:
			walk(key, fv, visit)
		}
	}
}

func isScalar(k reflect.Kind) bool {
	switch k {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func setField(v reflect.Value, raw string) error {
	if v.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		v.SetInt(int64(d))
		return nil
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	}
	return nil
}

// normalizeSection uppercases letters, maps hyphens, spaces and
// underscores to underscores and drops everything else.
func normalizeSection(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(unicode.ToUpper(r))
		case r == '-' || r == ' ' || r == '_':
			b.WriteRune('_')
		}
	}
	return b.String()
}

// toUpperSnake converts a Go CamelCase name to UPPER_SNAKE_CASE.
//
//	MaxDepth     → MAX_DEPTH
//	FlushTimeout → FLUSH_TIMEOUT
//	HTTPClient   → HTTP_CLIENT
func toUpperSnake(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteRune('_')
			}
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
