// Package config overlays configuration structs with values from the
// environment, .env files and YAML documents.
//
// Environment variable names follow the pattern
//
//	{PREFIX}_{SECTION}_{FIELD}
//
// where the prefix defaults to MICROPROCESSOR and field names are converted
// from CamelCase to UPPER_SNAKE_CASE. Named nested structs add a segment,
// embedded structs are flattened. For the processor section:
//
//	MICROPROCESSOR_PROCESSOR_MAX_DEPTH=32
//	MICROPROCESSOR_PROCESSOR_FLUSH_TIMEOUT=5s
//
// Supported field types are string, bool, integers, floats and
// time.Duration. Other fields, such as filters and loggers, are left alone.
package config

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"reflect"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fxsml/microprocessor"
)

// DefaultPrefix is used when Loader.Prefix is empty.
const DefaultPrefix = "MICROPROCESSOR"

// ProcessorSection is the section of microprocessor.Config.
const ProcessorSection = "processor"

// Loader reads configuration values into structs. The zero value reads the
// process environment with DefaultPrefix.
type Loader struct {
	// Prefix of all variable names.
	Prefix string

	// dotenv holds values read from .env files. The process environment
	// takes precedence over them.
	dotenv map[string]string

	// lookup overrides os.LookupEnv for testing.
	lookup func(string) (string, bool)
}

// WithDotEnv returns a copy of l that falls back to the variables defined in
// the given .env files. Later files override earlier ones. Without paths,
// ".env" in the working directory is read.
func (l Loader) WithDotEnv(paths ...string) (Loader, error) {
	values, err := godotenv.Read(paths...)
	if err != nil {
		return l, fmt.Errorf("config: read dotenv: %w", err)
	}
	merged := make(map[string]string, len(l.dotenv)+len(values))
	maps.Copy(merged, l.dotenv)
	maps.Copy(merged, values)
	l.dotenv = merged
	return l, nil
}

func (l Loader) prefix() string {
	if l.Prefix == "" {
		return DefaultPrefix
	}
	return l.Prefix
}

func (l Loader) get(key string) (string, bool) {
	lookup := os.LookupEnv
	if l.lookup != nil {
		lookup = l.lookup
	}
	if v, ok := lookup(key); ok {
		return v, true
	}
	v, ok := l.dotenv[key]
	return v, ok
}

// Load overlays the struct pointed to by dst with the variables of section.
// Fields without a variable keep their current value, so Load can be
// applied on top of programmatic defaults.
func (l Loader) Load(section string, dst any) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: dst must be a pointer to a struct, got %T", dst)
	}
	var errs []error
	walk(l.sectionPrefix(section), v.Elem(), func(key string, field reflect.Value) {
		raw, ok := l.get(key)
		if !ok {
			return
		}
		if err := setField(field, raw); err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
		}
	})
	return errors.Join(errs...)
}

// Keys returns the variable names Load checks for dst, which may be a
// struct or a pointer to one.
func (l Loader) Keys(section string, dst any) []string {
	v := reflect.ValueOf(dst)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	var keys []string
	walk(l.sectionPrefix(section), v, func(key string, _ reflect.Value) {
		keys = append(keys, key)
	})
	return keys
}

func (l Loader) sectionPrefix(section string) string {
	return l.prefix() + "_" + normalizeSection(section)
}

// Processor overlays cfg with the processor section.
func (l Loader) Processor(cfg *microprocessor.Config) error {
	return l.Load(ProcessorSection, cfg)
}

// Load overlays dst using the process environment and DefaultPrefix.
func Load(section string, dst any) error {
	return Loader{}.Load(section, dst)
}

// Keys returns the variable names Load checks for dst.
func Keys(section string, dst any) []string {
	return Loader{}.Keys(section, dst)
}

// LoadYAML decodes a YAML document into dst. Unknown fields are rejected.
// Durations are written as strings such as "5s". An empty document leaves
// dst unchanged.
func LoadYAML(r io.Reader, dst any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// LoadYAMLFile decodes the YAML file at path into dst.
func LoadYAMLFile(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	return LoadYAML(f, dst)
}
