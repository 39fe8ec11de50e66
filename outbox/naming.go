package outbox

import (
	"reflect"
	"strings"
	"unicode"
)

// NamingStrategy derives the CloudEvents type of a message from its Go
// type. An empty result means the type cannot be named.
type NamingStrategy func(t reflect.Type) string

var (
	// DotNaming joins the lowercase words of the type name with dots:
	// OrderPlaced becomes "order.placed".
	DotNaming NamingStrategy = joinWords(".")

	// KebabNaming joins them with hyphens: "order-placed".
	KebabNaming NamingStrategy = joinWords("-")

	// SnakeNaming joins them with underscores: "order_placed".
	SnakeNaming NamingStrategy = joinWords("_")
)

// WithPrefix qualifies the names of base with a reverse-DNS style prefix,
// e.g. WithPrefix("com.example.orders", DotNaming) names OrderPlaced
// "com.example.orders.order.placed".
func WithPrefix(prefix string, base NamingStrategy) NamingStrategy {
	prefix = strings.TrimSuffix(prefix, ".")
	return func(t reflect.Type) string {
		name := base(t)
		if name == "" || prefix == "" {
			return name
		}
		return prefix + "." + name
	}
}

// WithPackage qualifies the names of base with the name of the package
// declaring the type: OrderPlaced in package orders becomes
// "orders.order.placed" with DotNaming.
func WithPackage(base NamingStrategy) NamingStrategy {
	return func(t reflect.Type) string {
		name := base(t)
		path := named(t).PkgPath()
		if name == "" || path == "" {
			return name
		}
		return path[strings.LastIndexByte(path, '/')+1:] + "." + name
	}
}

func joinWords(sep string) NamingStrategy {
	return func(t reflect.Type) string {
		return strings.Join(words(typeName(t)), sep)
	}
}

func named(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// typeName returns the declared name of t without type arguments.
func typeName(t reflect.Type) string {
	name := named(t).Name()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	return name
}

// words splits a PascalCase identifier into lowercase words. A run of
// capitals is one word, except for its last letter when a lowercase letter
// follows: HTTPRequest yields "http", "request". Digits stick to the word
// before them.
func words(s string) []string {
	var out []string
	runes := []rune(s)
	start := 0
	for i := 1; i < len(runes); i++ {
		r := runes[i]
		if r == '_' {
			if start < i {
				out = append(out, strings.ToLower(string(runes[start:i])))
			}
			start = i + 1
			continue
		}
		if !unicode.IsUpper(r) || start == i {
			continue
		}
		prev := runes[i-1]
		nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
		if !unicode.IsUpper(prev) || nextLower {
			out = append(out, strings.ToLower(string(runes[start:i])))
			start = i
		}
	}
	if start < len(runes) {
		out = append(out, strings.ToLower(string(runes[start:])))
	}
	return out
}
