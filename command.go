package microprocessor

import (
	"reflect"
	"strings"
)

// Command marks messages that request a change. Failures while handling a
// command are reported to the caller as client faults.
type Command interface {
	Command()
}

// CommandPolicy decides whether a message is a command.
type CommandPolicy func(msg any) bool

// DefaultCommandPolicy treats messages implementing Command as commands.
// Messages whose type name ends in "Command" are accepted as well.
func DefaultCommandPolicy(msg any) bool {
	if _, ok := msg.(Command); ok {
		return true
	}
	t := reflect.TypeOf(msg)
	if t == nil {
		return false
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return strings.HasSuffix(t.Name(), "Command")
}
