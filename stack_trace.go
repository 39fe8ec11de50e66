package microprocessor

import "slices"

// StackTrace is the chain of messages currently being handled within an
// operation, innermost last. It is owned by a single operation and is not
// safe for concurrent use.
type StackTrace struct {
	entries       []MessageInfo
	defaultSource MessageSource
}

// NewStackTrace creates an empty stack trace whose CurrentSource is
// defaultSource while no message is in flight.
func NewStackTrace(defaultSource MessageSource) *StackTrace {
	return &StackTrace{defaultSource: defaultSource}
}

// Push puts info on top of the stack.
func (t *StackTrace) Push(info MessageInfo) {
	t.entries = append(t.entries, info)
}

// Pop removes the top entry. Popping an empty stack is a programming
// error and panics.
func (t *StackTrace) Pop() MessageInfo {
	if len(t.entries) == 0 {
		panic("microprocessor: pop on empty stack trace")
	}
	top := t.entries[len(t.entries)-1]
	t.entries[len(t.entries)-1] = MessageInfo{}
	t.entries = t.entries[:len(t.entries)-1]
	return top
}

// Current returns the top entry, if any.
func (t *StackTrace) Current() (MessageInfo, bool) {
	if len(t.entries) == 0 {
		return MessageInfo{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// CurrentSource returns the source of the top entry, or the default source
// when the stack is empty.
func (t *StackTrace) CurrentSource() MessageSource {
	if info, ok := t.Current(); ok {
		return info.Source
	}
	return t.defaultSource
}

// Count returns the number of entries.
func (t *StackTrace) Count() int {
	return len(t.entries)
}

// Entries returns a copy of the entries, bottom first.
func (t *StackTrace) Entries() []MessageInfo {
	return slices.Clone(t.entries)
}

func (t *StackTrace) clone() *StackTrace {
	return &StackTrace{
		entries:       slices.Clone(t.entries),
		defaultSource: t.defaultSource,
	}
}
