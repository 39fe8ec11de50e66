package microprocessor

import (
	"fmt"
	"iter"
)

// IndexError is returned by MessageStream.At when the index is outside [0, Count).
type IndexError struct {
	Index int
	Count int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("microprocessor: index %d out of range [0, %d)", e.Index, e.Count)
}

// MessageStream is an immutable, ordered sequence of messages.
//
// Streams are persistent: appending returns a new stream that shares its
// structure with the original, so building a stream of n messages costs O(n)
// in total. The zero value is an empty stream.
//
// Every message may carry a handler that is invoked instead of the handlers
// resolved from the Registry when the stream is processed.
type MessageStream struct {
	root *streamNode
}

// streamNode is either a leaf holding one message or an inner node
// concatenating two non-empty sub-streams.
type streamNode struct {
	left    *streamNode
	right   *streamNode
	count   int
	msg     any
	handler MessageHandlerFunc[any]
}

func (n *streamNode) leaf() bool {
	return n.left == nil
}

// NewMessageStream creates a stream containing msgs in order.
func NewMessageStream(msgs ...any) MessageStream {
	var s MessageStream
	for _, msg := range msgs {
		s = s.Append(msg)
	}
	return s
}

// Count returns the number of messages in the stream.
func (s MessageStream) Count() int {
	if s.root == nil {
		return 0
	}
	return s.root.count
}

// IsEmpty reports whether the stream contains no messages.
func (s MessageStream) IsEmpty() bool {
	return s.root == nil
}

// Append returns a new stream with msg placed last.
func (s MessageStream) Append(msg any) MessageStream {
	return s.AppendWith(msg, nil)
}

// AppendWith returns a new stream with msg placed last. When the stream is
// processed, handler is invoked for msg instead of the registered handlers.
// A nil handler behaves like Append.
func (s MessageStream) AppendWith(msg any, handler MessageHandlerFunc[any]) MessageStream {
	return s.AppendStream(MessageStream{root: &streamNode{count: 1, msg: msg, handler: handler}})
}

// AppendStream concatenates other to s. If either stream is empty the other
// one is returned as is.
func (s MessageStream) AppendStream(other MessageStream) MessageStream {
	if other.root == nil {
		return s
	}
	if s.root == nil {
		return other
	}
	return MessageStream{root: &streamNode{
		left:  s.root,
		right: other.root,
		count: s.root.count + other.root.count,
	}}
}

// At returns the message at index i.
func (s MessageStream) At(i int) (any, error) {
	if i < 0 || i >= s.Count() {
		return nil, &IndexError{Index: i, Count: s.Count()}
	}
	n := s.root
	for !n.leaf() {
		if i < n.left.count {
			n = n.left
			continue
		}
		i -= n.left.count
		n = n.right
	}
	return n.msg, nil
}

// Messages returns the messages of the stream as a new slice.
func (s MessageStream) Messages() []any {
	msgs := make([]any, 0, s.Count())
	s.walk(func(n *streamNode) bool {
		msgs = append(msgs, n.msg)
		return true
	})
	return msgs
}

// All returns an iterator over the index and message of every entry.
func (s MessageStream) All() iter.Seq2[int, any] {
	return func(yield func(int, any) bool) {
		i := 0
		s.walk(func(n *streamNode) bool {
			ok := yield(i, n.msg)
			i++
			return ok
		})
	}
}

// HandleMessagesWith calls fn for every message in order, passing the
// handler appended with the message (nil if none). Each call completes
// before the next one starts; the first error stops the iteration.
func (s MessageStream) HandleMessagesWith(fn func(msg any, handler MessageHandlerFunc[any]) error) error {
	var err error
	s.walk(func(n *streamNode) bool {
		err = fn(n.msg, n.handler)
		return err == nil
	})
	return err
}

func (s MessageStream) String() string {
	return fmt.Sprintf("MessageStream(%d)", s.Count())
}

// walk visits the leaves left to right. An explicit stack keeps long
// append chains from growing the goroutine stack.
func (s MessageStream) walk(visit func(n *streamNode) bool) {
	if s.root == nil {
		return
	}
	stack := []*streamNode{s.root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.leaf() {
			if !visit(n) {
				return
			}
			continue
		}
		stack = append(stack, n.right, n.left)
	}
}
