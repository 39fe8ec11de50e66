package microprocessor

import (
	"fmt"
	"sync"
)

// EventBuffer collects the events published by a single handler or query
// invocation. It is safe for concurrent use.
type EventBuffer struct {
	mu     sync.Mutex
	stream MessageStream
	reject string
}

func newEventBuffer() *EventBuffer {
	return &EventBuffer{}
}

// newRejectingBuffer returns a buffer whose Publish always fails, naming
// reason in the error.
func newRejectingBuffer(reason string) *EventBuffer {
	return &EventBuffer{reject: reason}
}

// Publish appends msg to the buffer.
func (b *EventBuffer) Publish(msg any) error {
	return b.PublishWith(msg, nil)
}

// PublishWith appends msg to the buffer. When the event is handled,
// handler runs instead of the handlers in the Registry.
func (b *EventBuffer) PublishWith(msg any, handler MessageHandlerFunc[any]) error {
	if b.reject != "" {
		return fmt.Errorf("%w: %s (%T)", ErrPublishNotAllowed, b.reject, msg)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = b.stream.AppendWith(msg, handler)
	return nil
}

// Stream returns the events published so far.
func (b *EventBuffer) Stream() MessageStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stream
}

// Count returns the number of events published so far.
func (b *EventBuffer) Count() int {
	return b.Stream().Count()
}
